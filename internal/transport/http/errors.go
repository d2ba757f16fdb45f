package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgInvalidAddress   = "邮箱地址格式无效"
	MsgInvalidTimeout   = "确认超时时间格式无效"
	MsgNoProvider       = "协议未注册任何提供者"
	MsgAlreadyResolved  = "消息已被确认或拒绝"
	MsgNotSupported     = "提供者不支持该操作"
	MsgAckNotFound      = "待确认消息不存在或已过期"
	MsgProviderFailed   = "消息提供者操作失败"
	MsgAuthRequired     = "需要登录认证"
	MsgTokenInvalid     = "无效的访问令牌"
	MsgRateLimited      = "请求过于频繁，请稍后重试"
	MsgInternalError    = "服务器内部错误，请稍后重试"
	MsgWebSocketUpgrade = "WebSocket升级失败"
)

// WriteError 把核心错误映射为 HTTP 响应
//
// 映射关系：
//
//	ErrInvalidAddress  -> 400
//	ErrNoProvider      -> 404
//	ErrAlreadyResolved -> 409
//	ErrNotSupported    -> 422
//	ProviderError      -> 502
//	其它               -> 500
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAddress):
		BadRequest(c, MsgInvalidAddress)
	case errors.Is(err, mailbox.ErrNoProvider):
		NotFound(c, MsgNoProvider)
	case errors.Is(err, mailbox.ErrAlreadyResolved):
		Conflict(c, MsgAlreadyResolved)
	case errors.Is(err, mailbox.ErrNotSupported):
		UnprocessableEntity(c, MsgNotSupported)
	default:
		var perr *mailbox.ProviderError
		if errors.As(err, &perr) {
			BadGateway(c, MsgProviderFailed)
			return
		}
		InternalError(c, MsgInternalError)
	}
}

// errIsResolved 判断错误是否表示消息已被解决
func errIsResolved(err error) bool {
	return errors.Is(err, mailbox.ErrAlreadyResolved)
}
