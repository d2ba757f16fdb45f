package mailbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvider 地址的协议没有注册对应的提供者。
	ErrNoProvider = errors.New("no provider registered for protocol")
	// ErrDuplicateProvider 协议已存在注册的提供者（注册策略拒绝覆盖）。
	ErrDuplicateProvider = errors.New("provider already registered for protocol")
	// ErrAlreadyResolved 消息句柄已被 Ack/Nack 或已因超时自动回队。
	ErrAlreadyResolved = errors.New("message already resolved")
	// ErrNotSupported 提供者不支持该操作（例如纯外发传输的 Fetch）。
	ErrNotSupported = errors.New("operation not supported by provider")
)

// ProviderError 包装提供者内部的传输失败。
//
// 调度器原样透传该错误，调用方可用 errors.As 区分路由错误与传输错误，
// 并通过 Unwrap 取得底层原因。
type ProviderError struct {
	Protocol string // 提供者协议名
	Op       string // 失败的操作：send、subscribe、fetch、status 等
	Err      error  // 底层传输错误
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Protocol, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
