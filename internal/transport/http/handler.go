package httptransport

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
	"mailbus/kernel/internal/monitoring"
)

// Handler 聚合消息收发相关的 HTTP 处理逻辑。
type Handler struct {
	mb      *mailbox.Mailbox
	pending *pendingAcks
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandler 创建消息处理器
func NewHandler(mb *mailbox.Mailbox, pending *pendingAcks, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		mb:      mb,
		pending: pending,
		metrics: metrics,
		logger:  logger,
	}
}

// postRequest 投递消息的请求体
type postRequest struct {
	ID      string            `json:"id"`
	From    string            `json:"from" binding:"required"`
	To      string            `json:"to" binding:"required"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body" binding:"required"`
}

// messagePayload 消息的响应表示
type messagePayload struct {
	ID         string            `json:"id"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body"`
	ReceivedAt time.Time         `json:"received_at"`
	NeedsAck   bool              `json:"needs_ack"`
}

func toPayload(msg *domain.MailMessage, needsAck bool) messagePayload {
	return messagePayload{
		ID:         msg.ID,
		From:       msg.From.String(),
		To:         msg.To.String(),
		Headers:    msg.Headers,
		Body:       msg.Body,
		ReceivedAt: msg.ReceivedAt,
		NeedsAck:   needsAck,
	}
}

// PostMessage 投递一条消息
//
//	POST /api/v1/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	from, err := domain.ParseAddress(req.From)
	if err != nil {
		BadRequest(c, MsgInvalidAddress)
		return
	}
	to, err := domain.ParseAddress(req.To)
	if err != nil {
		BadRequest(c, MsgInvalidAddress)
		return
	}

	msg, err := h.mb.Post(c.Request.Context(), domain.OutgoingMail{
		ID:      req.ID,
		From:    from,
		To:      to,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		h.logger.Warn("post failed", zap.String("to", req.To), zap.Error(err))
		WriteError(c, err)
		return
	}

	h.metrics.MessagesPosted.WithLabelValues(to.Protocol).Inc()
	Created(c, toPayload(msg, false))
}

// FetchMessage 拉取一条消息
//
//	GET /api/v1/messages?address=...&manual_ack=true&ack_timeout=30s
//
// 手动确认模式下句柄留存在服务端，客户端凭消息ID调用
// ack/nack 端点完成确认。无消息时返回 200 与空数据。
func (h *Handler) FetchMessage(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	opts := domain.FetchOptions{
		ManualAck: c.Query("manual_ack") == "true",
	}
	if raw := c.Query("ack_timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			BadRequest(c, MsgInvalidTimeout)
			return
		}
		opts.AckTimeout = timeout
	}

	ack, err := h.mb.Fetch(c.Request.Context(), address, opts)
	if err != nil {
		WriteError(c, err)
		return
	}
	if ack == nil {
		Success(c, nil)
		return
	}

	if ack.NeedsAck() {
		h.pending.put(ack.Message().ID, ack)
	}
	Success(c, toPayload(ack.Message(), ack.NeedsAck()))
}

// AckMessage 确认一条手动确认模式下拉取的消息
//
//	POST /api/v1/messages/:id/ack
func (h *Handler) AckMessage(c *gin.Context) {
	ack, ok := h.pending.take(c.Param("id"))
	if !ok {
		NotFound(c, MsgAckNotFound)
		return
	}
	if err := ack.Ack(); err != nil {
		// 传输错误不消耗确认机会，句柄放回待确认表
		if !errIsResolved(err) {
			h.pending.put(ack.Message().ID, ack)
		}
		WriteError(c, err)
		return
	}
	NoContent(c)
}

// nackRequest 拒绝消息的请求体
type nackRequest struct {
	Requeue bool `json:"requeue"`
}

// NackMessage 拒绝一条手动确认模式下拉取的消息
//
//	POST /api/v1/messages/:id/nack
func (h *Handler) NackMessage(c *gin.Context) {
	var req nackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidJSON)
			return
		}
	}

	ack, ok := h.pending.take(c.Param("id"))
	if !ok {
		NotFound(c, MsgAckNotFound)
		return
	}
	if err := ack.Nack(req.Requeue); err != nil {
		if !errIsResolved(err) {
			h.pending.put(ack.Message().ID, ack)
		}
		WriteError(c, err)
		return
	}
	NoContent(c)
}

// statusPayload 邮箱状态的响应表示
type statusPayload struct {
	State           string     `json:"state"`
	UnreadCount     int        `json:"unread_count"`
	InFlightCount   int        `json:"in_flight_count"`
	SubscriberCount int        `json:"subscriber_count"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
}

// MailboxStatus 查询邮箱状态
//
//	GET /api/v1/mailboxes/status?address=...
func (h *Handler) MailboxStatus(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	status, err := h.mb.Status(c.Request.Context(), address)
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, statusPayload{
		State:           string(status.State),
		UnreadCount:     status.UnreadCount,
		InFlightCount:   status.InFlightCount,
		SubscriberCount: status.SubscriberCount,
		LastActivity:    status.LastActivity,
	})
}
