package domain

import (
	"encoding/json"
	"time"
)

// HeaderSentAt 投递时由调度器注入的发送时间头，RFC 3339 格式。
const HeaderSentAt = "mbx-sent-at"

// DefaultAckTimeout 手动确认模式下未显式指定时使用的确认超时。
const DefaultAckTimeout = 30 * time.Second

// OutgoingMail 表示一封待发送的消息，由发送方构造，调度器消费一次后不再修改。
type OutgoingMail struct {
	ID      string            `json:"id,omitempty"` // 可选的预分配消息 ID，留空时由调度器生成
	From    MailAddress       `json:"from"`
	To      MailAddress       `json:"to"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MailMessage 表示一封已进入系统的消息。
//
// ID 在所属提供者的命名空间内唯一，用于关联确认操作；ReceivedAt
// 由提供者/调度器在入队时填写。构造后不可变。
type MailMessage struct {
	ID         string            `json:"id"`
	From       MailAddress       `json:"from"`
	To         MailAddress       `json:"to"`
	Body       json.RawMessage   `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// NewMailMessage 由待发送消息构造系统内消息，复制头部避免共享可变状态。
func NewMailMessage(mail OutgoingMail, id string, receivedAt time.Time) *MailMessage {
	headers := make(map[string]string, len(mail.Headers)+1)
	for k, v := range mail.Headers {
		headers[k] = v
	}
	return &MailMessage{
		ID:         id,
		From:       mail.From,
		To:         mail.To,
		Body:       mail.Body,
		Headers:    headers,
		ReceivedAt: receivedAt,
	}
}

// MailboxState 邮箱状态枚举。
type MailboxState string

const (
	// StateActive 有订阅者或有在途（已投递未确认）消息。
	StateActive MailboxState = "active"
	// StateIdle 无订阅者且无在途消息。
	StateIdle MailboxState = "idle"
	// StateUnknown 提供者无法观测邮箱状态（例如纯外发传输）。
	StateUnknown MailboxState = "unknown"
)

// MailboxStatus 邮箱状态快照，每次查询时重新计算，不做缓存。
type MailboxStatus struct {
	State           MailboxState `json:"state"`
	UnreadCount     int          `json:"unread_count"`
	InFlightCount   int          `json:"in_flight_count"`
	SubscriberCount int          `json:"subscriber_count"`
	LastActivity    *time.Time   `json:"last_activity,omitempty"`
}

// FetchOptions 拉取消息的选项。
type FetchOptions struct {
	// ManualAck 为 true 时返回需要显式 Ack/Nack 的消息句柄，
	// 消息在确认前保持在途状态；为 false 时出队即视为已消费。
	ManualAck bool `json:"manual_ack"`

	// AckTimeout 手动确认的超时时间。零值表示使用提供者默认值
	// （内置提供者均为 DefaultAckTimeout）；负值表示永不超时，
	// 消息将一直保持在途直到被显式确认。
	AckTimeout time.Duration `json:"ack_timeout,omitempty"`
}

// EffectiveAckTimeout 归一化后的确认超时：返回 0 表示永不超时。
func (o FetchOptions) EffectiveAckTimeout() time.Duration {
	switch {
	case o.AckTimeout < 0:
		return 0
	case o.AckTimeout == 0:
		return DefaultAckTimeout
	default:
		return o.AckTimeout
	}
}
