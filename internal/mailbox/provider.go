package mailbox

import (
	"context"
	"errors"
	"sync"

	"mailbus/kernel/internal/domain"
)

// OnReceive 推送投递回调，订阅者每收到一条消息被调用一次。
//
// 回调可能在独立协程中执行；返回错误只影响本订阅者的这一次投递
// （由提供者记录并隔离），不会传播给发送方，也不会影响其他订阅者。
type OnReceive func(ctx context.Context, msg *domain.MailMessage) error

// Provider 是传输后端必须实现的能力契约。
//
// 任何为固定协议实现了这五个操作的后端都可以注册进调度器；
// 内核只依赖该契约，不感知后端的线协议。实现必须支持多个调用方
// 并发访问同一地址。
type Provider interface {
	// Protocol 返回该提供者负责的协议名（小写，构造时固定）。
	Protocol() string

	// Send 将消息尽力交付给传输层。对于队列型提供者即同步入队；
	// 返回 nil 只代表“已交接”，不代表最终送达。
	Send(ctx context.Context, msg *domain.MailMessage) error

	// Subscribe 注册推送回调。除非实现另有说明，同一地址支持
	// 多个并发订阅者（扇出投递）。
	Subscribe(ctx context.Context, addr domain.MailAddress, onReceive OnReceive) (*Subscription, error)

	// Unsubscribe 取消订阅。幂等：取消一个已移除的订阅不报错。
	Unsubscribe(ctx context.Context, subscriptionID string) error

	// Fetch 非阻塞地拉取一条消息，无消息时返回 (nil, nil)。
	// 手动确认模式下消息保持在途，直到句柄被 Ack/Nack 或超时回队。
	Fetch(ctx context.Context, addr domain.MailAddress, opts domain.FetchOptions) (*AckableMessage, error)

	// Status 返回邮箱状态快照。
	Status(ctx context.Context, addr domain.MailAddress) (*domain.MailboxStatus, error)
}

// Pinger 可选的健康探测能力，由有外部连接的提供者实现。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Subscription 表示一个活跃的订阅，由创建它的调用方持有并负责取消。
type Subscription struct {
	id       string
	addr     domain.MailAddress
	provider Provider
}

// NewSubscription 供提供者实现构造订阅句柄。
func NewSubscription(id string, addr domain.MailAddress, p Provider) *Subscription {
	return &Subscription{id: id, addr: addr, provider: p}
}

// ID 返回订阅标识。
func (s *Subscription) ID() string { return s.id }

// Address 返回订阅的地址。
func (s *Subscription) Address() domain.MailAddress { return s.addr }

// Unsubscribe 将订阅从提供者上摘除，可重复调用。
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.provider.Unsubscribe(ctx, s.id)
}

// AckableMessage 包装一条已拉取的消息及其确认操作。
//
// 每个句柄只允许成功解决一次：Ack 与 Nack 之中任意一个成功后，
// 后续调用均返回 ErrAlreadyResolved。自动确认模式下返回的句柄
// 出生即已解决（消息出队时已被消费）。
type AckableMessage struct {
	msg    *domain.MailMessage
	ackFn  func() error
	nackFn func(requeue bool) error

	mu       sync.Mutex
	resolved bool
}

// NewAckableMessage 供提供者实现构造手动确认句柄。
func NewAckableMessage(msg *domain.MailMessage, ack func() error, nack func(requeue bool) error) *AckableMessage {
	return &AckableMessage{msg: msg, ackFn: ack, nackFn: nack}
}

// NewResolvedMessage 构造自动确认模式下的已解决句柄。
func NewResolvedMessage(msg *domain.MailMessage) *AckableMessage {
	return &AckableMessage{msg: msg, resolved: true}
}

// Message 返回被包装的消息。
func (a *AckableMessage) Message() *domain.MailMessage { return a.msg }

// NeedsAck 返回该消息是否仍需要显式确认。
func (a *AckableMessage) NeedsAck() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.resolved
}

// Ack 确认消息，将其从队列中永久移除。
func (a *AckableMessage) Ack() error {
	return a.resolve(func() error { return a.ackFn() })
}

// Nack 拒绝消息：requeue 为 true 时消息回到队尾等待再次投递，
// 否则永久丢弃。
func (a *AckableMessage) Nack(requeue bool) error {
	return a.resolve(func() error { return a.nackFn(requeue) })
}

func (a *AckableMessage) resolve(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return ErrAlreadyResolved
	}

	err := fn()
	// 超时回队后提供者侧已不存在该在途消息，此时句柄同样视为已解决，
	// 避免对一个无效句柄反复重试。
	if err == nil || errors.Is(err, ErrAlreadyResolved) {
		a.resolved = true
	}
	return err
}
