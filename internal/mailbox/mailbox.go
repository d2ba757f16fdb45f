package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailbus/kernel/internal/domain"
)

// Mailbox 是路由调度器：维护协议到提供者的注册表，校验地址后把
// 每个公开操作转发给匹配的提供者。
//
// 地址解析失败与提供者缺失在触碰任何提供者状态之前同步返回；
// 提供者抛出的错误原样透传，不做二次包装。注册表可与调度操作
// 并发使用。
type Mailbox struct {
	mu        sync.RWMutex
	providers map[string]Provider

	log *zap.Logger
	now func() time.Time
}

// Option 调度器构造选项。
type Option func(*Mailbox)

// WithLogger 指定日志记录器，默认为 zap.NewNop()。
func WithLogger(log *zap.Logger) Option {
	return func(m *Mailbox) { m.log = log }
}

// WithClock 指定时间源，仅测试使用。
func WithClock(now func() time.Time) Option {
	return func(m *Mailbox) { m.now = now }
}

// New 创建调度器。
func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		providers: make(map[string]Provider),
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterProvider 以提供者声明的协议注册。
//
// 同一协议重复注册返回 ErrDuplicateProvider：静默覆盖会掩盖接线错误。
// 需要覆盖时使用 ReplaceProvider。
func (m *Mailbox) RegisterProvider(p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	protocol := p.Protocol()
	if _, exists := m.providers[protocol]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, protocol)
	}
	m.providers[protocol] = p
	m.log.Info("provider registered", zap.String("protocol", protocol))
	return nil
}

// ReplaceProvider 注册或覆盖协议对应的提供者。
func (m *Mailbox) ReplaceProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Protocol()] = p
	m.log.Info("provider replaced", zap.String("protocol", p.Protocol()))
}

// Providers 返回当前注册表的快照（protocol -> provider）。
func (m *Mailbox) Providers() map[string]Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]Provider, len(m.providers))
	for protocol, p := range m.providers {
		snapshot[protocol] = p
	}
	return snapshot
}

func (m *Mailbox) provider(protocol string) (Provider, error) {
	m.mu.RLock()
	p, ok := m.providers[protocol]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, protocol)
	}
	return p, nil
}

// Post 将消息交给目标地址协议对应的提供者。
//
// 消息 ID 未预分配时生成 UUID，并在缺失时注入 mbx-sent-at 头。
// 返回的 MailMessage 表示“已交接”的消息，不代表最终送达。
func (m *Mailbox) Post(ctx context.Context, mail domain.OutgoingMail) (*domain.MailMessage, error) {
	if mail.To.IsZero() {
		return nil, fmt.Errorf("%w: empty destination", domain.ErrInvalidAddress)
	}

	p, err := m.provider(mail.To.Protocol)
	if err != nil {
		return nil, err
	}

	id := mail.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := m.now().UTC()
	msg := domain.NewMailMessage(mail, id, now)
	if _, ok := msg.Headers[domain.HeaderSentAt]; !ok {
		msg.Headers[domain.HeaderSentAt] = now.Format(time.RFC3339Nano)
	}

	if err := p.Send(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Subscribe 解析地址并在对应提供者上注册推送回调。
func (m *Mailbox) Subscribe(ctx context.Context, address string, onReceive OnReceive) (*Subscription, error) {
	addr, err := domain.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	p, err := m.provider(addr.Protocol)
	if err != nil {
		return nil, err
	}
	return p.Subscribe(ctx, addr, onReceive)
}

// Fetch 非阻塞地从地址对应的提供者拉取一条消息。
//
// 无消息时返回 (nil, nil)。opts.ManualAck 为 false 时返回的句柄
// 已解决（消息出队即被消费）；为 true 时调用方必须 Ack/Nack，
// 否则消息在确认超时后自动回队。
func (m *Mailbox) Fetch(ctx context.Context, address string, opts domain.FetchOptions) (*AckableMessage, error) {
	addr, err := domain.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	p, err := m.provider(addr.Protocol)
	if err != nil {
		return nil, err
	}
	return p.Fetch(ctx, addr, opts)
}

// Status 返回地址对应邮箱的只读状态快照。
func (m *Mailbox) Status(ctx context.Context, address string) (*domain.MailboxStatus, error) {
	addr, err := domain.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	p, err := m.provider(addr.Protocol)
	if err != nil {
		return nil, err
	}
	return p.Status(ctx, addr)
}
