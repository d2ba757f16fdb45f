// Package memory 提供进程内的参考提供者实现。
//
// 消息按 user@physical[/logical] 身份标识组织为 FIFO 队列；存在
// 订阅者时走推送路径扇出，否则入队等待拉取。手动确认的消息保持
// 在途，确认超时后由后台清扫回到队尾重新投递。不提供跨进程重启
// 的持久化。
package memory

import (
	"context"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
	"mailbus/kernel/internal/monitoring"
)

// DefaultProtocol 参考提供者的默认协议名。
const DefaultProtocol = "mem"

// Provider 进程内提供者，实现 mailbox.Provider 契约。
//
// 多个 Provider 实例可共享同一个 Bus：由于主题键与协议无关，
// 协议不同而 user@physical 相同的地址会命中同一个逻辑邮箱。
type Provider struct {
	protocol string
	bus      *Bus
	metrics  *monitoring.Metrics
}

// ProviderOption 提供者构造选项。
type ProviderOption func(*Provider)

// WithProtocol 覆盖默认协议名 "mem"。
func WithProtocol(protocol string) ProviderOption {
	return func(p *Provider) { p.protocol = protocol }
}

// WithProviderMetrics 接入监控指标。
func WithProviderMetrics(m *monitoring.Metrics) ProviderOption {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider 基于给定总线创建提供者。
func NewProvider(bus *Bus, opts ...ProviderOption) *Provider {
	p := &Provider{
		protocol: DefaultProtocol,
		bus:      bus,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Protocol 实现 mailbox.Provider。
func (p *Provider) Protocol() string { return p.protocol }

// Send 同步投递到共享总线：有订阅者则推送，否则入队。
func (p *Provider) Send(ctx context.Context, msg *domain.MailMessage) error {
	return p.bus.Publish(ctx, msg.To.Canonical(), msg)
}

// Subscribe 注册推送回调，同一地址支持任意数量的并发订阅者。
func (p *Provider) Subscribe(ctx context.Context, addr domain.MailAddress, onReceive mailbox.OnReceive) (*mailbox.Subscription, error) {
	id := p.bus.Subscribe(addr.Canonical(), onReceive)
	return mailbox.NewSubscription(id, addr, p), nil
}

// Unsubscribe 摘除订阅，幂等。
func (p *Provider) Unsubscribe(ctx context.Context, subscriptionID string) error {
	p.bus.Unsubscribe(subscriptionID)
	return nil
}

// Fetch 非阻塞拉取，无消息时返回 (nil, nil)。
func (p *Provider) Fetch(ctx context.Context, addr domain.MailAddress, opts domain.FetchOptions) (*mailbox.AckableMessage, error) {
	topic := addr.Canonical()

	if !opts.ManualAck {
		msg := p.bus.FetchAndForget(topic)
		if msg == nil {
			return nil, nil
		}
		p.countFetch("auto")
		return mailbox.NewResolvedMessage(msg), nil
	}

	msg := p.bus.FetchForAck(topic, opts.EffectiveAckTimeout())
	if msg == nil {
		return nil, nil
	}
	p.countFetch("manual")

	id := msg.ID
	return mailbox.NewAckableMessage(msg,
		func() error {
			if err := p.bus.Ack(id); err != nil {
				return err
			}
			if p.metrics != nil {
				p.metrics.MessagesAcked.WithLabelValues(p.protocol).Inc()
			}
			return nil
		},
		func(requeue bool) error {
			if err := p.bus.Nack(id, requeue); err != nil {
				return err
			}
			if p.metrics != nil {
				p.metrics.MessagesNacked.WithLabelValues(p.protocol, boolLabel(requeue)).Inc()
			}
			return nil
		},
	), nil
}

// Status 返回邮箱状态快照：有订阅者或在途消息时为 active，否则 idle。
func (p *Provider) Status(ctx context.Context, addr domain.MailAddress) (*domain.MailboxStatus, error) {
	ts := p.bus.Status(addr.Canonical())

	status := &domain.MailboxStatus{
		State:           domain.StateIdle,
		UnreadCount:     ts.Unread,
		InFlightCount:   ts.InFlight,
		SubscriberCount: ts.Subscribers,
	}
	if ts.Subscribers > 0 || ts.InFlight > 0 {
		status.State = domain.StateActive
	}
	if !ts.LastActivity.IsZero() {
		last := ts.LastActivity
		status.LastActivity = &last
	}
	return status, nil
}

// Ping 实现 mailbox.Pinger，进程内总线始终可用。
func (p *Provider) Ping(ctx context.Context) error { return nil }

func (p *Provider) countFetch(mode string) {
	if p.metrics != nil {
		p.metrics.MessagesFetched.WithLabelValues(p.protocol, mode).Inc()
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

var _ mailbox.Provider = (*Provider)(nil)
