// Package database 提供基于关系数据库的持久化提供者。
//
// 消息落在一张队列表里，自增序号充当 FIFO 排序键；出队走
// SELECT ... FOR UPDATE SKIP LOCKED，多实例并发拉取时互不阻塞且
// 每条消息至多被一个实例取走。确认即删除行，重回队列通过
// 删除后重插获得新的队尾序号。推送订阅没有数据库级的通知通道，
// 用轮询实现。
package database

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

// DefaultProtocol 数据库提供者的默认协议名。
const DefaultProtocol = "db"

const (
	stateQueued    = "queued"
	stateDelivered = "delivered"

	defaultSweepInterval = time.Second
)

// queuedMessage 队列表模型。Seq 自增主键给出 FIFO 顺序；
// Deadline 为空表示永不超时的在途消息。
type queuedMessage struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:64;uniqueIndex"`
	Topic     string `gorm:"size:512;index"`
	Payload   []byte
	State     string `gorm:"size:16;index"`
	Deadline  *time.Time
	CreatedAt time.Time
}

// TableName 指定表名
func (queuedMessage) TableName() string { return "mailbus_queue" }

// pollSubscription 一个轮询式订阅。
type pollSubscription struct {
	topic  string
	cancel context.CancelFunc
}

// Provider 数据库提供者，实现 mailbox.Provider 契约。
type Provider struct {
	protocol      string
	db            *gorm.DB
	log           *zap.Logger
	pollInterval  time.Duration
	sweepInterval time.Duration

	mu   sync.Mutex
	subs map[string]*pollSubscription
}

// ProviderOption 提供者构造选项。
type ProviderOption func(*Provider)

// WithProtocol 覆盖默认协议名 "db"。
func WithProtocol(protocol string) ProviderOption {
	return func(p *Provider) { p.protocol = protocol }
}

// WithPollInterval 指定订阅轮询周期。
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *Provider) { p.pollInterval = d }
}

// WithSweepInterval 指定在途消息超时清扫周期。
func WithSweepInterval(d time.Duration) ProviderOption {
	return func(p *Provider) { p.sweepInterval = d }
}

// NewProvider 创建数据库提供者。使用前需调用 Start 启动超时清扫。
func NewProvider(db *gorm.DB, log *zap.Logger, opts ...ProviderOption) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{
		protocol:      DefaultProtocol,
		db:            db,
		log:           log,
		pollInterval:  time.Second,
		sweepInterval: defaultSweepInterval,
		subs:          make(map[string]*pollSubscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Protocol 实现 mailbox.Provider。
func (p *Provider) Protocol() string { return p.protocol }

// Start 启动后台超时清扫，随 ctx 取消而停止。
func (p *Provider) Start(ctx context.Context) {
	go p.sweepLoop(ctx)
}

// Send 把消息追加到主题队尾。订阅者经轮询拉走消息，
// 因此这里总是入库，推送与拉取的互斥由轮询出队保证。
func (p *Provider) Send(ctx context.Context, msg *domain.MailMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "send", Err: err}
	}
	row := &queuedMessage{
		MessageID: msg.ID,
		Topic:     msg.To.Canonical(),
		Payload:   payload,
		State:     stateQueued,
	}
	if err := p.db.WithContext(ctx).Create(row).Error; err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "send", Err: err}
	}
	return nil
}

// Subscribe 以固定周期轮询队列并把消息推给回调。
// 轮询拉到的消息即刻视为已消费，回调失败只记录。
func (p *Provider) Subscribe(ctx context.Context, addr domain.MailAddress, onReceive mailbox.OnReceive) (*mailbox.Subscription, error) {
	id := uuid.NewString()
	topic := addr.Canonical()
	subCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.subs[id] = &pollSubscription{topic: topic, cancel: cancel}
	p.mu.Unlock()

	go p.pollLoop(subCtx, id, topic, onReceive)
	return mailbox.NewSubscription(id, addr, p), nil
}

// subscriberCount 返回主题的活跃轮询订阅数
func (p *Provider) subscriberCount(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, sub := range p.subs {
		if sub.topic == topic {
			count++
		}
	}
	return count
}

func (p *Provider) pollLoop(ctx context.Context, subID, topic string, onReceive mailbox.OnReceive) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 每个周期把当前积压全部排空
			for {
				msg, err := p.dequeue(ctx, topic, nil)
				if err != nil {
					if ctx.Err() == nil {
						p.log.Warn("poll dequeue failed",
							zap.String("subscription_id", subID),
							zap.Error(err),
						)
					}
					break
				}
				if msg == nil {
					break
				}
				if err := onReceive(ctx, msg); err != nil {
					p.log.Warn("push handler failed",
						zap.String("subscription_id", subID),
						zap.String("message_id", msg.ID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// Unsubscribe 停止轮询协程。幂等。
func (p *Provider) Unsubscribe(ctx context.Context, subscriptionID string) error {
	p.mu.Lock()
	sub, ok := p.subs[subscriptionID]
	if ok {
		delete(p.subs, subscriptionID)
	}
	p.mu.Unlock()

	if ok {
		sub.cancel()
	}
	return nil
}

// dequeue 取出主题队首的一条排队消息。deadline 非空时消息转入
// 在途状态等待确认，为空时直接删除（即取即焚）。
// 无消息返回 (nil, nil)。
func (p *Provider) dequeue(ctx context.Context, topic string, deadline *time.Time) (*domain.MailMessage, error) {
	var row queuedMessage
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("topic = ? AND state = ?", topic, stateQueued).
			Order("seq").
			First(&row).Error
		if err != nil {
			return err
		}
		if deadline == nil {
			return tx.Delete(&queuedMessage{}, "seq = ?", row.Seq).Error
		}
		return tx.Model(&queuedMessage{}).
			Where("seq = ?", row.Seq).
			Updates(map[string]any{"state": stateDelivered, "deadline": deadline}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg domain.MailMessage
	if err := json.Unmarshal(row.Payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Fetch 非阻塞拉取，无消息时返回 (nil, nil)。
func (p *Provider) Fetch(ctx context.Context, addr domain.MailAddress, opts domain.FetchOptions) (*mailbox.AckableMessage, error) {
	topic := addr.Canonical()

	if !opts.ManualAck {
		msg, err := p.dequeue(ctx, topic, nil)
		if err != nil {
			return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "fetch", Err: err}
		}
		if msg == nil {
			return nil, nil
		}
		return mailbox.NewResolvedMessage(msg), nil
	}

	var deadline *time.Time
	if timeout := opts.EffectiveAckTimeout(); timeout > 0 {
		d := time.Now().Add(timeout)
		deadline = &d
	} else {
		// 永不超时的在途消息用远期截止时间表示，清扫永远扫不到
		d := time.Now().AddDate(100, 0, 0)
		deadline = &d
	}

	msg, err := p.dequeue(ctx, topic, deadline)
	if err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "fetch", Err: err}
	}
	if msg == nil {
		return nil, nil
	}

	id := msg.ID
	return mailbox.NewAckableMessage(msg,
		func() error { return p.ack(id) },
		func(requeue bool) error { return p.nack(id, requeue) },
	), nil
}

func (p *Provider) ack(messageID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	res := p.db.WithContext(ctx).
		Delete(&queuedMessage{}, "message_id = ? AND state = ?", messageID, stateDelivered)
	if res.Error != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "ack", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return mailbox.ErrAlreadyResolved
	}
	return nil
}

func (p *Provider) nack(messageID string, requeue bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row queuedMessage
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("message_id = ? AND state = ?", messageID, stateDelivered).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return mailbox.ErrAlreadyResolved
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&queuedMessage{}, "seq = ?", row.Seq).Error; err != nil {
			return err
		}
		if !requeue {
			return nil
		}
		// 重插获得新的自增序号，消息回到队尾
		return tx.Create(&queuedMessage{
			MessageID: row.MessageID,
			Topic:     row.Topic,
			Payload:   row.Payload,
			State:     stateQueued,
		}).Error
	})
	if err != nil {
		if errors.Is(err, mailbox.ErrAlreadyResolved) {
			return mailbox.ErrAlreadyResolved
		}
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "nack", Err: err}
	}
	return nil
}

// Status 返回邮箱状态快照。
func (p *Provider) Status(ctx context.Context, addr domain.MailAddress) (*domain.MailboxStatus, error) {
	topic := addr.Canonical()

	var unread, inFlight int64
	if err := p.db.WithContext(ctx).Model(&queuedMessage{}).
		Where("topic = ? AND state = ?", topic, stateQueued).
		Count(&unread).Error; err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "status", Err: err}
	}
	if err := p.db.WithContext(ctx).Model(&queuedMessage{}).
		Where("topic = ? AND state = ?", topic, stateDelivered).
		Count(&inFlight).Error; err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "status", Err: err}
	}

	status := &domain.MailboxStatus{
		State:           domain.StateIdle,
		UnreadCount:     int(unread),
		InFlightCount:   int(inFlight),
		SubscriberCount: p.subscriberCount(topic),
	}
	if status.SubscriberCount > 0 || inFlight > 0 {
		status.State = domain.StateActive
	}

	var latest queuedMessage
	err := p.db.WithContext(ctx).
		Where("topic = ?", topic).
		Order("created_at DESC").
		First(&latest).Error
	if err == nil {
		ts := latest.CreatedAt
		status.LastActivity = &ts
	}
	return status, nil
}

// Ping 实现 mailbox.Pinger。
func (p *Provider) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 停止全部轮询订阅。
func (p *Provider) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]*pollSubscription)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

// sweepLoop 周期性地把确认超时的在途消息回到各自主题的队尾。
// 删除后重插获得新的自增序号，保持与 nack 重投一致的队尾语义。
func (p *Provider) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, err := p.sweepOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("in-flight sweep failed", zap.Error(err))
				}
				continue
			}
			if requeued > 0 {
				p.log.Debug("requeued stale in-flight messages", zap.Int("count", requeued))
			}
		}
	}
}

func (p *Provider) sweepOnce(ctx context.Context) (int, error) {
	requeued := 0
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []queuedMessage
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND deadline <= ?", stateDelivered, time.Now()).
			Order("deadline").
			Find(&stale).Error
		if err != nil {
			return err
		}
		for _, row := range stale {
			if err := tx.Delete(&queuedMessage{}, "seq = ?", row.Seq).Error; err != nil {
				return err
			}
			err := tx.Create(&queuedMessage{
				MessageID: row.MessageID,
				Topic:     row.Topic,
				Payload:   row.Payload,
				State:     stateQueued,
			}).Error
			if err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

var _ mailbox.Provider = (*Provider)(nil)
