package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
	"mailbus/kernel/internal/monitoring"
	"mailbus/kernel/internal/pool"
)

const (
	defaultSweepInterval = 500 * time.Millisecond
	defaultPushWorkers   = 8
	defaultPushQueueSize = 256
)

// busSubscriber 一个活跃的推送订阅者。
type busSubscriber struct {
	id string
	fn mailbox.OnReceive
}

// Bus 进程内共享投递总线：主题化的订阅者注册表 + 拉取队列。
//
// 显式构造、显式持有（通常每个进程一个实例，测试中每个用例一个），
// 不做隐式全局单例。全部内部状态由单一互斥范围保护：并发的
// Publish、Fetch*、Ack/Nack、Subscribe/Unsubscribe 之间相互串行化，
// 订阅者集合不会在扇出途中被修改，两次并发拉取也不会拿到同一条消息。
//
// 推送投递经由协程池异步执行，单个回调的失败或 panic 被隔离记录，
// 不会传播给发送方。确认超时的在途消息由 Start 启动的后台清扫
// 回到队尾，清扫与迟到的 Ack 竞争同一把锁，保证恰好解决一次。
type Bus struct {
	mu           sync.Mutex
	topics       map[string][]busSubscriber
	subTopics    map[string]string // 订阅 ID -> 主题
	queue        *Queue
	lastActivity map[string]time.Time

	pool          *pool.WorkerPool
	log           *zap.Logger
	metrics       *monitoring.Metrics
	sweepInterval time.Duration
	now           func() time.Time
}

// BusOption 总线构造选项。
type BusOption func(*Bus)

// WithLogger 指定日志记录器。
func WithLogger(log *zap.Logger) BusOption {
	return func(b *Bus) { b.log = log }
}

// WithMetrics 接入监控指标。
func WithMetrics(m *monitoring.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// WithSweepInterval 指定在途消息超时清扫周期。
func WithSweepInterval(d time.Duration) BusOption {
	return func(b *Bus) { b.sweepInterval = d }
}

// WithPushWorkers 指定推送投递协程池规模。
func WithPushWorkers(workers, queueSize int) BusOption {
	return func(b *Bus) { b.pool = pool.NewWorkerPool(workers, queueSize, b.log) }
}

// WithClock 指定时间源，仅测试使用。
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus 创建投递总线。使用前需调用 Start 启动推送协程池与超时清扫。
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		topics:        make(map[string][]busSubscriber),
		subTopics:     make(map[string]string),
		queue:         NewQueue(),
		lastActivity:  make(map[string]time.Time),
		log:           zap.NewNop(),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pool == nil {
		b.pool = pool.NewWorkerPool(defaultPushWorkers, defaultPushQueueSize, b.log)
	}
	return b
}

// Start 启动推送协程池与后台超时清扫，随 ctx 取消而停止。
func (b *Bus) Start(ctx context.Context) {
	b.pool.Start(ctx)
	go b.sweepLoop(ctx)
}

// Close 停止推送协程池并等待在途投递完成。
func (b *Bus) Close() {
	b.pool.Stop()
}

// Subscribe 注册主题订阅者，返回订阅 ID。
func (b *Bus) Subscribe(topic string, fn mailbox.OnReceive) string {
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = append(b.topics[topic], busSubscriber{id: id, fn: fn})
	b.subTopics[id] = topic
	b.lastActivity[topic] = b.now()
	return id
}

// Unsubscribe 摘除订阅者。幂等：未知或已摘除的订阅 ID 直接返回。
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.subTopics[subscriptionID]
	if !ok {
		return
	}
	delete(b.subTopics, subscriptionID)

	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.id == subscriptionID {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

// Publish 投递一条消息：存在订阅者时扇出推送给全部订阅者（按注册
// 顺序派发），否则入队等待拉取。推送与入队互斥，一条消息不会两者兼得。
func (b *Bus) Publish(ctx context.Context, topic string, msg *domain.MailMessage) error {
	b.mu.Lock()
	b.lastActivity[topic] = b.now()
	subs := b.topics[topic]
	if len(subs) == 0 {
		b.queue.EnqueueLocked(topic, msg)
		b.mu.Unlock()
		return nil
	}
	// 在锁内固定本次扇出的订阅者集合，摘除/新增订阅不影响进行中的投递
	targets := make([]busSubscriber, len(subs))
	copy(targets, subs)
	b.mu.Unlock()

	// 投递是异步的，不能绑定发送方随时会取消的请求上下文
	handlerCtx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		sub := sub
		b.pool.Submit(func() {
			if err := sub.fn(handlerCtx, msg); err != nil {
				b.log.Warn("push handler failed",
					zap.String("topic", topic),
					zap.String("message_id", msg.ID),
					zap.String("subscription_id", sub.id),
					zap.Error(err),
				)
				if b.metrics != nil {
					b.metrics.HandlerErrors.WithLabelValues(msg.To.Protocol).Inc()
				}
				return
			}
			if b.metrics != nil {
				b.metrics.PushDeliveries.WithLabelValues(msg.To.Protocol).Inc()
			}
		})
	}
	return nil
}

// FetchAndForget 自动确认拉取：弹出队首消息，出队即视为已消费。
func (b *Bus) FetchAndForget(topic string) *domain.MailMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeueStaleLocked()
	b.lastActivity[topic] = b.now()
	return b.queue.DequeueLocked(topic)
}

// FetchForAck 手动确认拉取：弹出队首消息并移入在途集合。
// timeout == 0 表示永不超时。
func (b *Bus) FetchForAck(topic string, timeout time.Duration) *domain.MailMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeueStaleLocked()
	now := b.now()
	b.lastActivity[topic] = now
	return b.queue.DequeueForAckLocked(topic, now, timeout)
}

// Ack 确认在途消息。
func (b *Bus) Ack(messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.AckLocked(messageID)
}

// Nack 拒绝在途消息，requeue 为 true 时回到队尾。
func (b *Bus) Nack(messageID string, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.NackLocked(messageID, requeue)
}

// TopicStatus 主题状态快照。
type TopicStatus struct {
	Unread       int
	InFlight     int
	Subscribers  int
	LastActivity time.Time // 零值表示从未活动
}

// Status 返回主题状态快照。
func (b *Bus) Status(topic string) TopicStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return TopicStatus{
		Unread:       b.queue.LenLocked(topic),
		InFlight:     b.queue.InFlightLocked(topic),
		Subscribers:  len(b.topics[topic]),
		LastActivity: b.lastActivity[topic],
	}
}

// requeueStaleLocked 把确认超时的在途消息回到队尾并记录指标。
//
// 拉取路径与后台清扫都经此回队：拉取时先就地清理过期在途消息，
// 回队延迟不受清扫周期下界的约束；后台清扫兜底没有拉取流量的主题。
func (b *Bus) requeueStaleLocked() int {
	requeued := b.queue.RequeueStaleLocked(b.now())
	if len(requeued) == 0 {
		return 0
	}
	if b.metrics != nil {
		for _, msg := range requeued {
			b.metrics.MessagesExpired.WithLabelValues(msg.To.Protocol).Inc()
		}
	}
	return len(requeued)
}

// sweepLoop 周期性地把确认超时的在途消息回到队尾。
// 超时回队是预期的恢复路径，不向任何调用方报错。
func (b *Bus) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			requeued := b.requeueStaleLocked()
			b.mu.Unlock()
			if requeued > 0 {
				b.log.Debug("requeued stale in-flight messages", zap.Int("count", requeued))
			}
		}
	}
}
