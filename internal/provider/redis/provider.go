// Package redis 提供以 Redis 为共享投递媒介的提供者实现。
//
// 每个主题对应一个 list 作为拉取队列（RPUSH 入队尾、LPOP 出队首），
// 在途消息存放在一个全局 hash 中，确认截止时间另存一个 zset 供后台
// 清扫扫描；推送路径走 Redis pub/sub，PUBLISH 的接收者计数决定
// 推送与入队二选一。队列跨进程共享，多实例部署时天然获得
// 至多一次出队（LPOP 原子），但不提供消息级的崩溃恢复保证，
// 除非消息已经落在 list/hash 中。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

// DefaultProtocol redis 提供者的默认协议名。
const DefaultProtocol = "redis"

const defaultSweepInterval = time.Second

// inFlightEntry 序列化后存入在途 hash 的条目。
type inFlightEntry struct {
	Topic    string          `json:"topic"`
	Deadline int64           `json:"deadline"` // Unix 毫秒，0 表示永不超时
	Payload  json.RawMessage `json:"payload"`  // 消息原始 JSON
}

// 下列脚本把“出队 + 登记在途”“确认 + 清理截止时间”等步骤原子化，
// 避免客户端在两步之间崩溃留下半套状态。脚本内用 KEYS[3] 拼接
// 队列键，仅适用于单实例/主从部署，不支持 cluster 模式的槽位约束。
var (
	// KEYS: queue, inflight, deadlines; ARGV: topic, deadlineMillis
	fetchForAckScript = goredis.NewScript(`
local payload = redis.call('LPOP', KEYS[1])
if not payload then return false end
local msg = cjson.decode(payload)
local entry = cjson.encode({topic=ARGV[1], deadline=tonumber(ARGV[2]), payload=payload})
redis.call('HSET', KEYS[2], msg.id, entry)
if tonumber(ARGV[2]) > 0 then
  redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), msg.id)
end
return payload
`)

	// KEYS: inflight, deadlines; ARGV: messageID
	ackScript = goredis.NewScript(`
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`)

	// KEYS: inflight, deadlines, queuePrefix; ARGV: messageID, requeue(0/1)
	nackScript = goredis.NewScript(`
local entry = redis.call('HGET', KEYS[1], ARGV[1])
if not entry then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[2] == '1' then
  local e = cjson.decode(entry)
  redis.call('RPUSH', KEYS[3] .. e.topic, e.payload)
end
return 1
`)

	// KEYS: inflight, deadlines, queuePrefix; ARGV: nowMillis
	sweepScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  local entry = redis.call('HGET', KEYS[1], id)
  if entry then
    local e = cjson.decode(entry)
    redis.call('RPUSH', KEYS[3] .. e.topic, e.payload)
    redis.call('HDEL', KEYS[1], id)
    n = n + 1
  end
  redis.call('ZREM', KEYS[2], id)
end
return n
`)
)

// subscription 一个活跃的 pub/sub 订阅。
type subscription struct {
	pubsub *goredis.PubSub
	cancel context.CancelFunc
}

// Provider Redis 提供者，实现 mailbox.Provider 契约。
type Provider struct {
	protocol      string
	client        *Client
	log           *zap.Logger
	keyPrefix     string
	sweepInterval time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

// ProviderOption 提供者构造选项。
type ProviderOption func(*Provider)

// WithProtocol 覆盖默认协议名 "redis"。
func WithProtocol(protocol string) ProviderOption {
	return func(p *Provider) { p.protocol = protocol }
}

// WithKeyPrefix 覆盖默认键前缀 "mailbus:"。
func WithKeyPrefix(prefix string) ProviderOption {
	return func(p *Provider) { p.keyPrefix = prefix }
}

// WithSweepInterval 指定在途消息超时清扫周期。
func WithSweepInterval(d time.Duration) ProviderOption {
	return func(p *Provider) { p.sweepInterval = d }
}

// NewProvider 创建 Redis 提供者。使用前需调用 Start 启动超时清扫。
func NewProvider(client *Client, log *zap.Logger, opts ...ProviderOption) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{
		protocol:      DefaultProtocol,
		client:        client,
		log:           log,
		keyPrefix:     "mailbus:",
		sweepInterval: defaultSweepInterval,
		subs:          make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) queueKey(topic string) string   { return p.keyPrefix + "queue:" + topic }
func (p *Provider) queuePrefix() string            { return p.keyPrefix + "queue:" }
func (p *Provider) channelKey(topic string) string { return p.keyPrefix + "topic:" + topic }
func (p *Provider) inFlightKey() string            { return p.keyPrefix + "inflight" }
func (p *Provider) deadlinesKey() string           { return p.keyPrefix + "inflight:deadlines" }
func (p *Provider) activityKey() string            { return p.keyPrefix + "activity" }

// Protocol 实现 mailbox.Provider。
func (p *Provider) Protocol() string { return p.protocol }

// Start 启动后台超时清扫，随 ctx 取消而停止。
func (p *Provider) Start(ctx context.Context) {
	go p.sweepLoop(ctx)
}

// Send 投递消息：有 pub/sub 订阅者时推送，否则入队等待拉取。
func (p *Provider) Send(ctx context.Context, msg *domain.MailMessage) error {
	topic := msg.To.Canonical()
	payload, err := json.Marshal(msg)
	if err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "send", Err: err}
	}

	rdb := p.client.Redis()
	p.touchActivity(ctx, topic)

	receivers, err := rdb.Publish(ctx, p.channelKey(topic), payload).Result()
	if err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "send", Err: err}
	}
	if receivers > 0 {
		// 推送与入队互斥：已有订阅者接收，消息不再进入拉取队列
		return nil
	}

	if err := rdb.RPush(ctx, p.queueKey(topic), payload).Err(); err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "send", Err: err}
	}
	return nil
}

// Subscribe 基于 Redis pub/sub 注册推送回调。
func (p *Provider) Subscribe(ctx context.Context, addr domain.MailAddress, onReceive mailbox.OnReceive) (*mailbox.Subscription, error) {
	topic := addr.Canonical()
	id := uuid.NewString()

	// 订阅生命周期独立于调用方的请求上下文
	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := p.client.Redis().Subscribe(subCtx, p.channelKey(topic))

	// 确认订阅已生效，避免 Subscribe 返回后消息仍走队列
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "subscribe", Err: err}
	}

	p.mu.Lock()
	p.subs[id] = &subscription{pubsub: pubsub, cancel: cancel}
	p.mu.Unlock()

	go p.receiveLoop(subCtx, id, pubsub, onReceive)
	return mailbox.NewSubscription(id, addr, p), nil
}

func (p *Provider) receiveLoop(ctx context.Context, subID string, pubsub *goredis.PubSub, onReceive mailbox.OnReceive) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var msg domain.MailMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				p.log.Warn("dropping malformed pubsub payload",
					zap.String("channel", raw.Channel),
					zap.Error(err),
				)
				continue
			}
			// 回调失败只记录，不影响订阅本身
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.log.Error("push handler panicked",
							zap.String("subscription_id", subID),
							zap.Any("panic", r),
						)
					}
				}()
				if err := onReceive(ctx, &msg); err != nil {
					p.log.Warn("push handler failed",
						zap.String("subscription_id", subID),
						zap.String("message_id", msg.ID),
						zap.Error(err),
					)
				}
			}()
		}
	}
}

// Unsubscribe 关闭 pub/sub 订阅。幂等。
func (p *Provider) Unsubscribe(ctx context.Context, subscriptionID string) error {
	p.mu.Lock()
	sub, ok := p.subs[subscriptionID]
	if ok {
		delete(p.subs, subscriptionID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	sub.cancel()
	if err := sub.pubsub.Close(); err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "unsubscribe", Err: err}
	}
	return nil
}

// Fetch 非阻塞拉取，无消息时返回 (nil, nil)。
func (p *Provider) Fetch(ctx context.Context, addr domain.MailAddress, opts domain.FetchOptions) (*mailbox.AckableMessage, error) {
	topic := addr.Canonical()
	rdb := p.client.Redis()
	p.touchActivity(ctx, topic)

	if !opts.ManualAck {
		payload, err := rdb.LPop(ctx, p.queueKey(topic)).Bytes()
		if err == goredis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "fetch", Err: err}
		}
		msg, err := decodeMessage(payload)
		if err != nil {
			return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "fetch", Err: err}
		}
		return mailbox.NewResolvedMessage(msg), nil
	}

	var deadline int64
	if timeout := opts.EffectiveAckTimeout(); timeout > 0 {
		deadline = time.Now().Add(timeout).UnixMilli()
	}

	res, err := fetchForAckScript.Run(ctx,
		rdb,
		[]string{p.queueKey(topic), p.inFlightKey(), p.deadlinesKey()},
		topic, deadline,
	).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "fetch", Err: err}
	}

	msg, err := decodeMessage([]byte(res.(string)))
	if err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "fetch", Err: err}
	}

	id := msg.ID
	return mailbox.NewAckableMessage(msg,
		func() error { return p.ack(id) },
		func(requeue bool) error { return p.nack(id, requeue) },
	), nil
}

func (p *Provider) ack(messageID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	removed, err := ackScript.Run(ctx,
		p.client.Redis(),
		[]string{p.inFlightKey(), p.deadlinesKey()},
		messageID,
	).Int()
	if err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "ack", Err: err}
	}
	if removed == 0 {
		return mailbox.ErrAlreadyResolved
	}
	return nil
}

func (p *Provider) nack(messageID string, requeue bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	flag := "0"
	if requeue {
		flag = "1"
	}
	found, err := nackScript.Run(ctx,
		p.client.Redis(),
		[]string{p.inFlightKey(), p.deadlinesKey(), p.queuePrefix()},
		messageID, flag,
	).Int()
	if err != nil {
		return &mailbox.ProviderError{Protocol: p.protocol, Op: "nack", Err: err}
	}
	if found == 0 {
		return mailbox.ErrAlreadyResolved
	}
	return nil
}

// Status 返回邮箱状态快照。
func (p *Provider) Status(ctx context.Context, addr domain.MailAddress) (*domain.MailboxStatus, error) {
	topic := addr.Canonical()
	rdb := p.client.Redis()

	unread, err := rdb.LLen(ctx, p.queueKey(topic)).Result()
	if err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "status", Err: err}
	}

	channel := p.channelKey(topic)
	numSub, err := rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "status", Err: err}
	}
	subscribers := int(numSub[channel])

	// 在途集合是全局 hash，按主题过滤；状态查询是低频快照，O(n) 可接受
	entries, err := rdb.HGetAll(ctx, p.inFlightKey()).Result()
	if err != nil {
		return nil, &mailbox.ProviderError{Protocol: p.protocol, Op: "status", Err: err}
	}
	inFlight := 0
	for _, raw := range entries {
		var entry inFlightEntry
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.Topic == topic {
			inFlight++
		}
	}

	status := &domain.MailboxStatus{
		State:           domain.StateIdle,
		UnreadCount:     int(unread),
		InFlightCount:   inFlight,
		SubscriberCount: subscribers,
	}
	if subscribers > 0 || inFlight > 0 {
		status.State = domain.StateActive
	}
	if raw, err := rdb.HGet(ctx, p.activityKey(), topic).Result(); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			status.LastActivity = &ts
		}
	}
	return status, nil
}

// Ping 实现 mailbox.Pinger。
func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close 关闭全部活跃订阅。
func (p *Provider) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.pubsub.Close()
	}
}

func (p *Provider) touchActivity(ctx context.Context, topic string) {
	err := p.client.Redis().HSet(ctx, p.activityKey(), topic, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		p.log.Debug("failed to record topic activity", zap.String("topic", topic), zap.Error(err))
	}
}

// sweepLoop 周期性地把确认超时的在途消息回到各自主题的队尾。
func (p *Provider) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().UnixMilli(), 10)
			requeued, err := sweepScript.Run(ctx,
				p.client.Redis(),
				[]string{p.inFlightKey(), p.deadlinesKey(), p.queuePrefix()},
				now,
			).Int()
			if err != nil && err != goredis.Nil {
				p.log.Warn("in-flight sweep failed", zap.Error(err))
				continue
			}
			if requeued > 0 {
				p.log.Debug("requeued stale in-flight messages", zap.Int("count", requeued))
			}
		}
	}
}

func decodeMessage(payload []byte) (*domain.MailMessage, error) {
	var msg domain.MailMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed queued payload: %w", err)
	}
	return &msg, nil
}

var _ mailbox.Provider = (*Provider)(nil)
