package memory

import (
	"sort"
	"time"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

// inFlightEntry 一条已投递、尚未确认的消息。
type inFlightEntry struct {
	msg         *domain.MailMessage
	topic       string
	deliveredAt time.Time
	deadline    time.Time // 零值表示永不超时
}

// Queue 按主题组织的 FIFO 消息队列，附带在途消息跟踪。
//
// 所有状态由外层 Bus 的单一互斥范围保护（简单参考实现采用全局锁），
// 本类型自身不加锁；方法名带 Locked 后缀以示约束。
// 两次并发出队绝不会返回同一条消息（至多一次出队不变量），
// 由持锁调用保证。
type Queue struct {
	queues   map[string][]*domain.MailMessage
	inFlight map[string]*inFlightEntry // 消息 ID -> 在途条目
}

// NewQueue 创建空队列。
func NewQueue() *Queue {
	return &Queue{
		queues:   make(map[string][]*domain.MailMessage),
		inFlight: make(map[string]*inFlightEntry),
	}
}

// EnqueueLocked 消息入队尾。
func (q *Queue) EnqueueLocked(topic string, msg *domain.MailMessage) {
	q.queues[topic] = append(q.queues[topic], msg)
}

// DequeueLocked 弹出队首消息并直接丢弃跟踪（自动确认路径）。
// 队列为空时返回 nil。
func (q *Queue) DequeueLocked(topic string) *domain.MailMessage {
	msgs := q.queues[topic]
	if len(msgs) == 0 {
		return nil
	}
	msg := msgs[0]
	q.popHeadLocked(topic, msgs)
	return msg
}

// DequeueForAckLocked 弹出队首消息并移入在途集合（手动确认路径）。
//
// timeout > 0 时设置确认截止时间，超时后后台清扫会把消息回到队尾；
// timeout == 0 表示永不超时。队列为空时返回 nil。
func (q *Queue) DequeueForAckLocked(topic string, now time.Time, timeout time.Duration) *domain.MailMessage {
	msgs := q.queues[topic]
	if len(msgs) == 0 {
		return nil
	}
	msg := msgs[0]
	q.popHeadLocked(topic, msgs)

	entry := &inFlightEntry{
		msg:         msg,
		topic:       topic,
		deliveredAt: now,
	}
	if timeout > 0 {
		entry.deadline = now.Add(timeout)
	}
	q.inFlight[msg.ID] = entry
	return msg
}

// AckLocked 确认在途消息，将其永久移除。
// 消息不在途（已确认、已丢弃或已超时回队）时返回 ErrAlreadyResolved。
func (q *Queue) AckLocked(messageID string) error {
	if _, ok := q.inFlight[messageID]; !ok {
		return mailbox.ErrAlreadyResolved
	}
	delete(q.inFlight, messageID)
	return nil
}

// NackLocked 拒绝在途消息：requeue 为 true 时回到队尾（避免队头阻塞），
// 否则永久丢弃。消息不在途时返回 ErrAlreadyResolved。
func (q *Queue) NackLocked(messageID string, requeue bool) error {
	entry, ok := q.inFlight[messageID]
	if !ok {
		return mailbox.ErrAlreadyResolved
	}
	delete(q.inFlight, messageID)
	if requeue {
		q.EnqueueLocked(entry.topic, entry.msg)
	}
	return nil
}

// RequeueStaleLocked 把确认超时的在途消息回到各自主题的队尾，
// 返回被回队的消息。同一主题的多条过期消息按投递先后顺序回队。
func (q *Queue) RequeueStaleLocked(now time.Time) []*domain.MailMessage {
	var stale []*inFlightEntry
	for _, entry := range q.inFlight {
		if !entry.deadline.IsZero() && now.After(entry.deadline) {
			stale = append(stale, entry)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].deliveredAt.Before(stale[j].deliveredAt)
	})
	requeued := make([]*domain.MailMessage, 0, len(stale))
	for _, entry := range stale {
		delete(q.inFlight, entry.msg.ID)
		q.EnqueueLocked(entry.topic, entry.msg)
		requeued = append(requeued, entry.msg)
	}
	return requeued
}

// LenLocked 返回主题的待读消息数。
func (q *Queue) LenLocked(topic string) int {
	return len(q.queues[topic])
}

// InFlightLocked 返回主题的在途消息数。
func (q *Queue) InFlightLocked(topic string) int {
	count := 0
	for _, entry := range q.inFlight {
		if entry.topic == topic {
			count++
		}
	}
	return count
}

func (q *Queue) popHeadLocked(topic string, msgs []*domain.MailMessage) {
	if len(msgs) == 1 {
		delete(q.queues, topic)
		return
	}
	// 复制剩余部分，避免底层数组长期持有已出队消息
	rest := make([]*domain.MailMessage, len(msgs)-1)
	copy(rest, msgs[1:])
	q.queues[topic] = rest
}
