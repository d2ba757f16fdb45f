package memory

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

func testMessage(id string) *domain.MailMessage {
	return &domain.MailMessage{
		ID:         id,
		From:       domain.MailAddress{Protocol: "mem", User: "cli", Physical: "ex.com"},
		To:         domain.MailAddress{Protocol: "mem", User: "svc", Physical: "ex.com", Logical: "inbox"},
		Body:       json.RawMessage(`{"n":"` + id + `"}`),
		Headers:    map[string]string{},
		ReceivedAt: time.Now(),
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()

	t.Run("空队列出队返回nil", func(t *testing.T) {
		assert.Nil(t, q.DequeueLocked("svc@ex.com/inbox"))
	})

	t.Run("出队顺序与入队顺序一致", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			q.EnqueueLocked("svc@ex.com/inbox", testMessage(fmt.Sprintf("m%d", i)))
		}
		for i := 0; i < 5; i++ {
			msg := q.DequeueLocked("svc@ex.com/inbox")
			require.NotNil(t, msg)
			assert.Equal(t, fmt.Sprintf("m%d", i), msg.ID)
		}
		assert.Nil(t, q.DequeueLocked("svc@ex.com/inbox"))
	})

	t.Run("主题之间互不干扰", func(t *testing.T) {
		q.EnqueueLocked("a@ex.com", testMessage("a1"))
		q.EnqueueLocked("b@ex.com", testMessage("b1"))
		assert.Equal(t, 1, q.LenLocked("a@ex.com"))
		assert.Equal(t, 1, q.LenLocked("b@ex.com"))
		assert.Equal(t, "b1", q.DequeueLocked("b@ex.com").ID)
		assert.Equal(t, "a1", q.DequeueLocked("a@ex.com").ID)
	})
}

func TestQueueManualAck(t *testing.T) {
	const topic = "svc@ex.com/inbox"
	now := time.Now()

	t.Run("出队后进入在途集合", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))

		msg := q.DequeueForAckLocked(topic, now, time.Second)
		require.NotNil(t, msg)
		assert.Equal(t, 0, q.LenLocked(topic))
		assert.Equal(t, 1, q.InFlightLocked(topic))
	})

	t.Run("确认两次第二次失败", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))
		q.DequeueForAckLocked(topic, now, time.Second)

		require.NoError(t, q.AckLocked("m1"))
		assert.ErrorIs(t, q.AckLocked("m1"), mailbox.ErrAlreadyResolved)
		assert.ErrorIs(t, q.NackLocked("m1", true), mailbox.ErrAlreadyResolved)
		assert.Equal(t, 0, q.InFlightLocked(topic))
	})

	t.Run("拒绝并回队的消息排在队尾", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))
		q.EnqueueLocked(topic, testMessage("m2"))

		first := q.DequeueForAckLocked(topic, now, time.Second)
		require.Equal(t, "m1", first.ID)
		require.NoError(t, q.NackLocked("m1", true))

		// m1 回到队尾，m2 先出
		assert.Equal(t, "m2", q.DequeueLocked(topic).ID)
		assert.Equal(t, "m1", q.DequeueLocked(topic).ID)
	})

	t.Run("拒绝且不回队的消息被永久丢弃", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))
		q.DequeueForAckLocked(topic, now, time.Second)

		require.NoError(t, q.NackLocked("m1", false))
		assert.Nil(t, q.DequeueLocked(topic))
		assert.Equal(t, 0, q.InFlightLocked(topic))
	})
}

func TestQueueRequeueStale(t *testing.T) {
	const topic = "svc@ex.com/inbox"
	base := time.Now()

	t.Run("超时消息按投递顺序回到队尾且不重复", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))
		q.EnqueueLocked(topic, testMessage("m2"))
		q.EnqueueLocked(topic, testMessage("m3"))

		require.Equal(t, "m1", q.DequeueForAckLocked(topic, base, 100*time.Millisecond).ID)
		require.Equal(t, "m2", q.DequeueForAckLocked(topic, base.Add(time.Millisecond), 100*time.Millisecond).ID)

		requeued := q.RequeueStaleLocked(base.Add(200 * time.Millisecond))
		require.Len(t, requeued, 2)
		assert.Equal(t, "m1", requeued[0].ID)
		assert.Equal(t, "m2", requeued[1].ID)

		// 队列中每条消息恰好出现一次：m3 在前，m1、m2 依次回到队尾
		assert.Equal(t, 3, q.LenLocked(topic))
		assert.Equal(t, 0, q.InFlightLocked(topic))
		assert.Equal(t, "m3", q.DequeueLocked(topic).ID)
		assert.Equal(t, "m1", q.DequeueLocked(topic).ID)
		assert.Equal(t, "m2", q.DequeueLocked(topic).ID)
	})

	t.Run("未到期的消息不受影响", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))
		q.DequeueForAckLocked(topic, base, time.Hour)

		assert.Empty(t, q.RequeueStaleLocked(base.Add(time.Minute)))
		assert.Equal(t, 1, q.InFlightLocked(topic))
	})

	t.Run("零超时表示永不过期", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))
		q.DequeueForAckLocked(topic, base, 0)

		assert.Empty(t, q.RequeueStaleLocked(base.Add(24*time.Hour)))
		assert.Equal(t, 1, q.InFlightLocked(topic))

		// 永不过期的消息仍然可以被显式确认
		require.NoError(t, q.AckLocked("m1"))
	})

	t.Run("超时回队后迟到的确认失败", func(t *testing.T) {
		q := NewQueue()
		q.EnqueueLocked(topic, testMessage("m1"))
		q.DequeueForAckLocked(topic, base, 50*time.Millisecond)

		require.Len(t, q.RequeueStaleLocked(base.Add(time.Second)), 1)
		assert.ErrorIs(t, q.AckLocked("m1"), mailbox.ErrAlreadyResolved)
		// 消息已回到队列，仍可再次投递
		assert.Equal(t, 1, q.LenLocked(topic))
	})
}
