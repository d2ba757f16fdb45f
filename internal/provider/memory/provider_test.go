package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

// newTestKernel 构造一套隔离的总线 + 提供者 + 调度器，随测试结束销毁。
func newTestKernel(t *testing.T, busOpts ...BusOption) (*mailbox.Mailbox, *Bus) {
	t.Helper()

	opts := append([]BusOption{WithSweepInterval(20 * time.Millisecond)}, busOpts...)
	bus := NewBus(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})

	mb := mailbox.New()
	require.NoError(t, mb.RegisterProvider(NewProvider(bus)))
	return mb, bus
}

func outgoing(to string, body string) domain.OutgoingMail {
	from, _ := domain.ParseAddress("mem:cli@ex.com/user")
	toAddr, _ := domain.ParseAddress(to)
	return domain.OutgoingMail{From: from, To: toAddr, Body: json.RawMessage(body)}
}

func TestSubscribeAndPost(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	received := make(chan *domain.MailMessage, 1)
	_, err := mb.Subscribe(ctx, address, func(ctx context.Context, msg *domain.MailMessage) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	posted, err := mb.Post(ctx, outgoing(address, `{"text":"hi"}`))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, posted.ID, msg.ID)
		assert.JSONEq(t, `{"text":"hi"}`, string(msg.Body))
		assert.NotEmpty(t, msg.Headers[domain.HeaderSentAt], "调度器应注入发送时间头")
	case <-time.After(time.Second):
		t.Fatal("订阅者未收到消息")
	}

	// 推送与入队互斥：已被推送的消息不会再出现在拉取队列里
	select {
	case <-received:
		t.Fatal("消息被重复投递")
	case <-time.After(50 * time.Millisecond):
	}
	got, err := mb.Fetch(ctx, address, domain.FetchOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubscribeFanOut(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	var wg sync.WaitGroup
	wg.Add(3)
	var mu sync.Mutex
	counts := map[int]int{}

	for i := 0; i < 3; i++ {
		i := i
		_, err := mb.Subscribe(ctx, address, func(ctx context.Context, msg *domain.MailMessage) error {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	_, err := mb.Post(ctx, outgoing(address, `{"fan":"out"}`))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("扇出投递未完成")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, counts[i], "订阅者 %d 应恰好收到一次", i)
	}
}

func TestHandlerFailureIsolation(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	received := make(chan string, 2)
	_, err := mb.Subscribe(ctx, address, func(ctx context.Context, msg *domain.MailMessage) error {
		return errors.New("handler exploded")
	})
	require.NoError(t, err)
	_, err = mb.Subscribe(ctx, address, func(ctx context.Context, msg *domain.MailMessage) error {
		received <- msg.ID
		return nil
	})
	require.NoError(t, err)

	// 一个订阅者失败不影响另一个，也不影响发送方
	posted, err := mb.Post(ctx, outgoing(address, `{"x":1}`))
	require.NoError(t, err)

	select {
	case id := <-received:
		assert.Equal(t, posted.ID, id)
	case <-time.After(time.Second):
		t.Fatal("正常订阅者未收到消息")
	}
}

func TestFetchAutoAck(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	first, err := mb.Post(ctx, outgoing(address, `{"n":1}`))
	require.NoError(t, err)
	second, err := mb.Post(ctx, outgoing(address, `{"n":2}`))
	require.NoError(t, err)

	// 按发送顺序出队
	got1, err := mb.Fetch(ctx, address, domain.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, first.ID, got1.Message().ID)
	assert.False(t, got1.NeedsAck(), "自动确认的句柄出生即已解决")
	assert.ErrorIs(t, got1.Ack(), mailbox.ErrAlreadyResolved)

	got2, err := mb.Fetch(ctx, address, domain.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, second.ID, got2.Message().ID)

	got3, err := mb.Fetch(ctx, address, domain.FetchOptions{})
	require.NoError(t, err)
	assert.Nil(t, got3, "队列已空")
}

func TestFetchManualAck(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"
	opts := domain.FetchOptions{ManualAck: true}

	posted, err := mb.Post(ctx, outgoing(address, `{"n":1}`))
	require.NoError(t, err)

	ackable, err := mb.Fetch(ctx, address, opts)
	require.NoError(t, err)
	require.NotNil(t, ackable)
	assert.Equal(t, posted.ID, ackable.Message().ID)
	assert.True(t, ackable.NeedsAck())

	// 在途期间不可再次拉取
	again, err := mb.Fetch(ctx, address, opts)
	require.NoError(t, err)
	assert.Nil(t, again)

	t.Run("确认恰好一次", func(t *testing.T) {
		require.NoError(t, ackable.Ack())
		assert.ErrorIs(t, ackable.Ack(), mailbox.ErrAlreadyResolved)
		assert.ErrorIs(t, ackable.Nack(true), mailbox.ErrAlreadyResolved)
	})

	gone, err := mb.Fetch(ctx, address, opts)
	require.NoError(t, err)
	assert.Nil(t, gone, "确认后消息被永久移除")
}

func TestFetchNack(t *testing.T) {
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"
	opts := domain.FetchOptions{ManualAck: true}

	t.Run("拒绝并回队后可再次拉取", func(t *testing.T) {
		mb, _ := newTestKernel(t)
		posted, err := mb.Post(ctx, outgoing(address, `{"n":1}`))
		require.NoError(t, err)

		ackable, err := mb.Fetch(ctx, address, opts)
		require.NoError(t, err)
		require.NotNil(t, ackable)
		require.NoError(t, ackable.Nack(true))

		redelivered, err := mb.Fetch(ctx, address, opts)
		require.NoError(t, err)
		require.NotNil(t, redelivered)
		assert.Equal(t, posted.ID, redelivered.Message().ID)
		require.NoError(t, redelivered.Ack())
	})

	t.Run("拒绝且不回队后消息消失", func(t *testing.T) {
		mb, _ := newTestKernel(t)
		_, err := mb.Post(ctx, outgoing(address, `{"n":1}`))
		require.NoError(t, err)

		ackable, err := mb.Fetch(ctx, address, opts)
		require.NoError(t, err)
		require.NotNil(t, ackable)
		require.NoError(t, ackable.Nack(false))

		gone, err := mb.Fetch(ctx, address, opts)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestAckTimeoutRedelivery(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	posted, err := mb.Post(ctx, outgoing(address, `{"text":"stale"}`))
	require.NoError(t, err)

	ackable, err := mb.Fetch(ctx, address, domain.FetchOptions{
		ManualAck:  true,
		AckTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, ackable)

	// 不确认，等待后台清扫把消息回到队列
	time.Sleep(300 * time.Millisecond)

	redelivered, err := mb.Fetch(ctx, address, domain.FetchOptions{ManualAck: true})
	require.NoError(t, err)
	require.NotNil(t, redelivered, "超时后消息应重新可拉取")
	assert.Equal(t, posted.ID, redelivered.Message().ID)
	assert.JSONEq(t, `{"text":"stale"}`, string(redelivered.Message().Body))

	// 回队后迟到的确认失败，且队列中不存在第二份拷贝
	assert.ErrorIs(t, ackable.Ack(), mailbox.ErrAlreadyResolved)
	require.NoError(t, redelivered.Ack())
	empty, err := mb.Fetch(ctx, address, domain.FetchOptions{})
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestAckTimeoutRedeliveryDefaultSweep(t *testing.T) {
	// 不缩短清扫周期：回队必须在拉取路径上就地发生，
	// 不能被 500ms 的默认清扫周期拖慢
	bus := NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})

	mb := mailbox.New()
	require.NoError(t, mb.RegisterProvider(NewProvider(bus)))
	const address = "mem:svc@ex.com/inbox"

	posted, err := mb.Post(context.Background(), outgoing(address, `{"text":"stale"}`))
	require.NoError(t, err)

	ackable, err := mb.Fetch(context.Background(), address, domain.FetchOptions{
		ManualAck:  true,
		AckTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, ackable)

	time.Sleep(300 * time.Millisecond)

	redelivered, err := mb.Fetch(context.Background(), address, domain.FetchOptions{ManualAck: true})
	require.NoError(t, err)
	require.NotNil(t, redelivered, "确认超时0.2s的消息在0.3s后必须重新可拉取")
	assert.Equal(t, posted.ID, redelivered.Message().ID)

	assert.ErrorIs(t, ackable.Ack(), mailbox.ErrAlreadyResolved)
	require.NoError(t, redelivered.Ack())
}

func TestNegativeAckTimeoutNeverExpires(t *testing.T) {
	mb, bus := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	_, err := mb.Post(ctx, outgoing(address, `{"n":1}`))
	require.NoError(t, err)

	ackable, err := mb.Fetch(ctx, address, domain.FetchOptions{ManualAck: true, AckTimeout: -1})
	require.NoError(t, err)
	require.NotNil(t, ackable)

	// 远超清扫周期后消息仍在途
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, bus.Status("svc@ex.com/inbox").InFlight)

	again, err := mb.Fetch(ctx, address, domain.FetchOptions{ManualAck: true})
	require.NoError(t, err)
	assert.Nil(t, again)
	require.NoError(t, ackable.Ack())
}

func TestConcurrentFetchAtMostOnce(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"
	const posted = 50
	const fetchers = 120

	for i := 0; i < posted; i++ {
		_, err := mb.Post(ctx, outgoing(address, fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	results := make(chan *mailbox.AckableMessage, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := mb.Fetch(ctx, address, domain.FetchOptions{})
			assert.NoError(t, err)
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	nonNil := 0
	for got := range results {
		if got == nil {
			continue
		}
		nonNil++
		assert.False(t, seen[got.Message().ID], "消息 %s 被出队两次", got.Message().ID)
		seen[got.Message().ID] = true
	}
	assert.Equal(t, posted, nonNil, "恰好 M 次拉取返回消息，其余返回空")
}

func TestUnsubscribe(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	received := make(chan string, 4)
	sub, err := mb.Subscribe(ctx, address, func(ctx context.Context, msg *domain.MailMessage) error {
		received <- msg.ID
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe(ctx))
	// 幂等：重复取消不报错
	require.NoError(t, sub.Unsubscribe(ctx))

	// 取消订阅后消息改走队列
	posted, err := mb.Post(ctx, outgoing(address, `{"n":1}`))
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("已取消的订阅者不应再收到消息")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := mb.Fetch(ctx, address, domain.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, posted.ID, got.Message().ID)
}

func TestStatus(t *testing.T) {
	mb, _ := newTestKernel(t)
	ctx := context.Background()
	const address = "mem:svc@ex.com/inbox"

	t.Run("空邮箱为idle", func(t *testing.T) {
		status, err := mb.Status(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, domain.StateIdle, status.State)
		assert.Zero(t, status.UnreadCount)
		assert.Nil(t, status.LastActivity)
	})

	t.Run("未读计数反映队列长度", func(t *testing.T) {
		_, err := mb.Post(ctx, outgoing(address, `{"n":1}`))
		require.NoError(t, err)
		_, err = mb.Post(ctx, outgoing(address, `{"n":2}`))
		require.NoError(t, err)

		status, err := mb.Status(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, 2, status.UnreadCount)
		assert.Equal(t, domain.StateIdle, status.State, "仅有待读消息不算 active")
		assert.NotNil(t, status.LastActivity)
	})

	t.Run("在途消息使状态变为active", func(t *testing.T) {
		ackable, err := mb.Fetch(ctx, address, domain.FetchOptions{ManualAck: true})
		require.NoError(t, err)
		require.NotNil(t, ackable)

		status, err := mb.Status(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, domain.StateActive, status.State)
		assert.Equal(t, 1, status.InFlightCount)
		require.NoError(t, ackable.Ack())
	})

	t.Run("订阅者使状态变为active", func(t *testing.T) {
		sub, err := mb.Subscribe(ctx, address, func(ctx context.Context, msg *domain.MailMessage) error {
			return nil
		})
		require.NoError(t, err)

		status, err := mb.Status(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, domain.StateActive, status.State)
		assert.Equal(t, 1, status.SubscriberCount)
		require.NoError(t, sub.Unsubscribe(ctx))
	})
}

func TestSharedBusAcrossProtocols(t *testing.T) {
	// user@physical 相同的地址指向同一个逻辑邮箱，协议只决定传输通道
	mb, bus := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, mb.RegisterProvider(NewProvider(bus, WithProtocol("mem2"))))

	_, err := mb.Post(ctx, outgoing("mem:svc@ex.com/inbox", `{"via":"mem"}`))
	require.NoError(t, err)

	got, err := mb.Fetch(ctx, "mem2:svc@ex.com/inbox", domain.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, got, "另一协议应能读到同一逻辑邮箱")
	assert.JSONEq(t, `{"via":"mem"}`, string(got.Message().Body))
}
