package httptransport

import (
	"context"
	"sync"
	"time"

	"mailbus/kernel/internal/mailbox"
)

// pendingAcks 保存经 HTTP 拉取、尚未确认的消息句柄。
//
// HTTP 客户端跨请求确认消息，句柄必须在服务端存续到确认请求
// 到来为止。条目带保留期，超过保留期仍未确认的句柄被清理，
// 其在途消息交由提供者的超时清扫重投。
type pendingAcks struct {
	mu        sync.Mutex
	entries   map[string]*pendingEntry
	retention time.Duration
}

type pendingEntry struct {
	ack      *mailbox.AckableMessage
	storedAt time.Time
}

func newPendingAcks(retention time.Duration) *pendingAcks {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &pendingAcks{
		entries:   make(map[string]*pendingEntry),
		retention: retention,
	}
}

// put 登记一个待确认句柄，键为消息ID
func (p *pendingAcks) put(messageID string, ack *mailbox.AckableMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[messageID] = &pendingEntry{ack: ack, storedAt: time.Now()}
}

// take 取出并移除一个待确认句柄
func (p *pendingAcks) take(messageID string) (*mailbox.AckableMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[messageID]
	if !ok {
		return nil, false
	}
	delete(p.entries, messageID)
	return entry.ack, true
}

// start 启动后台清理，随 ctx 取消而停止
func (p *pendingAcks) start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.retention / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.evictStale()
			}
		}
	}()
}

func (p *pendingAcks) evictStale() {
	cutoff := time.Now().Add(-p.retention)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		if entry.storedAt.Before(cutoff) || !entry.ack.NeedsAck() {
			delete(p.entries, id)
		}
	}
}
