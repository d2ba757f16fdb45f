package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// 订阅登记不依赖数据库连接，可以在没有真实数据库的情况下
// 验证按主题的订阅计数与注销的幂等性。
func TestSubscriberBookkeeping(t *testing.T) {
	t.Run("按主题统计活跃订阅", func(t *testing.T) {
		p := NewProvider(nil, nil)
		p.subs["sub-1"] = &pollSubscription{topic: "svc@ex.com/inbox", cancel: func() {}}
		p.subs["sub-2"] = &pollSubscription{topic: "svc@ex.com/inbox", cancel: func() {}}
		p.subs["sub-3"] = &pollSubscription{topic: "other@ex.com/inbox", cancel: func() {}}

		assert.Equal(t, 2, p.subscriberCount("svc@ex.com/inbox"))
		assert.Equal(t, 1, p.subscriberCount("other@ex.com/inbox"))
		assert.Zero(t, p.subscriberCount("empty@ex.com/inbox"))
	})

	t.Run("注销后不再计入且幂等", func(t *testing.T) {
		p := NewProvider(nil, nil)
		cancelled := false
		p.subs["sub-1"] = &pollSubscription{topic: "svc@ex.com/inbox", cancel: func() { cancelled = true }}

		assert.NoError(t, p.Unsubscribe(context.Background(), "sub-1"))
		assert.True(t, cancelled)
		assert.Zero(t, p.subscriberCount("svc@ex.com/inbox"))

		assert.NoError(t, p.Unsubscribe(context.Background(), "sub-1"))
	})
}
