// Package health 暴露存活与就绪探针。
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailbus/kernel/internal/mailbox"
)

// Checker 健康检查器。存活探针始终通过（进程还活着即为存活），
// 就绪探针逐个 Ping 支持连通性检查的提供者。
type Checker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewChecker 创建健康检查器并为每个可检查的提供者注册就绪探针
func NewChecker(mb *mailbox.Mailbox, logger *zap.Logger) *Checker {
	c := &Checker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	for protocol, provider := range mb.Providers() {
		pinger, ok := provider.(mailbox.Pinger)
		if !ok {
			continue
		}
		c.health.AddReadinessCheck("provider:"+protocol, providerCheck(pinger))
	}

	return c
}

// providerCheck 把提供者的 Ping 包装为带超时的探针
func providerCheck(pinger mailbox.Pinger) healthcheck.Check {
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return pinger.Ping(ctx)
	}, 5*time.Second)
}

// LiveHandler 返回存活探针处理器
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.health.LiveEndpoint
}

// ReadyHandler 返回就绪探针处理器
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.health.ReadyEndpoint
}
