package httptransport

import (
	"context"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailbus/kernel/internal/config"
	"mailbus/kernel/internal/health"
	"mailbus/kernel/internal/mailbox"
	"mailbus/kernel/internal/monitoring"
	"mailbus/kernel/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Mailbox      *mailbox.Mailbox
	Metrics      *monitoring.Metrics
	Health       *health.Checker
	WebSocketHub *websocket.Hub
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
//
// 传入的 ctx 控制待确认句柄表的后台清理生命周期。
func NewRouter(ctx context.Context, deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(RecoveryHandler(deps.Logger))
	router.Use(RequestLogger(deps.Logger))
	router.Use(MetricsCollector(deps.Metrics))
	router.Use(RateLimitByIP(&deps.Config.RateLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 允许所有来源时必须关闭凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	pending := newPendingAcks(10 * time.Minute)
	pending.start(ctx)
	handler := NewHandler(deps.Mailbox, pending, deps.Metrics, deps.Logger)

	// 探针与指标不走认证
	router.GET("/live", gin.WrapF(deps.Health.LiveHandler()))
	router.GET("/ready", gin.WrapF(deps.Health.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := router.Group("/api/v1")
	if deps.Config.Auth.JWTSecret != "" {
		api.Use(JWTAuth(&deps.Config.Auth))
	}
	{
		api.POST("/messages", handler.PostMessage)
		api.GET("/messages", handler.FetchMessage)
		api.POST("/messages/:id/ack", handler.AckMessage)
		api.POST("/messages/:id/nack", handler.NackMessage)
		api.GET("/mailboxes/status", handler.MailboxStatus)
		api.GET("/subscribe", deps.WebSocketHub.HandleConnection)
	}

	return router
}
