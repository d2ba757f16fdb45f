package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// promauto 在构造时自动注册到默认 registry，因此整个进程只应
// 构造一次（由 cmd/server 负责）。
type Metrics struct {
	// 消息投递指标（按协议划分）
	MessagesPosted  *prometheus.CounterVec // 经调度器成功交接的消息数
	PushDeliveries  *prometheus.CounterVec // 推送路径成功投递给订阅者的次数
	MessagesFetched *prometheus.CounterVec // 拉取路径出队的消息数，mode 为 auto/manual
	MessagesAcked   *prometheus.CounterVec // 显式确认的消息数
	MessagesNacked  *prometheus.CounterVec // 显式拒绝的消息数，requeue 为 true/false
	MessagesExpired *prometheus.CounterVec // 确认超时自动回队的消息数
	HandlerErrors   *prometheus.CounterVec // 推送回调失败次数

	// HTTP 网关指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesPosted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_messages_posted_total",
				Help: "Total number of messages handed off to a provider",
			},
			[]string{"protocol"},
		),

		PushDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_push_deliveries_total",
				Help: "Total number of successful push deliveries to subscribers",
			},
			[]string{"protocol"},
		),

		MessagesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_messages_fetched_total",
				Help: "Total number of messages dequeued via fetch",
			},
			[]string{"protocol", "mode"},
		),

		MessagesAcked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_messages_acked_total",
				Help: "Total number of messages explicitly acknowledged",
			},
			[]string{"protocol"},
		),

		MessagesNacked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_messages_nacked_total",
				Help: "Total number of messages explicitly rejected",
			},
			[]string{"protocol", "requeue"},
		),

		MessagesExpired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_messages_expired_total",
				Help: "Total number of in-flight messages requeued after ack timeout",
			},
			[]string{"protocol"},
		),

		HandlerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_handler_errors_total",
				Help: "Total number of failed push handler invocations",
			},
			[]string{"protocol"},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailbus_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbus_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
	}
}

// Handler 返回 prometheus 指标导出处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
