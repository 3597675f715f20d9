package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cybertemp"

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	PanicsTotal         prometheus.Counter

	// 轮询指标
	PollsTotal     *prometheus.CounterVec
	CodesExtracted prometheus.Counter

	// 远程接口指标
	RemoteRequestDuration *prometheus.HistogramVec

	// 通知与命令
	NotificationsTotal *prometheus.CounterVec
	CommandsTotal      *prometheus.CounterVec

	// 连接指标
	WebSocketClients prometheus.Gauge
	SystemUptime     prometheus.Gauge

	registry  prometheus.Gatherer
	startTime time.Time
}

// NewMetrics 创建监控指标并注册到 reg。
//
// reg 为 nil 时使用新建的独立注册表，便于测试和多实例共存。
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),

		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Mail poll cycles by result",
			},
			[]string{"result"},
		),

		CodesExtracted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "codes_extracted_total",
				Help:      "Verification codes extracted from new mail",
			},
		),

		RemoteRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_request_duration_seconds",
				Help:      "Remote API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint", "outcome"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications raised by kind",
			},
			[]string{"kind"},
		),

		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands handled by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Number of connected WebSocket clients",
			},
		),

		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Agent uptime in seconds",
			},
		),

		registry:  reg,
		startTime: time.Now(),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// ObservePoll 记录一次轮询结果
func (m *Metrics) ObservePoll(result string) {
	m.PollsTotal.WithLabelValues(result).Inc()
}

// IncCodeExtracted 记录一次验证码提取
func (m *Metrics) IncCodeExtracted() {
	m.CodesExtracted.Inc()
}

// ObserveRemote 记录远程接口耗时
func (m *Metrics) ObserveRemote(endpoint, outcome string, d time.Duration) {
	m.RemoteRequestDuration.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// IncNotification 记录一次通知
func (m *Metrics) IncNotification(kind string) {
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

// ObserveCommand 记录一次命令处理
func (m *Metrics) ObserveCommand(kind, outcome string) {
	m.CommandsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetWebSocketClients 更新 WebSocket 连接数
func (m *Metrics) SetWebSocketClients(n int) {
	m.WebSocketClients.Set(float64(n))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.SystemUptime.Set(time.Since(m.startTime).Seconds())
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
