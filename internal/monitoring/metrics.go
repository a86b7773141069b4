package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SMTP 连接指标
	SMTPConnectionsActive  prometheus.Gauge
	SMTPConnectionsRefused *prometheus.CounterVec

	// 邮件指标
	MessagesReceived   prometheus.Counter
	MessagesStored     prometheus.Counter
	MessagesFiltered   prometheus.Counter
	MessagesDropped    prometheus.Counter
	RecipientsRejected prometheus.Counter
	ParseFailures      prometheus.Counter

	// 外发中继指标
	RelayDeliveries *prometheus.CounterVec

	// WebSocket 指标
	WebSocketClients prometheus.Gauge

	// 错误指标
	PanicsTotal prometheus.Counter

	// 业务指标
	EmailProcessingTime prometheus.Histogram
}

// NewMetrics 在独立的注册表上创建监控指标，同时注册 Go 运行时和进程指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsink_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsink_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SMTPConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsink_smtp_connections_active",
				Help: "Number of open SMTP connections",
			},
		),

		SMTPConnectionsRefused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsink_smtp_connections_refused_total",
				Help: "Total number of SMTP connections refused by the limiter",
			},
			[]string{"reason"},
		),

		MessagesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_messages_received_total",
				Help: "Total number of messages parsed successfully",
			},
		),

		MessagesStored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_messages_stored_total",
				Help: "Total number of messages written to the store",
			},
		),

		MessagesFiltered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_messages_filtered_total",
				Help: "Total number of messages dropped by the spam subject filter",
			},
		),

		MessagesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_messages_dropped_total",
				Help: "Total number of accepted messages lost to storage failures",
			},
		),

		RecipientsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_recipients_rejected_total",
				Help: "Total number of recipients rejected by the domain policy",
			},
		),

		ParseFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_parse_failures_total",
				Help: "Total number of SMTP transactions rejected as malformed",
			},
		),

		RelayDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsink_relay_deliveries_total",
				Help: "Total number of outbound relay attempts",
			},
			[]string{"result"},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsink_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		EmailProcessingTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailsink_email_processing_seconds",
				Help:    "Time spent parsing and storing a message",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordConnectionRefused 记录被拒绝的 SMTP 连接，reason 为 "capacity" 或 "rate"
func (m *Metrics) RecordConnectionRefused(reason string) {
	m.SMTPConnectionsRefused.WithLabelValues(reason).Inc()
}

// RecordRelayDelivery 记录一次外发结果
func (m *Metrics) RecordRelayDelivery(err error) {
	if err != nil {
		m.RelayDeliveries.WithLabelValues("failure").Inc()
		return
	}
	m.RelayDeliveries.WithLabelValues("success").Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordEmailProcessingTime 记录邮件处理时间
func (m *Metrics) RecordEmailProcessingTime(duration time.Duration) {
	m.EmailProcessingTime.Observe(duration.Seconds())
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
