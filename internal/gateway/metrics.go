package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はゲートウェイのPrometheusメトリクス。
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics はサーバー専用のレジストリを持つメトリクスを生成する。
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of dispatched requests by service, method and status",
			},
			[]string{"service", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Dispatched request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_error_responses_total",
				Help: "Total number of proxied backend responses with status >= 400",
			},
			[]string{"service"},
		),
		registry: registry,
	}

	registry.MustRegister(m.requestsTotal, m.requestDuration, m.backendErrors)
	return m
}

// RecordRequest はディスパッチしたリクエストを記録する。
func (m *Metrics) RecordRequest(service, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordBackendError はバックエンドがエラーステータスを返したことを記録する。
func (m *Metrics) RecordBackendError(service string) {
	m.backendErrors.WithLabelValues(service).Inc()
}

// Handler はメトリクスを公開するHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
