// Package monitor exposes the tunnel's operational surface: Prometheus
// metrics, a small status/metrics HTTP API, and a websocket feed of
// status/ready events for live dashboards.
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus instrument this package registers.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	ForwardsActive    prometheus.Gauge
	SessionsActive    prometheus.Gauge
	SessionsFailed    prometheus.Counter
	SessionsCompleted prometheus.Counter

	StatusEventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every metric under the lazysocks_ prefix.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazysocks_http_requests_total",
				Help: "Total number of HTTP requests served by the monitor API",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lazysocks_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lazysocks_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),
		ForwardsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lazysocks_forwards_active",
				Help: "Number of registered forwards, CONNECT and BIND combined",
			},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lazysocks_sessions_active",
				Help: "Number of sessions currently past ESTABLISH",
			},
		),
		SessionsFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lazysocks_sessions_failed_total",
				Help: "Total number of sessions that ended via an error status",
			},
		),
		SessionsCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lazysocks_sessions_completed_total",
				Help: "Total number of sessions that reached TUNNEL and relayed data",
			},
		),
		StatusEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazysocks_status_events_total",
				Help: "Total number of status callback invocations, by kind",
			},
			[]string{"kind"},
		),
	}
}

// InstrumentHandler wraps next with request-count/duration/size metrics
// labeled by endpoint.
func (m *Metrics) InstrumentHandler(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
		m.HTTPResponseSize.WithLabelValues(r.Method, endpoint).Observe(float64(wrapped.size))
	}
}

// UpdateForwardMetrics sets the point-in-time forward/session gauges.
func (m *Metrics) UpdateForwardMetrics(forwardsActive, sessionsActive int) {
	m.ForwardsActive.Set(float64(forwardsActive))
	m.SessionsActive.Set(float64(sessionsActive))
}

// HandleMetrics returns the Prometheus scrape endpoint handler.
func HandleMetrics() http.Handler {
	return promhttp.Handler()
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}
