package obs

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "Whether the service considers itself ready (1) or not (0).",
	})
)

// Domain metrics for the authorization core.
var (
	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_tokens_issued_total",
			Help: "Access tokens issued, labelled by grant type.",
		},
		[]string{"grant_type"},
	)

	authCodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_auth_codes_total",
			Help: "Authorization code lifecycle events (issued, consumed, rejected).",
		},
		[]string{"event"},
	)

	refreshReuseTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oauth_refresh_reuse_detected_total",
		Help: "Refresh token reuse detections (security events).",
	})

	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts, labelled by outcome (delivered, retried, dead_lettered).",
		},
		[]string{"outcome"},
	)
)

var registered atomic.Bool

// Init registers all metrics with the default registry. Safe to call once.
func Init() {
	if !registered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		tokensIssuedTotal, authCodesTotal, refreshReuseTotal, webhookDeliveriesTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady publishes the readiness state as a gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// TokenIssued counts one issued access token for the given grant type.
func TokenIssued(grantType string) {
	tokensIssuedTotal.WithLabelValues(grantType).Inc()
}

// AuthCodeEvent counts an authorization code lifecycle event.
func AuthCodeEvent(event string) {
	authCodesTotal.WithLabelValues(event).Inc()
}

// RefreshReuseDetected counts a refresh token reuse detection.
func RefreshReuseDetected() {
	refreshReuseTotal.Inc()
}

// WebhookDelivery counts a webhook delivery outcome.
func WebhookDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// Instrument wraps a handler with request counting, latency and in-flight gauges.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
