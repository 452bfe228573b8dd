package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RateLimitRejected  *prometheus.CounterVec
	AuditSinkErrors    prometheus.Counter
	ProviderCallsTotal *prometheus.CounterVec
	ProviderRetries    *prometheus.CounterVec
	SyncDriftDetected  *prometheus.CounterVec
	SyncConflicts      *prometheus.CounterVec
}

// NewMetrics returns a new set of Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"code", "method", "path"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scim_http_request_duration_seconds",
				Help:    "Histogram of latencies for HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "method", "path"},
		),
		RateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_rate_limit_rejected_total",
				Help: "Requests rejected by the per-tenant rate limiter.",
			},
			[]string{"tenant"},
		),
		AuditSinkErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scim_audit_sink_errors_total",
				Help: "Audit entries dropped because the sink rejected them.",
			},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_provider_calls_total",
				Help: "Downstream provider adapter calls by outcome.",
			},
			[]string{"provider", "operation", "outcome"},
		),
		ProviderRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_provider_retries_total",
				Help: "Retries performed against downstream providers.",
			},
			[]string{"provider", "operation"},
		),
		SyncDriftDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_sync_drift_detected_total",
				Help: "Drift reports produced by the sync engine.",
			},
			[]string{"tenant", "provider", "drift_type"},
		),
		SyncConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_sync_conflicts_total",
				Help: "Conflict reports produced by the sync engine.",
			},
			[]string{"tenant", "provider", "conflict_type"},
		),
	}
	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RateLimitRejected,
		m.AuditSinkErrors,
		m.ProviderCallsTotal,
		m.ProviderRetries,
		m.SyncDriftDetected,
		m.SyncConflicts,
	)
	return m
}

// PrometheusMiddleware returns a Gin middleware that records Prometheus metrics for HTTP requests.
func PrometheusMiddleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		metrics.RequestsTotal.WithLabelValues(statusCode, method, path).Inc()
		metrics.RequestDuration.WithLabelValues(statusCode, method, path).Observe(time.Since(start).Seconds())
	}
}

// PrometheusHandler returns an http.Handler for the Prometheus metrics.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
