package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the gateway-level Prometheus metrics for Percy.
// Uses a custom registry, no global state. Dispatch registers its own
// collectors on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Workflow engine metrics.
	WorkflowRequestsTotal   *prometheus.CounterVec
	WorkflowRequestDuration *prometheus.HistogramVec

	// Security metrics.
	SecurityChecksTotal *prometheus.CounterVec

	// Rate limiting.
	RateLimitedTotal *prometheus.CounterVec

	// Recommendation metrics.
	RecommendationsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests   prometheus.Gauge
	WebSocketClients prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		WorkflowRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "percy",
			Subsystem: "workflow",
			Name:      "requests_total",
			Help:      "Total workflow engine API requests.",
		}, []string{"operation", "status"}),

		WorkflowRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "percy",
			Subsystem: "workflow",
			Name:      "request_duration_seconds",
			Help:      "Workflow engine API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "percy",
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Total security checks performed.",
		}, []string{"check_type", "result"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "percy",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by the per-caller rate limiter.",
		}, []string{"entry_point"}),

		RecommendationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "percy",
			Subsystem: "recommend",
			Name:      "requests_total",
			Help:      "Total recommendation requests by outcome.",
		}, []string{"outcome"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "percy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "percy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "percy",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		WebSocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "percy",
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected event stream clients.",
		}),
	}

	reg.MustRegister(
		m.WorkflowRequestsTotal,
		m.WorkflowRequestDuration,
		m.SecurityChecksTotal,
		m.RateLimitedTotal,
		m.RecommendationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.WebSocketClients,
	)

	return m
}

// RecordRateLimited counts a rejected request. Nil-safe.
func (m *MetricsCollector) RecordRateLimited(entryPoint string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(entryPoint).Inc()
}

// RecordRecommendation counts a recommendation by outcome ("matched" or "fallback"). Nil-safe.
func (m *MetricsCollector) RecordRecommendation(fallback bool) {
	if m == nil {
		return
	}
	outcome := "matched"
	if fallback {
		outcome = "fallback"
	}
	m.RecommendationsTotal.WithLabelValues(outcome).Inc()
}

// TrackWebSocketClient adjusts the connected client gauge. Nil-safe.
func (m *MetricsCollector) TrackWebSocketClient(delta float64) {
	if m == nil {
		return
	}
	m.WebSocketClients.Add(delta)
}
