package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for dispatch and outbound notifications.
// All metrics use the percy_dispatch_ namespace. A nil *Metrics records nothing.
type Metrics struct {
	DispatchesTotal     *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	NotificationsTotal  *prometheus.CounterVec
	NotificationLatency prometheus.Histogram
	QueueDepth          prometheus.Gauge
	ActiveDispatches    prometheus.Gauge
}

// NewMetrics creates and registers dispatch metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "percy",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total dispatches by agent, final status, and mode.",
		}, []string{"agent", "status", "mode"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "percy",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Synchronous dispatch duration in seconds by mode.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"mode"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "percy",
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Workflow engine notifications by result.",
		}, []string{"result"}),

		NotificationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "percy",
			Subsystem: "dispatch",
			Name:      "notification_duration_seconds",
			Help:      "Time from enqueue to engine reply in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "percy",
			Subsystem: "dispatch",
			Name:      "notification_queue_depth",
			Help:      "Notifications waiting for a worker.",
		}),

		ActiveDispatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "percy",
			Subsystem: "dispatch",
			Name:      "active",
			Help:      "Number of dispatches currently running.",
		}),
	}

	reg.MustRegister(
		m.DispatchesTotal,
		m.DispatchDuration,
		m.NotificationsTotal,
		m.NotificationLatency,
		m.QueueDepth,
		m.ActiveDispatches,
	)

	return m
}

func (m *Metrics) observeDispatch(agent, status, mode string, d time.Duration) {
	if m == nil {
		return
	}
	if mode == "" {
		mode = "none"
	}
	m.DispatchesTotal.WithLabelValues(agent, status, mode).Inc()
	m.DispatchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) observeNotification(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
	if d > 0 {
		m.NotificationLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) trackActive(delta float64) {
	if m == nil {
		return
	}
	m.ActiveDispatches.Add(delta)
}
