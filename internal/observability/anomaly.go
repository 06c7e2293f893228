package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/percy/internal/config"
)

const (
	defaultAnomalyWindow = 300 // seconds
	minAnomalySamples    = 5
)

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
// Operations are free-form names such as "dispatch:branding" or "workflow_trigger".
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	alerted       map[string]bool
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		alerted:       make(map[string]bool),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = defaultAnomalyWindow
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(1, a.now())
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(1, a.now())
	a.checkErrorRate(operation)
}

// ErrorRate returns the error ratio for operation within the window and the
// number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	oks := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total := errs + oks
	if total == 0 {
		return 0, 0
	}
	return errs / total, int(total)
}

// checkErrorRate warns once when the error rate crosses the configured threshold
// and logs recovery when it falls back below it. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	oks := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total := errs + oks
	if total < minAnomalySamples {
		return
	}

	rate := errs / total
	switch {
	case rate > threshold && !a.alerted[operation]:
		a.alerted[operation] = true
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high error rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", threshold),
				slog.Float64("errors", errs),
				slog.Float64("total", total),
			)
		}
	case rate <= threshold && a.alerted[operation]:
		delete(a.alerted, operation)
		if a.logger != nil {
			a.logger.Info("error rate recovered",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
			)
		}
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64, now time.Time) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
