// Package observability carries Percy's dispatch telemetry: Prometheus
// metrics, OpenTelemetry spans for dispatches and workflow engine calls,
// readiness checks, and the error-rate anomaly detector.
// Every component is optional. A nil component records nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/percy/internal/config"
)

// Observability groups the telemetry components of one gateway process.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. version is reported by the health
// endpoints and stamped on the trace resource. A nil cfg disables everything.
func New(cfg *config.ObservabilityConfig, version string, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	// The health checker always exists; the gateway command registers its checks.
	obs := &Observability{Health: NewHealthChecker(logger)}
	obs.Health.SetVersion(version)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, version)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
		if logger != nil {
			logger.Info("dispatch tracing enabled",
				slog.String("endpoint", cfg.Tracing.Endpoint),
				slog.String("protocol", ts.protocol),
			)
		}
	}

	return obs, nil
}

// Instrumented reports whether any component records dispatch or engine outcomes.
func (o *Observability) Instrumented() bool {
	return o != nil && (o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}

// TracerOrNil returns the tracer setup, or nil when tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// DispatchTracer returns the tracer for dispatch spans, or nil when tracing is disabled.
func (o *Observability) DispatchTracer() trace.Tracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Tracer()
}
