package observability

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/security"
	"github.com/jkaninda/percy/internal/workflow"
)

// --- InstrumentedEngine ---

// InstrumentedEngine wraps a workflow.Engine with metrics, tracing, and anomaly detection.
type InstrumentedEngine struct {
	inner   workflow.Engine
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedEngine wraps a workflow engine client with observability.
func NewInstrumentedEngine(inner workflow.Engine, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedEngine {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEngine{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedEngine) Trigger(ctx context.Context, workflowRef string, payload json.RawMessage) (*workflow.TriggerResult, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "workflow.trigger",
			trace.WithAttributes(
				attribute.String("workflow.ref", workflowRef),
				attribute.Int("workflow.payload_bytes", len(payload)),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := e.inner.Trigger(ctx, workflowRef, payload)
	if err == nil && res != nil && e.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("workflow.execution_id", res.ExecutionID))
	}
	e.record(ctx, "trigger", time.Since(start), err)
	return res, err
}

func (e *InstrumentedEngine) PollStatus(ctx context.Context, executionID string) (*workflow.StatusResult, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "workflow.poll_status",
			trace.WithAttributes(
				attribute.String("workflow.execution_id", executionID),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := e.inner.PollStatus(ctx, executionID)
	// An unknown execution is an answer, not an engine fault.
	if errors.Is(err, workflow.ErrNotFound) {
		e.record(ctx, "poll_status", time.Since(start), nil)
		return res, err
	}
	e.record(ctx, "poll_status", time.Since(start), err)
	return res, err
}

func (e *InstrumentedEngine) record(ctx context.Context, operation string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = engineErrorStatus(err)
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if e.metrics != nil {
		e.metrics.WorkflowRequestsTotal.WithLabelValues(operation, status).Inc()
		e.metrics.WorkflowRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
	}

	if e.anomaly != nil {
		if err != nil {
			e.anomaly.RecordError("workflow_" + operation)
		} else {
			e.anomaly.RecordSuccess("workflow_" + operation)
		}
	}
}

// engineErrorStatus classifies an engine error for the status metric label.
func engineErrorStatus(err error) string {
	var se *workflow.StatusError
	switch {
	case errors.Is(err, workflow.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &se):
		return "http_" + statusCode(se.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// --- InstrumentedGate ---

// InstrumentedGate wraps a security.AccessChecker with metrics and tracing.
type InstrumentedGate struct {
	inner   security.AccessChecker
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedGate wraps an access checker with observability.
func NewInstrumentedGate(inner security.AccessChecker, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedGate {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedGate{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (g *InstrumentedGate) CheckAccess(ctx context.Context, caller domain.Caller, agent *domain.Agent) error {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "security.check_access",
			trace.WithAttributes(
				attribute.String("security.caller_id", caller.ID),
				attribute.String("security.agent_id", agent.ID),
			))
		defer span.End()
	}

	err := g.inner.CheckAccess(ctx, caller, agent)
	g.recordSecurityCheck(err)
	return err
}

func (g *InstrumentedGate) recordSecurityCheck(err error) {
	if g.metrics == nil {
		return
	}
	result := "allowed"
	var denied *security.AccessDeniedError
	if errors.As(err, &denied) {
		result = "denied_" + denied.Missing
	} else if err != nil {
		result = "error"
	}
	g.metrics.SecurityChecksTotal.WithLabelValues("agent_access", result).Inc()
}

// --- Compile-time interface checks ---

var (
	_ workflow.Engine        = (*InstrumentedEngine)(nil)
	_ security.AccessChecker = (*InstrumentedGate)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
