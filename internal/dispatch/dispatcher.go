// Package dispatch runs agents on behalf of callers and drives each execution
// record through its state machine:
//
//	initiated → success | failed | webhook_failed | critical_failure
//	success   → webhook_failed
//
// Workflow-bound agents run their internal handler synchronously; the workflow
// engine is then notified asynchronously through a bounded queue. A failed
// notification downgrades the record to webhook_failed without changing what
// the caller was told.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/registry"
	"github.com/jkaninda/percy/internal/security"
	"github.com/jkaninda/percy/internal/workflow"
)

const (
	defaultListLimit  = 20
	maxListLimit      = 100
	asyncWriteTimeout = 5 * time.Second
)

// ErrExecutionFailed is returned when an agent's internal handler fails.
// The record is stored as failed.
var ErrExecutionFailed = errors.New("agent execution failed")

// AnomalyRecorder receives dispatch outcomes for error-rate tracking.
type AnomalyRecorder interface {
	RecordError(operation string)
	RecordSuccess(operation string)
}

// Options wires a Dispatcher. Registry, Store, and Access are required.
type Options struct {
	Registry *registry.Registry
	Store    ExecutionStore
	Access   security.AccessChecker
	Handlers *Handlers        // nil = AcknowledgeHandler for every agent.
	Notifier *Notifier        // nil = engine not configured; workflow dispatches end webhook_failed.
	Engine   workflow.Engine  // nil = Status never polls the engine.
	Events   *Hub             // nil = no live events.
	Auditor  security.Auditor // nil = no audit trail.
	Metrics  *Metrics
	Anomaly  AnomalyRecorder
	Tracer   trace.Tracer // nil = no spans.

	MaxConcurrentHandlers int64 // 0 = unlimited.
	Logger                *slog.Logger
}

// Dispatcher executes agents. Safe for concurrent use.
type Dispatcher struct {
	registry  *registry.Registry
	store     ExecutionStore
	access    security.AccessChecker
	handlers  *Handlers
	simulated Handler
	notifier  *Notifier
	engine    workflow.Engine
	events    *Hub
	auditor   security.Auditor
	metrics   *Metrics
	anomaly   AnomalyRecorder
	tracer    trace.Tracer
	sem       *semaphore.Weighted
	locks     *keyedMutex
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("dispatch: execution store is required")
	}
	if opts.Access == nil {
		return nil, errors.New("dispatch: access checker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handlers := opts.Handlers
	if handlers == nil {
		handlers = NewHandlers(nil)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	d := &Dispatcher{
		registry:  opts.Registry,
		store:     opts.Store,
		access:    opts.Access,
		handlers:  handlers,
		simulated: SimulatedHandler(),
		notifier:  opts.Notifier,
		engine:    opts.Engine,
		events:    opts.Events,
		auditor:   opts.Auditor,
		metrics:   opts.Metrics,
		anomaly:   opts.Anomaly,
		tracer:    tracer,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
	if opts.MaxConcurrentHandlers > 0 {
		d.sem = semaphore.NewWeighted(opts.MaxConcurrentHandlers)
	}
	if d.notifier != nil {
		d.notifier.bind(d.onNotified)
	}
	return d, nil
}

// Request is one dispatch call.
type Request struct {
	AgentKey      string // Agent id, display-name slug, or "<id>-agent".
	Payload       json.RawMessage
	Caller        domain.Caller
	CorrelationID string // Empty = generated.
}

// Result is what the caller sees for an accepted dispatch.
type Result struct {
	ExecutionID   string          `json:"execution_id"`
	AgentID       string          `json:"agent_id"`
	Status        string          `json:"status"`
	Mode          string          `json:"mode"`
	ResultSummary string          `json:"result_summary,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// execution tracks one in-flight record. status mirrors the last successful store write.
type execution struct {
	id            string
	agentID       string
	callerID      string
	correlationID string
	mode          string
	status        domain.ExecutionStatus
	resolved      bool
}

// Dispatch validates, records, and runs one agent request.
//
// Errors: domain.ErrInvalidPayload (no record written), domain.ErrAgentNotFound,
// *security.AccessDeniedError, ErrExecutionFailed, or domain.ErrInternal.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (res *Result, err error) {
	payload, err := ValidatePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = NewCorrelationID()
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.run",
		trace.WithAttributes(
			attribute.String("dispatch.agent_key", req.AgentKey),
			attribute.String("dispatch.caller_id", req.Caller.ID),
			attribute.String("dispatch.correlation_id", req.CorrelationID),
		))
	defer span.End()

	start := time.Now()
	d.metrics.trackActive(1)
	defer d.metrics.trackActive(-1)

	rec := &domain.ExecutionRecord{
		AgentID:       req.AgentKey,
		CallerID:      req.Caller.ID,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
		Status:        domain.StatusInitiated,
	}
	wctx, cancel := writeContext(ctx)
	id, err := d.store.Insert(wctx, rec)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, "recording execution failed")
		d.logger.ErrorContext(ctx, "recording execution failed",
			slog.String("agent", req.AgentKey),
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: correlation id %s", domain.ErrInternal, req.CorrelationID)
	}

	ex := &execution{
		id:            id,
		agentID:       req.AgentKey,
		callerID:      req.Caller.ID,
		correlationID: req.CorrelationID,
		status:        domain.StatusInitiated,
	}
	d.publish(ex, "")

	defer func() {
		if p := recover(); p != nil {
			d.logger.ErrorContext(ctx, "dispatch panic",
				slog.String("execution_id", ex.id),
				slog.String("correlation_id", ex.correlationID),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			res, err = nil, d.critical(ctx, ex, fmt.Errorf("panic: %v", p))
		}

		label := "unknown"
		if ex.resolved {
			label = ex.agentID
		}
		d.metrics.observeDispatch(label, string(ex.status), ex.mode, time.Since(start))
		d.recordOutcome("dispatch", ex.status)

		span.SetAttributes(
			attribute.String("dispatch.execution_id", ex.id),
			attribute.String("dispatch.agent_id", label),
			attribute.String("dispatch.status", string(ex.status)),
			attribute.String("dispatch.mode", ex.mode),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(ex.status))
		}

		actx, cancel := writeContext(ctx)
		defer cancel()
		d.audit(actx, req.Caller, ex, "dispatch", err)
	}()

	return d.run(ctx, ex, req.AgentKey, req.Caller, payload)
}

func (d *Dispatcher) run(ctx context.Context, ex *execution, key string, caller domain.Caller, payload json.RawMessage) (*Result, error) {
	agent, err := d.registry.Lookup(key)
	if err != nil {
		if !errors.Is(err, domain.ErrAgentNotFound) {
			return nil, d.critical(ctx, ex, err)
		}
		msg := fmt.Sprintf("agent %q not found", key)
		if werr := d.transition(ctx, ex, domain.ExecutionUpdate{
			Status:       domain.StatusFailed,
			ErrorMessage: &msg,
		}); werr != nil {
			return nil, d.critical(ctx, ex, werr)
		}
		return nil, err
	}

	ex.agentID = agent.ID
	ex.resolved = true
	if err := d.access.CheckAccess(ctx, caller, agent); err != nil {
		var denied *security.AccessDeniedError
		if !errors.As(err, &denied) {
			return nil, d.critical(ctx, ex, err)
		}
		msg := err.Error()
		if werr := d.transition(ctx, ex, domain.ExecutionUpdate{
			Status:       domain.StatusFailed,
			AgentID:      &agent.ID,
			ErrorMessage: &msg,
		}); werr != nil {
			return nil, d.critical(ctx, ex, werr)
		}
		return nil, err
	}

	if agent.Simulated() {
		ex.mode = domain.ModeMock
		return d.execute(ctx, ex, agent, d.simulated, payload)
	}

	ex.mode = domain.ModeInternal
	res, err := d.execute(ctx, ex, agent, d.handlers.For(agent.ID), payload)
	if err != nil {
		return nil, err
	}
	d.notify(ctx, ex, agent, payload, res)
	return res, nil
}

// execute runs handler and writes the primary terminal status.
func (d *Dispatcher) execute(ctx context.Context, ex *execution, agent *domain.Agent, handler Handler, payload json.RawMessage) (*Result, error) {
	out, herr := d.runHandler(ctx, handler, agent, payload)
	if herr != nil {
		d.logger.WarnContext(ctx, "agent handler failed",
			slog.String("execution_id", ex.id),
			slog.String("agent_id", agent.ID),
			slog.String("mode", ex.mode),
			slog.String("error", herr.Error()),
		)
		msg := herr.Error()
		if werr := d.transition(ctx, ex, domain.ExecutionUpdate{
			Status:       domain.StatusFailed,
			AgentID:      &agent.ID,
			Mode:         &ex.mode,
			WorkflowRef:  &agent.WorkflowRef,
			ErrorMessage: &msg,
		}); werr != nil {
			return nil, d.critical(ctx, ex, werr)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrExecutionFailed, agent.ID, herr)
	}
	if out == nil {
		out = &HandlerResult{}
	}

	if werr := d.transition(ctx, ex, domain.ExecutionUpdate{
		Status:        domain.StatusSuccess,
		AgentID:       &agent.ID,
		Mode:          &ex.mode,
		WorkflowRef:   &agent.WorkflowRef,
		ResultSummary: &out.Summary,
		Result:        out.Data,
	}); werr != nil {
		return nil, d.critical(ctx, ex, werr)
	}

	return &Result{
		ExecutionID:   ex.id,
		AgentID:       agent.ID,
		Status:        string(domain.StatusSuccess),
		Mode:          ex.mode,
		ResultSummary: out.Summary,
		Result:        out.Data,
		CorrelationID: ex.correlationID,
	}, nil
}

func (d *Dispatcher) runHandler(ctx context.Context, h Handler, agent *domain.Agent, payload json.RawMessage) (*HandlerResult, error) {
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for handler slot: %w", err)
		}
		defer d.sem.Release(1)
	}
	return h.Handle(ctx, agent, payload)
}

// notify enqueues the engine notification. Called after the success write.
func (d *Dispatcher) notify(ctx context.Context, ex *execution, agent *domain.Agent, payload json.RawMessage, res *Result) {
	if d.notifier == nil {
		d.downgrade(ctx, ex, "workflow engine not configured")
		return
	}

	body, err := json.Marshal(map[string]any{
		"execution_id":   ex.id,
		"agent_id":       agent.ID,
		"caller_id":      ex.callerID,
		"correlation_id": ex.correlationID,
		"payload":        payload,
		"result":         rawOrNull(res.Result),
		"summary":        res.ResultSummary,
	})
	if err != nil {
		d.downgrade(ctx, ex, "encoding notification: "+err.Error())
		return
	}

	err = d.notifier.Enqueue(Notification{
		ExecutionID:   ex.id,
		AgentID:       agent.ID,
		CallerID:      ex.callerID,
		CorrelationID: ex.correlationID,
		WorkflowRef:   agent.WorkflowRef,
		Body:          body,
	})
	if err != nil {
		d.metrics.observeNotification("dropped", 0)
		d.downgrade(ctx, ex, err.Error())
	}
}

// downgrade fails the notification synchronously and keeps ex in step with the stored row.
func (d *Dispatcher) downgrade(ctx context.Context, ex *execution, reason string) {
	if d.notificationFailed(ctx, ex.id, reason) {
		ex.status = domain.StatusWebhookFailed
	}
}

// onNotified runs on a notifier worker once the engine has answered.
func (d *Dispatcher) onNotified(ctx context.Context, n Notification, res *workflow.TriggerResult, err error) {
	latency := time.Since(n.EnqueuedAt)
	if err != nil {
		d.metrics.observeNotification("failed", latency)
		d.notificationFailed(ctx, n.ExecutionID, err.Error())
		return
	}
	d.metrics.observeNotification("sent", latency)
	d.recordOutcome("notification", domain.StatusSuccess)

	if res == nil || res.ExecutionID == "" {
		return
	}

	wctx, cancel := writeContext(ctx)
	defer cancel()

	unlock := d.locks.Lock(n.ExecutionID)
	defer unlock()

	err = d.store.Update(wctx, n.ExecutionID, domain.ExecutionUpdate{
		ExpectStatus:        domain.StatusSuccess,
		ExternalExecutionID: &res.ExecutionID,
	})
	if err != nil {
		d.logger.WarnContext(ctx, "recording external execution id failed",
			slog.String("execution_id", n.ExecutionID),
			slog.String("external_execution_id", res.ExecutionID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.events.Publish(Event{
		ExecutionID:   n.ExecutionID,
		AgentID:       n.AgentID,
		CallerID:      n.CallerID,
		Status:        string(domain.StatusSuccess),
		Mode:          domain.ModeInternal,
		Message:       "workflow engine accepted execution " + res.ExecutionID,
		CorrelationID: n.CorrelationID,
		Timestamp:     time.Now().UTC(),
	})
}

// notificationFailed moves a success record to webhook_failed and reports whether it did.
// The caller's response is unaffected.
func (d *Dispatcher) notificationFailed(ctx context.Context, id, reason string) bool {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	unlock := d.locks.Lock(id)
	defer unlock()

	msg := "notification failed: " + reason
	err := d.store.Update(wctx, id, domain.ExecutionUpdate{
		ExpectStatus: domain.StatusSuccess,
		Status:       domain.StatusWebhookFailed,
		ErrorMessage: &msg,
	})
	if err != nil {
		d.logger.WarnContext(ctx, "marking webhook_failed failed",
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}

	d.logger.WarnContext(ctx, "execution downgraded to webhook_failed",
		slog.String("execution_id", id),
		slog.String("reason", reason),
	)
	d.recordOutcome("notification", domain.StatusWebhookFailed)

	rec, err := d.store.FindByExecutionID(wctx, id)
	if err != nil {
		return true
	}
	ex := &execution{
		id:            rec.ID,
		agentID:       rec.AgentID,
		callerID:      rec.CallerID,
		correlationID: rec.CorrelationID,
		mode:          rec.Mode,
		status:        domain.StatusWebhookFailed,
	}
	d.publish(ex, msg)
	d.audit(wctx, domain.Caller{ID: rec.CallerID}, ex, "notify", errors.New(msg))
	return true
}

// writeContext bounds a store write by asyncWriteTimeout instead of the caller's
// cancellation. Once a handler has run, its outcome is recorded even if the
// request went away.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), asyncWriteTimeout)
}

// transition writes upd under the record lock, conditional on the last known status.
func (d *Dispatcher) transition(ctx context.Context, ex *execution, upd domain.ExecutionUpdate) error {
	unlock := d.locks.Lock(ex.id)
	defer unlock()

	if !domain.CanTransition(ex.status, upd.Status) {
		return fmt.Errorf("illegal transition %s -> %s for %s", ex.status, upd.Status, ex.id)
	}
	upd.ExpectStatus = ex.status
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if err := d.store.Update(wctx, ex.id, upd); err != nil {
		return fmt.Errorf("updating execution %s: %w", ex.id, err)
	}
	ex.status = upd.Status

	msg := ""
	if upd.ErrorMessage != nil {
		msg = *upd.ErrorMessage
	}
	d.publish(ex, msg)
	return nil
}

// critical marks the record critical_failure when still possible and returns the
// generic error shown to callers.
func (d *Dispatcher) critical(ctx context.Context, ex *execution, cause error) error {
	d.logger.ErrorContext(ctx, "dispatch critical failure",
		slog.String("execution_id", ex.id),
		slog.String("agent", ex.agentID),
		slog.String("correlation_id", ex.correlationID),
		slog.String("error", cause.Error()),
	)
	if ex.status == domain.StatusInitiated {
		msg := "internal error"
		if err := d.transition(ctx, ex, domain.ExecutionUpdate{
			Status:       domain.StatusCriticalFailure,
			ErrorMessage: &msg,
		}); err != nil {
			d.logger.ErrorContext(ctx, "marking critical_failure failed",
				slog.String("execution_id", ex.id),
				slog.String("error", err.Error()),
			)
		}
	}
	return fmt.Errorf("%w: correlation id %s", domain.ErrInternal, ex.correlationID)
}

// StatusView is a record plus, when available, the engine's view of it.
type StatusView struct {
	Record        *domain.ExecutionRecord
	External      *workflow.StatusResult
	ExternalError string
}

// Status returns an execution visible to caller. Non-admin callers only see their own
// records. Admins may look up engine execution ids with no local record.
func (d *Dispatcher) Status(ctx context.Context, executionID string, caller domain.Caller) (*StatusView, error) {
	rec, err := d.store.FindByExecutionID(ctx, executionID)
	if err != nil {
		if !errors.Is(err, domain.ErrExecutionNotFound) {
			return nil, fmt.Errorf("loading execution: %w", err)
		}
		if d.engine == nil || !caller.IsAdmin() {
			return nil, err
		}
		ext, perr := d.engine.PollStatus(ctx, executionID)
		if perr != nil {
			if errors.Is(perr, workflow.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("polling workflow engine: %w", perr)
		}
		return &StatusView{External: ext}, nil
	}

	if rec.CallerID != caller.ID && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
	}

	view := &StatusView{Record: rec}
	if rec.ExternalExecutionID != "" && d.engine != nil {
		ext, perr := d.engine.PollStatus(ctx, rec.ExternalExecutionID)
		if perr != nil {
			d.logger.WarnContext(ctx, "polling workflow engine failed",
				slog.String("execution_id", rec.ID),
				slog.String("external_execution_id", rec.ExternalExecutionID),
				slog.String("error", perr.Error()),
			)
			view.ExternalError = perr.Error()
		} else {
			view.External = ext
		}
	}
	return view, nil
}

// List returns the caller's most recent executions. limit ≤ 0 uses 20; the maximum is 100.
func (d *Dispatcher) List(ctx context.Context, caller domain.Caller, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	recs, err := d.store.ListByCaller(ctx, caller.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return recs, nil
}

func (d *Dispatcher) publish(ex *execution, msg string) {
	d.events.Publish(Event{
		ExecutionID:   ex.id,
		AgentID:       ex.agentID,
		CallerID:      ex.callerID,
		Status:        string(ex.status),
		Mode:          ex.mode,
		Message:       msg,
		CorrelationID: ex.correlationID,
		Timestamp:     time.Now().UTC(),
	})
}

func (d *Dispatcher) audit(ctx context.Context, caller domain.Caller, ex *execution, action string, err error) {
	if d.auditor == nil {
		return
	}
	event := security.AuditEvent{
		CorrelationID: ex.correlationID,
		UserID:        caller.ID,
		Action:        action,
		AgentID:       ex.agentID,
		ExecutionID:   ex.id,
		Result:        string(ex.status),
	}
	if ex.mode != "" {
		event.Parameters = map[string]any{"mode": ex.mode}
	}
	if err != nil {
		event.Error = err.Error()
		if errors.Is(err, security.ErrAccessDenied) {
			event.Result = "denied"
		}
	}
	if aerr := d.auditor.LogAction(ctx, event); aerr != nil {
		d.logger.WarnContext(ctx, "audit write failed",
			slog.String("execution_id", ex.id),
			slog.String("error", aerr.Error()),
		)
	}
}

func (d *Dispatcher) recordOutcome(operation string, status domain.ExecutionStatus) {
	if d.anomaly == nil {
		return
	}
	switch status {
	case domain.StatusCriticalFailure, domain.StatusWebhookFailed:
		d.anomaly.RecordError(operation)
	case domain.StatusSuccess:
		d.anomaly.RecordSuccess(operation)
	}
}

// ValidatePayload accepts an empty body or a JSON object and returns it compacted.
// Anything else wraps domain.ErrInvalidPayload.
func ValidatePayload(p json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", domain.ErrInvalidPayload)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
	}
	return buf.Bytes(), nil
}

func rawOrNull(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage("null")
	}
	return r
}
