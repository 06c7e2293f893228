package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/registry"
	"github.com/jkaninda/percy/internal/security"
	"github.com/jkaninda/percy/internal/workflow"
)

// --- Test doubles ---

type fakeEngine struct {
	mu        sync.Mutex
	triggered []string
	bodies    []json.RawMessage
	execID    string
	err       error
	status    *workflow.StatusResult
	statusErr error
}

func (f *fakeEngine) Trigger(_ context.Context, ref string, payload json.RawMessage) (*workflow.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, ref)
	f.bodies = append(f.bodies, payload)
	if f.err != nil {
		return nil, f.err
	}
	return &workflow.TriggerResult{ExecutionID: f.execID, Status: "running"}, nil
}

func (f *fakeEngine) PollStatus(_ context.Context, _ string) (*workflow.StatusResult, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (a *recordingAuditor) LogAction(_ context.Context, e security.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

type countingAnomaly struct {
	mu        sync.Mutex
	errors    map[string]int
	successes map[string]int
}

func (c *countingAnomaly) RecordError(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[op]++
}

func (c *countingAnomaly) RecordSuccess(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes[op]++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	d        *Dispatcher
	store    *InMemoryStore
	handlers *Handlers
	notifier *Notifier
	engine   *fakeEngine
	auditor  *recordingAuditor
	events   *Hub
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, engine workflow.Engine, notifierCfg *NotifierConfig) *harness {
	t.Helper()
	reg, err := registry.New(registry.DefaultCatalog())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store:    NewInMemoryStore(),
		handlers: NewHandlers(nil),
		auditor:  &recordingAuditor{},
		events:   NewHub(64),
		reg:      prometheus.NewRegistry(),
	}
	if fe, ok := engine.(*fakeEngine); ok {
		h.engine = fe
	}
	metrics := NewMetrics(h.reg)
	if engine != nil && notifierCfg != nil {
		h.notifier = NewNotifier(engine, *notifierCfg, metrics, discardLogger())
	}

	h.d, err = New(Options{
		Registry: reg,
		Store:    h.store,
		Access:   security.NewGate(discardLogger()),
		Handlers: h.handlers,
		Notifier: h.notifier,
		Engine:   engine,
		Events:   h.events,
		Auditor:  h.auditor,
		Metrics:  metrics,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) record(t *testing.T, id string) *domain.ExecutionRecord {
	t.Helper()
	rec, err := h.store.FindByExecutionID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByExecutionID(%s): %v", id, err)
	}
	return rec
}

func (h *harness) onlyRecord(t *testing.T, callerID string) domain.ExecutionRecord {
	t.Helper()
	recs, err := h.store.ListByCaller(context.Background(), callerID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records for %s = %d, want 1", callerID, len(recs))
	}
	return recs[0]
}

var (
	freeCaller  = domain.Caller{ID: "u-free", Role: "user", Tier: "free"}
	proCaller   = domain.Caller{ID: "u-pro", Role: "user", Tier: "pro", Features: []string{"advanced-analytics", "paid-ads"}}
	adminCaller = domain.Caller{ID: "u-admin", Role: "admin", Tier: "free"}
)

// --- Dispatch paths ---

func TestDispatch_SimulatedAgent(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.d.Dispatch(context.Background(), Request{
		AgentKey: "skillsmith",
		Payload:  json.RawMessage(`{"team":"sales"}`),
		Caller:   freeCaller,
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Mode != domain.ModeMock || res.Status != "success" {
		t.Errorf("result = %+v, want success/mock", res)
	}
	if res.CorrelationID == "" {
		t.Error("correlation id should be generated")
	}

	var data map[string]any
	if err := json.Unmarshal(res.Result, &data); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if data["mode"] != "mock" {
		t.Errorf("result mode = %v, want mock", data["mode"])
	}

	rec := h.record(t, res.ExecutionID)
	if rec.Status != domain.StatusSuccess || rec.Mode != domain.ModeMock {
		t.Errorf("record = %s/%s, want success/mock", rec.Status, rec.Mode)
	}
	if string(rec.Payload) != `{"team":"sales"}` {
		t.Errorf("payload = %s", rec.Payload)
	}
}

func TestDispatch_UnknownAgent(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.d.Dispatch(context.Background(), Request{AgentKey: "ghost", Caller: freeCaller})
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("error = %v, want ErrAgentNotFound", err)
	}

	rec := h.onlyRecord(t, freeCaller.ID)
	if rec.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "ghost") {
		t.Errorf("error message %q should reference ghost", rec.ErrorMessage)
	}
}

func TestDispatch_RoleDenied(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.d.Dispatch(context.Background(), Request{AgentKey: "operations", Caller: proCaller})
	var denied *security.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *AccessDeniedError", err)
	}
	if denied.Missing != security.MissingRole {
		t.Errorf("missing = %q, want role", denied.Missing)
	}

	rec := h.onlyRecord(t, proCaller.ID)
	if rec.Status != domain.StatusFailed || rec.AgentID != "operations" {
		t.Errorf("record = %s/%s, want failed/operations", rec.Status, rec.AgentID)
	}

	h.auditor.mu.Lock()
	defer h.auditor.mu.Unlock()
	if len(h.auditor.events) != 1 || h.auditor.events[0].Result != "denied" {
		t.Errorf("audit events = %+v, want one denied", h.auditor.events)
	}
}

func TestDispatch_PremiumDenied(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.d.Dispatch(context.Background(), Request{AgentKey: "analytics", Caller: freeCaller})
	var denied *security.AccessDeniedError
	if !errors.As(err, &denied) || !denied.UpgradeRequired() {
		t.Fatalf("error = %v, want upgrade-required denial", err)
	}
}

func TestDispatch_InvalidPayloadWritesNothing(t *testing.T) {
	h := newHarness(t, nil, nil)

	for _, p := range []string{`[1,2]`, `"text"`, `{"broken":`, `42`} {
		_, err := h.d.Dispatch(context.Background(), Request{AgentKey: "skillsmith", Payload: json.RawMessage(p), Caller: freeCaller})
		if !errors.Is(err, domain.ErrInvalidPayload) {
			t.Errorf("payload %s: error = %v, want ErrInvalidPayload", p, err)
		}
	}
	recs, _ := h.store.ListByCaller(context.Background(), freeCaller.ID, 0)
	if len(recs) != 0 {
		t.Errorf("records = %d, want none for rejected payloads", len(recs))
	}
}

func TestDispatch_AliasRecordsCanonicalID(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.d.Dispatch(context.Background(), Request{AgentKey: "Skillsmith-Agent", Caller: freeCaller})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.AgentID != "skillsmith" {
		t.Errorf("agent id = %q, want skillsmith", res.AgentID)
	}
	if rec := h.record(t, res.ExecutionID); rec.AgentID != "skillsmith" {
		t.Errorf("record agent id = %q, want skillsmith", rec.AgentID)
	}
}

// --- Workflow path ---

func TestDispatch_NotificationTimeoutDowngrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := workflow.New(workflow.Config{
		BaseURL:           srv.URL,
		Timeout:           50 * time.Millisecond,
		AllowPrivateHosts: true,
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	h := newHarness(t, client, &NotifierConfig{Workers: 1})
	events, cancel := h.events.Subscribe(freeCaller.ID)
	defer cancel()
	stop := h.notifier.Start(context.Background())

	res, err := h.d.Dispatch(context.Background(), Request{
		AgentKey: "branding",
		Payload:  json.RawMessage(`{"brand":"acme"}`),
		Caller:   freeCaller,
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Status != "success" || res.Mode != domain.ModeInternal {
		t.Errorf("caller result = %s/%s, want success/internal", res.Status, res.Mode)
	}

	stop()

	rec := h.record(t, res.ExecutionID)
	if rec.Status != domain.StatusWebhookFailed {
		t.Fatalf("status = %s, want webhook_failed", rec.Status)
	}
	if !strings.HasPrefix(rec.ErrorMessage, "notification failed") {
		t.Errorf("error message = %q", rec.ErrorMessage)
	}
	if rec.ResultSummary == "" {
		t.Error("result summary from the success write should be kept")
	}

	var seen []string
	for len(events) > 0 {
		seen = append(seen, (<-events).Status)
	}
	want := []string{"initiated", "success", "webhook_failed"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", seen, want)
	}
}

func TestDispatch_NotificationRecordsExternalID(t *testing.T) {
	engine := &fakeEngine{execID: "wf-77"}
	h := newHarness(t, engine, &NotifierConfig{})
	stop := h.notifier.Start(context.Background())

	res, err := h.d.Dispatch(context.Background(), Request{
		AgentKey:      "content-creation",
		Payload:       json.RawMessage(`{"topic":"launch"}`),
		Caller:        freeCaller,
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	stop()

	rec := h.record(t, res.ExecutionID)
	if rec.Status != domain.StatusSuccess {
		t.Errorf("status = %s, want success", rec.Status)
	}
	if rec.ExternalExecutionID != "wf-77" {
		t.Errorf("external id = %q, want wf-77", rec.ExternalExecutionID)
	}
	if rec.WorkflowRef != "content-workflow" {
		t.Errorf("workflow ref = %q", rec.WorkflowRef)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.triggered) != 1 || engine.triggered[0] != "content-workflow" {
		t.Fatalf("triggered = %v", engine.triggered)
	}
	var body map[string]any
	if err := json.Unmarshal(engine.bodies[0], &body); err != nil {
		t.Fatal(err)
	}
	if body["execution_id"] != res.ExecutionID || body["correlation_id"] != "corr-1" {
		t.Errorf("notification body = %v", body)
	}
	payload, _ := body["payload"].(map[string]any)
	if payload["topic"] != "launch" {
		t.Errorf("payload in body = %v", body["payload"])
	}
}

func TestDispatch_NoEngineConfigured(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.d.Dispatch(context.Background(), Request{AgentKey: "branding", Caller: freeCaller})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("caller status = %s, want success", res.Status)
	}
	if rec := h.record(t, res.ExecutionID); rec.Status != domain.StatusWebhookFailed {
		t.Errorf("status = %s, want webhook_failed", rec.Status)
	}
	labels := prometheus.Labels{"agent": "branding", "status": "webhook_failed", "mode": domain.ModeInternal}
	if got := counterValue(t, h.reg, "percy_dispatch_total", labels); got != 1 {
		t.Errorf("dispatch counter for webhook_failed = %v, want 1", got)
	}
}

func TestDispatch_QueueFull(t *testing.T) {
	engine := &fakeEngine{}
	h := newHarness(t, engine, &NotifierConfig{QueueSize: 1})
	// Workers are not started, so the queue stays full.

	first, err := h.d.Dispatch(context.Background(), Request{AgentKey: "branding", Caller: freeCaller})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.d.Dispatch(context.Background(), Request{AgentKey: "branding", Caller: freeCaller})
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != "success" {
		t.Errorf("caller status = %s, want success", second.Status)
	}

	if rec := h.record(t, first.ExecutionID); rec.Status != domain.StatusSuccess {
		t.Errorf("first status = %s, want success (still queued)", rec.Status)
	}
	rec := h.record(t, second.ExecutionID)
	if rec.Status != domain.StatusWebhookFailed {
		t.Errorf("second status = %s, want webhook_failed", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "queue full") {
		t.Errorf("error message = %q", rec.ErrorMessage)
	}
}

func TestDispatch_HandlerError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.handlers.Register("branding", HandlerFunc(func(context.Context, *domain.Agent, json.RawMessage) (*HandlerResult, error) {
		return nil, errors.New("brand kit generator unavailable")
	}))

	_, err := h.d.Dispatch(context.Background(), Request{AgentKey: "branding", Caller: freeCaller})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("error = %v, want ErrExecutionFailed", err)
	}
	rec := h.onlyRecord(t, freeCaller.ID)
	if rec.Status != domain.StatusFailed || !strings.Contains(rec.ErrorMessage, "unavailable") {
		t.Errorf("record = %s %q", rec.Status, rec.ErrorMessage)
	}
}

func TestDispatch_HandlerPanic(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.handlers.Register("branding", HandlerFunc(func(context.Context, *domain.Agent, json.RawMessage) (*HandlerResult, error) {
		panic("nil map write")
	}))

	res, err := h.d.Dispatch(context.Background(), Request{AgentKey: "branding", Caller: freeCaller, CorrelationID: "corr-p"})
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("error = %v, want ErrInternal", err)
	}
	if strings.Contains(err.Error(), "nil map") {
		t.Errorf("internal detail leaked to caller: %v", err)
	}

	rec := h.onlyRecord(t, freeCaller.ID)
	if rec.Status != domain.StatusCriticalFailure {
		t.Errorf("status = %s, want critical_failure", rec.Status)
	}
}

func TestDispatch_ConcurrentAllTerminal(t *testing.T) {
	engine := &fakeEngine{execID: "wf"}
	h := newHarness(t, engine, &NotifierConfig{QueueSize: 8, Workers: 2})
	stop := h.notifier.Start(context.Background())

	agents := []string{"branding", "skillsmith", "ghost", "operations", "content-creation", "general"}
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.d.Dispatch(context.Background(), Request{AgentKey: agents[i%len(agents)], Caller: freeCaller})
		}(i)
	}
	wg.Wait()
	stop()

	recs, err := h.store.ListByCaller(context.Background(), freeCaller.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 60 {
		t.Fatalf("records = %d, want 60", len(recs))
	}
	for _, r := range recs {
		if r.Status == domain.StatusInitiated {
			t.Errorf("record %s for %s left initiated", r.ID, r.AgentID)
		}
	}
	if h.d.locks.len() != 0 {
		t.Errorf("keyed locks leaked: %d", h.d.locks.len())
	}
}

func TestDispatch_Metrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, _ = h.d.Dispatch(ctx, Request{AgentKey: "skillsmith", Caller: freeCaller})
	_, _ = h.d.Dispatch(ctx, Request{AgentKey: "skillsmith", Caller: freeCaller})
	_, _ = h.d.Dispatch(ctx, Request{AgentKey: "ghost", Caller: freeCaller})

	if got := counterValue(t, h.reg, "percy_dispatch_total", prometheus.Labels{"agent": "skillsmith", "status": "success", "mode": "mock"}); got != 2 {
		t.Errorf("skillsmith success = %v, want 2", got)
	}
	if got := counterValue(t, h.reg, "percy_dispatch_total", prometheus.Labels{"agent": "unknown", "status": "failed"}); got != 1 {
		t.Errorf("unknown failed = %v, want 1", got)
	}
}

func TestDispatch_AnomalyOutcomes(t *testing.T) {
	reg, _ := registry.New(registry.DefaultCatalog())
	anomaly := &countingAnomaly{errors: map[string]int{}, successes: map[string]int{}}
	handlers := NewHandlers(nil)
	handlers.Register("branding", HandlerFunc(func(context.Context, *domain.Agent, json.RawMessage) (*HandlerResult, error) {
		panic("boom")
	}))
	d, err := New(Options{
		Registry: reg,
		Store:    NewInMemoryStore(),
		Access:   security.NewGate(discardLogger()),
		Handlers: handlers,
		Anomaly:  anomaly,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _ = d.Dispatch(context.Background(), Request{AgentKey: "skillsmith", Caller: freeCaller})
	_, _ = d.Dispatch(context.Background(), Request{AgentKey: "branding", Caller: freeCaller})

	anomaly.mu.Lock()
	defer anomaly.mu.Unlock()
	if anomaly.successes["dispatch"] != 1 || anomaly.errors["dispatch"] != 1 {
		t.Errorf("successes = %v, errors = %v", anomaly.successes, anomaly.errors)
	}
}

func TestDispatch_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reg, _ := registry.New(registry.DefaultCatalog())
	d, err := New(Options{
		Registry: reg,
		Store:    NewInMemoryStore(),
		Access:   security.NewGate(discardLogger()),
		Tracer:   tp.Tracer("percy-test"),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _ = d.Dispatch(context.Background(), Request{AgentKey: "ghost", Caller: freeCaller})

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "dispatch.run" {
		t.Fatalf("spans = %d, want one dispatch.run", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["dispatch.status"] != "failed" || attrs["dispatch.agent_key"] != "ghost" {
		t.Errorf("attributes = %v", attrs)
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status().Code)
	}
}

// --- Status and List ---

func TestStatus_Visibility(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, Request{AgentKey: "skillsmith", Caller: freeCaller})
	if err != nil {
		t.Fatal(err)
	}

	view, err := h.d.Status(ctx, res.ExecutionID, freeCaller)
	if err != nil {
		t.Fatalf("owner Status error: %v", err)
	}
	if view.Record.Status != domain.StatusSuccess {
		t.Errorf("status = %s", view.Record.Status)
	}

	if _, err := h.d.Status(ctx, res.ExecutionID, proCaller); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Errorf("other caller error = %v, want ErrExecutionNotFound", err)
	}
	if _, err := h.d.Status(ctx, res.ExecutionID, adminCaller); err != nil {
		t.Errorf("admin Status error: %v", err)
	}
	if _, err := h.d.Status(ctx, "missing", freeCaller); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Errorf("missing error = %v, want ErrExecutionNotFound", err)
	}
}

func TestStatus_PollsEngine(t *testing.T) {
	engine := &fakeEngine{execID: "wf-1", status: &workflow.StatusResult{Status: "success", Data: json.RawMessage(`{"logo":"x"}`)}}
	h := newHarness(t, engine, &NotifierConfig{})
	stop := h.notifier.Start(context.Background())
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, Request{AgentKey: "branding", Caller: freeCaller})
	if err != nil {
		t.Fatal(err)
	}
	stop()

	view, err := h.d.Status(ctx, res.ExecutionID, freeCaller)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if view.External == nil || view.External.Status != "success" {
		t.Errorf("external = %+v, want engine status", view.External)
	}

	// Engine failures are reported alongside the record, not as an error.
	engine.statusErr = errors.New("engine down")
	view, err = h.d.Status(ctx, res.ExecutionID, freeCaller)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if view.ExternalError == "" || view.Record == nil {
		t.Errorf("view = %+v, want record plus external error", view)
	}
}

func TestStatus_AdminPollsUnknownID(t *testing.T) {
	engine := &fakeEngine{status: &workflow.StatusResult{Status: "running"}}
	h := newHarness(t, engine, nil)
	ctx := context.Background()

	view, err := h.d.Status(ctx, "wf-direct", adminCaller)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if view.Record != nil || view.External.Status != "running" {
		t.Errorf("view = %+v", view)
	}

	if _, err := h.d.Status(ctx, "wf-direct", freeCaller); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Errorf("non-admin error = %v, want ErrExecutionNotFound", err)
	}
}

func TestList_Limits(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if _, err := h.d.Dispatch(ctx, Request{AgentKey: "general", Caller: freeCaller}); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = h.d.Dispatch(ctx, Request{AgentKey: "general", Caller: proCaller})

	tests := []struct {
		limit, want int
	}{
		{0, 20},
		{5, 5},
		{500, 25},
	}
	for _, tt := range tests {
		recs, err := h.d.List(ctx, freeCaller, tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != tt.want {
			t.Errorf("List(limit=%d) = %d records, want %d", tt.limit, len(recs), tt.want)
		}
		for _, r := range recs {
			if r.CallerID != freeCaller.ID {
				t.Errorf("foreign record %s in list", r.ID)
			}
		}
	}
}

// --- Payload validation ---

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "{}", false},
		{"  ", "{}", false},
		{"null", "{}", false},
		{`{ "a" : 1 }`, `{"a":1}`, false},
		{`[]`, "", true},
		{`"s"`, "", true},
		{`{"a":`, "", true},
	}
	for _, tt := range tests {
		got, err := ValidatePayload(json.RawMessage(tt.in))
		if tt.wantErr {
			if !errors.Is(err, domain.ErrInvalidPayload) {
				t.Errorf("ValidatePayload(%q) error = %v, want ErrInvalidPayload", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidatePayload(%q) error: %v", tt.in, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("ValidatePayload(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
