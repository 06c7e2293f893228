package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/percy/internal/config"
	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/security"
	"github.com/jkaninda/percy/internal/workflow"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, "test", nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, "test", nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, "test", nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil {
		t.Errorf("obs = %+v, want metrics and anomaly set", obs)
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestObservability_DisabledTracing(t *testing.T) {
	var nilObs *Observability
	if nilObs.Instrumented() || nilObs.DispatchTracer() != nil {
		t.Error("nil Observability should be uninstrumented with no tracer")
	}

	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !obs.Instrumented() {
		t.Error("metrics enabled, want Instrumented")
	}
	if obs.DispatchTracer() != nil {
		t.Error("tracing disabled, want nil dispatch tracer")
	}
	if got := obs.Health.CheckHealth().Version; got != "test" {
		t.Errorf("health version = %q, want test", got)
	}
}

func TestDispatchResource(t *testing.T) {
	res, err := dispatchResource(context.Background(), "", "1.2.3", "http")
	if err != nil {
		t.Fatal(err)
	}
	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":         "percy",
		"service.version":      "1.2.3",
		"percy.component":      "dispatch-gateway",
		"percy.trace.exporter": "http",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("resource %s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// CounterVecs only appear in Gather after first use.
	m.WorkflowRequestsTotal.WithLabelValues("trigger", "success").Inc()
	m.SecurityChecksTotal.WithLabelValues("agent_access", "allowed").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()
	m.RecordRateLimited("dispatch")
	m.RecordRecommendation(true)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"percy_workflow_requests_total",
		"percy_security_checks_total",
		"percy_http_requests_total",
		"percy_ratelimit_rejected_total",
		"percy_recommend_requests_total",
		"percy_active_requests",
		"percy_ws_clients",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_NilSafeHelpers(t *testing.T) {
	var m *MetricsCollector
	m.RecordRateLimited("dispatch")
	m.RecordRecommendation(false)
	m.TrackWebSocketClient(1)
}

func TestMetricsCollector_RecordRecommendation(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordRecommendation(false)
	m.RecordRecommendation(false)
	m.RecordRecommendation(true)

	if got := counterValue(t, m.Registry, "percy_recommend_requests_total", prometheus.Labels{"outcome": "matched"}); got != 2 {
		t.Errorf("matched = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "percy_recommend_requests_total", prometheus.Labels{"outcome": "fallback"}); got != 1 {
		t.Errorf("fallback = %v, want 1", got)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("workflow", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("workflow", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["db"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("db check = %+v, want fail with message", got)
	}
	if status.Checks["workflow"].Status != "ok" {
		t.Errorf("workflow check = %q, want ok", status.Checks["workflow"].Status)
	}
}

func TestHealthChecker_CheckSeesDeadline(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})

	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %+v, want ok", status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.SetVersion("1.2.3")
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
	if status.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", status.Version)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("ErrorRate = (%v, %d), want zero", rate, n)
	}
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	// 6 errors, 4 successes = 60% error rate > 50%
	for i := 0; i < 4; i++ {
		a.RecordSuccess("dispatch:branding")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("dispatch:branding")
	}

	rate, n := a.ErrorRate("dispatch:branding")
	if n != 10 {
		t.Errorf("samples = %d, want 10", n)
	}
	if rate != 0.6 {
		t.Errorf("rate = %v, want 0.6", rate)
	}

	a.mu.Lock()
	alerted := a.alerted["dispatch:branding"]
	a.mu.Unlock()
	if !alerted {
		t.Error("expected operation to be flagged")
	}

	// Recovery clears the flag.
	for i := 0; i < 10; i++ {
		a.RecordSuccess("dispatch:branding")
	}
	a.mu.Lock()
	alerted = a.alerted["dispatch:branding"]
	a.mu.Unlock()
	if alerted {
		t.Error("expected flag cleared after recovery")
	}
}

func TestAnomalyDetector_WindowExpiry(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.RecordError("op")
	a.RecordError("op")
	now = now.Add(2 * time.Minute)
	a.RecordSuccess("op")

	rate, n := a.ErrorRate("op")
	if n != 1 || rate != 0 {
		t.Errorf("ErrorRate = (%v, %d), want (0, 1)", rate, n)
	}
}

// --- InstrumentedEngine (wrapper) ---

type mockEngine struct {
	trigger *workflow.TriggerResult
	status  *workflow.StatusResult
	err     error
	called  int
}

func (m *mockEngine) Trigger(ctx context.Context, ref string, payload json.RawMessage) (*workflow.TriggerResult, error) {
	m.called++
	return m.trigger, m.err
}

func (m *mockEngine) PollStatus(ctx context.Context, id string) (*workflow.StatusResult, error) {
	m.called++
	return m.status, m.err
}

func TestInstrumentedEngine_TriggerSuccess(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockEngine{trigger: &workflow.TriggerResult{ExecutionID: "wf-1", Status: "running"}}

	e := NewInstrumentedEngine(inner, metrics, nil, nil)
	res, err := e.Trigger(context.Background(), "branding-workflow", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExecutionID != "wf-1" {
		t.Errorf("execution id = %q, want wf-1", res.ExecutionID)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	val := counterValue(t, metrics.Registry, "percy_workflow_requests_total", prometheus.Labels{"operation": "trigger", "status": "success"})
	if val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
}

func TestInstrumentedEngine_ErrorLabels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"circuit open", workflow.ErrCircuitOpen, "circuit_open"},
		{"http status", &workflow.StatusError{Code: 502, Body: "bad gateway"}, "http_502"},
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
			e := NewInstrumentedEngine(&mockEngine{err: tt.err}, metrics, nil, anomaly)

			if _, err := e.Trigger(context.Background(), "wf", nil); !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			val := counterValue(t, metrics.Registry, "percy_workflow_requests_total", prometheus.Labels{"operation": "trigger", "status": tt.want})
			if val != 1 {
				t.Errorf("requests_total{status=%s} = %v, want 1", tt.want, val)
			}
			if rate, _ := anomaly.ErrorRate("workflow_trigger"); rate != 1 {
				t.Errorf("anomaly rate = %v, want 1", rate)
			}
		})
	}
}

func TestInstrumentedEngine_PollNotFoundIsNotAFault(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	e := NewInstrumentedEngine(&mockEngine{err: workflow.ErrNotFound}, metrics, nil, anomaly)

	if _, err := e.PollStatus(context.Background(), "missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	val := counterValue(t, metrics.Registry, "percy_workflow_requests_total", prometheus.Labels{"operation": "poll_status", "status": "success"})
	if val != 1 {
		t.Errorf("poll success = %v, want 1", val)
	}
	if rate, n := anomaly.ErrorRate("workflow_poll_status"); rate != 0 || n != 1 {
		t.Errorf("anomaly = (%v, %d), want (0, 1)", rate, n)
	}
}

func TestInstrumentedEngine_NilMetrics(t *testing.T) {
	inner := &mockEngine{status: &workflow.StatusResult{Status: "success"}}

	// nil metrics: should not panic.
	e := NewInstrumentedEngine(inner, nil, nil, nil)
	res, err := e.PollStatus(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("status = %q, want success", res.Status)
	}
}

// --- InstrumentedGate (wrapper) ---

func TestInstrumentedGate_Results(t *testing.T) {
	metrics := NewMetricsCollector()
	g := NewInstrumentedGate(security.NewGate(slog.New(slog.NewTextHandler(io.Discard, nil))), metrics, nil)
	ctx := context.Background()

	open := &domain.Agent{ID: "branding"}
	paid := &domain.Agent{ID: "ads-manager", Access: domain.AccessRequirement{PremiumFeature: "paid-ads"}}
	admin := &domain.Agent{ID: "operations", Access: domain.AccessRequirement{RoleRequired: domain.RoleAdmin}}
	caller := domain.Caller{ID: "alice", Role: "user", Tier: "free"}

	if err := g.CheckAccess(ctx, caller, open); err != nil {
		t.Fatalf("open agent: %v", err)
	}
	if err := g.CheckAccess(ctx, caller, paid); !errors.Is(err, security.ErrAccessDenied) {
		t.Fatalf("paid agent err = %v, want ErrAccessDenied", err)
	}
	if err := g.CheckAccess(ctx, caller, admin); !errors.Is(err, security.ErrAccessDenied) {
		t.Fatalf("admin agent err = %v, want ErrAccessDenied", err)
	}

	for result, want := range map[string]float64{"allowed": 1, "denied_feature": 1, "denied_role": 1} {
		val := counterValue(t, metrics.Registry, "percy_security_checks_total", prometheus.Labels{"check_type": "agent_access", "result": result})
		if val != want {
			t.Errorf("checks{result=%s} = %v, want %v", result, val, want)
		}
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "percy_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_CollapsesIDs(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for _, id := range []string{"a", "b", "c"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/executions/"+id, nil))
	}

	val := counterValue(t, metrics.Registry, "percy_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/executions/{id}", "status_code": "404"})
	if val != 3 {
		t.Errorf("http requests = %v, want 3", val)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body only"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/dispatch", nil))

	val := counterValue(t, metrics.Registry, "percy_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/dispatch", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
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
