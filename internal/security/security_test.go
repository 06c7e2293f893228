package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/percy/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsAuthorized(t *testing.T) {
	open := &domain.Agent{ID: "branding"}
	adminOnly := &domain.Agent{ID: "operations", Access: domain.AccessRequirement{RoleRequired: "admin"}}
	premium := &domain.Agent{ID: "analytics", Access: domain.AccessRequirement{PremiumFeature: "advanced-analytics"}}
	both := &domain.Agent{ID: "audit", Access: domain.AccessRequirement{RoleRequired: "admin", PremiumFeature: "compliance"}}

	free := domain.Caller{ID: "u1", Role: "user", Tier: "free"}
	pro := domain.Caller{ID: "u2", Role: "user", Tier: "pro", Features: []string{"advanced-analytics"}}
	admin := domain.Caller{ID: "u3", Role: "admin", Tier: "free"}
	adminPro := domain.Caller{ID: "u4", Role: "admin", Tier: "enterprise", Features: []string{"compliance"}}

	tests := []struct {
		name   string
		caller domain.Caller
		agent  *domain.Agent
		want   bool
	}{
		{"open agent, free caller", free, open, true},
		{"role required, wrong role", free, adminOnly, false},
		{"role required, right role", admin, adminOnly, true},
		{"premium, missing feature", free, premium, false},
		{"premium, has feature", pro, premium, true},
		{"both, role only", admin, both, false},
		{"both, feature only", domain.Caller{Role: "user", Features: []string{"compliance"}}, both, false},
		{"both, satisfied", adminPro, both, true},
		{"role match is exact", domain.Caller{Role: "Admin"}, adminOnly, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthorized(tt.caller, tt.agent); got != tt.want {
				t.Errorf("IsAuthorized = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGate_CheckAccess(t *testing.T) {
	g := NewGate(discardLogger())
	ctx := context.Background()

	premium := &domain.Agent{ID: "analytics", Access: domain.AccessRequirement{PremiumFeature: "advanced-analytics"}}
	err := g.CheckAccess(ctx, domain.Caller{ID: "u1", Role: "user"}, premium)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("error = %v, want ErrAccessDenied", err)
	}
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error %T is not *AccessDeniedError", err)
	}
	if denied.Missing != MissingFeature || denied.Required != "advanced-analytics" {
		t.Errorf("denied = %+v, want missing feature advanced-analytics", denied)
	}
	if !denied.UpgradeRequired() {
		t.Error("missing feature should require an upgrade")
	}

	adminOnly := &domain.Agent{ID: "operations", Access: domain.AccessRequirement{RoleRequired: "admin"}}
	err = g.CheckAccess(ctx, domain.Caller{ID: "u1", Role: "user"}, adminOnly)
	if !errors.As(err, &denied) {
		t.Fatalf("error %T is not *AccessDeniedError", err)
	}
	if denied.Missing != MissingRole || denied.UpgradeRequired() {
		t.Errorf("denied = %+v, want missing role without upgrade", denied)
	}

	if err := g.CheckAccess(ctx, domain.Caller{ID: "u2", Role: "admin"}, adminOnly); err != nil {
		t.Errorf("admin denied: %v", err)
	}
}

func TestAuditLogger_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a, err := NewAuditLogger(path, discardLogger())
	if err != nil {
		t.Fatalf("NewAuditLogger error: %v", err)
	}

	ctx := context.Background()
	events := []AuditEvent{
		{CorrelationID: "c1", UserID: "u1", Action: "dispatch", AgentID: "branding", Result: "success"},
		{CorrelationID: "c2", UserID: "u1", Action: "dispatch", AgentID: "operations", Result: "denied", Error: "access denied"},
	}
	for _, e := range events {
		if err := a.LogAction(ctx, e); err != nil {
			t.Fatalf("LogAction error: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("lines = %d, want 2", len(got))
	}
	if got[1].Result != "denied" || got[1].AgentID != "operations" {
		t.Errorf("second event = %+v", got[1])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

type memAuditStore struct {
	events []AuditEvent
	err    error
}

func (m *memAuditStore) Append(_ context.Context, e AuditEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestStoreAuditLogger(t *testing.T) {
	store := &memAuditStore{}
	a := NewStoreAuditLogger(store, discardLogger())

	if err := a.LogAction(context.Background(), AuditEvent{Action: "notify", Result: "webhook_failed"}); err != nil {
		t.Fatalf("LogAction error: %v", err)
	}
	if len(store.events) != 1 || store.events[0].Timestamp.IsZero() {
		t.Fatalf("events = %+v, want one stamped event", store.events)
	}

	store.err = errors.New("db down")
	if err := a.LogAction(context.Background(), AuditEvent{Action: "dispatch"}); err == nil {
		t.Error("expected store error to propagate")
	}
}
