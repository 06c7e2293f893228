// Package security implements the agent access gate and the dispatch audit log.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/percy/internal/domain"
)

// ErrAccessDenied is the sentinel wrapped by every AccessDeniedError.
var ErrAccessDenied = errors.New("access denied")

// Missing requirement kinds reported by AccessDeniedError.
const (
	MissingRole    = "role"
	MissingFeature = "feature"
)

// AccessDeniedError names the requirement the caller failed.
// A missing feature means a subscription upgrade would grant access.
type AccessDeniedError struct {
	AgentID  string
	Missing  string // MissingRole or MissingFeature.
	Required string // The role or feature name.
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("%s: agent %q requires %s %q", ErrAccessDenied, e.AgentID, e.Missing, e.Required)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// UpgradeRequired reports whether a higher subscription tier would lift the denial.
func (e *AccessDeniedError) UpgradeRequired() bool {
	return e.Missing == MissingFeature
}

// IsAuthorized reports whether caller may run agent. Role and feature requirements
// are AND-ed; an agent with no requirements is open to every authenticated caller.
func IsAuthorized(caller domain.Caller, agent *domain.Agent) bool {
	return missingRequirement(caller, agent) == nil
}

func missingRequirement(caller domain.Caller, agent *domain.Agent) *AccessDeniedError {
	req := agent.Access
	if req.RoleRequired != "" && caller.Role != req.RoleRequired {
		return &AccessDeniedError{AgentID: agent.ID, Missing: MissingRole, Required: req.RoleRequired}
	}
	if req.PremiumFeature != "" && !caller.HasFeature(req.PremiumFeature) {
		return &AccessDeniedError{AgentID: agent.ID, Missing: MissingFeature, Required: req.PremiumFeature}
	}
	return nil
}

// AccessChecker decides whether a caller may dispatch an agent.
type AccessChecker interface {
	// CheckAccess returns nil when allowed, or an *AccessDeniedError.
	CheckAccess(ctx context.Context, caller domain.Caller, agent *domain.Agent) error
}

// Gate is the default AccessChecker. Stateless; safe for concurrent use.
type Gate struct {
	logger *slog.Logger
}

// NewGate creates an access gate.
func NewGate(logger *slog.Logger) *Gate {
	return &Gate{logger: logger}
}

// CheckAccess wraps IsAuthorized and logs denials.
func (g *Gate) CheckAccess(ctx context.Context, caller domain.Caller, agent *domain.Agent) error {
	denied := missingRequirement(caller, agent)
	if denied == nil {
		return nil
	}
	g.logger.WarnContext(ctx, "access denied: requirement not met",
		slog.String("user_id", caller.ID),
		slog.String("role", caller.Role),
		slog.String("tier", caller.Tier),
		slog.String("agent_id", agent.ID),
		slog.String("missing", denied.Missing),
		slog.String("required", denied.Required),
	)
	return denied
}

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	UserID        string         `json:"user_id"`
	Action        string         `json:"action"` // "dispatch", "notify"
	AgentID       string         `json:"agent_id"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        string         `json:"result"` // Execution status or "denied".
	Error         string         `json:"error,omitempty"`
}

// Auditor appends audit events.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
}

var (
	_ AccessChecker = (*Gate)(nil)
	_ Auditor       = (*AuditLogger)(nil)
)
