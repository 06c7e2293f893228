// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// Sentinel errors shared by the dispatch, registry, and gateway layers.
var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStaleTransition   = errors.New("execution status changed concurrently")
	ErrInternal          = errors.New("internal error")
)

// RoleAdmin may read every caller's executions.
const RoleAdmin = "admin"

// Caller is the already-authenticated identity making a request.
// Features is the entitlement set of the caller's subscription tier.
type Caller struct {
	ID       string   `json:"id"`
	Role     string   `json:"role"`
	Tier     string   `json:"tier"`
	Features []string `json:"features,omitempty"`
}

// HasFeature reports whether the caller's tier is entitled to feature.
func (c Caller) HasFeature(feature string) bool {
	return slices.Contains(c.Features, feature)
}

// IsAdmin reports whether the caller holds RoleAdmin.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// AccessRequirement lists what a caller needs to run an agent. Empty fields impose nothing.
type AccessRequirement struct {
	RoleRequired   string `json:"role_required,omitempty" yaml:"role_required,omitempty"`
	PremiumFeature string `json:"premium_feature,omitempty" yaml:"premium_feature,omitempty"`
}

// Agent describes a dispatchable capability unit. Immutable after the registry is built.
type Agent struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Category       string            `json:"category" yaml:"category"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities   []string          `json:"capabilities" yaml:"capabilities"`
	Access         AccessRequirement `json:"access" yaml:"access"`
	WorkflowRef    string            `json:"workflow_ref,omitempty" yaml:"workflow_ref,omitempty"` // Empty = simulated execution.
	Visible        bool              `json:"visible" yaml:"visible"`
	FastTurnaround bool              `json:"fast_turnaround,omitempty" yaml:"fast_turnaround,omitempty"`
	HandoffAgentID string            `json:"handoff_agent_id,omitempty" yaml:"handoff_agent_id,omitempty"`
	Orchestrator   bool              `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"` // Generalist entry point; never recommended.
	Default        bool              `json:"default,omitempty" yaml:"default,omitempty"`           // Recommendation fallback target.
}

// Simulated reports whether dispatching the agent runs the mock path.
func (a *Agent) Simulated() bool {
	return a.WorkflowRef == ""
}

// ExecutionStatus is the state of an ExecutionRecord.
type ExecutionStatus string

const (
	StatusInitiated       ExecutionStatus = "initiated"
	StatusSuccess         ExecutionStatus = "success"
	StatusFailed          ExecutionStatus = "failed"
	StatusWebhookFailed   ExecutionStatus = "webhook_failed"
	StatusCriticalFailure ExecutionStatus = "critical_failure"
)

// Terminal reports whether no further primary transition is allowed.
// StatusSuccess may still move to StatusWebhookFailed.
func (s ExecutionStatus) Terminal() bool {
	return s != StatusInitiated
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusInitiated:
		return to == StatusSuccess || to == StatusFailed || to == StatusWebhookFailed || to == StatusCriticalFailure
	case StatusSuccess:
		return to == StatusWebhookFailed
	default:
		return false
	}
}

// Execution modes recorded on a record and returned to callers.
const (
	ModeInternal = "internal"
	ModeMock     = "mock"
)

// ExecutionRecord is the durable audit/state row for one dispatch attempt.
type ExecutionRecord struct {
	ID                  string
	AgentID             string
	CallerID            string
	CorrelationID       string
	Payload             json.RawMessage
	Status              ExecutionStatus
	Mode                string
	WorkflowRef         string
	ExternalExecutionID string
	ResultSummary       string
	Result              json.RawMessage
	ErrorMessage        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ExecutionUpdate carries the fields of a single record update. Nil pointers are left untouched.
// When ExpectStatus is set the update only applies if the stored status still equals it.
type ExecutionUpdate struct {
	ExpectStatus        ExecutionStatus
	Status              ExecutionStatus
	AgentID             *string
	Mode                *string
	WorkflowRef         *string
	ExternalExecutionID *string
	ResultSummary       *string
	Result              json.RawMessage
	ErrorMessage        *string
}

// Ptr returns a pointer to v. Used to build ExecutionUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}

// Apply copies the non-empty update fields onto rec and stamps UpdatedAt.
func (u ExecutionUpdate) Apply(rec *ExecutionRecord, now time.Time) {
	if u.Status != "" {
		rec.Status = u.Status
	}
	if u.AgentID != nil {
		rec.AgentID = *u.AgentID
	}
	if u.Mode != nil {
		rec.Mode = *u.Mode
	}
	if u.WorkflowRef != nil {
		rec.WorkflowRef = *u.WorkflowRef
	}
	if u.ExternalExecutionID != nil {
		rec.ExternalExecutionID = *u.ExternalExecutionID
	}
	if u.ResultSummary != nil {
		rec.ResultSummary = *u.ResultSummary
	}
	if u.Result != nil {
		rec.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	rec.UpdatedAt = now
}

// Recommendation is one ranked agent suggestion.
type Recommendation struct {
	AgentID        string  `json:"agent_id"`
	AgentName      string  `json:"agent_name"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	HandoffAgentID string  `json:"handoff_agent_id,omitempty"`
}

// PercyMessage is the conversational summary attached to a recommendation result.
type PercyMessage struct {
	Greeting          string `json:"greeting"`
	ConfidenceSummary string `json:"confidence_summary"`
}

// RecommendationResult is computed per request and never persisted.
type RecommendationResult struct {
	Ranked       []Recommendation `json:"ranked"`
	PercyMessage PercyMessage     `json:"percy_message"`
	Fallback     bool             `json:"fallback"`
}
