package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/percy/internal/config"
	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/ratelimit"
	"github.com/jkaninda/percy/internal/recommend"
	"github.com/jkaninda/percy/internal/security"
)

const maxCorrelationIDLen = 64

// --- Dispatch ---

// DispatchRequest is the JSON body for POST /v1/agents/{agent}/dispatch.
type DispatchRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (g *Gateway) handleDispatch(c *okapi.Context) error {
	caller := g.caller(c)
	correlationID := requestCorrelationID(c.Header("X-Correlation-ID"))

	if err := g.allow(config.EntryDispatch, caller.ID); err != nil {
		return writeError(c, err, "")
	}

	body, err := readBody(c.Request().Body, g.config.MaxRequestSize)
	if err != nil {
		return writeError(c, err, correlationID)
	}
	payload, err := decodeDispatchBody(body)
	if err != nil {
		return writeError(c, err, correlationID)
	}

	agentKey := c.Param("agent")
	g.logger.InfoContext(c.Context(), "http dispatch",
		slog.String("user_id", caller.ID),
		slog.String("agent", agentKey),
		slog.String("correlation_id", correlationID),
	)

	res, err := g.deps.Dispatcher.Dispatch(c.Context(), dispatch.Request{
		AgentKey:      agentKey,
		Payload:       payload,
		Caller:        caller,
		CorrelationID: correlationID,
	})
	if err != nil {
		code, _ := errorResponse(err, correlationID)
		if code >= http.StatusInternalServerError {
			g.logger.ErrorContext(c.Context(), "dispatch failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		}
		return writeError(c, err, correlationID)
	}
	return c.OK(res)
}

// readBody reads at most limit bytes. A larger body is an invalid payload.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultMaxRequestSize
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", domain.ErrInvalidPayload, err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrInvalidPayload, limit)
	}
	return b, nil
}

// decodeDispatchBody extracts the payload from a dispatch body. An empty body
// dispatches with an empty payload.
func decodeDispatchBody(body []byte) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object with an optional \"payload\" object", domain.ErrInvalidPayload)
	}
	return req.Payload, nil
}

// requestCorrelationID accepts a client-supplied id made of [A-Za-z0-9_-] up to 64
// characters, and generates one otherwise.
func requestCorrelationID(header string) string {
	h := strings.TrimSpace(header)
	if h == "" || len(h) > maxCorrelationIDLen {
		return dispatch.NewCorrelationID()
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return dispatch.NewCorrelationID()
		}
	}
	return h
}

// --- Executions ---

// ExternalStatus is the workflow engine's view of an execution.
type ExternalStatus struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExecutionResponse is the JSON view of an execution record.
type ExecutionResponse struct {
	ExecutionID         string          `json:"execution_id"`
	Status              string          `json:"status"`
	AgentID             string          `json:"agent_id,omitempty"`
	Mode                string          `json:"mode,omitempty"`
	WorkflowRef         string          `json:"workflow_ref,omitempty"`
	ExternalExecutionID string          `json:"external_execution_id,omitempty"`
	ResultSummary       string          `json:"result_summary,omitempty"`
	Data                json.RawMessage `json:"data,omitempty"`
	Error               string          `json:"error,omitempty"`
	CorrelationID       string          `json:"correlation_id,omitempty"`
	CreatedAt           *time.Time      `json:"created_at,omitempty"`
	UpdatedAt           *time.Time      `json:"updated_at,omitempty"`
	External            *ExternalStatus `json:"external,omitempty"`
	ExternalError       string          `json:"external_error,omitempty"`
}

// ExecutionListResponse is the JSON response for GET /v1/executions.
type ExecutionListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	Count      int                 `json:"count"`
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	caller := g.caller(c)
	if err := g.allow(config.EntryStatus, caller.ID); err != nil {
		return writeError(c, err, "")
	}

	id := c.Param("id")
	view, err := g.deps.Dispatcher.Status(c.Context(), id, caller)
	if err != nil {
		if !errors.Is(err, domain.ErrExecutionNotFound) {
			g.logger.ErrorContext(c.Context(), "status lookup failed",
				slog.String("execution_id", id),
				slog.String("error", err.Error()),
			)
		}
		return writeError(c, err, "")
	}
	return c.OK(toExecutionView(id, view))
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	caller := g.caller(c)
	if err := g.allow(config.EntryStatus, caller.ID); err != nil {
		return writeError(c, err, "")
	}

	limit, err := parseLimit(c.Request().URL.Query().Get("limit"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	recs, err := g.deps.Dispatcher.List(c.Context(), caller, limit)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "listing executions failed",
			slog.String("user_id", caller.ID),
			slog.String("error", err.Error()),
		)
		return writeError(c, err, "")
	}

	out := ExecutionListResponse{Executions: make([]ExecutionResponse, len(recs)), Count: len(recs)}
	for i := range recs {
		out.Executions[i] = toExecutionResponse(&recs[i])
	}
	return c.OK(out)
}

// parseLimit parses the optional limit query parameter. Empty = dispatcher default.
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func toExecutionResponse(rec *domain.ExecutionRecord) ExecutionResponse {
	created, updated := rec.CreatedAt, rec.UpdatedAt
	resp := ExecutionResponse{
		ExecutionID:         rec.ID,
		Status:              string(rec.Status),
		AgentID:             rec.AgentID,
		Mode:                rec.Mode,
		WorkflowRef:         rec.WorkflowRef,
		ExternalExecutionID: rec.ExternalExecutionID,
		ResultSummary:       rec.ResultSummary,
		Data:                rec.Result,
		Error:               rec.ErrorMessage,
		CorrelationID:       rec.CorrelationID,
	}
	if !created.IsZero() {
		resp.CreatedAt = &created
	}
	if !updated.IsZero() {
		resp.UpdatedAt = &updated
	}
	return resp
}

// toExecutionView renders a status lookup. A view with no local record is an
// engine-only execution and reports the engine's status at the top level.
func toExecutionView(id string, view *dispatch.StatusView) ExecutionResponse {
	var resp ExecutionResponse
	if view.Record != nil {
		resp = toExecutionResponse(view.Record)
	} else {
		resp.ExecutionID = id
	}
	resp.ExternalError = view.ExternalError
	if view.External != nil {
		ext := &ExternalStatus{Status: view.External.Status, Data: view.External.Data, Error: view.External.Error}
		if view.Record == nil {
			resp.Status = ext.Status
			resp.Data = ext.Data
			resp.Error = ext.Error
		}
		resp.External = ext
	}
	return resp
}

// --- Recommendations ---

// RecommendationResponse is the JSON response for GET /v1/recommendations.
type RecommendationResponse = domain.RecommendationResult

func (g *Gateway) handleRecommendations(c *okapi.Context) error {
	caller := g.caller(c)
	if err := g.allow(config.EntryRecommend, caller.ID); err != nil {
		return writeError(c, err, "")
	}

	in, err := parseRecommendQuery(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	res := g.deps.Recommender.Recommend(in)
	g.config.Metrics.RecordRecommendation(res.Fallback)
	return c.OK(res)
}

// parseRecommendQuery reads business_type, goal, urgency, and count.
func parseRecommendQuery(q url.Values) (recommend.Input, error) {
	in := recommend.Input{
		BusinessType: strings.TrimSpace(q.Get("business_type")),
		Goal:         strings.TrimSpace(q.Get("goal")),
		Urgency:      strings.TrimSpace(q.Get("urgency")),
	}
	if in.BusinessType == "" {
		return in, errors.New("business_type is required")
	}
	if s := q.Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return in, errors.New("count must be a non-negative integer")
		}
		in.Count = n
	}
	return in, nil
}

// --- Agents ---

// AgentView is an agent descriptor as seen by one caller.
type AgentView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	Description     string   `json:"description,omitempty"`
	Capabilities    []string `json:"capabilities"`
	WorkflowBound   bool     `json:"workflow_bound"`
	FastTurnaround  bool     `json:"fast_turnaround,omitempty"`
	HandoffAgentID  string   `json:"handoff_agent_id,omitempty"`
	Locked          bool     `json:"locked"`
	UpgradeRequired bool     `json:"upgrade_required,omitempty"`
	Required        string   `json:"required,omitempty"`
}

func (g *Gateway) handleAgentList(c *okapi.Context) error {
	caller := g.caller(c)
	visible := g.deps.Registry.Visible()
	out := make([]AgentView, 0, len(visible))
	for i := range visible {
		out = append(out, agentView(caller, &visible[i]))
	}
	return c.OK(out)
}

func (g *Gateway) handleAgentGet(c *okapi.Context) error {
	caller := g.caller(c)
	agent, err := g.deps.Registry.Lookup(c.Param("agent"))
	if err != nil {
		return writeError(c, err, "")
	}
	// Hidden agents exist only for callers allowed to run them.
	if !agent.Visible && !security.IsAuthorized(caller, agent) {
		return writeError(c, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, c.Param("agent")), "")
	}
	return c.OK(agentView(caller, agent))
}

func agentView(caller domain.Caller, a *domain.Agent) AgentView {
	v := AgentView{
		ID:             a.ID,
		Name:           a.Name,
		Category:       a.Category,
		Description:    a.Description,
		Capabilities:   slices.Clone(a.Capabilities),
		WorkflowBound:  !a.Simulated(),
		FastTurnaround: a.FastTurnaround,
		HandoffAgentID: a.HandoffAgentID,
	}
	if v.Capabilities == nil {
		v.Capabilities = []string{}
	}
	if !security.IsAuthorized(caller, a) {
		v.Locked = true
		switch {
		case a.Access.RoleRequired != "" && caller.Role != a.Access.RoleRequired:
			v.Required = a.Access.RoleRequired
		default:
			v.UpgradeRequired = true
			v.Required = a.Access.PremiumFeature
		}
	}
	return v
}

// --- Helpers ---

// caller rebuilds the authenticated caller stored by authenticate.
func (g *Gateway) caller(c *okapi.Context) domain.Caller {
	return callerFromIdentity(c.GetString(ctxUserID), c.GetString(ctxRole), c.GetString(ctxTier), g.deps.Tiers)
}

func callerFromIdentity(userID, role, tier string, tiers map[string]config.TierConfig) domain.Caller {
	c := domain.Caller{ID: userID, Role: role, Tier: tier}
	if t, ok := tiers[tier]; ok {
		c.Features = slices.Clone(t.Features)
	}
	return c
}

// allow applies the entry point's limiter, if any, and counts rejections.
func (g *Gateway) allow(entry, callerID string) error {
	l, ok := g.deps.Limiters[entry]
	if !ok || l == nil {
		return nil
	}
	if err := l.Allow(callerID); err != nil {
		g.config.Metrics.RecordRateLimited(entry)
		g.logger.Warn("rate limited",
			slog.String("entry_point", entry),
			slog.String("user_id", callerID),
		)
		return fmt.Errorf("%s: %w", entry, ratelimit.ErrRateLimited)
	}
	return nil
}
