// Package recommend ranks registry agents against a caller's business context.
//
// Scoring is keyword overlap between the caller's business type and goal and
// each agent's capabilities, category and name, with a category bonus and an
// urgency boost for fast-turnaround agents. Results are deterministic: equal
// scores keep registry order.
package recommend

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/registry"
)

// Result size limits.
const (
	DefaultCount = 3
	MaxCount     = 10
)

// FallbackConfidence is the fixed score given to the default agent when nothing clears the floor.
const FallbackConfidence = 0.25

// Urgency levels. Anything else counts as normal.
const (
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
	UrgencyUrgent = "urgent"
)

// Weights tunes the scoring formula.
type Weights struct {
	Overlap  float64 // Weight of the query token hit ratio.
	Category float64 // Bonus when a query token names the agent's category.
	Floor    float64 // Minimum confidence to be listed.
	High     float64 // Multiplier for fast agents at "high" urgency.
	Urgent   float64 // Multiplier for fast agents at "urgent" urgency.
}

// DefaultWeights returns the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Overlap:  0.8,
		Category: 0.2,
		Floor:    0.15,
		High:     1.2,
		Urgent:   1.35,
	}
}

// withDefaults fills zero fields from DefaultWeights.
func (w Weights) withDefaults() Weights {
	d := DefaultWeights()
	if w.Overlap <= 0 {
		w.Overlap = d.Overlap
	}
	if w.Category <= 0 {
		w.Category = d.Category
	}
	if w.Floor <= 0 {
		w.Floor = d.Floor
	}
	if w.High <= 0 {
		w.High = d.High
	}
	if w.Urgent <= 0 {
		w.Urgent = d.Urgent
	}
	return w
}

// Input is the caller's business context.
type Input struct {
	BusinessType string
	Goal         string
	Urgency      string
	Count        int
}

// candidate is a precomputed, tokenized view of one agent.
type candidate struct {
	agent      domain.Agent
	tokens     map[string]bool
	category   map[string]bool
	capability [][]string // Tokens per capability, same order as agent.Capabilities.
}

// Engine scores agents from a fixed registry. Safe for concurrent use.
type Engine struct {
	weights    Weights
	candidates []candidate
	visible    map[string]bool
	fallback   domain.Agent
	logger     *slog.Logger
}

// New builds an engine over the registry's visible, non-orchestrator agents.
// The fallback is the registry's default agent, or the first candidate when none is marked.
func New(reg *registry.Registry, weights Weights, logger *slog.Logger) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	e := &Engine{
		weights: weights.withDefaults(),
		visible: make(map[string]bool),
		logger:  logger,
	}

	for _, a := range reg.Visible() {
		e.visible[a.ID] = true
		if a.Orchestrator {
			continue
		}
		c := candidate{
			agent:    a,
			tokens:   make(map[string]bool),
			category: make(map[string]bool),
		}
		for _, capability := range a.Capabilities {
			toks := tokenize(capability)
			c.capability = append(c.capability, toks)
			for _, t := range toks {
				c.tokens[t] = true
			}
		}
		for _, t := range tokenize(a.Category) {
			c.tokens[t] = true
			c.category[t] = true
		}
		for _, t := range tokenize(a.Name) {
			c.tokens[t] = true
		}
		e.candidates = append(e.candidates, c)
	}

	switch def := reg.Default(); {
	case def != nil:
		e.fallback = *def
	case len(e.candidates) > 0:
		e.fallback = e.candidates[0].agent
	default:
		return nil, errors.New("no recommendable agents: catalog needs a visible non-orchestrator agent or a default")
	}
	return e, nil
}

type scored struct {
	c          *candidate
	confidence float64
	matched    string
}

// Recommend ranks candidates for in. The result is never empty.
func (e *Engine) Recommend(in Input) domain.RecommendationResult {
	count := in.Count
	if count <= 0 {
		count = DefaultCount
	}
	count = min(count, MaxCount)

	query := tokenize(in.BusinessType + " " + in.Goal)
	multiplier := e.urgencyMultiplier(in.Urgency)

	var results []scored
	for i := range e.candidates {
		c := &e.candidates[i]
		s := e.score(c, query, multiplier)
		if s.confidence < e.weights.Floor {
			continue
		}
		results = append(results, s)
	}

	// Stable: equal confidence keeps registry order.
	slices.SortStableFunc(results, func(a, b scored) int {
		switch {
		case a.confidence > b.confidence:
			return -1
		case a.confidence < b.confidence:
			return 1
		default:
			return 0
		}
	})
	if len(results) > count {
		results = results[:count]
	}

	out := domain.RecommendationResult{}
	if len(results) == 0 {
		out.Fallback = true
		out.Ranked = []domain.Recommendation{{
			AgentID:        e.fallback.ID,
			AgentName:      e.fallback.Name,
			Confidence:     FallbackConfidence,
			Reasoning:      fmt.Sprintf("%s is a good general starting point while we learn more about your business.", e.fallback.Name),
			HandoffAgentID: e.handoff(e.fallback),
		}}
	} else {
		out.Ranked = make([]domain.Recommendation, 0, len(results))
		for _, r := range results {
			out.Ranked = append(out.Ranked, domain.Recommendation{
				AgentID:        r.c.agent.ID,
				AgentName:      r.c.agent.Name,
				Confidence:     round(r.confidence),
				Reasoning:      reasoning(r.c.agent, r.matched, in.BusinessType),
				HandoffAgentID: e.handoff(r.c.agent),
			})
		}
	}
	out.PercyMessage = percyMessage(in.BusinessType, out.Ranked[0], out.Fallback)

	if e.logger != nil {
		e.logger.Debug("recommendations computed",
			slog.Int("query_tokens", len(query)),
			slog.Int("ranked", len(out.Ranked)),
			slog.Bool("fallback", out.Fallback),
		)
	}
	return out
}

func (e *Engine) score(c *candidate, query []string, multiplier float64) scored {
	s := scored{c: c}
	if len(query) == 0 {
		return s
	}

	hits := 0
	categoryHit := 0.0
	for _, qt := range query {
		if c.tokens[qt] {
			hits++
		}
		if c.category[qt] {
			categoryHit = 1
		}
	}
	if hits == 0 {
		return s
	}

	conf := e.weights.Overlap*float64(hits)/float64(len(query)) + e.weights.Category*categoryHit
	conf = min(conf, 1)
	if c.agent.FastTurnaround {
		conf = min(conf*multiplier, 1)
	}
	s.confidence = conf
	s.matched = matchedCapability(c, query)
	return s
}

func (e *Engine) urgencyMultiplier(level string) float64 {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case UrgencyHigh:
		return e.weights.High
	case UrgencyUrgent:
		return e.weights.Urgent
	default:
		return 1
	}
}

// handoff returns the agent's downstream specialist when it is listed.
func (e *Engine) handoff(a domain.Agent) string {
	if a.HandoffAgentID != "" && e.visible[a.HandoffAgentID] {
		return a.HandoffAgentID
	}
	return ""
}

// matchedCapability returns the first capability sharing a token with the query.
func matchedCapability(c *candidate, query []string) string {
	for i, toks := range c.capability {
		for _, t := range toks {
			if slices.Contains(query, t) {
				return c.agent.Capabilities[i]
			}
		}
	}
	return ""
}

func reasoning(a domain.Agent, matched, businessType string) string {
	subject := strings.TrimSpace(businessType)
	if subject == "" {
		subject = "your business"
	}
	if matched == "" {
		return fmt.Sprintf("%s covers %s work relevant to %s.", a.Name, a.Category, subject)
	}
	return fmt.Sprintf("%s specializes in %s, which matches what %s needs.", a.Name, matched, subject)
}

func percyMessage(businessType string, top domain.Recommendation, fallback bool) domain.PercyMessage {
	greeting := "Hi! I'm Percy. Here is where I'd start."
	if bt := strings.TrimSpace(businessType); bt != "" {
		greeting = fmt.Sprintf("Hi! I'm Percy. Here is where I'd start for your %s.", bt)
	}

	var summary string
	switch {
	case fallback:
		summary = fmt.Sprintf("I couldn't find a strong match, so %s is a safe first step.", top.AgentName)
	case top.Confidence >= 0.75:
		summary = fmt.Sprintf("I'm confident %s is the right fit (%d%% match).", top.AgentName, percent(top.Confidence))
	case top.Confidence >= 0.4:
		summary = fmt.Sprintf("%s looks like a good fit (%d%% match).", top.AgentName, percent(top.Confidence))
	default:
		summary = fmt.Sprintf("%s is a possible fit (%d%% match). Tell me more about your goal to sharpen this.", top.AgentName, percent(top.Confidence))
	}
	return domain.PercyMessage{Greeting: greeting, ConfidenceSummary: summary}
}

func percent(c float64) int {
	return int(math.Round(c * 100))
}

func round(c float64) float64 {
	return math.Round(c*1000) / 1000
}
