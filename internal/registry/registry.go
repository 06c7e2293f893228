// Package registry holds the process-wide catalog of dispatchable agents.
// The catalog is built once at startup and is read-only afterwards, so
// lookups need no locking.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/jkaninda/percy/internal/domain"
)

// agentSuffix is the conventional alias suffix accepted by Lookup ("branding-agent" → "branding").
const agentSuffix = "-agent"

// Registry is an immutable, ordered set of agent descriptors.
// Registry order is significant: it breaks recommendation ties.
type Registry struct {
	agents []domain.Agent
	byID   map[string]int
	bySlug map[string]int
}

// New builds a registry from descriptors in the given order.
// Returns an error on duplicate or empty IDs, or when more than one agent is marked default.
func New(agents []domain.Agent) (*Registry, error) {
	r := &Registry{
		agents: make([]domain.Agent, 0, len(agents)),
		byID:   make(map[string]int, len(agents)),
		bySlug: make(map[string]int, len(agents)),
	}

	defaults := 0
	for _, a := range agents {
		id := normalize(a.ID)
		if id == "" {
			return nil, fmt.Errorf("agent %q: id is required", a.Name)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.Default {
			defaults++
		}
		a.ID = id
		a.HandoffAgentID = normalize(a.HandoffAgentID)
		a.Capabilities = append([]string(nil), a.Capabilities...)

		idx := len(r.agents)
		r.agents = append(r.agents, a)
		r.byID[id] = idx
		// First registered agent wins a slug collision.
		if slug := Slug(a.Name); slug != "" {
			if _, taken := r.bySlug[slug]; !taken {
				r.bySlug[slug] = idx
			}
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("at most one default agent allowed, found %d", defaults)
	}

	for _, a := range r.agents {
		if a.HandoffAgentID == "" {
			continue
		}
		if _, ok := r.byID[a.HandoffAgentID]; !ok {
			return nil, fmt.Errorf("agent %q: handoff agent %q not in catalog", a.ID, a.HandoffAgentID)
		}
	}

	return r, nil
}

// Lookup resolves an agent by exact id, then display-name slug, then id with the
// "-agent" suffix stripped. The first match wins. Returns a copy of the descriptor.
func (r *Registry) Lookup(idOrSlug string) (*domain.Agent, error) {
	key := normalize(idOrSlug)
	if key == "" {
		return nil, fmt.Errorf("%w: empty agent id", domain.ErrAgentNotFound)
	}

	if idx, ok := r.byID[key]; ok {
		return r.at(idx), nil
	}
	if idx, ok := r.bySlug[Slug(key)]; ok {
		return r.at(idx), nil
	}
	if stripped, ok := strings.CutSuffix(key, agentSuffix); ok && stripped != "" {
		if idx, ok := r.byID[stripped]; ok {
			return r.at(idx), nil
		}
	}

	return nil, fmt.Errorf("%w: %q", domain.ErrAgentNotFound, idOrSlug)
}

// All returns every agent in registry order.
func (r *Registry) All() []domain.Agent {
	out := make([]domain.Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Visible returns the agents that appear in listings, in registry order.
func (r *Registry) Visible() []domain.Agent {
	out := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Visible {
			out = append(out, a)
		}
	}
	return out
}

// Default returns the designated fallback agent, or nil when none is marked.
func (r *Registry) Default() *domain.Agent {
	for i := range r.agents {
		if r.agents[i].Default {
			return r.at(i)
		}
	}
	return nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}

func (r *Registry) at(idx int) *domain.Agent {
	a := r.agents[idx]
	a.Capabilities = slices.Clone(a.Capabilities)
	return &a
}

// Slug normalizes a display name: lower-case, runs of non-alphanumerics become a single '-',
// leading and trailing dashes trimmed. "Content Creation" → "content-creation".
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
