package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/percy/internal/domain"
)

// catalogFile is the on-disk catalog layout.
type catalogFile struct {
	Agents []domain.Agent `json:"agents" yaml:"agents"`
}

// LoadCatalog reads agent descriptors from a YAML or JSON file.
// The format is detected by extension: .yml/.yaml for YAML, everything else for JSON.
func LoadCatalog(path string) ([]domain.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent catalog %s: %w", path, err)
	}

	var cf catalogFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parsing YAML catalog %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parsing JSON catalog %s: %w", path, err)
		}
	}
	if len(cf.Agents) == 0 {
		return nil, fmt.Errorf("agent catalog %s defines no agents", path)
	}
	return cf.Agents, nil
}

// DefaultCatalog is the built-in agent set used when no catalog is configured.
func DefaultCatalog() []domain.Agent {
	return []domain.Agent{
		{
			ID:           "percy",
			Name:         "Percy",
			Category:     "orchestration",
			Description:  "Routes requests to the right specialist.",
			Capabilities: []string{"orchestration", "routing", "planning"},
			Visible:      true,
			Orchestrator: true,
		},
		{
			ID:             "branding",
			Name:           "Branding Agent",
			Category:       "branding",
			Description:    "Builds brand identity, voice, and positioning.",
			Capabilities:   []string{"brand identity", "logo", "color palette", "brand voice", "positioning", "naming"},
			WorkflowRef:    "branding-workflow",
			Visible:        true,
			HandoffAgentID: "content-creation",
		},
		{
			ID:             "content-creation",
			Name:           "Content Creation",
			Category:       "marketing",
			Description:    "Writes blog posts, social copy, and content calendars.",
			Capabilities:   []string{"blog posts", "social media", "copywriting", "content calendar", "seo", "newsletter"},
			WorkflowRef:    "content-workflow",
			Visible:        true,
			FastTurnaround: true,
			HandoffAgentID: "analytics",
		},
		{
			ID:           "analytics",
			Name:         "Analytics",
			Category:     "analytics",
			Description:  "Tracks KPIs, traffic, and conversion.",
			Capabilities: []string{"metrics", "dashboards", "reporting", "kpi", "conversion", "traffic", "sales"},
			Access:       domain.AccessRequirement{PremiumFeature: "advanced-analytics"},
			WorkflowRef:  "analytics-workflow",
			Visible:      true,
		},
		{
			ID:           "skillsmith",
			Name:         "Skillsmith",
			Category:     "training",
			Description:  "Designs onboarding and training material.",
			Capabilities: []string{"training", "skills", "onboarding", "courses", "learning", "hiring"},
			Visible:      true,
		},
		{
			ID:             "ads-manager",
			Name:           "Ads Manager",
			Category:       "advertising",
			Description:    "Plans and tunes paid campaigns.",
			Capabilities:   []string{"advertising", "ppc", "campaigns", "ad budget", "targeting", "leads"},
			Access:         domain.AccessRequirement{PremiumFeature: "paid-ads"},
			Visible:        true,
			FastTurnaround: true,
			HandoffAgentID: "analytics",
		},
		{
			ID:           "operations",
			Name:         "Operations",
			Category:     "operations",
			Description:  "Internal account and billing operations.",
			Capabilities: []string{"billing", "user management", "accounts"},
			Access:       domain.AccessRequirement{RoleRequired: "admin"},
			Visible:      false,
		},
		{
			ID:             "general",
			Name:           "General Assistant",
			Category:       "general",
			Description:    "Answers open questions and drafts a first plan.",
			Capabilities:   []string{"planning", "strategy", "questions", "research"},
			Visible:        true,
			FastTurnaround: true,
			Default:        true,
		},
	}
}
