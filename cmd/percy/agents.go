package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/percy/internal/config"
	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/security"
)

var (
	agentsConfigPath string
	agentsRole       string
	agentsTier       string
	agentsAll        bool
	agentsJSON       bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Print the agent catalog",
	Long: `Print the configured agent catalog without contacting the gateway.
With --role and --tier, the ACCESS column shows what that caller could dispatch.`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().StringVar(&agentsConfigPath, "config", "", "path to config file (default ~/.percy/config.yaml when present)")
	agentsCmd.Flags().StringVar(&agentsRole, "role", "user", "caller role used for the ACCESS column")
	agentsCmd.Flags().StringVar(&agentsTier, "tier", "free", "caller tier used for the ACCESS column")
	agentsCmd.Flags().BoolVar(&agentsAll, "all", false, "include hidden agents")
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "print JSON instead of a table")
}

func runAgents(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(resolveConfigPath(agentsConfigPath))
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	agents := reg.Visible()
	if agentsAll {
		agents = reg.All()
	}
	caller := domain.Caller{ID: "cli", Role: agentsRole, Tier: agentsTier, Features: cfg.FeaturesForTier(agentsTier)}

	if agentsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}
	return writeAgentTable(os.Stdout, agents, caller)
}

// writeAgentTable prints one row per agent.
func writeAgentTable(w io.Writer, agents []domain.Agent, caller domain.Caller) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tMODE\tACCESS")
	for i := range agents {
		a := &agents[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Category, agentMode(a), accessLabel(caller, a))
	}
	return tw.Flush()
}

func agentMode(a *domain.Agent) string {
	if a.Simulated() {
		return "simulated"
	}
	return "workflow"
}

// accessLabel describes whether caller may dispatch a, and what is missing otherwise.
func accessLabel(caller domain.Caller, a *domain.Agent) string {
	if security.IsAuthorized(caller, a) {
		return "yes"
	}
	var missing []string
	if r := a.Access.RoleRequired; r != "" && caller.Role != r {
		missing = append(missing, "role:"+r)
	}
	if f := a.Access.PremiumFeature; f != "" && !caller.HasFeature(f) {
		missing = append(missing, "feature:"+f)
	}
	return "no (" + strings.Join(missing, ", ") + ")"
}
