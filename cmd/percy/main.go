// Percy is an agent dispatch and execution orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "percy",
	Short: "Percy: dispatch AI agents and track their executions.",
	Long: `Percy routes requests to a catalog of AI agents. It checks access per role
and subscription tier, runs internal agents or triggers their workflows on an external
automation engine, and records every execution with a strict status lifecycle.`,
	RunE:          runGateway, // Default to gateway mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, dispatchCmd, statusCmd, recommendCmd, agentsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
