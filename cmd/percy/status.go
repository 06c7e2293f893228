package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show an execution, or list recent executions",
	Long: `Show one execution with the workflow engine's view of it,
or list your most recent executions when no id is given.

Examples:
  percy status 0f8fad5b-d9cb-469f-a165-70867728950e
  percy status --limit 50`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of executions to list (max 100)")
	addClientFlags(statusCmd)
}

func runStatus(_ *cobra.Command, args []string) error {
	if len(args) == 1 {
		printJSON(callGateway(http.MethodGet, "/v1/executions/"+url.PathEscape(args[0]), nil))
		return nil
	}
	q := url.Values{"limit": {strconv.Itoa(statusLimit)}}
	printJSON(callGateway(http.MethodGet, "/v1/executions?"+q.Encode(), nil))
	return nil
}
