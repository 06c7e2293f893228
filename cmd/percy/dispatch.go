package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var (
	dispatchPayload     string
	dispatchPayloadFile string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <agent>",
	Short: "Dispatch an agent through the gateway",
	Long: `Dispatch an agent by id, name slug, or "<id>-agent" alias.
The payload must be a JSON object.

Examples:
  percy dispatch branding -p '{"brand":"Acme"}'
  percy dispatch "content-creation-agent" --payload-file brief.json

Exit codes:
  0  success
  1  execution failure
  2  unauthorized, access denied or rate limited
  3  gateway unavailable
  4  agent not found`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVarP(&dispatchPayload, "payload", "p", "", "JSON object payload")
	dispatchCmd.Flags().StringVar(&dispatchPayloadFile, "payload-file", "", "read the JSON payload from a file")
	dispatchCmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	addClientFlags(dispatchCmd)
}

func runDispatch(_ *cobra.Command, args []string) error {
	payload, err := readPayload(dispatchPayload, dispatchPayloadFile)
	if err != nil {
		return err
	}

	body := map[string]json.RawMessage{}
	if payload != nil {
		body["payload"] = payload
	}
	resp := callGateway(http.MethodPost, "/v1/agents/"+url.PathEscape(args[0])+"/dispatch", body)

	var result struct {
		ExecutionID   string `json:"execution_id"`
		Status        string `json:"status"`
		CorrelationID string `json:"correlation_id"`
	}
	_ = json.Unmarshal(resp, &result)
	printJSON(resp)
	fmt.Fprintf(os.Stderr, "\n[execution_id=%s status=%s correlation_id=%s]\n",
		result.ExecutionID, result.Status, result.CorrelationID)
	return nil
}

// readPayload returns the payload from the inline flag or a file. Empty = no payload.
func readPayload(inline, file string) (json.RawMessage, error) {
	data := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
