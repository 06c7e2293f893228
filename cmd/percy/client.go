package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the client commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitAccessDenied = 2
	ExitUnavailable  = 3
	ExitNotFound     = 4
)

var (
	clientGatewayURL string
	clientAPIKey     string
	clientTimeout    int
)

// addClientFlags registers the gateway connection flags on a client command.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or PERCY_GATEWAY_URL env)")
	cmd.Flags().StringVar(&clientAPIKey, "api-key", "", "API key for gateway authentication (or PERCY_API_KEY env)")
	cmd.Flags().IntVar(&clientTimeout, "timeout", 30, "timeout in seconds")
}

// apiError is the gateway's error body.
type apiError struct {
	Error           string `json:"error"`
	CorrelationID   string `json:"correlation_id"`
	UpgradeRequired bool   `json:"upgrade_required"`
	Required        string `json:"required"`
}

// callGateway sends one authenticated request and returns the response body on 2xx.
// Any other outcome prints an error and exits with the matching exit code.
func callGateway(method, path string, body any) []byte {
	apiKey := goutils.Env("PERCY_API_KEY", clientAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set PERCY_API_KEY)")
		os.Exit(ExitAccessDenied)
	}
	gatewayURL := strings.TrimRight(goutils.Env("PERCY_GATEWAY_URL", clientGatewayURL), "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: encoding request: %v\n", err)
			os.Exit(ExitFailure)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, gatewayURL+path, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody
	}

	var apiErr apiError
	_ = json.Unmarshal(respBody, &apiErr)
	if apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(respBody))
	}
	os.Exit(reportError(resp.StatusCode, apiErr))
	return nil
}

// reportError prints a gateway error and returns the exit code for it.
func reportError(code int, e apiError) int {
	suffix := ""
	if e.CorrelationID != "" {
		suffix = fmt.Sprintf(" [correlation_id=%s]", e.CorrelationID)
	}

	switch code {
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		return ExitAccessDenied
	case http.StatusForbidden:
		if e.UpgradeRequired {
			fmt.Fprintf(os.Stderr, "Error: access denied, upgrade required for feature %q%s\n", e.Required, suffix)
		} else {
			fmt.Fprintf(os.Stderr, "Error: access denied, role %q required%s\n", e.Required, suffix)
		}
		return ExitAccessDenied
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		return ExitAccessDenied
	case http.StatusNotFound:
		fmt.Fprintf(os.Stderr, "Error: %s\n", e.Error)
		return ExitNotFound
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", code)
		return ExitUnavailable
	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s%s\n", code, e.Error, suffix)
		return ExitFailure
	}
}

// printJSON pretty-prints a JSON document to stdout.
func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}
