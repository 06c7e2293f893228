// Package workflow is the HTTP client for the external automation engine.
//
// Safety:
//   - Redirects are never followed
//   - The base URL must resolve to a public host unless AllowPrivateHosts is set
//   - A circuit breaker fails fast while the engine is unhealthy
//   - Error bodies are truncated to 512 bytes
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

// Default client settings.
const (
	defaultTimeout         = 5 * time.Second
	defaultCBMaxFailures   = 5
	defaultCBTimeout       = 30 * time.Second
	defaultCBInterval      = 60 * time.Second
	defaultStatusCacheTTL  = 5 * time.Minute
	defaultStatusCacheSize = 10_000

	maxResponseBytes = 1 << 20 // 1 MB
	maxErrorBody     = 512
	apiKeyHeader     = "X-API-Key"
	userAgent        = "Percy-Workflow/1.0"
)

// Sentinel errors.
var (
	ErrCircuitOpen = errors.New("workflow engine circuit open")
	ErrNotFound    = errors.New("workflow execution not found")
)

// StatusError is returned for non-2xx engine responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("workflow engine returned %d: %s", e.Code, e.Body)
}

// BreakerConfig configures the circuit breaker around engine calls.
type BreakerConfig struct {
	MaxFailures uint32        // Consecutive failures before opening. 0 = 5.
	Timeout     time.Duration // Open → half-open delay. 0 = 30s.
	Interval    time.Duration // Closed-state count reset period. 0 = 60s.
}

// Config configures the workflow client.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration // Per-request timeout. 0 = 5s.
	AllowPrivateHosts bool          // Skip the public-host check (local engines, tests).
	Breaker           BreakerConfig
	StatusCacheTTL    time.Duration // TTL for finished poll results. 0 = 5m.
	StatusCacheSize   int64         // Max cached poll results. 0 = 10000.
}

// TriggerResult is the engine's reply to a trigger call.
type TriggerResult struct {
	ExecutionID string          `json:"executionId"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// StatusResult is the engine's view of an execution.
type StatusResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Finished reports whether the engine will not change this status again.
func (s *StatusResult) Finished() bool {
	switch strings.ToLower(s.Status) {
	case "success", "error", "failed", "crashed", "canceled", "cancelled":
		return true
	}
	return false
}

// Engine is the subset of the workflow engine API used by the dispatcher.
type Engine interface {
	// Trigger starts workflowRef with payload.
	Trigger(ctx context.Context, workflowRef string, payload json.RawMessage) (*TriggerResult, error)
	// PollStatus fetches the engine's status for an execution.
	PollStatus(ctx context.Context, executionID string) (*StatusResult, error)
}

// Client talks to the automation engine over HTTP. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	cache      *ristretto.Cache[string, *StatusResult]
	cacheTTL   time.Duration
	polls      singleflight.Group
	logger     *slog.Logger
}

// New creates a workflow client. The base URL is validated up front.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("workflow base URL is required")
	}
	if err := validateBaseURL(base, cfg.AllowPrivateHosts); err != nil {
		return nil, fmt.Errorf("workflow base URL rejected: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cacheTTL := cfg.StatusCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultStatusCacheTTL
	}
	cacheSize := cfg.StatusCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultStatusCacheSize
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *StatusResult]{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating status cache: %w", err)
	}

	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			// Do not follow redirects: a redirect could point at an internal host.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker:  newBreaker(cfg.Breaker, logger),
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}, nil
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "workflow-engine",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// 4xx answers mean the engine is up; only transport errors and 5xx count.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
	})
}

// Trigger posts payload to {base}/webhook/{workflowRef}.
func (c *Client) Trigger(ctx context.Context, workflowRef string, payload json.RawMessage) (*TriggerResult, error) {
	if workflowRef == "" {
		return nil, errors.New("workflow ref is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	body, err := c.do(ctx, http.MethodPost, "/webhook/"+url.PathEscape(workflowRef), payload)
	if err != nil {
		return nil, fmt.Errorf("triggering workflow %q: %w", workflowRef, err)
	}

	var res TriggerResult
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("decoding trigger response: %w", err)
		}
	}
	return &res, nil
}

// PollStatus fetches {base}/api/v1/executions/{id}. Finished results are cached;
// concurrent polls for the same id share one request. The shared request is
// bounded by the client timeout, not by any one caller's ctx.
func (c *Client) PollStatus(ctx context.Context, executionID string) (*StatusResult, error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}
	if cached, ok := c.cache.Get(executionID); ok {
		return cloneStatus(cached), nil
	}

	ch := c.polls.DoChan(executionID, func() (any, error) {
		body, err := c.do(context.WithoutCancel(ctx), http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID), nil)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
			}
			return nil, fmt.Errorf("polling execution %s: %w", executionID, err)
		}

		var res StatusResult
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("decoding status response: %w", err)
		}
		if res.Finished() {
			c.cache.SetWithTTL(executionID, &res, 1, c.cacheTTL)
			c.cache.Wait()
		}
		return &res, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return cloneStatus(r.Val.(*StatusResult)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("polling execution %s: %w", executionID, ctx.Err())
	}
}

// CheckHealth reports an error while the circuit is open. Used as a readiness check.
func (c *Client) CheckHealth(_ context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// BreakerState returns the circuit breaker state name for monitoring.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Close releases the status cache.
func (c *Client) Close() {
	c.cache.Close()
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if c.apiKey != "" {
			req.Header.Set(apiKeyHeader, c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return data, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return body, err
}

func cloneStatus(s *StatusResult) *StatusResult {
	out := *s
	out.Data = append(json.RawMessage(nil), s.Data...)
	return &out
}

var _ Engine = (*Client)(nil)
