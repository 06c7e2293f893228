// Package httpapi implements the HTTP API gateway for Percy.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller fixed-window rate limiting per entry point
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/percy/internal/config"
	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/gateway"
	"github.com/jkaninda/percy/internal/observability"
	"github.com/jkaninda/percy/internal/ratelimit"
	"github.com/jkaninda/percy/internal/recommend"
	"github.com/jkaninda/percy/internal/registry"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Context keys set by authenticate.
const (
	ctxUserID = "userID"
	ctxRole   = "role"
	ctxTier   = "tier"
)

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Version        string
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Deps are the services the gateway exposes.
type Deps struct {
	Dispatcher  *dispatch.Dispatcher
	Recommender *recommend.Engine
	Registry    *registry.Registry
	Keys        *gateway.KeyRing
	// Limiters by entry point (config.EntryDispatch, EntryRecommend, EntryStatus).
	// A missing entry is unlimited.
	Limiters map[string]*ratelimit.Limiter
	// Features by tier, used to rebuild the caller from the request context.
	Tiers map[string]config.TierConfig
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	deps   Deps
	logger *slog.Logger
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket event feed).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config: cfg,
		deps:   deps,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Percy",
			Version: version,
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket event feed alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mount()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Int("api_keys", g.deps.Keys.Len()),
	)
	return g.okapi.StartServer(g.server)
}

// mount registers middleware and every route on the okapi router.
func (g *Gateway) mount() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.registerRoutes()

	// Extra handlers (e.g., WebSocket event feed). They authenticate themselves.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) registerRoutes() {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/agents/{agent}/dispatch", g.handleDispatch,
		okapi.DocSummary("Dispatch an agent"),
		okapi.DocTags("Dispatch"),
		okapi.DocPathParam("agent", "string", "Agent id, name slug, or <id>-agent"),
		okapi.DocRequestBody(DispatchRequest{}),
		okapi.DocResponse(dispatch.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)
	g.group.Get("/executions", g.handleExecutionList,
		okapi.DocSummary("List the caller's recent executions"),
		okapi.DocTags("Executions"),
		okapi.DocResponse(ExecutionListResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/executions/{id}", g.handleExecutionGet,
		okapi.DocSummary("Get execution status"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID"),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/recommendations", g.handleRecommendations,
		okapi.DocSummary("Recommend agents for a business goal"),
		okapi.DocTags("Recommendations"),
		okapi.DocResponse(RecommendationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/agents", g.handleAgentList,
		okapi.DocSummary("List visible agents"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]AgentView{}),
	)
	g.group.Get("/agents/{agent}", g.handleAgentGet,
		okapi.DocSummary("Get an agent descriptor"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("agent", "string", "Agent id, name slug, or <id>-agent"),
		okapi.DocResponse(AgentView{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// HealthResponse is the JSON response for the health endpoints when no checker is set.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the Bearer API key and stores the caller identity on the context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		apiKey, ok := gateway.BearerToken(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		caller, ok := g.deps.Keys.Authenticate(apiKey)
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(ctxUserID, caller.ID)
		c.Set(ctxRole, caller.Role)
		c.Set(ctxTier, caller.Tier)
		return next(c)
	}
}
