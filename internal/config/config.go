// Package config handles loading and validating Percy configuration.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/percy/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Entry points with their own rate limiter.
const (
	EntryDispatch  = "dispatch"
	EntryRecommend = "recommend"
	EntryStatus    = "status"
)

// EntryPoints lists every rate-limited entry point.
var EntryPoints = []string{EntryDispatch, EntryRecommend, EntryStatus}

// Config is the root configuration for Percy.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.percy/data. Override: PERCY_DATA_DIR env var.
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under data_dir
	Security      SecurityConfig        `json:"security" yaml:"security"`
	Tiers         map[string]TierConfig `json:"tiers,omitempty" yaml:"tiers,omitempty"`         // nil = built-in free/pro/business tiers
	Agents        *AgentsConfig         `json:"agents,omitempty" yaml:"agents,omitempty"`       // nil = built-in catalog
	Dispatch      *DispatchConfig       `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`   // nil = defaults
	Workflow      *WorkflowConfig       `json:"workflow,omitempty" yaml:"workflow,omitempty"`   // nil = engine not configured
	Recommend     *RecommendConfig      `json:"recommend,omitempty" yaml:"recommend,omitempty"` // nil = default weights
	Gateways      GatewaysConfig        `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/percy.db.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: PERCY_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SecurityConfig configures the audit trail.
type SecurityConfig struct {
	AuditLogPath string `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // Default: <data_dir>/audit.jsonl.
	AuditSink    string `json:"audit_sink,omitempty" yaml:"audit_sink,omitempty"`         // "file" (default), "store" or "off".
}

// Sink returns the audit sink, defaulting to "file".
func (s SecurityConfig) Sink() string {
	if s.AuditSink != "" {
		return s.AuditSink
	}
	return "file"
}

// TierConfig lists the premium features a subscription tier unlocks.
type TierConfig struct {
	Features []string `json:"features" yaml:"features"`
}

// DefaultTiers returns the built-in tier entitlements.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"free":     {},
		"pro":      {Features: []string{"advanced-analytics"}},
		"business": {Features: []string{"advanced-analytics", "paid-ads"}},
	}
}

// ResolvedTiers returns the configured tiers or the built-in set.
func (c *Config) ResolvedTiers() map[string]TierConfig {
	if len(c.Tiers) > 0 {
		return c.Tiers
	}
	return DefaultTiers()
}

// FeaturesForTier returns the entitlement set of tier. Unknown tiers get none.
func (c *Config) FeaturesForTier(tier string) []string {
	t, ok := c.ResolvedTiers()[tier]
	if !ok {
		return nil
	}
	return slices.Clone(t.Features)
}

// Callers resolves the HTTP gateway API keys into authenticated callers,
// applying the "user" role and "free" tier defaults.
func (c *Config) Callers() map[string]domain.Caller {
	if c.Gateways.HTTP == nil {
		return map[string]domain.Caller{}
	}
	out := make(map[string]domain.Caller, len(c.Gateways.HTTP.APIKeys))
	for key, k := range c.Gateways.HTTP.APIKeys {
		role := k.Role
		if role == "" {
			role = "user"
		}
		tier := k.Tier
		if tier == "" {
			tier = "free"
		}
		out[key] = domain.Caller{
			ID:       k.UserID,
			Role:     role,
			Tier:     tier,
			Features: c.FeaturesForTier(tier),
		}
	}
	return out
}

// AgentsConfig selects the agent catalog. CatalogPath and Inline are mutually exclusive.
type AgentsConfig struct {
	CatalogPath string         `json:"catalog_path,omitempty" yaml:"catalog_path,omitempty"` // YAML or JSON catalog file.
	Inline      []domain.Agent `json:"inline,omitempty" yaml:"inline,omitempty"`
}

// DispatchConfig tunes the dispatcher and its notification pool.
type DispatchConfig struct {
	QueueSize             int     `json:"queue_size" yaml:"queue_size"`                           // Default: 256
	Workers               int     `json:"workers" yaml:"workers"`                                 // Default: 4
	RatePerSecond         float64 `json:"rate_per_second" yaml:"rate_per_second"`                 // Default: 50
	Burst                 int     `json:"burst" yaml:"burst"`                                     // Default: workers
	MaxConcurrentHandlers int64   `json:"max_concurrent_handlers" yaml:"max_concurrent_handlers"` // 0 = unlimited
	EventBuffer           int     `json:"event_buffer" yaml:"event_buffer"`                       // Per-subscriber buffer. Default: 32
}

// SubscriberBuffer returns the live event buffer size with a default of 32.
func (d *DispatchConfig) SubscriberBuffer() int {
	if d != nil && d.EventBuffer > 0 {
		return d.EventBuffer
	}
	return 32
}

// WorkflowConfig configures the external workflow engine client.
type WorkflowConfig struct {
	BaseURL           string         `json:"base_url" yaml:"base_url"`                       // Override: PERCY_WORKFLOW_URL env var.
	APIKey            string         `json:"api_key,omitempty" yaml:"api_key,omitempty"`     // Override: PERCY_WORKFLOW_API_KEY env var.
	TimeoutSeconds    int            `json:"timeout_seconds" yaml:"timeout_seconds"`         // Default: 5
	AllowPrivateHosts bool           `json:"allow_private_hosts" yaml:"allow_private_hosts"` // Allow loopback and private engine addresses.
	Breaker           *BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`     // nil = defaults
	CacheTTLSeconds   int            `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`     // Finished poll results. Default: 300
	CacheMaxEntries   int64          `json:"cache_max_entries" yaml:"cache_max_entries"`     // Default: 10000
}

// Timeout returns the per-request timeout with a default of 5s.
func (w *WorkflowConfig) Timeout() time.Duration {
	if w != nil && w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// CacheTTL returns the poll cache TTL with a default of 5m.
func (w *WorkflowConfig) CacheTTL() time.Duration {
	if w != nil && w.CacheTTLSeconds > 0 {
		return time.Duration(w.CacheTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Enabled reports whether an engine is configured.
func (w *WorkflowConfig) Enabled() bool {
	return w != nil && w.BaseURL != ""
}

// BreakerConfig configures the workflow circuit breaker.
type BreakerConfig struct {
	MaxFailures     uint32 `json:"max_failures" yaml:"max_failures"`         // Default: 5
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`   // Open → half-open. Default: 30
	IntervalSeconds int    `json:"interval_seconds" yaml:"interval_seconds"` // Default: 60
}

// RecommendConfig overrides recommendation scoring weights. Zero fields keep defaults.
type RecommendConfig struct {
	OverlapWeight    float64 `json:"overlap_weight" yaml:"overlap_weight"`
	CategoryWeight   float64 `json:"category_weight" yaml:"category_weight"`
	ConfidenceFloor  float64 `json:"confidence_floor" yaml:"confidence_floor"`
	HighMultiplier   float64 `json:"high_multiplier" yaml:"high_multiplier"`
	UrgentMultiplier float64 `json:"urgent_multiplier" yaml:"urgent_multiplier"`
}

// GatewaysConfig holds the exposed surfaces.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`           // nil = enabled on :8080
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // nil = live events disabled
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	ListenAddr          string                     `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool                       `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64                      `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB
	APIKeys             map[string]APIKeyConfig    `json:"api_keys" yaml:"api_keys"`                             // API key → caller. Override: PERCY_API_KEYS.
	RateLimits          map[string]RateLimitConfig `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`   // Entry point → limit.
	SweepIntervalSecs   int                        `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Default: 60
}

// Listen returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Listen() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request body cap with a default of 1 MiB.
func (h *HTTPGatewayConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// SweepInterval returns the limiter sweep interval with a default of 60s.
func (h *HTTPGatewayConfig) SweepInterval() time.Duration {
	if h != nil && h.SweepIntervalSecs > 0 {
		return time.Duration(h.SweepIntervalSecs) * time.Second
	}
	return time.Minute
}

// RateLimit returns the limit for an entry point, falling back to the built-in defaults.
func (h *HTTPGatewayConfig) RateLimit(entry string) RateLimitConfig {
	if h != nil {
		if rl, ok := h.RateLimits[entry]; ok {
			return rl
		}
	}
	return DefaultRateLimits()[entry]
}

// DefaultRateLimits returns the per-entry-point defaults.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		EntryDispatch:  {Limit: 10, WindowSeconds: 60},
		EntryRecommend: {Limit: 30, WindowSeconds: 60},
		EntryStatus:    {Limit: 120, WindowSeconds: 60},
	}
}

// APIKeyConfig maps an API key to an authenticated caller.
type APIKeyConfig struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Role   string `json:"role,omitempty" yaml:"role,omitempty"` // Default: "user"
	Tier   string `json:"tier,omitempty" yaml:"tier,omitempty"` // Default: "free"
}

// RateLimitConfig is a fixed-window ceiling. Limit 0 = unlimited.
type RateLimitConfig struct {
	Limit         int `json:"limit" yaml:"limit"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// Window returns the window length.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// WebSocketGatewayConfig configures the live execution event feed.
type WebSocketGatewayConfig struct {
	Enabled               bool     `json:"enabled" yaml:"enabled"`
	Path                  string   `json:"path" yaml:"path"`                                   // Default: "/v1/events".
	PingIntervalSeconds   int      `json:"ping_interval_seconds" yaml:"ping_interval_seconds"` // Default: 30.
	WriteTimeoutSeconds   int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"` // Default: 10.
	AllowedOriginPatterns []string `json:"allowed_origin_patterns,omitempty" yaml:"allowed_origin_patterns,omitempty"`
}

// WSPath returns the WebSocket path with a default of "/v1/events".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/events"
}

// WSPingInterval returns the keepalive ping interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSPingInterval() time.Duration {
	if w != nil && w.PingIntervalSeconds > 0 {
		return time.Duration(w.PingIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WSWriteTimeout returns the per-message write timeout with a default of 10s.
func (w *WebSocketGatewayConfig) WSWriteTimeout() time.Duration {
	if w != nil && w.WriteTimeoutSeconds > 0 {
		return time.Duration(w.WriteTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "percy"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB       bool `json:"include_db" yaml:"include_db"`
	IncludeWorkflow bool `json:"include_workflow" yaml:"include_workflow"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.percy/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/percy.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".percy", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path yields the defaults. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".percy", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("PERCY_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("PERCY_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}

	if v := os.Getenv("PERCY_WORKFLOW_URL"); v != "" {
		if c.Workflow == nil {
			c.Workflow = &WorkflowConfig{}
		}
		c.Workflow.BaseURL = v
	}
	if v := os.Getenv("PERCY_WORKFLOW_API_KEY"); v != "" {
		if c.Workflow == nil {
			c.Workflow = &WorkflowConfig{}
		}
		c.Workflow.APIKey = v
	}

	if v := os.Getenv("PERCY_API_KEYS"); v != "" {
		keys, err := ParseAPIKeys(v)
		if err != nil {
			return fmt.Errorf("PERCY_API_KEYS: %w", err)
		}
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		if c.Gateways.HTTP.APIKeys == nil {
			c.Gateways.HTTP.APIKeys = make(map[string]APIKeyConfig, len(keys))
		}
		for k, v := range keys {
			c.Gateways.HTTP.APIKeys[k] = v
		}
	}
	return nil
}

// ParseAPIKeys parses "key:user[:role[:tier]],..." entries.
func ParseAPIKeys(s string) (map[string]APIKeyConfig, error) {
	out := make(map[string]APIKeyConfig)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("entry %q: want key:user[:role[:tier]]", redact(parts[0]))
		}
		k := APIKeyConfig{UserID: parts[1]}
		if len(parts) > 2 {
			k.Role = parts[2]
		}
		if len(parts) > 3 {
			k.Tier = parts[3]
		}
		out[parts[0]] = k
	}
	return out, nil
}

// redact keeps the first characters of a secret for error messages.
func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".percy", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "percy.db")
}

// AuditLogPath returns the audit log path, defaulting to the data directory.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set PERCY_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres, or memory)", c.Storage.Driver)
	}

	switch c.Security.Sink() {
	case "file", "store", "off":
	default:
		return fmt.Errorf("security.audit_sink %q is not supported (use file, store, or off)", c.Security.AuditSink)
	}
	if c.Security.Sink() == "store" && c.StorageDriverName() == "memory" {
		return fmt.Errorf("security.audit_sink=store requires a database storage driver")
	}

	for name, t := range c.Tiers {
		for i, f := range t.Features {
			if strings.TrimSpace(f) == "" {
				return fmt.Errorf("tiers.%s.features[%d] is empty", name, i)
			}
		}
	}

	if c.Agents != nil && c.Agents.CatalogPath != "" && len(c.Agents.Inline) > 0 {
		return fmt.Errorf("agents.catalog_path and agents.inline are mutually exclusive")
	}

	if c.Dispatch != nil {
		if c.Dispatch.QueueSize < 0 || c.Dispatch.Workers < 0 || c.Dispatch.Burst < 0 {
			return fmt.Errorf("dispatch queue_size, workers, and burst must not be negative")
		}
		if c.Dispatch.RatePerSecond < 0 {
			return fmt.Errorf("dispatch.rate_per_second must not be negative")
		}
	}

	if c.Workflow.Enabled() {
		u, err := url.Parse(c.Workflow.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("workflow.base_url %q must be an absolute http(s) URL", c.Workflow.BaseURL)
		}
		if c.Workflow.TimeoutSeconds < 0 {
			return fmt.Errorf("workflow.timeout_seconds must not be negative")
		}
	}

	if r := c.Recommend; r != nil {
		if r.OverlapWeight < 0 || r.CategoryWeight < 0 || r.ConfidenceFloor < 0 || r.HighMultiplier < 0 || r.UrgentMultiplier < 0 {
			return fmt.Errorf("recommend weights must not be negative")
		}
		if r.ConfidenceFloor > 1 {
			return fmt.Errorf("recommend.confidence_floor must be at most 1")
		}
	}

	if h := c.Gateways.HTTP; h != nil {
		tiers := c.ResolvedTiers()
		for key, k := range h.APIKeys {
			if k.UserID == "" {
				return fmt.Errorf("gateways.http.api_keys[%s]: user_id is required", redact(key))
			}
			if k.Tier != "" {
				if _, ok := tiers[k.Tier]; !ok {
					return fmt.Errorf("gateways.http.api_keys[%s]: tier %q not found in tiers", redact(key), k.Tier)
				}
			}
		}
		for entry, rl := range h.RateLimits {
			if !slices.Contains(EntryPoints, entry) {
				return fmt.Errorf("gateways.http.rate_limits: unknown entry point %q (use %s)", entry, strings.Join(EntryPoints, ", "))
			}
			if rl.Limit < 0 {
				return fmt.Errorf("gateways.http.rate_limits.%s.limit must not be negative", entry)
			}
			if rl.Limit > 0 && rl.WindowSeconds <= 0 {
				return fmt.Errorf("gateways.http.rate_limits.%s.window_seconds must be positive", entry)
			}
		}
	}

	if ws := c.Gateways.WebSocket; ws != nil && ws.Enabled && !strings.HasPrefix(ws.WSPath(), "/") {
		return fmt.Errorf("gateways.websocket.path must start with /")
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
	}
	return nil
}
