package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/percy/internal/config"
	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/gateway"
	"github.com/jkaninda/percy/internal/observability"
	"github.com/jkaninda/percy/internal/ratelimit"
	"github.com/jkaninda/percy/internal/recommend"
	"github.com/jkaninda/percy/internal/registry"
	"github.com/jkaninda/percy/internal/security"
	"github.com/jkaninda/percy/internal/storage"
	pgstore "github.com/jkaninda/percy/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/percy/internal/storage/sqlite"
	"github.com/jkaninda/percy/internal/workflow"
)

// SharedComponents holds every initialized subsystem the gateway needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite, PostgreSQL or memory).
	Obs    *observability.Observability

	Registry    *registry.Registry
	Engine      workflow.Engine // nil = workflow engine not configured.
	Events      *dispatch.Hub
	Notifier    *dispatch.Notifier // nil when Engine is nil.
	Dispatcher  *dispatch.Dispatcher
	Recommender *recommend.Engine
	Limiters    map[string]*ratelimit.Limiter
	Keys        *gateway.KeyRing

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all gateway initialization. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := obs.Shutdown(shutdownCtx); err != nil {
				logger.Warn("flushing traces", slog.String("error", err.Error()))
			}
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Agent registry.
	reg, err := loadRegistry(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Registry = reg
	logger.Debug("agent registry loaded", slog.Int("agents", reg.Len()))

	// Storage (SQLite default, PostgreSQL or memory optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Audit trail.
	auditor, auditCleanup, err := initAuditor(cfg, store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit trail: %w", err)
	}
	sc.addCleanup(auditCleanup)

	// Access gate.
	var access security.AccessChecker = security.NewGate(logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		access = observability.NewInstrumentedGate(access, obs.Metrics, obs.TracerOrNil())
	}

	var metrics *dispatch.Metrics
	if obs != nil && obs.Metrics != nil {
		metrics = dispatch.NewMetrics(obs.Metrics.Registry)
	}

	// Workflow engine (optional).
	var wfClient *workflow.Client
	if cfg.Workflow.Enabled() {
		wfClient, err = workflow.New(workflowConfig(cfg.Workflow), logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing workflow client: %w", err)
		}
		sc.addCleanup(wfClient.Close)

		var engine workflow.Engine = wfClient
		if obs.Instrumented() {
			engine = observability.NewInstrumentedEngine(wfClient, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		}
		sc.Engine = engine
		sc.Notifier = dispatch.NewNotifier(engine, dispatch.NotifierConfig{
			QueueSize:     dispatchValue(cfg.Dispatch, func(d *config.DispatchConfig) int { return d.QueueSize }),
			Workers:       dispatchValue(cfg.Dispatch, func(d *config.DispatchConfig) int { return d.Workers }),
			RatePerSecond: dispatchValue(cfg.Dispatch, func(d *config.DispatchConfig) float64 { return d.RatePerSecond }),
			Burst:         dispatchValue(cfg.Dispatch, func(d *config.DispatchConfig) int { return d.Burst }),
		}, metrics, logger)
		logger.Debug("workflow engine configured",
			slog.String("base_url", cfg.Workflow.BaseURL),
			slog.String("timeout", cfg.Workflow.Timeout().String()),
		)
	} else {
		logger.Warn("workflow engine not configured; workflow-bound agents will end as webhook_failed")
	}

	// Dispatcher.
	sc.Events = dispatch.NewHub(cfg.Dispatch.SubscriberBuffer())
	opts := dispatch.Options{
		Registry:              reg,
		Store:                 store.Executions(),
		Access:                access,
		Notifier:              sc.Notifier,
		Engine:                sc.Engine,
		Events:                sc.Events,
		Auditor:               auditor,
		Metrics:               metrics,
		MaxConcurrentHandlers: dispatchValue(cfg.Dispatch, func(d *config.DispatchConfig) int64 { return d.MaxConcurrentHandlers }),
		Logger:                logger,
	}
	if obs != nil && obs.Anomaly != nil {
		opts.Anomaly = obs.Anomaly
	}
	if tracer := obs.DispatchTracer(); tracer != nil {
		opts.Tracer = tracer
	}
	d, err := dispatch.New(opts)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing dispatcher: %w", err)
	}
	sc.Dispatcher = d

	// Recommendation engine.
	rec, err := recommend.New(reg, recommendWeights(cfg.Recommend), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing recommendation engine: %w", err)
	}
	sc.Recommender = rec

	// Rate limiters, one per entry point, swept on a schedule.
	httpCfg := cfg.Gateways.HTTP
	sc.Limiters = make(map[string]*ratelimit.Limiter, 3)
	limiters := make([]*ratelimit.Limiter, 0, 3)
	for _, entry := range []string{config.EntryDispatch, config.EntryRecommend, config.EntryStatus} {
		rl := httpCfg.RateLimit(entry)
		l := ratelimit.NewLimiter(ratelimit.Config{Limit: rl.Limit, Window: rl.Window()})
		sc.Limiters[entry] = l
		limiters = append(limiters, l)
	}
	stopSweeper, err := ratelimit.StartSweeper(httpCfg.SweepInterval(), limiters...)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("starting rate limiter sweeper: %w", err)
	}
	sc.addCleanup(stopSweeper)

	// API keys.
	sc.Keys = gateway.NewKeyRing(cfg.Callers())
	if sc.Keys.Len() == 0 {
		logger.Warn("no API keys configured; every /v1 request will be rejected")
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		includeDB, includeWorkflow := true, true
		if h := cfg.Observability.Health; h != nil {
			includeDB, includeWorkflow = h.IncludeDB, h.IncludeWorkflow
		}
		if includeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if includeWorkflow && wfClient != nil {
			obs.Health.AddCheck("workflow_engine", wfClient.CheckHealth)
		}
	}

	return sc, nil
}

// loadRegistry builds the agent registry from the configured catalog, inline agents,
// or the built-in catalog.
func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	agents := registry.DefaultCatalog()
	if cfg.Agents != nil {
		switch {
		case cfg.Agents.CatalogPath != "":
			loaded, err := registry.LoadCatalog(cfg.Agents.CatalogPath)
			if err != nil {
				return nil, err
			}
			agents = loaded
		case len(cfg.Agents.Inline) > 0:
			agents = cfg.Agents.Inline
		}
	}
	reg, err := registry.New(agents)
	if err != nil {
		return nil, fmt.Errorf("building agent registry: %w", err)
	}
	return reg, nil
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return sqlitestore.Open(sqlitestore.Config{Path: cfg.DatabasePath()}, logger)
	case storage.DriverMemory:
		return storage.NewMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or PERCY_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initAuditor selects the audit sink: a JSONL file, the store's audit table, or none.
func initAuditor(cfg *config.Config, store storage.Store, logger *slog.Logger) (security.Auditor, func(), error) {
	switch cfg.Security.Sink() {
	case "off":
		logger.Debug("audit trail disabled")
		return nil, func() {}, nil

	case "store":
		as := store.Audit()
		if as == nil {
			return nil, nil, fmt.Errorf("storage driver %q keeps no audit table", store.Driver())
		}
		logger.Debug("audit trail initialized", slog.String("sink", "store"), slog.String("driver", store.Driver()))
		return security.NewStoreAuditLogger(as, logger), func() {}, nil

	default:
		path := cfg.AuditLogPath()
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, nil, fmt.Errorf("creating audit log directory: %w", err)
		}
		al, err := security.NewAuditLogger(path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("audit trail initialized", slog.String("sink", "file"), slog.String("path", path))
		return al, func() {
			if err := al.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		}, nil
	}
}

// workflowConfig converts config types to workflow client types.
func workflowConfig(w *config.WorkflowConfig) workflow.Config {
	wc := workflow.Config{
		BaseURL:           w.BaseURL,
		APIKey:            w.APIKey,
		Timeout:           w.Timeout(),
		AllowPrivateHosts: w.AllowPrivateHosts,
		StatusCacheTTL:    w.CacheTTL(),
		StatusCacheSize:   w.CacheMaxEntries,
	}
	if b := w.Breaker; b != nil {
		wc.Breaker = workflow.BreakerConfig{
			MaxFailures: b.MaxFailures,
			Timeout:     time.Duration(b.TimeoutSeconds) * time.Second,
			Interval:    time.Duration(b.IntervalSeconds) * time.Second,
		}
	}
	return wc
}

// recommendWeights overlays configured weights on the defaults. Zero values keep the default.
func recommendWeights(rc *config.RecommendConfig) recommend.Weights {
	w := recommend.DefaultWeights()
	if rc == nil {
		return w
	}
	if rc.OverlapWeight > 0 {
		w.Overlap = rc.OverlapWeight
	}
	if rc.CategoryWeight > 0 {
		w.Category = rc.CategoryWeight
	}
	if rc.ConfidenceFloor > 0 {
		w.Floor = rc.ConfidenceFloor
	}
	if rc.HighMultiplier > 0 {
		w.High = rc.HighMultiplier
	}
	if rc.UrgentMultiplier > 0 {
		w.Urgent = rc.UrgentMultiplier
	}
	return w
}

// dispatchValue reads one dispatch setting, returning the zero value (component default) when unset.
func dispatchValue[T any](d *config.DispatchConfig, get func(*config.DispatchConfig) T) T {
	var zero T
	if d == nil {
		return zero
	}
	return get(d)
}
