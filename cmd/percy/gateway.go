package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/percy/internal/config"
	"github.com/jkaninda/percy/internal/gateway"
	"github.com/jkaninda/percy/internal/gateway/httpapi"
	"github.com/jkaninda/percy/internal/gateway/ws"
	goutils "github.com/jkaninda/go-utils"
)

var (
	gatewayConfigPath string
	gatewayPort       string
	gatewayDebug      bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the HTTP API gateway and live event feed",
	RunE:  runGateway,
}

func init() {
	// Register flags on both root and gateway so that
	// `percy --config path` and `percy gateway --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, gatewayCmd} {
		cmd.Flags().StringVar(&gatewayConfigPath, "config", "", "path to config file (default ~/.percy/config.yaml when present)")
		cmd.Flags().StringVar(&gatewayPort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&gatewayDebug, "debug", false, "enable debug logging")
	}
}

// runGateway starts Percy in gateway mode.
func runGateway(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if gatewayDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	configPath := resolveConfigPath(gatewayConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if gatewayPort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.ListenAddr = gatewayPort
	}

	logger.Info("starting in gateway mode",
		slog.String("config", configPath),
		slog.String("version", version),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Notification workers outlive the signal; they drain after the gateways stop.
	if sc.Notifier != nil {
		sc.Notifier.Start(ctx)
	}

	gateways := buildGateways(cfg, sc)
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	if sc.Notifier != nil {
		if err := sc.Notifier.Shutdown(shutdownCtx); err != nil {
			logger.Error("notification queue not drained before deadline; pending sends marked webhook_failed",
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// buildGateways creates the HTTP gateway and mounts the WebSocket event feed on it when enabled.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	httpCfgIn := cfg.Gateways.HTTP

	httpCfg := httpapi.Config{
		ListenAddr:     httpCfgIn.Listen(),
		MaxRequestSize: httpCfgIn.MaxBodyBytes(),
		Version:        version,
	}
	if httpCfgIn != nil {
		httpCfg.EnableDocs = httpCfgIn.EnableDocs
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	httpGW := httpapi.NewGateway(httpCfg, httpapi.Deps{
		Dispatcher:  sc.Dispatcher,
		Recommender: sc.Recommender,
		Registry:    sc.Registry,
		Keys:        sc.Keys,
		Limiters:    sc.Limiters,
		Tiers:       cfg.ResolvedTiers(),
	}, sc.Logger)

	wsCfg := cfg.Gateways.WebSocket
	if wsCfg != nil && wsCfg.Enabled {
		feed := ws.NewServer(sc.Events, sc.Keys, wsCfg, httpCfg.Metrics, sc.Logger)
		httpGW.WithHandler(wsCfg.WSPath(), feed.Handler())
		sc.Logger.Debug("websocket event feed mounted on http gateway",
			slog.String("path", wsCfg.WSPath()),
		)
	}

	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("workflow_engine", sc.Engine != nil),
		slog.Bool("websocket", wsCfg != nil && wsCfg.Enabled),
	)
	return []gateway.Gateway{httpGW}
}

// resolveConfigPath picks the config file: the flag or PERCY_CONFIG, then
// ~/.percy/config.yaml when it exists. Empty means built-in defaults.
func resolveConfigPath(flag string) string {
	if p := goutils.Env("PERCY_CONFIG", flag); p != "" {
		return p
	}
	if p := config.DefaultConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
