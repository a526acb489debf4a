package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kiwanda/internal/agent"
	"github.com/jkaninda/kiwanda/internal/config"
	"github.com/jkaninda/kiwanda/internal/gateway/httpapi"
	"github.com/jkaninda/kiwanda/internal/llm/anthropic"
	"github.com/jkaninda/kiwanda/internal/metering"
	"github.com/jkaninda/kiwanda/internal/observability"
	"github.com/jkaninda/kiwanda/internal/provider"
	"github.com/jkaninda/kiwanda/internal/ratelimit"
	"github.com/jkaninda/kiwanda/internal/registry"
	"github.com/jkaninda/kiwanda/internal/sandbox"
	"github.com/jkaninda/kiwanda/internal/storage"
	pgstore "github.com/jkaninda/kiwanda/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kiwanda/internal/storage/sqlite"
	"github.com/jkaninda/kiwanda/internal/tools"
)

const systemPrompt = `You are Kiwanda, an AI coding assistant that builds and modifies web applications
inside a disposable cloud sandbox. You have tools to write files, run shell commands,
install npm packages, and start the dev server.

Work incrementally: write or edit the files the user's request needs, install any
missing dependencies, and verify your changes by running the relevant commands.
All paths are relative to the project root. Never use absolute paths or path
traversal. Prefer small, focused changes over rewrites.`

var (
	serverConfigPath string
	serverAddr       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `kiwanda --config path` and `kiwanda server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("KIWANDA_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}

	logger.Info("starting kiwanda server", slog.String("config", serverConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Storage.
	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("storage initialized", slog.String("driver", store.Driver()))

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Sandbox registry and lifecycle manager.
	reg := registry.New(logger)
	api := provider.NewClient(cfg.Sandbox.BaseURL, cfg.Sandbox.APIKey, logger)
	manager := sandbox.NewManager(reg, api, cfg.Sandbox.ManagerConfig(), logger).
		WithSnapshots(store.Snapshots())
	if obs != nil && obs.Metrics != nil {
		manager.WithMetrics(obs.Metrics)
		obs.Metrics.RegisterActiveSandboxes(func() float64 { return float64(reg.Len()) })
	}

	reaper := sandbox.NewReaper(manager, logger)
	stopReaper, err := reaper.Start(ctx, time.Minute)
	if err != nil {
		return fmt.Errorf("starting sandbox reaper: %w", err)
	}
	defer stopReaper()

	// Tools.
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.NewWriteFileTool(manager, logger))
	toolReg.Register(tools.NewRunCommandTool(manager, logger))
	toolReg.Register(tools.NewInstallTool(manager, logger))
	toolReg.Register(tools.NewDevServerTool(manager, logger))
	executor := tools.NewExecutor(toolReg, logger)
	if obs != nil && obs.Metrics != nil {
		executor.WithMetrics(obs.Metrics)
	}

	// Metering.
	meter := metering.NewMeter(store.Usage(), cfg.Metering.MeterConfig(), logger)
	if obs != nil && obs.Metrics != nil {
		meter.WithMetrics(obs.Metrics)
	}

	// Model provider and agent loop.
	var llmOpts []anthropic.Option
	if cfg.Provider.BaseURL != "" {
		llmOpts = append(llmOpts, anthropic.WithBaseURL(cfg.Provider.BaseURL))
	}
	llmClient := anthropic.NewClient(cfg.Provider.APIKey, cfg.Models.Fast, logger, llmOpts...)

	loop := agent.NewLoop(llmClient, executor, meter, toolReg, cfg.Models.TierMap(), systemPrompt, logger).
		WithObservability(obs)

	// Rate limiter (nil config = unlimited).
	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.NewLimiter(*cfg.RateLimit)
	}

	// Gateway.
	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.ListenAddr(),
		EnableDocs: cfg.Server.Docs,
		APIKeys:    cfg.Server.KeyMap(),
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.Metrics = obs.Metrics
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}
	gw := httpapi.NewGateway(gwCfg, loop, manager, meter, toolReg, limiter, logger)

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sc := cfg.EffectiveStorage()
	switch sc.Driver {
	case storage.DriverPostgres:
		return pgstore.NewStore(pgstore.Config{
			DSN:             sc.Postgres.DSN,
			MaxOpenConns:    sc.Postgres.MaxOpenConns,
			MaxIdleConns:    sc.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(sc.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		return sqlitestore.Open(sqlitestore.Config{
			Path:        sc.SQLite.Path,
			JournalMode: sc.SQLite.JournalMode,
		}, logger)
	}
}
