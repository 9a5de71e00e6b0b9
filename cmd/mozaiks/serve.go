package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/actions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/artifacts"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/config"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/entitlements"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/events"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/gateway"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/identity"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator/providers"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/platform"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/plugins"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/sessions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/usage"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runtime server",
		Long: `Start the runtime server.

The server will:
1. Load configuration from the environment (and a .env file when present)
2. Connect session and artifact persistence (MongoDB, or in-memory)
3. Discover plugins and register workflow tools
4. Initialize LLM providers (OpenAI, Anthropic)
5. Serve the HTTP API and the chat WebSocket endpoint

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, debug bool) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	logger.Info("runtime starting", "app_id", cfg.Runtime.AppID,
		"version", cfg.Runtime.Version, "build", version)

	auditLogger, err := audit.NewLogger(audit.DefaultConfig())
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	identitySvc, err := identity.NewService(cfg.Runtime.AppID, cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	entStore := entitlements.NewStore(cfg.Entitlements.SigningKey, logger)
	if cfg.Entitlements.ManifestPath != "" {
		if err := entStore.LoadFile(cfg.Entitlements.ManifestPath); err != nil {
			logger.Warn("entitlement manifest load failed",
				"path", cfg.Entitlements.ManifestPath, "error", err)
		}
	}
	evaluator := entitlements.NewEvaluator(entStore, auditLogger)

	// Persistence: MongoDB when configured, in-memory otherwise.
	var (
		store      sessions.Store
		mongoStore *sessions.MongoStore
	)
	if cfg.Database.URI != "" {
		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		mongoStore, err = sessions.NewMongoStore(connCtx, cfg.Database.URI, cfg.Database.Database)
		cancel()
		if err != nil {
			return fmt.Errorf("mongodb: %w", err)
		}
		store = mongoStore
		logger.Info("session store connected", "backend", "mongodb", "database", cfg.Database.Database)
	} else {
		store = sessions.NewMemoryStore()
		logger.Warn("no MONGODB_URI set, sessions are in-memory only")
	}

	var artifactRepo artifacts.Repository
	if mongoStore != nil {
		artifactRepo, err = artifacts.NewMongoRepository(ctx, mongoStore.Database())
		if err != nil {
			return fmt.Errorf("artifact repository: %w", err)
		}
	} else {
		artifactRepo = artifacts.NewMemoryRepository()
	}
	artifactSvc := artifacts.NewService(artifactRepo, cfg.Transport.ArtifactTTL, logger)

	platformClient := platform.NewClient(cfg.Platform, logger)
	recorder := usage.NewRecorder(usage.DefaultRecorderConfig(), platformClient, auditLogger, logger)
	counters := usage.NewCounters(store, logger)

	pluginReg := plugins.NewRegistry(cfg.Plugins.Root)
	if err := pluginReg.Discover(); err != nil {
		return fmt.Errorf("plugin discovery: %w", err)
	}
	logger.Info("plugins discovered", "count", pluginReg.Count(), "root", cfg.Plugins.Root)
	pluginDisp := plugins.NewDispatcher(pluginReg, evaluator, auditLogger, cfg.Plugins.Timeout, logger)

	wfLoader := workflow.NewLoader(cfg.Workflows.Root, logger)
	toolReg := workflow.NewToolRegistry()

	providerReg := providers.NewRegistry(
		providers.NewOpenAIProvider(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL")),
		providers.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("ANTHROPIC_BASE_URL")),
	)

	dispatcher := events.NewDispatcher(cfg.Transport.AGUIEnabled, logger)
	// Persistence subscribes before the transport so every sequence number,
	// mirrors included, is durable before a client can observe it.
	dispatcher.Subscribe(events.SubscriberFunc{
		ID: "persistence",
		Fn: func(ctx context.Context, env *models.Envelope) error {
			if env.ChatID == "" {
				return nil
			}
			if err := store.SetLastSequence(ctx, env.ChatID, env.SequenceNo); err != nil &&
				!errors.Is(err, sessions.ErrSessionNotFound) {
				return err
			}
			return nil
		},
	})
	transport := gateway.NewTransport(cfg.Transport.PrebufferSize, auditLogger, logger)
	dispatcher.Subscribe(transport)

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Loader:     wfLoader,
		Tools:      toolReg,
		Providers:  providerReg,
		Dispatcher: dispatcher,
		Store:      store,
		Evaluator:  evaluator,
		Counters:   counters,
		Recorder:   recorder,
		Logger:     logger,
	})

	actionExec := actions.NewExecutor(wfLoader, toolReg, evaluator, dispatcher,
		artifactSvc, auditLogger, cfg.Plugins.Timeout, logger)

	var serving atomic.Bool
	server := gateway.NewServer(gateway.Options{
		Config:       cfg,
		Identity:     identitySvc,
		Entitlements: entStore,
		Evaluator:    evaluator,
		Plugins:      pluginReg,
		PluginDisp:   pluginDisp,
		Orchestrator: orch,
		Workflows:    wfLoader,
		Store:        store,
		Artifacts:    artifactSvc,
		Actions:      actionExec,
		Events:       dispatcher,
		Transport:    transport,
		Platform:     platformClient,
		Audit:        auditLogger,
		Logger:       logger,
		Ready:        serving.Load,
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder.Start(runCtx)
	if cfg.Transport.ArtifactTTL > 0 {
		artifactSvc.StartPruner(runCtx, 10*time.Minute)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	serving.Store(true)

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	serving.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	recorder.Close()
	wfLoader.Close()
	if err := auditLogger.Close(); err != nil {
		logger.Warn("audit close failed", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("store close failed", "error", err)
	}
	logger.Info("runtime stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
