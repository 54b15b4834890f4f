package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrun/internal/config"
	"github.com/haasonsaas/agentrun/internal/engine"
	"github.com/haasonsaas/agentrun/internal/engine/providers"
	"github.com/haasonsaas/agentrun/internal/engine/tools"
	"github.com/haasonsaas/agentrun/internal/httpapi"
	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/internal/stream"
	"github.com/haasonsaas/agentrun/internal/toolkit"
	"github.com/haasonsaas/agentrun/internal/trace"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentrun HTTP server",
		Long: `Start the agentrun server.

The server loads the agent catalog and provider credentials from the
configuration file, opens the trace store, registers the built-in tools,
and serves the run API with SSE streaming, health, and metrics endpoints.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  agentrun serve

  # Start with custom config
  agentrun serve --config /etc/agentrun/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentrun.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	logger.Info("starting agentrun",
		"version", version,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logger.Warn("config file not found, using defaults", "path", configPath)
		cfg = config.Default()
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := tools.NewRegistry(cfg.Engine.StrictToolInput)
	if err := toolkit.RegisterAll(registry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	factory := providers.NewFactory(providers.Credentials{
		OllamaBaseURL:   cfg.Providers.Ollama.BaseURL,
		AnthropicAPIKey: cfg.Providers.Anthropic.APIKey,
		AnthropicURL:    cfg.Providers.Anthropic.BaseURL,
		GatewayAPIKey:   cfg.Providers.Gateway.APIKey,
		GatewayBaseURL:  cfg.Providers.Gateway.BaseURL,
	})

	metrics := observability.NewMetrics(nil)

	mux := stream.NewMux(stream.MuxOptions{
		BufferSize:    cfg.Stream.BufferSize,
		IdleTimeout:   cfg.Stream.IdleTimeout,
		Logger:        logger,
		SessionsGauge: metrics.StreamSessionsActive,
	})
	defer mux.Shutdown()

	agents := engine.NewStaticAgentStore(cfg.AgentCatalog())

	eng := engine.New(agents, registry, factory, store, mux, engine.Options{
		Logger:           logger,
		Metrics:          metrics,
		MaxTurns:         cfg.Engine.MaxTurns,
		ModelCallTimeout: cfg.Engine.ModelCallTimeout,
		ToolTimeout:      cfg.Engine.ToolTimeout,
		ParallelTools:    cfg.Engine.ParallelTools,
		RunTimeout:       cfg.Engine.RunTimeout,
	})

	api := httpapi.NewServer(httpapi.Config{
		Engine:            eng,
		Store:             store,
		Mux:               mux,
		Factory:           factory,
		Logger:            logger,
		AbortOnDisconnect: cfg.Stream.AbortOnDisconnect,
	})

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("agentrun started",
		"addr", cfg.Server.ListenAddr,
		"storage", cfg.Storage.Backend,
		"agents", len(cfg.Agents),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("agentrun stopped")
	return nil
}

func openStore(cfg *config.Config) (trace.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return trace.NewSQLiteStore(cfg.Storage.Path)
	default:
		return trace.NewMemoryStore(), nil
	}
}
