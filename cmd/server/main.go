package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/contractgate/service/app"
	"github.com/brojonat/contractgate/service/config"
	"github.com/brojonat/contractgate/service/confirm"
	"github.com/brojonat/contractgate/service/metrics"
	"github.com/brojonat/contractgate/service/server"
	"github.com/brojonat/contractgate/service/temporal"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	stack, err := app.Build(ctx, cfg, app.Options{Metrics: m}, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	registry := confirm.NewRegistry(stack.Publisher, m, logger)
	tracker := server.NewWriteTracker()
	writes := stack.Writes(registry, tracker.Observe)

	deps := server.Deps{
		Directory:      stack.Directory,
		Accounts:       stack.Accounts,
		Reader:         stack.Reader,
		Scanner:        stack.Scanner,
		Writes:         writes,
		Tracker:        tracker,
		Confirmations:  registry,
		Ledger:         stack.Ledger,
		AccessoryNames: cfg.AccessoryNames,
		Metrics:        m,
		Logger:         logger,
	}

	// Durable writes need a reachable Temporal frontend; the API works without them.
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, m, logger)
	if err != nil {
		logger.Warn("temporal unavailable, durable writes disabled", "host", cfg.TemporalHost, "error", err)
	} else {
		defer temporalClient.Close()
		deps.Durable = temporalClient
	}

	if cfg.NATSURL != "" {
		sse, err := server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to initialize SSE publisher", "error", err)
			os.Exit(1)
		}
		defer sse.Close()
		deps.SSE = sse
	}

	httpServer := server.New(cfg.ServerAddr, deps)

	logger.Info("server initialized, all dependencies ready",
		"contracts", stack.Directory.Names(),
		"nats_url", cfg.NATSURL,
		"durable_writes", deps.Durable != nil,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
