package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/sheetvc/internal/config"
	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/logging"
	"github.com/JonMunkholm/sheetvc/internal/metrics"
	"github.com/JonMunkholm/sheetvc/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"content_backend", cfg.Content.Backend,
		"persistent", cfg.Database.URL != "",
		"ingest_max_concurrent", cfg.Ingest.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()
	m := metrics.New()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize backends", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	service, err := core.NewService(core.Deps{
		Repository: b.repo,
		Blobs:      b.blobs,
		DiffCache:  b.diffCache,
		Metrics:    m,
	}, cfg)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(service, cfg, m, b.checks)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	go service.StartRetentionScheduler(jobCtx, core.RetentionConfig{
		MaxAge:        cfg.Merge.Retention,
		CheckInterval: cfg.Merge.RetentionInterval,
	})

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for in-flight version ingests to finish (with timeout)
		limiter := service.Limiter()
		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for ingests to finish", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("ingests did not finish in time", "error", err)
			} else {
				slog.Info("all ingests finished")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		cancelJobs()
		return
	}
	<-done
	slog.Info("server stopped")
}
