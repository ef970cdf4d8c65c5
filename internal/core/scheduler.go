package core

// scheduler.go provides background job scheduling for maintenance tasks.
//
// Currently implements merge request retention: resolved and abandoned merge
// requests (with their conflicts) older than the retention window are
// deleted. Open requests and all versions are never touched.
//
// The scheduler is long-running and context-aware for graceful shutdown. It
// logs failures but never stops the application because of them.

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig holds configuration for the retention scheduler.
type RetentionConfig struct {
	MaxAge        time.Duration // Age after which closed merge requests are purged (default: 720h)
	CheckInterval time.Duration // How often to run (default: 24h)
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.MaxAge <= 0 {
		c.MaxAge = 720 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	return c
}

// StartRetentionScheduler periodically purges closed merge requests.
// It runs immediately on start, then every CheckInterval, until ctx is cancelled.
func (s *Service) StartRetentionScheduler(ctx context.Context, cfg RetentionConfig) {
	cfg = cfg.withDefaults()
	slog.Info("retention scheduler started",
		"max_age", cfg.MaxAge.String(),
		"interval", cfg.CheckInterval.String(),
	)

	// Run immediately on startup
	s.runRetentionJob(ctx, cfg)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			s.runRetentionJob(ctx, cfg)
		}
	}
}

// runRetentionJob performs one purge cycle and returns the number of removed requests.
func (s *Service) runRetentionJob(ctx context.Context, cfg RetentionConfig) int {
	start := time.Now()
	cutoff := s.now().UTC().Add(-cfg.MaxAge)

	purged, err := s.repo.PurgeMergeRequests(ctx, cutoff)
	if err != nil {
		slog.Error("merge request purge failed", "error", err)
		return 0
	}
	s.metrics.MergeRequestsRemoved(purged)

	slog.Info("retention job completed",
		"merge_requests_purged", purged,
		"cutoff", cutoff,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return purged
}
