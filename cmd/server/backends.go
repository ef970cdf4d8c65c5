package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/JonMunkholm/sheetvc/internal/blob"
	"github.com/JonMunkholm/sheetvc/internal/cache"
	"github.com/JonMunkholm/sheetvc/internal/config"
	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/store"
	"github.com/JonMunkholm/sheetvc/internal/web"
)

// backends are the storage and cache implementations selected by config.
type backends struct {
	repo      core.Repository
	blobs     core.BlobStore
	diffCache core.DiffCache
	checks    map[string]web.Pinger

	closers []func()
}

// Close releases backends in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{checks: make(map[string]web.Pinger)}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var db *sqlx.DB
	if cfg.Database.URL != "" {
		db, err = store.Open(ctx, cfg.Database.URL, store.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxConns,
			MaxIdleConns:    cfg.Database.MinConns,
			ConnMaxLifetime: cfg.Database.MaxConnLifetime,
			ConnMaxIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })

		if cfg.Database.MigrateOnStart {
			if err := store.Migrate(ctx, db.DB); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pg := store.NewPostgres(db)
		b.repo = pg
		b.checks["database"] = pg
	} else {
		slog.Warn("DATABASE_URL not set, versions are kept in memory only")
		b.repo = store.NewMemory()
	}

	switch strings.ToLower(cfg.Content.Backend) {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("content backend postgres requires DATABASE_URL")
		}
		b.blobs = blob.NewPostgres(db)
	case "minio":
		mc, err := blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			Region:          cfg.MinIO.Region,
			Prefix:          cfg.MinIO.Prefix,
		})
		if err != nil {
			return nil, err
		}
		b.blobs = mc
	default:
		b.blobs = core.NewMemoryBlobStore()
	}
	slog.Info("content backend ready", "backend", cfg.Content.Backend)

	var tiers []core.DiffCache
	if cfg.Cache.LocalEnabled {
		local, err := cache.NewLocal(cache.LocalConfig{MaxCost: cfg.Cache.LocalMaxCost, TTL: cfg.Cache.TTL})
		if err != nil {
			return nil, fmt.Errorf("local cache: %w", err)
		}
		b.closers = append(b.closers, local.Close)
		tiers = append(tiers, local)
	}
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedis(cfg.Cache.RedisURL, cfg.Cache.RedisPrefix, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rc.Close() })
		b.checks["redis"] = rc
		tiers = append(tiers, rc)
	}
	if len(tiers) > 0 {
		b.diffCache = cache.NewTiered(tiers...)
	}
	return b, nil
}
