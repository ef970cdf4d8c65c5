package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// Redis is a shared diff cache. Diffs are keyed by content hashes, so every
// server instance can reuse the others' work.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ core.DiffCache = (*Redis)(nil)

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, prefix, ttl), nil
}

// NewRedisWithClient creates a cache from an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// key namespaces k by the configured prefix. Callers already carry their
// own kind and version in k, e.g. "diff:v1:...".
func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get implements core.DiffCache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("redis cache get failed", "error", err)
		}
		return nil, false
	}
	return b, true
}

// Set implements core.DiffCache.
func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		slog.Warn("redis cache set failed", "error", err)
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
