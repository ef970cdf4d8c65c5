// Package cache implements core.DiffCache tiers: an in-process ristretto
// cache, a shared redis cache and a Tiered combination of both. Cache
// failures are reported as misses.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

const (
	defaultNumCounters = 1e6 // admission counters, ~10x the expected entry count
	defaultMaxCost     = 64 << 20
	defaultBufferItems = 64
	defaultTTL         = time.Hour
)

// LocalConfig configures the in-process tier.
type LocalConfig struct {
	NumCounters int64
	MaxCost     int64 // bytes
	BufferItems int64
	TTL         time.Duration
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = defaultNumCounters
	}
	if c.MaxCost <= 0 {
		c.MaxCost = defaultMaxCost
	}
	if c.BufferItems <= 0 {
		c.BufferItems = defaultBufferItems
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	return c
}

// Local is an in-process, cost-bounded cache of encoded diffs.
type Local struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

var _ core.DiffCache = (*Local)(nil)

// NewLocal creates the in-process tier.
func NewLocal(cfg LocalConfig) (*Local, error) {
	cfg = cfg.withDefaults()
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Local{cache: c, ttl: cfg.TTL}, nil
}

// Get implements core.DiffCache.
func (l *Local) Get(_ context.Context, key string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, false
	}

	v, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Set implements core.DiffCache. The entry is visible once Set returns.
func (l *Local) Set(_ context.Context, key string, value []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	if l.cache.SetWithTTL(key, value, int64(len(value)), l.ttl) {
		l.cache.Wait()
	}
}

// Close releases the cache's goroutines. Later calls are misses.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.cache.Close()
}
