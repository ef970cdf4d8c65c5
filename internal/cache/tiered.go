package cache

import (
	"context"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// Tiered consults its tiers in order. A hit in a lower tier is copied into
// every tier above it; Set writes through to all tiers.
type Tiered struct {
	tiers []core.DiffCache
}

var _ core.DiffCache = (*Tiered)(nil)

// NewTiered combines tiers, fastest first. Nil tiers are skipped.
func NewTiered(tiers ...core.DiffCache) *Tiered {
	t := &Tiered{}
	for _, c := range tiers {
		if c != nil {
			t.tiers = append(t.tiers, c)
		}
	}
	return t
}

// Len returns the number of active tiers.
func (t *Tiered) Len() int {
	return len(t.tiers)
}

// Get implements core.DiffCache.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, c := range t.tiers {
		if v, ok := c.Get(ctx, key); ok {
			for _, upper := range t.tiers[:i] {
				upper.Set(ctx, key, v)
			}
			return v, true
		}
	}
	return nil, false
}

// Set implements core.DiffCache.
func (t *Tiered) Set(ctx context.Context, key string, value []byte) {
	for _, c := range t.tiers {
		c.Set(ctx, key, value)
	}
}
