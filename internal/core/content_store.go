package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/sheetvc/internal/metrics"
)

// BlobStore persists canonical grid bytes keyed by content hash.
// Put must be put-if-absent: storing an existing hash is a no-op that
// reports created == false. Get returns a NotFoundError for unknown hashes.
type BlobStore interface {
	Has(ctx context.Context, hash string) (bool, error)
	Put(ctx context.Context, hash string, data []byte) (created bool, err error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// ContentStoreConfig configures a ContentStore. Zero values disable the
// payload ceiling and the fetch timeout.
type ContentStoreConfig struct {
	MaxPayloadSize int64
	FetchTimeout   time.Duration
	GridCacheSize  int
}

// PutResult describes a stored grid.
type PutResult struct {
	Hash         string
	Grid         *Grid
	Size         int
	Deduplicated bool
}

// ContentStore is content-addressed storage of canonical grids.
// Grids handed out by Get are shared and must not be modified.
type ContentStore struct {
	blobs        BlobStore
	maxPayload   int64
	fetchTimeout time.Duration
	grids        *lru.Cache[string, *Grid]
	group        singleflight.Group
	metrics      *metrics.Metrics
}

// NewContentStore creates a ContentStore over a blob backend.
func NewContentStore(blobs BlobStore, cfg ContentStoreConfig, m *metrics.Metrics) (*ContentStore, error) {
	size := cfg.GridCacheSize
	if size <= 0 {
		size = 256
	}
	grids, err := lru.New[string, *Grid](size)
	if err != nil {
		return nil, fmt.Errorf("grid cache: %w", err)
	}
	return &ContentStore{
		blobs:        blobs,
		maxPayload:   cfg.MaxPayloadSize,
		fetchTimeout: cfg.FetchTimeout,
		grids:        grids,
		metrics:      m,
	}, nil
}

// PutPayload parses a raw upload and stores its canonical grid.
func (s *ContentStore) PutPayload(ctx context.Context, payload []byte, format string) (*PutResult, error) {
	if s.maxPayload > 0 && int64(len(payload)) > s.maxPayload {
		return nil, PayloadTooLarge(int64(len(payload)), s.maxPayload)
	}
	g, err := ParseGrid(payload, format)
	if err != nil {
		return nil, err
	}
	return s.Put(ctx, g)
}

// Put canonicalizes and stores a grid. Identical grids always yield the same
// hash and a single stored copy, including under concurrent puts.
func (s *ContentStore) Put(ctx context.Context, g *Grid) (*PutResult, error) {
	cg, err := Canonicalize(g)
	if err != nil {
		return nil, err
	}
	data, err := CanonicalBytes(cg)
	if err != nil {
		return nil, fmt.Errorf("encode grid: %w", err)
	}
	hash := HashBytes(data)

	v, err, _ := s.group.Do(hash, func() (any, error) {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		created, err := s.blobs.Put(ctx, hash, data)
		if err != nil {
			return false, Unavailable("content put", err)
		}
		return created, nil
	})
	if err != nil {
		return nil, err
	}

	s.grids.Add(hash, cg)
	created := v.(bool)
	s.metrics.ObserveContentPut(!created, len(data))

	return &PutResult{
		Hash:         hash,
		Grid:         cg,
		Size:         len(data),
		Deduplicated: !created,
	}, nil
}

// Get returns the grid stored under hash.
func (s *ContentStore) Get(ctx context.Context, hash string) (*Grid, error) {
	if g, ok := s.grids.Get(hash); ok {
		return g, nil
	}

	v, err, _ := s.group.Do("get:"+hash, func() (any, error) {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		data, err := s.blobs.Get(ctx, hash)
		if err != nil {
			return nil, Unavailable("content get", err)
		}
		g, err := DecodeCanonical(data)
		if err != nil {
			return nil, fmt.Errorf("decode content %s: %w", hash, err)
		}
		return g, nil
	})
	if err != nil {
		return nil, err
	}

	g := v.(*Grid)
	s.grids.Add(hash, g)
	return g, nil
}

// Has reports whether hash is stored.
func (s *ContentStore) Has(ctx context.Context, hash string) (bool, error) {
	if s.grids.Contains(hash) {
		return true, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.blobs.Has(ctx, hash)
	if err != nil {
		return false, Unavailable("content has", err)
	}
	return ok, nil
}

func (s *ContentStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.fetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.fetchTimeout)
}

// MemoryBlobStore is an in-process BlobStore. Stored bytes are copied on
// put and on get.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	size  int64
}

// NewMemoryBlobStore creates an empty MemoryBlobStore.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Has implements BlobStore.
func (m *MemoryBlobStore) Has(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

// Put implements BlobStore.
func (m *MemoryBlobStore) Put(ctx context.Context, hash string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; ok {
		return false, nil
	}
	m.blobs[hash] = bytes.Clone(data)
	m.size += int64(len(data))
	return true, nil
}

// Get implements BlobStore.
func (m *MemoryBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, NotFound("content", hash)
	}
	return bytes.Clone(data), nil
}

// Count returns the number of stored blobs.
func (m *MemoryBlobStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Size returns the total stored bytes.
func (m *MemoryBlobStore) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
