package core

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentIngests is the default limit for parallel ingests.
const DefaultMaxConcurrentIngests = 5

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// IngestLimiter bounds how many payloads are parsed, hashed and stored at
// once. A parse holds the whole grid in memory, so this is the memory
// ceiling for uploads. Callers queue in FIFO order for up to maxWait.
type IngestLimiter struct {
	sem     *semaphore.Weighted
	size    int64
	maxWait time.Duration
	active  atomic.Int64
}

// IngestLimiterStatus is a point-in-time view of the limiter.
type IngestLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// NewIngestLimiter allows maxConcurrent ingests at a time. Non-positive
// arguments fall back to the defaults.
func NewIngestLimiter(maxConcurrent int, maxWait time.Duration) *IngestLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentIngests
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &IngestLimiter{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		size:    int64(maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot, waiting at most maxWait. It returns ErrTooManyIngests
// when the wait runs out and ctx.Err() when ctx ends first. Every nil return
// must be paired with a Release.
func (l *IngestLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyIngests
	}
	l.active.Add(1)
	return nil
}

// TryAcquire takes a slot only if one is free right now.
func (l *IngestLimiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.active.Add(1)
	return true
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *IngestLimiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// ActiveCount is the number of ingests holding a slot.
func (l *IngestLimiter) ActiveCount() int {
	return int(l.active.Load())
}

// MaxConcurrent is the slot count.
func (l *IngestLimiter) MaxConcurrent() int {
	return int(l.size)
}

// Available is the number of free slots.
func (l *IngestLimiter) Available() int {
	return int(l.size) - l.ActiveCount()
}

// WaitForDrain blocks until every in-flight ingest has released its slot.
// It claims all slots while it waits, so ingests arriving after it queue
// behind it. Used on shutdown.
func (l *IngestLimiter) WaitForDrain(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, l.size); err != nil {
		return err
	}
	l.sem.Release(l.size)
	return nil
}

// Status reports the limiter for the health endpoint.
func (l *IngestLimiter) Status() IngestLimiterStatus {
	active := l.ActiveCount()
	return IngestLimiterStatus{
		Active:        active,
		Available:     int(l.size) - active,
		MaxConcurrent: int(l.size),
	}
}
