// Package ratelimit provides the shared admission gate in front of the
// embedding provider.
package ratelimit

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultPerMinute     = 60
	DefaultMaxConcurrent = 4
)

// Limiter combines a token bucket (sustained rate) with a concurrency
// semaphore (in-flight slots). Acquire blocks until both admit the
// caller; Wait queues callers in arrival order, which gives the
// FIFO-ish fairness the gate promises.
type Limiter struct {
	bucket *rate.Limiter
	slots  *semaphore.Weighted
}

// New creates a limiter admitting perMinute calls per minute with at
// most maxConcurrent in flight. Non-positive arguments fall back to the
// defaults.
func New(perMinute, maxConcurrent int) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), maxConcurrent),
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Acquire blocks until a slot and a token are available, or the context
// is done. Every successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.bucket.Wait(ctx); err != nil {
		l.slots.Release(1)
		return err
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	l.slots.Release(1)
}
