// Package ratelimit provides the token-bucket limiter shared by all
// external adapters. Each adapter owns its own instance so that one slow
// upstream cannot starve the others.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket holding up to capacity tokens, refilled
// continuously at capacity/window tokens per second.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing capacity calls per window.
func New(capacity int, window time.Duration) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("limiter capacity must be positive, got %d", capacity)
	}
	if window <= 0 {
		return nil, fmt.Errorf("limiter window must be positive, got %v", window)
	}
	refill := rate.Limit(float64(capacity) / window.Seconds())
	return &Limiter{limiter: rate.NewLimiter(refill, capacity)}, nil
}

// Acquire blocks the calling goroutine until a token is available or the
// context is canceled, then debits one token. Only the specific call site
// blocks; callers must not hold shared locks while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow debits a token without blocking, reporting whether one was available.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
