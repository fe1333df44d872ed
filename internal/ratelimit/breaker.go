// Package ratelimit implements the sliding-window spawn-failure circuit
// breaker used by the scheduler's onIdle tick. It is grounded on
// github.com/ulule/limiter/v3, which already appears as an indirect
// dependency of the teacher repo; the teacher's own circuit breaker
// (internal/ipc/circuit_breaker.go, not carried forward) only counts
// consecutive failures plus a fixed cooldown, which cannot express the
// "more than N failures in the trailing 60 seconds" rule this package's
// caller needs.
package ratelimit

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// FailureBreaker trips once more than maxPerWindow failures have been
// recorded within a trailing window (the cluster uses 60s, per its
// MaxReasonableProcessFailuresPerMin option).
type FailureBreaker struct {
	lim *limiter.Limiter
	key string
}

// NewFailureBreaker builds a breaker that trips after maxPerWindow
// failures within window. A maxPerWindow of 0 means never trips.
func NewFailureBreaker(maxPerWindow int, window time.Duration) *FailureBreaker {
	rate := limiter.Rate{Period: window, Limit: int64(maxPerWindow)}
	store := memory.NewStore()
	return &FailureBreaker{
		lim: limiter.New(store, rate),
		key: "spawn-failures",
	}
}

// RecordFailure registers one failure against the window and reports
// whether the breaker is now open (failure rate exceeded). A breaker
// with maxPerWindow <= 0 never reports open.
func (b *FailureBreaker) RecordFailure(ctx context.Context) bool {
	if b.lim.Rate.Limit <= 0 {
		return false
	}
	res, err := b.lim.Get(ctx, b.key)
	if err != nil {
		return false
	}
	return res.Reached
}

// Open reports the breaker's current state without recording a new
// failure, by peeking the same key.
func (b *FailureBreaker) Open(ctx context.Context) bool {
	if b.lim.Rate.Limit <= 0 {
		return false
	}
	res, err := b.lim.Peek(ctx, b.key)
	if err != nil {
		return false
	}
	return res.Reached
}
