package cardinality

import (
	"sync"
	"time"

	"github.com/metricstore/engine/internal/clock"
)

// tokenBucket is a simple fixed-rate limiter shared across all metrics'
// cardinality probes, per the spec's "global token bucket" requirement.
type tokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(perMinute int, clk clock.Clock) *tokenBucket {
	capacity := float64(perMinute)
	return &tokenBucket{
		clock:      clk,
		capacity:   capacity,
		tokens:     capacity,
		refillRate: capacity / 60.0,
		lastRefill: clk.Now(),
	}
}

// Allow reports whether a token is available and, if so, consumes it.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
