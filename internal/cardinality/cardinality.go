// Package cardinality implements the CardinalityGuard: per-metric series
// counting with cached, rate-limited probes against the storage gateway,
// plus the high-cardinality label heuristics applied on every ingested
// sample.
//
// The token-bucket limiter is grounded in the teacher's
// internal/server.RateLimiter (a mutex-guarded map with a rolling window);
// here it gates probe reads instead of blocking failed logins. Concurrent
// probes for the same metric are deduplicated with golang.org/x/sync/singleflight
// so a cardinality spike doesn't fan out into a storm of identical COUNT
// DISTINCT queries.
package cardinality

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/metricstore/engine/internal/clock"
	"github.com/metricstore/engine/internal/logging"
	"github.com/metricstore/engine/internal/metrictypes"
)

// counter is the subset of storagegw.Gateway the guard depends on.
type counter interface {
	CountDistinctLabelCombinations(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error)
}

// highCardinalityPatterns are substrings that, when found in a label key,
// indicate the key is likely to carry unbounded cardinality. Matches raise
// warnings but never reject a sample.
var highCardinalityPatterns = []string{
	"id", "uuid", "guid", "session", "request", "transaction", "user",
	"customer", "account", "email", "username", "ip", "address",
	"timestamp", "datetime", "random", "nonce", "token",
}

// Config configures CardinalityGuard policy.
type Config struct {
	MaxSeriesPerMetric int
	WarningThreshold   float64
	CheckWindow        time.Duration
	ProbeRatePerMinute  int
	EstimateCacheTTL    time.Duration
}

// Result is the outcome of validating one sample against cardinality policy.
type Result struct {
	OK                 bool
	CurrentCardinality int
	Warnings           []string
	Errors             []string
}

// Stats reports the guard's cached view of a metric's cardinality.
type Stats struct {
	MetricID    uuid.UUID
	Cardinality int
	CachedAt    time.Time
}

type cacheEntry struct {
	count  int
	cached time.Time
}

// Guard is the CardinalityGuard.
type Guard struct {
	store counter
	clock clock.Clock
	cfg   Config

	mu    sync.Mutex
	cache map[uuid.UUID]cacheEntry

	bucket *tokenBucket
	probe  singleflight.Group

	log *slog.Logger
}

// New constructs a Guard backed by store.
func New(store counter, clk clock.Clock, cfg Config) *Guard {
	if clk == nil {
		clk = clock.System
	}
	if cfg.ProbeRatePerMinute <= 0 {
		cfg.ProbeRatePerMinute = 10
	}
	if cfg.CheckWindow <= 0 {
		cfg.CheckWindow = 24 * time.Hour
	}
	return &Guard{
		store:  store,
		clock:  clk,
		cfg:    cfg,
		cache:  make(map[uuid.UUID]cacheEntry),
		bucket: newTokenBucket(cfg.ProbeRatePerMinute, clk),
		log:    logging.Component("cardinality"),
	}
}

// Validate checks label count/length, high-cardinality naming heuristics,
// and current series count against the configured cap and warn threshold.
func (g *Guard) Validate(ctx context.Context, metricID uuid.UUID, labels map[string]string) Result {
	var res Result
	res.OK = true

	if len(labels) > metrictypes.MaxLabelsPerMetric {
		res.OK = false
		res.Errors = append(res.Errors, "too many labels on sample")
	}
	for k, v := range labels {
		if len(v) > metrictypes.MaxLabelValueLength {
			res.OK = false
			res.Errors = append(res.Errors, "label \""+k+"\" value exceeds maximum length")
		}
		if matchesHighCardinalityPattern(k) {
			res.Warnings = append(res.Warnings, "label \""+k+"\" matches a known high-cardinality naming pattern")
		}
	}

	current := g.estimate(ctx, metricID)
	res.CurrentCardinality = current

	cap := g.cfg.MaxSeriesPerMetric
	if cap <= 0 {
		cap = 10000
	}
	warnAt := int(float64(cap) * g.cfg.WarningThreshold)

	if current >= cap {
		res.OK = false
		res.Errors = append(res.Errors, "reached maximum cardinality")
	} else if current > warnAt {
		res.Warnings = append(res.Warnings, "approaching maximum cardinality")
	}

	return res
}

// Stats returns the guard's cached cardinality view for metricID.
func (g *Guard) Stats(metricID uuid.UUID) Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry := g.cache[metricID]
	return Stats{MetricID: metricID, Cardinality: entry.count, CachedAt: entry.cached}
}

// Cleanup drops cache entries older than the configured TTL.
func (g *Guard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	ttl := g.cfg.EstimateCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	for id, entry := range g.cache {
		if now.Sub(entry.cached) > ttl {
			delete(g.cache, id)
		}
	}
}

// estimate returns the cached cardinality if fresh; otherwise it probes
// storage for the distinct series observed in the trailing CheckWindow,
// subject to the global token bucket. A rate-limited or failed
// probe falls back to the cached value, or 0 if no cache exists yet
// (fail-open for the estimate itself — the cap comparison above still
// enforces the real policy once a fresh count is available).
func (g *Guard) estimate(ctx context.Context, metricID uuid.UUID) int {
	ttl := g.cfg.EstimateCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	g.mu.Lock()
	entry, ok := g.cache[metricID]
	g.mu.Unlock()

	if ok && g.clock.Now().Sub(entry.cached) < ttl {
		return entry.count
	}

	if !g.bucket.Allow() {
		return entry.count
	}

	since := g.clock.Now().Add(-g.cfg.CheckWindow)
	v, err, _ := g.probe.Do(metricID.String(), func() (interface{}, error) {
		return g.store.CountDistinctLabelCombinations(ctx, metricID, since)
	})
	if err != nil {
		g.log.Warn("cardinality probe failed", "metric_id", metricID, "error", err)
		return entry.count
	}

	count := v.(int)
	g.mu.Lock()
	g.cache[metricID] = cacheEntry{count: count, cached: g.clock.Now()}
	g.mu.Unlock()

	return count
}

func matchesHighCardinalityPattern(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range highCardinalityPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
