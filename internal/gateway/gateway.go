// Package gateway makes backend calls resilient to partial outages:
// TTL caching, per-operation circuit breaking, in-flight request
// de-duplication, and bounded retry with exponential backoff. Callers
// see none of it — just a result or a final error.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/playperu/trailguide/internal/backend"
)

// ErrCircuitOpen is returned without a network attempt while an
// operation's breaker is open. Distinct from a plain network failure so
// the UI can say "temporarily unavailable" instead of implying a
// one-off glitch.
var ErrCircuitOpen = errors.New("circuit open")

// Config holds the gateway-wide tunables.
type Config struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	FailureThreshold int
	OpenDuration     time.Duration
	SweepInterval    time.Duration
}

func (c *Config) fillDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration == 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
}

// Options tunes a single Do call.
type Options struct {
	// CacheTTL caches the result for this long. Zero disables caching.
	CacheTTL time.Duration
	// Params distinguishes calls sharing an operation key; it is part
	// of both the cache key and the de-duplication key.
	Params string
	// MaxRetries overrides the gateway default when non-zero.
	MaxRetries int
}

// Stats is the operator introspection snapshot.
type Stats struct {
	CacheSize     int                     `json:"cacheSize"`
	CacheHits     int64                   `json:"cacheHits"`
	CacheMisses   int64                   `json:"cacheMisses"`
	ShortCircuits int64                   `json:"shortCircuits"`
	Retries       int64                   `json:"retries"`
	Deduplicated  int64                   `json:"deduplicated"`
	Breakers      map[string]BreakerState `json:"breakers"`
}

// Gateway arbitrates every backend call. Breaker and cache state is
// mutated only inside Do; external code reads snapshots via Stats.
type Gateway struct {
	cfg    Config
	logger *slog.Logger
	cache  *ttlCache
	group  singleflight.Group

	mu       sync.Mutex
	breakers map[string]*breaker

	statsMu       sync.Mutex
	cacheHits     int64
	cacheMisses   int64
	shortCircuits int64
	retries       int64
	deduplicated  int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func New(cfg Config, logger *slog.Logger) *Gateway {
	cfg.fillDefaults()
	g := &Gateway{
		cfg:       cfg,
		logger:    logger,
		breakers:  make(map[string]*breaker),
		now:       time.Now,
		sleep:     sleepCtx,
		stopSweep: make(chan struct{}),
	}
	g.cache = newTTLCache(func() time.Time { return g.now() })
	go g.sweepLoop()
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) sweepLoop() {
	t := time.NewTicker(g.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-g.stopSweep:
			return
		case <-t.C:
			g.cache.sweep()
		}
	}
}

// Close stops the background cache sweep.
func (g *Gateway) Close() {
	g.sweepOnce.Do(func() { close(g.stopSweep) })
}

// Do runs fn for the given operation key with the full resilience
// stack, in order: cache check, breaker check, de-duplication, retry
// loop. Concurrent calls with the same key and params observe exactly
// one underlying fn invocation and identical results.
func (g *Gateway) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error), opts Options) (any, error) {
	fullKey := key
	if opts.Params != "" {
		fullKey = key + ":" + opts.Params
	}

	if opts.CacheTTL > 0 {
		if v, ok := g.cache.get(fullKey); ok {
			g.count(&g.cacheHits)
			return v, nil
		}
		g.count(&g.cacheMisses)
	}

	if g.breakerOpen(key) {
		g.count(&g.shortCircuits)
		return nil, fmt.Errorf("%s: %w", key, ErrCircuitOpen)
	}

	v, err, shared := g.group.Do(fullKey, func() (any, error) {
		return g.attempt(ctx, key, fn, opts)
	})
	if shared {
		g.count(&g.deduplicated)
	}
	if err != nil {
		return nil, err
	}

	if opts.CacheTTL > 0 {
		g.cache.set(fullKey, v, opts.CacheTTL)
	}
	return v, nil
}

func (g *Gateway) attempt(ctx context.Context, key string, fn func(ctx context.Context) (any, error), opts Options) (any, error) {
	maxRetries := g.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt - 1)
			g.count(&g.retries)
			g.logger.Debug("retrying operation",
				"key", key, "attempt", attempt, "delay_ms", delay.Milliseconds())
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		v, err := fn(ctx)
		if err == nil {
			g.recordSuccess(key)
			return v, nil
		}
		lastErr = err
		g.recordFailure(key)

		if !backend.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := time.Duration(float64(g.cfg.BaseDelay) * math.Pow(g.cfg.Multiplier, float64(attempt)))
	if d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	return d
}

func (g *Gateway) breakerOpen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	if !ok {
		return false
	}
	return b.isOpen(g.now(), g.cfg.OpenDuration)
}

func (g *Gateway) recordSuccess(key string) {
	g.mu.Lock()
	if b, ok := g.breakers[key]; ok {
		b.recordSuccess()
	}
	g.mu.Unlock()
}

func (g *Gateway) recordFailure(key string) {
	g.mu.Lock()
	b, ok := g.breakers[key]
	if !ok {
		b = &breaker{}
		g.breakers[key] = b
	}
	b.recordFailure(g.now(), g.cfg.FailureThreshold)
	opened := b.open && b.consecutiveFailures == g.cfg.FailureThreshold
	g.mu.Unlock()

	if opened {
		g.logger.Warn("circuit opened", "key", key, "threshold", g.cfg.FailureThreshold)
	}
}

// Stats snapshots cache and breaker state for the operator surface.
func (g *Gateway) Stats() Stats {
	g.statsMu.Lock()
	s := Stats{
		CacheHits:     g.cacheHits,
		CacheMisses:   g.cacheMisses,
		ShortCircuits: g.shortCircuits,
		Retries:       g.retries,
		Deduplicated:  g.deduplicated,
	}
	g.statsMu.Unlock()

	s.CacheSize = g.cache.size()
	s.Breakers = make(map[string]BreakerState)
	g.mu.Lock()
	now := g.now()
	for k, b := range g.breakers {
		s.Breakers[k] = BreakerState{
			Open:                b.isOpen(now, g.cfg.OpenDuration),
			ConsecutiveFailures: b.consecutiveFailures,
			LastFailureAt:       b.lastFailureAt,
		}
	}
	g.mu.Unlock()
	return s
}

// ClearCache drops every cached entry. Operator hook.
func (g *Gateway) ClearCache() {
	g.cache.clear()
}

// ResetBreakers closes every breaker and zeroes failure counts.
// Operator hook.
func (g *Gateway) ResetBreakers() {
	g.mu.Lock()
	g.breakers = make(map[string]*breaker)
	g.mu.Unlock()
}

func (g *Gateway) count(c *int64) {
	g.statsMu.Lock()
	*c++
	g.statsMu.Unlock()
}
