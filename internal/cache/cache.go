// Package cache implements the unified two-tier result cache: a bounded
// in-process LRU tier in front of a durable tier, with single-flight
// deduplication and outcome-dependent expiry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sitepulse/sitepulse/internal/metrics"
	"github.com/sitepulse/sitepulse/internal/scan"
)

// Config controls cache sizing and expiry.
type Config struct {
	// Capacity bounds the in-process tier (default 50 entries).
	Capacity int
	// SuccessTTL is the lifetime of a settled, good result (default 24h).
	SuccessTTL time.Duration
	// FailureTTL is the lifetime of a failed or partial result
	// (default 15m), so transient failures retry sooner.
	FailureTTL time.Duration
	// SchemaVersion tags written entries; reads with a different stored
	// tag are treated as misses.
	SchemaVersion int
}

const (
	defaultCapacity      = 50
	defaultSuccessTTL    = 24 * time.Hour
	defaultFailureTTL    = 15 * time.Minute
	defaultSchemaVersion = 1
)

// envelope is the durable-tier payload shape.
type envelope struct {
	SchemaVersion int           `json:"schema_version"`
	Analysis      scan.Analysis `json:"analysis"`
}

// ComputeFunc produces a value on cache miss.
type ComputeFunc func(ctx context.Context) (scan.Analysis, error)

// Cache is the unified result cache. Construct once at startup; all
// in-flight and recency state is owned here.
type Cache struct {
	cfg     Config
	clock   scan.Clock
	hasher  scan.Hasher
	durable scan.DurableCache
	memory  *lruStore
	flight  singleflight.Group
	logger  *zap.Logger
}

// New constructs a Cache. durable may be nil, in which case the cache
// operates in-process only.
func New(cfg Config, clock scan.Clock, hasher scan.Hasher, durable scan.DurableCache, logger *zap.Logger) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.SuccessTTL <= 0 {
		cfg.SuccessTTL = defaultSuccessTTL
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = defaultFailureTTL
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = defaultSchemaVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		clock:   clock,
		hasher:  hasher,
		durable: durable,
		memory:  newLRUStore(cfg.Capacity),
		logger:  logger,
	}
}

// Key derives the cache key for an operation prefix and URL.
func (c *Cache) Key(prefix, url string) string {
	digest, err := c.hasher.Hash([]byte(prefix + "\n" + url))
	if err != nil {
		return prefix + ":" + url
	}
	return digest
}

// Get returns the cached analysis for (prefix, url), checking the
// in-process tier first and backfilling it on a durable hit.
func (c *Cache) Get(ctx context.Context, prefix, url string) (scan.Analysis, bool) {
	key := c.Key(prefix, url)
	now := c.clock.Now()

	if entry, ok := c.memory.get(key); ok {
		if entry.schemaVersion == c.cfg.SchemaVersion && entry.expiresAt.After(now) {
			metrics.ObserveCacheRequest("memory", "hit")
			return entry.analysis, true
		}
	}
	metrics.ObserveCacheRequest("memory", "miss")

	if c.durable == nil {
		return scan.Analysis{}, false
	}
	stored, err := c.durable.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, scan.ErrNotFound) {
			// Durable tier is best-effort: degrade to a miss.
			c.logger.Warn("durable cache read failed", zap.String("url", url), zap.Error(err))
		}
		metrics.ObserveCacheRequest("durable", "miss")
		return scan.Analysis{}, false
	}
	if !stored.ExpiresAt.After(now) {
		metrics.ObserveCacheRequest("durable", "miss")
		return scan.Analysis{}, false
	}
	var env envelope
	if err := json.Unmarshal(stored.Payload, &env); err != nil {
		c.logger.Warn("durable cache payload unreadable", zap.String("url", url), zap.Error(err))
		metrics.ObserveCacheRequest("durable", "miss")
		return scan.Analysis{}, false
	}
	if env.SchemaVersion != c.cfg.SchemaVersion {
		// Stale shape from before a deploy: force recomputation.
		metrics.ObserveCacheRequest("durable", "miss")
		return scan.Analysis{}, false
	}
	metrics.ObserveCacheRequest("durable", "hit")

	c.memory.put(cached{
		key:           key,
		analysis:      env.Analysis,
		schemaVersion: env.SchemaVersion,
		expiresAt:     stored.ExpiresAt,
	})
	return env.Analysis, true
}

// Set writes the analysis to both tiers. TTL depends on the outcome:
// successes live far longer than failures. Durable-tier write failures
// are logged and swallowed.
func (c *Cache) Set(ctx context.Context, prefix, url string, analysis scan.Analysis, succeeded bool) {
	key := c.Key(prefix, url)
	now := c.clock.Now()
	ttl := c.cfg.FailureTTL
	if succeeded {
		ttl = c.cfg.SuccessTTL
	}
	expiresAt := now.Add(ttl)

	c.memory.put(cached{
		key:           key,
		analysis:      analysis,
		schemaVersion: c.cfg.SchemaVersion,
		expiresAt:     expiresAt,
	})

	if c.durable == nil {
		return
	}
	payload, err := json.Marshal(envelope{SchemaVersion: c.cfg.SchemaVersion, Analysis: analysis})
	if err != nil {
		c.logger.Error("marshal cache envelope", zap.String("url", url), zap.Error(err))
		return
	}
	entry := scan.CacheEntry{
		Key:         key,
		OriginalURL: url,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	if err := c.durable.Put(ctx, entry); err != nil {
		c.logger.Warn("durable cache write failed", zap.String("url", url), zap.Error(err))
	}
}

// GetOrCompute returns the cached analysis or computes it exactly once,
// no matter how many callers ask for the same key while the computation
// is in flight. The cacheability of the computed value is derived from
// its shape, not from error flow: a pending result gets the failure TTL.
func (c *Cache) GetOrCompute(ctx context.Context, prefix, url string, compute ComputeFunc) (scan.Analysis, error) {
	if analysis, ok := c.Get(ctx, prefix, url); ok {
		return analysis, nil
	}

	key := c.Key(prefix, url)
	v, err, shared := c.flight.Do(key, func() (any, error) {
		if analysis, ok := c.Get(ctx, prefix, url); ok {
			return analysis, nil
		}
		analysis, err := compute(ctx)
		if err != nil {
			return nil, fmt.Errorf("compute %s for %s: %w", prefix, url, err)
		}
		c.Set(ctx, prefix, url, analysis, analysis.Succeeded())
		return analysis, nil
	})
	if err != nil {
		return scan.Analysis{}, err
	}
	if shared {
		c.logger.Debug("joined in-flight computation", zap.String("prefix", prefix), zap.String("url", url))
	}
	analysis, ok := v.(scan.Analysis)
	if !ok {
		return scan.Analysis{}, fmt.Errorf("unexpected cached value type %T", v)
	}
	return analysis, nil
}

// Invalidate clears the in-process tier outright. Coarse on purpose:
// unrelated keys are evicted too, and the durable tier relies on TTL
// expiry rather than point deletion.
func (c *Cache) Invalidate(prefix, url string) {
	c.memory.clear()
	c.logger.Debug("in-process cache cleared", zap.String("prefix", prefix), zap.String("url", url))
}
