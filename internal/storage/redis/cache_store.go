// Package redis provides a Redis-backed durable cache tier.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sitepulse/sitepulse/internal/scan"
)

const keyPrefix = "sitepulse:cache:"

// CacheStore implements scan.DurableCache on Redis. Expiry is enforced
// by the server-side TTL set on each key.
type CacheStore struct {
	client *redis.Client
	clock  scan.Clock
}

// NewCacheStore connects to Redis at addr.
func NewCacheStore(addr, password string, db int, clock scan.Clock) *CacheStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &CacheStore{client: rdb, clock: clock}
}

// NewCacheStoreWithClient wraps an existing client (primarily for testing).
func NewCacheStoreWithClient(client *redis.Client, clock scan.Clock) *CacheStore {
	return &CacheStore{client: client, clock: clock}
}

// Ping verifies the connection.
func (s *CacheStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *CacheStore) Close() error {
	return s.client.Close()
}

// Get returns the entry for key, or scan.ErrNotFound when Redis has no
// live value.
func (s *CacheStore) Get(ctx context.Context, key string) (scan.CacheEntry, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return scan.CacheEntry{}, scan.ErrNotFound
		}
		return scan.CacheEntry{}, fmt.Errorf("redis get: %w", err)
	}
	var entry scan.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return scan.CacheEntry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, nil
}

// Put stores an entry with a TTL matching its expiry. Entries already
// past expiry are dropped rather than written.
func (s *CacheStore) Put(ctx context.Context, entry scan.CacheEntry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache key is required")
	}
	ttl := entry.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+entry.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
