package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// CacheStore implements scan.DurableCache on Postgres. One row per key;
// expired rows are treated as absent on read and purged lazily.
type CacheStore struct {
	db    DB
	clock scan.Clock
}

// NewCacheStoreWithPool constructs a cache store from an existing pool.
func NewCacheStoreWithPool(db DB, clock scan.Clock) (*CacheStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &CacheStore{db: db, clock: clock}, nil
}

// EnsureSchema creates the cache table when it does not exist yet.
func (s *CacheStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS analysis_cache (
			url_hash TEXT PRIMARY KEY,
			original_url TEXT NOT NULL,
			audit_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	)
	if err != nil {
		return fmt.Errorf("ensure cache schema: %w", err)
	}
	return nil
}

// Get returns the unexpired entry for key, or scan.ErrNotFound.
func (s *CacheStore) Get(ctx context.Context, key string) (scan.CacheEntry, error) {
	var entry scan.CacheEntry
	err := s.db.QueryRow(ctx,
		`SELECT url_hash, original_url, audit_json, created_at, expires_at
		 FROM analysis_cache
		 WHERE url_hash = $1 AND expires_at > $2`,
		key, s.clock.Now(),
	).Scan(&entry.Key, &entry.OriginalURL, &entry.Payload, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.CacheEntry{}, scan.ErrNotFound
		}
		return scan.CacheEntry{}, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, nil
}

// Put upserts an entry; a rewrite of an existing key replaces its
// payload and expiry wholesale.
func (s *CacheStore) Put(ctx context.Context, entry scan.CacheEntry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache key is required")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO analysis_cache (url_hash, original_url, audit_json, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (url_hash) DO UPDATE
		 SET original_url = EXCLUDED.original_url,
		     audit_json = EXCLUDED.audit_json,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at`,
		entry.Key, entry.OriginalURL, entry.Payload, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// PruneExpired deletes rows past their expiry and reports how many went.
func (s *CacheStore) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM analysis_cache WHERE expires_at <= $1`,
		s.clock.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
