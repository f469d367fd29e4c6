package memory

import (
	"context"
	"sync"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// CacheStore is an in-memory scan.DurableCache. It does not survive a
// restart, so it only stands in for the durable tier in development.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]scan.CacheEntry
	clock   scan.Clock
}

// NewCacheStore constructs an empty CacheStore.
func NewCacheStore(clock scan.Clock) *CacheStore {
	return &CacheStore{
		entries: make(map[string]scan.CacheEntry),
		clock:   clock,
	}
}

// Get returns the unexpired entry for key, or scan.ErrNotFound.
func (s *CacheStore) Get(_ context.Context, key string) (scan.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || !entry.ExpiresAt.After(s.clock.Now()) {
		return scan.CacheEntry{}, scan.ErrNotFound
	}
	return entry, nil
}

// Put stores an entry, replacing any previous one under the same key.
func (s *CacheStore) Put(_ context.Context, entry scan.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}
