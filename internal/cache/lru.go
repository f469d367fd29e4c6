package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// cached is one in-process tier entry.
type cached struct {
	key           string
	analysis      scan.Analysis
	schemaVersion int
	expiresAt     time.Time
}

// lruStore is the bounded, recency-ordered in-process tier. Safe for
// concurrent use.
type lruStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

func newLRUStore(capacity int) *lruStore {
	return &lruStore{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (s *lruStore) get(key string) (cached, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if !ok {
		return cached{}, false
	}
	s.order.MoveToFront(elem)
	entry, _ := elem.Value.(cached)
	return entry, true
}

func (s *lruStore) put(entry cached) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[entry.key]; ok {
		elem.Value = entry
		s.order.MoveToFront(elem)
		return
	}
	s.items[entry.key] = s.order.PushFront(entry)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		evicted, _ := oldest.Value.(cached)
		s.order.Remove(oldest)
		delete(s.items, evicted.key)
	}
}

func (s *lruStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.items = make(map[string]*list.Element, s.capacity)
}

func (s *lruStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
