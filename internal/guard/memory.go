package guard

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultMaxKeys = 100_000

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local Store. Entries age out after ttl and the
// key count is bounded; when full the least recently used key is dropped.
// Separate processes do not share budgets.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.LRU[string, window]
}

// NewMemoryStore sizes the store. ttl should be at least the longest window
// it serves.
func NewMemoryStore(maxKeys int, ttl time.Duration) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &MemoryStore{cache: lru.NewLRU[string, window](maxKeys, nil, ttl)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, limit int, win time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.cache.Get(key)
	if !ok || !now.Before(w.resetAt) {
		w = window{count: 1, resetAt: now.Add(win)}
		s.cache.Add(key, w)
		return Decision{Allowed: true, Count: 1, ResetAt: w.resetAt}, nil
	}
	if w.count < limit {
		w.count++
		s.cache.Add(key, w)
		return Decision{Allowed: true, Count: w.count, ResetAt: w.resetAt}, nil
	}
	return Decision{Allowed: false, Count: w.count, ResetAt: w.resetAt}, nil
}

// Len reports tracked keys.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
