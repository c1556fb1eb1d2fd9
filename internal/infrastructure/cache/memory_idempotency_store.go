package cache

import (
	"context"
	"sync"
	"time"

	"archie-core-clover-layer/internal/ports"
)

// MemoryIdempotencyStore is a process-local IdempotencyStore used when Redis is not configured
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates an empty store
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[key]; ok && exp.After(now) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	s.sweep(now)
	return true, nil
}

func (s *MemoryIdempotencyStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[key]
	return ok && exp.After(s.now()), nil
}

// sweep drops expired keys; callers hold mu
func (s *MemoryIdempotencyStore) sweep(now time.Time) {
	for key, exp := range s.entries {
		if !exp.After(now) {
			delete(s.entries, key)
		}
	}
}

var _ ports.IdempotencyStore = (*MemoryIdempotencyStore)(nil)
