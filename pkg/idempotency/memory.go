package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store with TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Record
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryStore creates a store whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Record),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, key Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[key.scopeKey()]
	if !ok {
		return nil, nil
	}
	if s.clock().Sub(rec.CreatedAt) > s.ttl {
		delete(s.entries, key.scopeKey())
		return nil, nil
	}
	return rec, nil
}

// PutIfAbsent implements Store.
func (s *MemoryStore) PutIfAbsent(_ context.Context, key Key, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := key.scopeKey()
	if existing, ok := s.entries[scope]; ok {
		if s.clock().Sub(existing.CreatedAt) <= s.ttl {
			return existing, nil
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	s.entries[scope] = rec
	return nil, nil
}

// Sweep removes expired entries; callers run it on a timer.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, rec := range s.entries {
		if now.Sub(rec.CreatedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}
