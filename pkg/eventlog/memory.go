package eventlog

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store. Appends are serialized per stream by
// a single mutex; List copies the slice so readers see a stable snapshot.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*Event // key: tenantID + "/" + streamID
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]*Event)}
}

func streamKey(tenantID, streamID string) string {
	return tenantID + "/" + streamID
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, tenantID, streamID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.streams[streamKey(tenantID, streamID)]
	if len(events) == 0 {
		return GenesisHash, nil
	}
	return events[len(events)-1].ChainHash, nil
}

// AppendIfHead implements Store.
func (s *MemoryStore) AppendIfHead(_ context.Context, tenantID string, e *Event, expectedPrev string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(tenantID, e.StreamID)
	events := s.streams[key]
	head := GenesisHash
	if len(events) > 0 {
		head = events[len(events)-1].ChainHash
	}
	if head != expectedPrev {
		return head, nil
	}
	s.streams[key] = append(events, e)
	return "", nil
}

// Events implements Store.
func (s *MemoryStore) Events(_ context.Context, tenantID, streamID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.streams[streamKey(tenantID, streamID)]
	out := make([]*Event, len(events))
	copy(out, events)
	return out, nil
}
