package rail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// StubAdapter is the in-process rail. Reserves are held in memory, keyed by
// idempotency key, with the same terminal-state rules as a real rail. Tests
// can inject declines and outcome loss.
type StubAdapter struct {
	mu       sync.Mutex
	byKey    map[string]string // idempotency key -> reserveId
	states   map[string]string // reserveId -> state
	declines int
	dropped  int
}

// NewStubAdapter creates an empty stub rail.
func NewStubAdapter() *StubAdapter {
	return &StubAdapter{
		byKey:  make(map[string]string),
		states: make(map[string]string),
	}
}

// DeclineNext makes the next n reserves come back rejected.
func (s *StubAdapter) DeclineNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declines = n
}

// DropNext makes the next n calls lose their outcome: the state commits on
// the rail side but the caller sees ErrNeedsReconciliation, exactly like a
// network timeout after the rail processed the request.
func (s *StubAdapter) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = n
}

func reserveID(key string) string {
	sum := sha256.Sum256([]byte("reserve/" + key))
	return "rsv_" + hex.EncodeToString(sum[:8])
}

// Reserve implements Adapter.
func (s *StubAdapter) Reserve(_ context.Context, req ReserveRequest) (*ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, seen := s.byKey[req.IdempotencyKey]; seen {
		return &ReserveResult{Status: StatusReserved, ReserveID: id}, nil
	}
	if s.declines > 0 {
		s.declines--
		return &ReserveResult{Status: StatusRejected}, nil
	}
	id := reserveID(req.IdempotencyKey)
	s.byKey[req.IdempotencyKey] = id
	s.states[id] = StatusReserved
	if s.dropped > 0 {
		s.dropped--
		return nil, ErrNeedsReconciliation
	}
	return &ReserveResult{Status: StatusReserved, ReserveID: id}, nil
}

// Release implements Adapter.
func (s *StubAdapter) Release(_ context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[req.ReserveID]
	if !ok {
		return nil, ErrReserveNotFound
	}
	if state == StatusReleased {
		return &ReleaseResult{Status: StatusReleased}, nil
	}
	s.states[req.ReserveID] = StatusReleased
	if s.dropped > 0 {
		s.dropped--
		return nil, ErrNeedsReconciliation
	}
	return &ReleaseResult{Status: StatusReleased}, nil
}

// Void implements Adapter.
func (s *StubAdapter) Void(_ context.Context, req VoidRequest) (*VoidResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[req.ReserveID]
	if !ok {
		return nil, ErrReserveNotFound
	}
	switch state {
	case StatusVoided:
		return &VoidResult{Status: StatusVoided, Method: VoidMethodAlreadyTerminal}, nil
	case StatusReleased:
		s.states[req.ReserveID] = StatusVoided
		return &VoidResult{Status: StatusVoided, Method: VoidMethodCompensate}, nil
	default:
		s.states[req.ReserveID] = StatusVoided
		return &VoidResult{Status: StatusVoided, Method: VoidMethodCancel}, nil
	}
}

// GetStatus implements Adapter.
func (s *StubAdapter) GetStatus(_ context.Context, reserveID string) (*ReserveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[reserveID]
	if !ok {
		return nil, ErrReserveNotFound
	}
	return &ReserveStatus{ReserveID: reserveID, State: state}, nil
}

// FindByKey resolves the reserve created under an idempotency key, for
// reconciliation after a dropped Reserve outcome.
func (s *StubAdapter) FindByKey(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	return id, ok
}
