package ledger

import (
	"context"
	"sync"
)

// MemoryWalletStore is the in-process WalletStore. A single mutex serializes
// transitions; wallet reads copy the row so callers never observe a partial
// transition.
type MemoryWalletStore struct {
	mu      sync.Mutex
	wallets map[WalletKey]*Wallet
	applied map[string]struct{}
}

// NewMemoryWalletStore creates an empty wallet store.
func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{
		wallets: make(map[WalletKey]*Wallet),
		applied: make(map[string]struct{}),
	}
}

// Transact implements WalletStore.
func (s *MemoryWalletStore) Transact(_ context.Context, transitionID string, keys []WalletKey, fn func(map[WalletKey]*Wallet) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.applied[transitionID]; done {
		return false, nil
	}
	view := make(map[WalletKey]*Wallet, len(keys))
	for _, k := range keys {
		w, ok := s.wallets[k]
		if !ok {
			w = &Wallet{TenantID: k.TenantID, AgentID: k.AgentID, Currency: k.Currency}
		}
		cp := *w
		view[k] = &cp
	}
	if err := fn(view); err != nil {
		return false, err
	}
	for k, w := range view {
		cp := *w
		s.wallets[k] = &cp
	}
	s.applied[transitionID] = struct{}{}
	return true, nil
}

// Get implements WalletStore.
func (s *MemoryWalletStore) Get(_ context.Context, key WalletKey) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[key]
	if !ok {
		return &Wallet{TenantID: key.TenantID, AgentID: key.AgentID, Currency: key.Currency}, nil
	}
	cp := *w
	return &cp, nil
}
