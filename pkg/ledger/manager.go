package ledger

import (
	"context"
)

// WalletStore is the persistence contract the Manager runs transitions
// through. Implementations lock the named wallets for exclusive access
// (taking locks in the caller-provided sorted order), create missing wallets
// zeroed, and record the transition id atomically with the commit.
type WalletStore interface {
	// Transact runs fn with exclusive access to the named wallets. When
	// transitionID has already been applied it returns (false, nil)
	// without invoking fn. Mutations made by fn commit together with the
	// transition-id record, or not at all.
	Transact(ctx context.Context, transitionID string, keys []WalletKey, fn func(map[WalletKey]*Wallet) error) (applied bool, err error)
	// Get returns a wallet snapshot, or a zeroed wallet when none exists.
	Get(ctx context.Context, key WalletKey) (*Wallet, error)
}

// Manager applies transitions against a WalletStore.
type Manager struct {
	store WalletStore
}

// NewManager creates a ledger manager.
func NewManager(store WalletStore) *Manager {
	return &Manager{store: store}
}

// ApplyTransition runs one atomic transition. Replaying an applied
// transition id is a no-op reported as applied=false.
func (m *Manager) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	return m.store.Transact(ctx, t.ID, t.Keys(), func(wallets map[WalletKey]*Wallet) error {
		return Apply(wallets, t)
	})
}

// Balance returns a wallet snapshot.
func (m *Manager) Balance(ctx context.Context, key WalletKey) (*Wallet, error) {
	return m.store.Get(ctx, key)
}
