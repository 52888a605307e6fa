package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/settld-labs/settld/pkg/ledger"
)

// WalletStore implements ledger.WalletStore. A transition loads its wallets,
// runs the caller's moves on the in-memory set, and writes the results back
// in one transaction together with the transition-id row; a replayed id is
// rejected by the primary key and reported as applied=false.
type WalletStore struct {
	s *Store
}

// Wallets returns the wallet sub-store.
func (s *Store) Wallets() *WalletStore { return &WalletStore{s: s} }

// Transact implements ledger.WalletStore.
func (w *WalletStore) Transact(ctx context.Context, transitionID string, keys []ledger.WalletKey, fn func(map[ledger.WalletKey]*ledger.Wallet) error) (bool, error) {
	w.s.walletMu.Lock()
	defer w.s.walletMu.Unlock()

	tx, err := w.s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transitions (id, applied_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		transitionID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	wallets := make(map[ledger.WalletKey]*ledger.Wallet, len(keys))
	for _, k := range keys {
		wl, err := loadWallet(ctx, tx, k)
		if err != nil {
			return false, err
		}
		wallets[k] = wl
	}

	if err := fn(wallets); err != nil {
		return false, err
	}

	for _, k := range keys {
		wl := wallets[k]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO wallets (tenant_id, agent_id, currency, available_cents, escrow_locked_cents, total_debited_cents)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tenant_id, agent_id, currency) DO UPDATE SET
			   available_cents = EXCLUDED.available_cents,
			   escrow_locked_cents = EXCLUDED.escrow_locked_cents,
			   total_debited_cents = EXCLUDED.total_debited_cents`,
			wl.TenantID, wl.AgentID, wl.Currency,
			wl.AvailableCents, wl.EscrowLockedCents, wl.TotalDebitedCents); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Get implements ledger.WalletStore.
func (w *WalletStore) Get(ctx context.Context, key ledger.WalletKey) (*ledger.Wallet, error) {
	return loadWallet(ctx, w.s.db, key)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadWallet(ctx context.Context, q querier, key ledger.WalletKey) (*ledger.Wallet, error) {
	wl := &ledger.Wallet{TenantID: key.TenantID, AgentID: key.AgentID, Currency: key.Currency}
	err := q.QueryRowContext(ctx,
		`SELECT available_cents, escrow_locked_cents, total_debited_cents FROM wallets
		 WHERE tenant_id = $1 AND agent_id = $2 AND currency = $3`,
		key.TenantID, key.AgentID, key.Currency).
		Scan(&wl.AvailableCents, &wl.EscrowLockedCents, &wl.TotalDebitedCents)
	if errors.Is(err, sql.ErrNoRows) {
		return wl, nil
	}
	if err != nil {
		return nil, err
	}
	return wl, nil
}
