// Package ledger implements the two-sided escrow ledger. Each wallet tracks
// available, escrowLocked, and totalDebited counters in integer cents; a
// transition is a list of typed moves that applies atomically or not at all.
package ledger

import (
	"errors"
	"fmt"
	"sort"
)

// Stable error codes for ledger failures.
const (
	CodeInsufficientFunds = "LEDGER_INSUFFICIENT_FUNDS"
	CodeCurrencyMismatch  = "LEDGER_CURRENCY_MISMATCH"
	CodeNegativeAmount    = "LEDGER_NEGATIVE_AMOUNT"
	CodeUnbalanced        = "LEDGER_UNBALANCED_TRANSITION"
)

// ErrInsufficientFunds is returned when a move would drive a counter negative.
var ErrInsufficientFunds = errors.New(CodeInsufficientFunds)

// ErrCurrencyMismatch is returned on any cross-currency move. Conversions are
// forbidden; this is fatal, never coerced.
var ErrCurrencyMismatch = errors.New(CodeCurrencyMismatch)

// WalletKey identifies one wallet. Multi-wallet transitions lock wallets in
// sorted (tenant, agentId, currency) order to avoid deadlock.
type WalletKey struct {
	TenantID string `json:"tenantId"`
	AgentID  string `json:"agentId"`
	Currency string `json:"currency"`
}

func (k WalletKey) String() string {
	return k.TenantID + "/" + k.AgentID + "/" + k.Currency
}

// Wallet holds the three per-wallet counters. All counters stay ≥ 0 under
// every admitted transition.
type Wallet struct {
	TenantID          string `json:"tenantId"`
	AgentID           string `json:"agentId"`
	Currency          string `json:"currency"`
	AvailableCents    int64  `json:"availableCents"`
	EscrowLockedCents int64  `json:"escrowLockedCents"`
	TotalDebitedCents int64  `json:"totalDebitedCents"`
}

// Key returns the wallet's key.
func (w *Wallet) Key() WalletKey {
	return WalletKey{TenantID: w.TenantID, AgentID: w.AgentID, Currency: w.Currency}
}

// MoveKind enumerates the typed moves.
type MoveKind string

const (
	// MoveCredit adds external funds to available. The only unbalanced
	// move: it models an inflow from outside the ledger.
	MoveCredit MoveKind = "credit"
	// MoveLock shifts available → escrowLocked within one wallet.
	MoveLock MoveKind = "lock"
	// MoveRelease shifts escrowLocked → the destination wallet's
	// available, incrementing the source's totalDebited.
	MoveRelease MoveKind = "release"
	// MoveRefund shifts available → the destination wallet's available
	// (post-settlement compensation).
	MoveRefund MoveKind = "refund"
	// MoveVoid shifts escrowLocked back to available within one wallet.
	MoveVoid MoveKind = "void"
)

// Move is one typed wallet operation.
type Move struct {
	Kind        MoveKind   `json:"kind"`
	Wallet      WalletKey  `json:"wallet"`
	AmountCents int64      `json:"amountCents"`
	ToWallet    *WalletKey `json:"toWallet,omitempty"`
}

// Transition is an atomic list of moves. Replaying the same transition id is
// a no-op.
type Transition struct {
	ID    string `json:"id"`
	Moves []Move `json:"moves"`
}

// Keys returns the distinct wallets a transition touches, sorted
// deterministically.
func (t Transition) Keys() []WalletKey {
	seen := make(map[WalletKey]struct{})
	for _, m := range t.Moves {
		seen[m.Wallet] = struct{}{}
		if m.ToWallet != nil {
			seen[*m.ToWallet] = struct{}{}
		}
	}
	keys := make([]WalletKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Apply validates and applies a transition to the given wallet set, all or
// nothing. Wallets are mutated only when every move admits.
func Apply(wallets map[WalletKey]*Wallet, t Transition) error {
	if err := validate(t); err != nil {
		return err
	}
	// Stage on copies; commit only when every move admits.
	staged := make(map[WalletKey]*Wallet, len(wallets))
	for k, w := range wallets {
		cp := *w
		staged[k] = &cp
	}
	for i, m := range t.Moves {
		if err := applyMove(staged, m); err != nil {
			return fmt.Errorf("move %d (%s): %w", i, m.Kind, err)
		}
	}
	for k, w := range staged {
		*wallets[k] = *w
	}
	return nil
}

func validate(t Transition) error {
	if t.ID == "" {
		return errors.New("ledger: transition id is required")
	}
	for _, m := range t.Moves {
		if m.AmountCents < 0 {
			return fmt.Errorf("%s: negative move amount %d", CodeNegativeAmount, m.AmountCents)
		}
		// Credits model external inflows; every other kind conserves
		// value inside the ledger by construction, so the balance rule
		// reduces to currency agreement between source and destination.
		if m.ToWallet != nil && m.ToWallet.Currency != m.Wallet.Currency {
			return fmt.Errorf("%s → %s: %w", m.Wallet.Currency, m.ToWallet.Currency, ErrCurrencyMismatch)
		}
		switch m.Kind {
		case MoveCredit, MoveLock, MoveVoid:
			if m.ToWallet != nil {
				return fmt.Errorf("%s: %s move takes no destination", CodeUnbalanced, m.Kind)
			}
		case MoveRelease, MoveRefund:
			if m.ToWallet == nil {
				return fmt.Errorf("%s: %s move requires a destination", CodeUnbalanced, m.Kind)
			}
		default:
			return fmt.Errorf("ledger: unknown move kind %q", m.Kind)
		}
	}
	return nil
}

func applyMove(wallets map[WalletKey]*Wallet, m Move) error {
	src, ok := wallets[m.Wallet]
	if !ok {
		return fmt.Errorf("ledger: wallet %s not in transition set", m.Wallet)
	}
	var dst *Wallet
	if m.ToWallet != nil {
		dst, ok = wallets[*m.ToWallet]
		if !ok {
			return fmt.Errorf("ledger: wallet %s not in transition set", *m.ToWallet)
		}
	}
	switch m.Kind {
	case MoveCredit:
		src.AvailableCents += m.AmountCents
	case MoveLock:
		if src.AvailableCents < m.AmountCents {
			return fmt.Errorf("available %d < lock %d: %w", src.AvailableCents, m.AmountCents, ErrInsufficientFunds)
		}
		src.AvailableCents -= m.AmountCents
		src.EscrowLockedCents += m.AmountCents
	case MoveRelease:
		if src.EscrowLockedCents < m.AmountCents {
			return fmt.Errorf("escrowLocked %d < release %d: %w", src.EscrowLockedCents, m.AmountCents, ErrInsufficientFunds)
		}
		src.EscrowLockedCents -= m.AmountCents
		src.TotalDebitedCents += m.AmountCents
		dst.AvailableCents += m.AmountCents
	case MoveRefund:
		if src.AvailableCents < m.AmountCents {
			return fmt.Errorf("available %d < refund %d: %w", src.AvailableCents, m.AmountCents, ErrInsufficientFunds)
		}
		src.AvailableCents -= m.AmountCents
		dst.AvailableCents += m.AmountCents
	case MoveVoid:
		if src.EscrowLockedCents < m.AmountCents {
			return fmt.Errorf("escrowLocked %d < void %d: %w", src.EscrowLockedCents, m.AmountCents, ErrInsufficientFunds)
		}
		src.EscrowLockedCents -= m.AmountCents
		src.AvailableCents += m.AmountCents
	}
	return nil
}
