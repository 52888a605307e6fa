// Package rail adapts external payment rails behind one idempotent
// reserve/release/void contract. Three operating modes exist: stub keeps
// everything in-process, sandbox and production talk HTTP to the rail.
// An unknown rail state is never treated as success; callers must
// reconcile via GetStatus before advancing a gate.
package rail

import (
	"context"
	"errors"
	"fmt"
)

// Mode selects the adapter implementation.
type Mode string

const (
	ModeStub       Mode = "stub"
	ModeSandbox    Mode = "sandbox"
	ModeProduction Mode = "production"
)

// Reserve and void outcomes.
const (
	StatusReserved = "reserved"
	StatusRejected = "rejected"
	StatusReleased = "released"
	StatusVoided   = "voided"
	StatusUnknown  = "unknown"
)

// How a void resolved.
const (
	VoidMethodCancel          = "cancel"
	VoidMethodCompensate      = "compensate"
	VoidMethodAlreadyTerminal = "already_terminal"
)

// ErrNeedsReconciliation marks a call whose outcome is unknown (timeout or
// transport failure mid-call). The gate must stay in its pre-call state
// until GetStatus resolves the reserve.
var ErrNeedsReconciliation = errors.New("rail: outcome unknown, reconciliation required")

// ErrReserveNotFound is returned for an unknown reserve id.
var ErrReserveNotFound = errors.New("rail: reserve not found")

// ReserveRequest places a hold for a gate's amount.
type ReserveRequest struct {
	TenantID       string `json:"tenantId"`
	GateID         string `json:"gateId"`
	AmountCents    int64  `json:"amountCents"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ReserveResult is the rail's answer to a reserve.
type ReserveResult struct {
	Status    string `json:"status"`
	ReserveID string `json:"reserveId,omitempty"`
}

// ReleaseRequest settles a hold to the payee.
type ReleaseRequest struct {
	ReserveID      string `json:"reserveId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ReleaseResult is the rail's answer to a release.
type ReleaseResult struct {
	Status string `json:"status"`
}

// VoidRequest cancels or compensates a hold.
type VoidRequest struct {
	ReserveID      string `json:"reserveId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// VoidResult reports how the void resolved.
type VoidResult struct {
	Status string `json:"status"`
	Method string `json:"method"`
}

// ReserveStatus is the reconciliation view of one reserve.
type ReserveStatus struct {
	ReserveID string `json:"reserveId"`
	State     string `json:"state"`
}

// Adapter is the rail contract. Every operation is idempotent on the
// provided key; duplicate reserves return the same reserveId.
type Adapter interface {
	Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error)
	Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error)
	Void(ctx context.Context, req VoidRequest) (*VoidResult, error)
	GetStatus(ctx context.Context, reserveID string) (*ReserveStatus, error)
}

// Config carries the settings the HTTP modes need.
type Config struct {
	Mode    Mode
	BaseURL string
	APIKey  string
}

// New builds the adapter for the configured mode.
func New(cfg Config) (Adapter, error) {
	switch cfg.Mode {
	case ModeStub, "":
		return NewStubAdapter(), nil
	case ModeSandbox, ModeProduction:
		if cfg.BaseURL == "" || cfg.APIKey == "" {
			return nil, fmt.Errorf("rail: mode %s requires baseURL and apiKey", cfg.Mode)
		}
		return NewHTTPAdapter(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("rail: unknown mode %q", cfg.Mode)
	}
}
