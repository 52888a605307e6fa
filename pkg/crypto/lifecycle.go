package crypto

import (
	"errors"
	"sync"
	"time"
)

// SignerStatus is the lifecycle state of a signing key.
type SignerStatus string

const (
	SignerActive  SignerStatus = "active"
	SignerRotated SignerStatus = "rotated"
	SignerRevoked SignerStatus = "revoked"
)

// Stable lifecycle codes surfaced through the API error envelope.
const (
	CodeSignerKeyRevoked   = "SIGNER_KEY_REVOKED"
	CodeSignerKeyNotActive = "SIGNER_KEY_NOT_ACTIVE"
	CodeSignerKeyUnknown   = "SIGNER_KEY_UNKNOWN"
)

// ErrSignerUnknown is returned when a key id has no lifecycle record.
var ErrSignerUnknown = errors.New("crypto: unknown signer key")

// SignerRecord tracks one key's lifecycle transitions.
type SignerRecord struct {
	KeyID     string       `json:"keyId"`
	PublicPEM string       `json:"publicKeyPem"`
	Status    SignerStatus `json:"status"`
	// StatusAt is when the key entered its current status.
	StatusAt time.Time `json:"statusAt"`
	// CreatedAt is when the key first became active.
	CreatedAt time.Time `json:"createdAt"`
}

// LifecycleResult is the outcome of a two-clock lifecycle check.
type LifecycleResult struct {
	OK bool `json:"ok"`
	// Warning is set when the key was valid at signing but has since been
	// rotated or revoked. Verification still passes.
	Warning bool   `json:"warning"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// LifecycleChecker answers whether a signer key was usable at a given time.
type LifecycleChecker interface {
	// Check evaluates the key with two clocks: validAt is the claimed time
	// of signing, validNow is the verifier's clock. A key that was not
	// active at validAt fails closed; a key revoked or rotated between
	// validAt and validNow passes with a warning.
	Check(keyID string, validAt, validNow time.Time) LifecycleResult
	// Lookup returns the record for a key id.
	Lookup(keyID string) (*SignerRecord, error)
}

// Keyring is the in-memory lifecycle table. Updates are rare and serialized;
// reads dominate.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*SignerRecord
}

// NewKeyring creates an empty lifecycle table.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*SignerRecord)}
}

// Register adds a key as active. Registering an existing key id is an error.
func (k *Keyring) Register(keyID, publicPEM string, at time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.keys[keyID]; exists {
		return errors.New("crypto: signer key already registered")
	}
	k.keys[keyID] = &SignerRecord{
		KeyID:     keyID,
		PublicPEM: publicPEM,
		Status:    SignerActive,
		StatusAt:  at,
		CreatedAt: at,
	}
	return nil
}

// Transition moves a key to a new status. Revoked is terminal.
func (k *Keyring) Transition(keyID string, to SignerStatus, at time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.keys[keyID]
	if !ok {
		return ErrSignerUnknown
	}
	if rec.Status == SignerRevoked {
		return errors.New("crypto: signer key is revoked; no further transitions")
	}
	rec.Status = to
	rec.StatusAt = at
	return nil
}

// Lookup returns the record for a key id.
func (k *Keyring) Lookup(keyID string) (*SignerRecord, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	rec, ok := k.keys[keyID]
	if !ok {
		return nil, ErrSignerUnknown
	}
	cp := *rec
	return &cp, nil
}

// Check implements LifecycleChecker.
func (k *Keyring) Check(keyID string, validAt, validNow time.Time) LifecycleResult {
	k.mu.RLock()
	rec, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return LifecycleResult{OK: false, Code: CodeSignerKeyUnknown, Detail: "no lifecycle record for key"}
	}
	if validAt.Before(rec.CreatedAt) {
		return LifecycleResult{OK: false, Code: CodeSignerKeyNotActive, Detail: "signature predates key activation"}
	}
	switch rec.Status {
	case SignerActive:
		return LifecycleResult{OK: true}
	case SignerRotated, SignerRevoked:
		// Valid at signing, superseded since: warning, never failure.
		if validAt.Before(rec.StatusAt) {
			code := CodeSignerKeyNotActive
			if rec.Status == SignerRevoked {
				code = CodeSignerKeyRevoked
			}
			return LifecycleResult{OK: true, Warning: true, Code: code,
				Detail: "signer left active status after signing"}
		}
		code := CodeSignerKeyNotActive
		if rec.Status == SignerRevoked {
			code = CodeSignerKeyRevoked
		}
		return LifecycleResult{OK: false, Code: code, Detail: "signer was not active at time of signing"}
	}
	return LifecycleResult{OK: false, Code: CodeSignerKeyNotActive, Detail: "unrecognized signer status"}
}
