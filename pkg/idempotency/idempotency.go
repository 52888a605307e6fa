// Package idempotency implements the request-key → stored-response map that
// protects every mutating write path. A replayed request returns the stored
// response verbatim; a reused key with a different body fingerprint is a
// conflict.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
)

// CodeConflict is the stable error code for a key reuse with a different body.
const CodeConflict = "IDEMPOTENCY_KEY_CONFLICT"

// Key identifies one logical write. All five parts participate; two tenants
// never share a key space.
type Key struct {
	TenantID    string
	Method      string
	Path        string
	ClientKey   string
	Fingerprint string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.TenantID, k.Method, k.Path, k.ClientKey, k.Fingerprint)
}

// scopeKey identifies the key space in which fingerprints must agree.
func (k Key) scopeKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.TenantID, k.Method, k.Path, k.ClientKey)
}

// Record is a stored response.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConflictError reports a fingerprint mismatch with the prior fingerprint so
// the client can diagnose which body was accepted first.
type ConflictError struct {
	PriorFingerprint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: idempotency key already used with fingerprint %s", CodeConflict, e.PriorFingerprint)
}

// ErrConflict matches any ConflictError via errors.Is.
var ErrConflict = errors.New("idempotency: key conflict")

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Fingerprint hashes a request body. JSON bodies are canonicalized first so
// semantically equal requests fingerprint identically; anything else hashes
// raw.
func Fingerprint(body []byte) string {
	if len(body) == 0 {
		return canonical.HashBytes(nil)
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if b, err := canonical.Marshal(v); err == nil {
			return canonical.HashBytes(b)
		}
	}
	return canonical.HashBytes(body)
}

// Store is the persistence contract. Writes are linearizable per tenant.
type Store interface {
	// Lookup returns the record stored for the key's scope, if any.
	Lookup(ctx context.Context, key Key) (*Record, error)
	// PutIfAbsent stores rec unless the scope already holds a record, in
	// which case the existing record is returned untouched.
	PutIfAbsent(ctx context.Context, key Key, rec *Record) (*Record, error)
}

// Execute wraps a mutating operation. On first sight of the key it runs fn
// and stores the result; on replay with an equal fingerprint it returns the
// stored response and replayed=true; on a fingerprint mismatch it returns a
// ConflictError. Reads must not come through here; they never consume keys.
func Execute(ctx context.Context, store Store, key Key, fn func() (*Record, error)) (*Record, bool, error) {
	existing, err := store.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Fingerprint != key.Fingerprint {
			return nil, false, &ConflictError{PriorFingerprint: existing.Fingerprint}
		}
		return existing, true, nil
	}

	rec, err := fn()
	if err != nil {
		return nil, false, err
	}
	rec.Fingerprint = key.Fingerprint

	stored, err := store.PutIfAbsent(ctx, key, rec)
	if err != nil {
		return nil, false, err
	}
	if stored != nil {
		// Lost the race; honor the winner.
		if stored.Fingerprint != key.Fingerprint {
			return nil, false, &ConflictError{PriorFingerprint: stored.Fingerprint}
		}
		return stored, true, nil
	}
	return rec, false, nil
}
