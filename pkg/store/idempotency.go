package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/settld-labs/settld/pkg/idempotency"
)

// IdempotencyStore implements idempotency.Store over the idempotency_keys
// table. The scope key's primary-key constraint makes PutIfAbsent
// first-write-wins across instances.
type IdempotencyStore struct {
	s *Store
}

// Idempotency returns the idempotency sub-store.
func (s *Store) Idempotency() *IdempotencyStore { return &IdempotencyStore{s: s} }

func scopeKey(k idempotency.Key) string {
	return k.TenantID + "|" + k.Method + "|" + k.Path + "|" + k.ClientKey
}

// Lookup implements idempotency.Store.
func (i *IdempotencyStore) Lookup(ctx context.Context, key idempotency.Key) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := i.s.db.QueryRowContext(ctx,
		`SELECT fingerprint, status_code, body, created_at FROM idempotency_keys WHERE scope_key = $1`,
		scopeKey(key)).Scan(&rec.Fingerprint, &rec.StatusCode, &rec.Body, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutIfAbsent implements idempotency.Store.
func (i *IdempotencyStore) PutIfAbsent(ctx context.Context, key idempotency.Key, rec *idempotency.Record) (*idempotency.Record, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := i.s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope_key, fingerprint, status_code, body, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (scope_key) DO NOTHING`,
		scopeKey(key), rec.Fingerprint, rec.StatusCode, rec.Body, createdAt)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}
	// Lost the race; surface the winner.
	return i.Lookup(ctx, key)
}
