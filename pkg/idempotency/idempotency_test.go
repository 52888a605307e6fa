package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(body []byte) Key {
	return Key{
		TenantID:    "t-acme",
		Method:      "POST",
		Path:        "/x402/gate/create",
		ClientKey:   "idem-1",
		Fingerprint: Fingerprint(body),
	}
}

func TestFingerprint_CanonicalizesJSON(t *testing.T) {
	a := Fingerprint([]byte(`{"b":2,"a":1}`))
	b := Fingerprint([]byte(`{"a":1,"b":2}`))
	assert.Equal(t, a, b)

	c := Fingerprint([]byte(`{"a":1,"b":3}`))
	assert.NotEqual(t, a, c)

	// Non-JSON hashes raw.
	assert.NotEqual(t, Fingerprint([]byte("x")), Fingerprint([]byte("y")))
}

func TestExecute_ReplayReturnsStoredResponse(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()
	body := []byte(`{"amountCents":2500}`)

	calls := 0
	fn := func() (*Record, error) {
		calls++
		return &Record{StatusCode: 201, Body: []byte(`{"gateId":"g-1"}`)}, nil
	}

	rec1, replayed, err := Execute(ctx, store, testKey(body), fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, rec1.StatusCode)

	rec2, replayed, err := Execute(ctx, store, testKey(body), fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, rec1.Body, rec2.Body)
	assert.Equal(t, 1, calls)
}

func TestExecute_FingerprintMismatchConflicts(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	_, _, err := Execute(ctx, store, testKey([]byte(`{"amountCents":2500}`)), func() (*Record, error) {
		return &Record{StatusCode: 201, Body: []byte(`{}`)}, nil
	})
	require.NoError(t, err)

	_, _, err = Execute(ctx, store, testKey([]byte(`{"amountCents":9999}`)), func() (*Record, error) {
		t.Fatal("handler must not run on conflict")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, Fingerprint([]byte(`{"amountCents":2500}`)), conflict.PriorFingerprint)
}

func TestExecute_DifferentTenantsDoNotCollide(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()
	body := []byte(`{}`)

	k1 := testKey(body)
	k2 := testKey(body)
	k2.TenantID = "t-other"

	calls := 0
	fn := func() (*Record, error) {
		calls++
		return &Record{StatusCode: 201, Body: []byte(`{}`)}, nil
	}
	_, _, err := Execute(ctx, store, k1, fn)
	require.NoError(t, err)
	_, _, err = Execute(ctx, store, k2, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := testKey([]byte(`{}`))

	_, err := store.PutIfAbsent(ctx, key, &Record{StatusCode: 201, CreatedAt: now})
	require.NoError(t, err)

	rec, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, rec)

	now = now.Add(2 * time.Minute)
	rec, err = store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
