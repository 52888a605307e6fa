package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/crypto"
)

var regNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Registry, *crypto.Keyring) {
	t.Helper()
	kr := crypto.NewKeyring()
	return NewRegistry(kr).WithClock(func() time.Time { return regNow }), kr
}

func register(t *testing.T, r *Registry) (*Agent, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	a, err := r.Register(RegisterRequest{
		TenantID: "t-acme", Name: "buyer", PublicPEM: kp.PublicPEM,
	})
	require.NoError(t, err)
	return a, kp
}

func TestRegister_ActivatesIdentityKey(t *testing.T) {
	r, kr := newRegistry(t)
	a, kp := register(t, r)

	assert.Equal(t, AgentActive, a.Status)
	assert.Equal(t, kp.KeyID, a.KeyID)

	rec, err := kr.Lookup(a.KeyID)
	require.NoError(t, err)
	assert.Equal(t, crypto.SignerActive, rec.Status)

	got, err := r.Get("t-acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = r.Get("t-other", a.ID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegister_RejectsBadKeyAndDuplicates(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Register(RegisterRequest{TenantID: "t-acme", Name: "x", PublicPEM: "not a pem"})
	require.Error(t, err)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = r.Register(RegisterRequest{TenantID: "t-acme", AgentID: "agent-1", Name: "x", PublicPEM: kp.PublicPEM})
	require.NoError(t, err)
	kp2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = r.Register(RegisterRequest{TenantID: "t-acme", AgentID: "agent-1", Name: "x", PublicPEM: kp2.PublicPEM})
	assert.Error(t, err)
}

func TestSuspension(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := register(t, r)

	got, err := r.RequireActive("t-acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = r.SetStatus("t-acme", a.ID, AgentSuspended)
	require.NoError(t, err)
	_, err = r.RequireActive("t-acme", a.ID)
	assert.ErrorIs(t, err, ErrAgentSuspended)
}

func TestRotateKey_OldSignaturesStayVerifiable(t *testing.T) {
	r, kr := newRegistry(t)
	a, oldKP := register(t, r)

	newKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	a2, err := r.RotateKey("t-acme", a.ID, newKP.PublicPEM)
	require.NoError(t, err)
	assert.Equal(t, newKP.KeyID, a2.KeyID)

	// Two-clock rule: signed before rotation verifies with a warning.
	res := kr.Check(oldKP.KeyID, regNow.Add(-time.Minute), regNow.Add(time.Hour))
	assert.True(t, res.OK)
	assert.True(t, res.Warning)
}

func TestRevokeKey_SuspendsAgent(t *testing.T) {
	r, kr := newRegistry(t)
	a, kp := register(t, r)

	a2, err := r.RevokeKey("t-acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentSuspended, a2.Status)

	rec, err := kr.Lookup(kp.KeyID)
	require.NoError(t, err)
	assert.Equal(t, crypto.SignerRevoked, rec.Status)
}

func TestLocalThrottle(t *testing.T) {
	th := NewLocalThrottle()
	ctx := context.Background()
	policy := ThrottlePolicy{RPM: 60, Burst: 2}

	ok, err := th.Allow(ctx, "t-acme", "agent-1", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = th.Allow(ctx, "t-acme", "agent-1", policy, 1)
	assert.True(t, ok)
	ok, _ = th.Allow(ctx, "t-acme", "agent-1", policy, 1)
	assert.False(t, ok)

	// Separate agents have separate buckets.
	ok, _ = th.Allow(ctx, "t-acme", "agent-2", policy, 1)
	assert.True(t, ok)
}
