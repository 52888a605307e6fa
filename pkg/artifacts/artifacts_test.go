package artifacts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/crypto"
)

func sealedManifest(t *testing.T, kp *crypto.KeyPair) *ToolManifest {
	t.Helper()
	m := &ToolManifest{
		SchemaVersion: SchemaVersion,
		ToolID:        "tool-translate",
		Name:          "translate",
		Capabilities:  []string{"text.translate"},
		Transport:     Transport{Kind: "http", Endpoint: "https://tools.example/translate"},
	}
	require.NoError(t, m.Seal(kp.KeyID, kp.PrivatePEM))
	return m
}

func TestManifest_SealAndRecompute(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	m := sealedManifest(t, kp)

	h, err := m.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, m.ManifestHash, h)

	ok, err := crypto.Verify(m.ManifestHash, m.Signature, kp.PublicPEM)
	require.NoError(t, err)
	assert.True(t, ok)

	// Any mutation breaks the recomputation.
	m.Name = "translate-v2"
	h2, err := m.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, m.ManifestHash, h2)
}

func TestQuoteOfferAcceptance_HashChain(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	m := sealedManifest(t, kp)

	q := &Quote{
		SchemaVersion: SchemaVersion, QuoteID: "q-1", ToolID: m.ToolID,
		ToolManifestHash: m.ManifestHash, ProviderAgentID: "agent-provider",
		AmountCents: 2500, Currency: "USD",
		ValidUntil: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, q.Seal(kp.KeyID, kp.PrivatePEM))

	o := &Offer{
		SchemaVersion: SchemaVersion, OfferID: "o-1", QuoteID: q.QuoteID,
		QuoteHash: q.QuoteHash, RequesterAgentID: "agent-requester",
		AmountCents: q.AmountCents, Currency: q.Currency,
		ExpiresAt: q.ValidUntil,
	}
	require.NoError(t, o.Seal(kp.KeyID, kp.PrivatePEM))

	a := &Acceptance{
		SchemaVersion: SchemaVersion, AcceptanceID: "acc-1", OfferID: o.OfferID,
		OfferHash: o.OfferHash, ProviderAgentID: "agent-provider",
		AcceptedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, a.Seal(kp.KeyID, kp.PrivatePEM))

	// Each artifact pins its predecessor by hash.
	assert.Equal(t, m.ManifestHash, q.ToolManifestHash)
	assert.Equal(t, q.QuoteHash, o.QuoteHash)
	assert.Equal(t, o.OfferHash, a.OfferHash)

	for _, sealed := range []struct {
		hash, sig string
	}{
		{q.QuoteHash, q.Signature},
		{o.OfferHash, o.Signature},
		{a.AcceptanceHash, a.Signature},
	} {
		ok, err := crypto.Verify(sealed.hash, sealed.sig, kp.PublicPEM)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestEvidence_SealComputesOutputHash(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	e := &ToolCallEvidence{
		SchemaVersion: SchemaVersion,
		ArtifactID:    "ev-1",
		AgreementID:   "agr-1",
		AgreementHash: "deadbeef",
		CallID:        "call-1",
		InputHash:     "cafe",
		Output:        map[string]any{"text": "bonjour"},
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CompletedAt:   time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
	require.NoError(t, e.Seal(kp.KeyID, kp.PrivatePEM))

	oh, err := e.ComputeOutputHash()
	require.NoError(t, err)
	assert.Equal(t, e.OutputHash, oh)
	assert.Equal(t, int64(1000), e.LatencyMs())
	require.NoError(t, e.Validate())
}

func TestEvidence_ValidateRejectsBadTimes(t *testing.T) {
	e := &ToolCallEvidence{
		SchemaVersion: SchemaVersion,
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC),
		CompletedAt:   time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
	assert.Error(t, e.Validate())

	e2 := &ToolCallEvidence{SchemaVersion: 99}
	assert.ErrorIs(t, e2.Validate(), ErrUnknownSchemaVersion)
}
