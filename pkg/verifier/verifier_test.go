package verifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/policy"
	"github.com/settld-labs/settld/pkg/settlement"
)

var (
	issuedAt = time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	checkAt  = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
)

type bundleFixture struct {
	verifier *Verifier
	keyring  *crypto.Keyring
	bundle   *Bundle
	settler  *crypto.KeyPair
	payer    *crypto.KeyPair
	provider *crypto.KeyPair
	ops      *crypto.KeyPair
}

func newBundle(t *testing.T) *bundleFixture {
	t.Helper()
	kr := crypto.NewKeyring()
	registered := issuedAt.Add(-30 * 24 * time.Hour)

	settler, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	payer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	provider, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ops, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	for _, kp := range []*crypto.KeyPair{settler, payer, provider, ops} {
		require.NoError(t, kr.Register(kp.KeyID, kp.PublicPEM, registered))
	}

	m := &artifacts.ToolManifest{
		SchemaVersion: artifacts.SchemaVersion,
		ToolID:        "tool-translate",
		Name:          "translate",
		Capabilities:  []string{"text.translate"},
		Transport:     artifacts.Transport{Kind: "http", Endpoint: "https://tools.example/translate"},
	}
	require.NoError(t, m.Seal(provider.KeyID, provider.PrivatePEM))

	g := &grants.AuthorityGrant{
		SchemaVersion:  grants.SchemaVersion,
		GrantID:        "grant-1",
		PrincipalRef:   "principal:acme-ops",
		GranteeAgentID: "agent-payer",
		Scope:          []string{"text.translate"},
		SpendEnvelope:  grants.SpendEnvelope{Currency: "USD", MaxPerCallCents: 5000, MaxTotalCents: 20000},
		Validity: grants.Validity{
			IssuedAt: registered, NotBefore: registered, ExpiresAt: registered.AddDate(1, 0, 0),
		},
		ChainBinding: grants.ChainBinding{MaxDepth: 2},
	}
	require.NoError(t, g.Seal(payer.KeyID, payer.PrivatePEM))

	q := &artifacts.Quote{
		SchemaVersion: artifacts.SchemaVersion, QuoteID: "q-1", ToolID: m.ToolID,
		ToolManifestHash: m.ManifestHash, ProviderAgentID: "agent-payee",
		AmountCents: 2500, Currency: "USD", ValidUntil: issuedAt.AddDate(0, 1, 0),
	}
	require.NoError(t, q.Seal(provider.KeyID, provider.PrivatePEM))

	a := &artifacts.ToolCallAgreement{
		SchemaVersion:      artifacts.SchemaVersion,
		ArtifactID:         "agr-1",
		ToolID:             m.ToolID,
		ToolManifestHash:   m.ManifestHash,
		AuthorityGrantID:   g.GrantID,
		AuthorityGrantHash: g.GrantHash,
		PayerAgentID:       "agent-payer",
		PayeeAgentID:       "agent-payee",
		AmountCents:        2500,
		Currency:           "USD",
		CallID:             "call-1",
		InputHash:          "a3f5",
		AcceptanceCriteria: artifacts.AcceptanceCriteria{MaxLatencyMs: 5000, RequireOutput: true},
	}
	require.NoError(t, a.Seal(payer.KeyID, payer.PrivatePEM))

	e := &artifacts.ToolCallEvidence{
		SchemaVersion: artifacts.SchemaVersion,
		ArtifactID:    "ev-1",
		AgreementID:   a.ArtifactID,
		AgreementHash: a.AgreementHash,
		CallID:        a.CallID,
		InputHash:     a.InputHash,
		Output:        map[string]any{"text": "bonjour"},
		StartedAt:     issuedAt.Add(-5 * time.Second),
		CompletedAt:   issuedAt.Add(-4 * time.Second),
	}
	require.NoError(t, e.Seal(provider.KeyID, provider.PrivatePEM))

	kernel := settlement.NewKernel(kr, settler.KeyID, settler.PrivatePEM)
	rec, receipt, err := kernel.Decide(settlement.Inputs{
		Manifest: m, Grant: g, Agreement: a, Evidence: e,
		Profile: &policy.Profile{Name: "default", Version: 1},
		Now:     issuedAt,
	})
	require.NoError(t, err)

	providerSig, err := crypto.Sign(e.OutputHash, provider.PrivatePEM)
	require.NoError(t, err)
	bindings := &gate.EvidenceRefs{
		RequestSHA256:     a.InputHash,
		ResponseSHA256:    e.OutputHash,
		ProviderKeyID:     provider.KeyID,
		ProviderSignature: providerSig,
	}

	cmd1 := &gate.RefundCommand{
		SchemaVersion: 1, GateID: "gate-1", Kind: gate.ReversalRefundRequested,
		RequestedBy: "agent-payer", RequestSHA256: "9c1d", IssuedAt: issuedAt.Add(time.Hour),
	}
	require.NoError(t, cmd1.Seal(ops.KeyID, ops.PrivatePEM))
	cmd2 := &gate.RefundCommand{
		SchemaVersion: 1, GateID: "gate-1", Kind: gate.ReversalRefundResolved,
		RequestedBy: "ops", RequestSHA256: "9c1d", IssuedAt: issuedAt.Add(2 * time.Hour),
	}
	require.NoError(t, cmd2.Seal(ops.KeyID, ops.PrivatePEM))

	ev1 := reversalEvent(t, cmd1, gate.ReversalGenesisHash)
	ev2 := reversalEvent(t, cmd2, ev1.EventHash)

	return &bundleFixture{
		verifier: New(kr).WithClock(func() time.Time { return checkAt }),
		keyring:  kr,
		settler:  settler, payer: payer, provider: provider, ops: ops,
		bundle: &Bundle{
			Receipt:   receipt,
			Decision:  rec,
			Agreement: a,
			Evidence:  e,
			Manifest:  m,
			Grant:     g,
			Quote:     q,
			Bindings:  bindings,
			Reversals: []*gate.ReversalEvent{ev1, ev2},
		},
	}
}

func reversalEvent(t *testing.T, cmd *gate.RefundCommand, prev string) *gate.ReversalEvent {
	t.Helper()
	e := &gate.ReversalEvent{
		SchemaVersion:    cmd.SchemaVersion,
		GateID:           cmd.GateID,
		Kind:             cmd.Kind,
		CommandHash:      cmd.CommandHash,
		CommandSignature: cmd.Signature,
		SignerKeyID:      cmd.SignerKeyID,
		RequestSHA256:    cmd.RequestSHA256,
		At:               cmd.IssuedAt,
		PrevEventHash:    prev,
	}
	h, err := e.ComputeEventHash()
	require.NoError(t, err)
	e.EventHash = h
	return e
}

func checkByName(r *Report, name string) *Check {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

func TestVerify_CleanBundleIsIdentity(t *testing.T) {
	f := newBundle(t)
	r := f.verifier.Verify(f.bundle)

	assert.True(t, r.OK)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
	for _, c := range r.Checks {
		assert.True(t, c.OK, c.Name)
	}
	rc := checkByName(r, CheckReversalChain)
	require.NotNil(t, rc)
	assert.True(t, rc.OK)
}

func TestVerify_TamperedResponseBinding(t *testing.T) {
	f := newBundle(t)
	// Flip one byte of the stored response hash.
	b := []byte(f.bundle.Bindings.ResponseSHA256)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	f.bundle.Bindings.ResponseSHA256 = string(b)

	r := f.verifier.Verify(f.bundle)
	assert.False(t, r.OK)

	resp := checkByName(r, CheckResponseBinding)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	sig := checkByName(r, CheckProviderSignature)
	require.NotNil(t, sig)
	assert.False(t, sig.OK)
}

func TestVerify_SignerRevokedAfterSigningWarnsOnly(t *testing.T) {
	f := newBundle(t)
	require.NoError(t, f.keyring.Transition(f.settler.KeyID, crypto.SignerRevoked, issuedAt.Add(time.Hour)))

	r := f.verifier.Verify(f.bundle)
	assert.True(t, r.OK)
	require.NotEmpty(t, r.Warnings)
	assert.Contains(t, r.Warnings[0], crypto.CodeSignerKeyRevoked)
}

func TestVerify_SignerRevokedBeforeSigningIsHardError(t *testing.T) {
	f := newBundle(t)
	require.NoError(t, f.keyring.Transition(f.settler.KeyID, crypto.SignerRevoked, issuedAt.Add(-time.Hour)))

	r := f.verifier.Verify(f.bundle)
	assert.False(t, r.OK)
	lc := checkByName(r, CheckSignerLifecycle)
	require.NotNil(t, lc)
	assert.False(t, lc.OK)
	assert.Contains(t, lc.Detail, crypto.CodeSignerKeyRevoked)
}

func TestVerify_BrokenReversalChain(t *testing.T) {
	f := newBundle(t)
	f.bundle.Reversals[1].PrevEventHash = "deadbeef"

	r := f.verifier.Verify(f.bundle)
	assert.False(t, r.OK)
	rc := checkByName(r, CheckReversalChain)
	require.NotNil(t, rc)
	assert.False(t, rc.OK)
}

func TestVerify_TamperedReceiptAmount(t *testing.T) {
	f := newBundle(t)
	f.bundle.Receipt.TransferCents = 1

	r := f.verifier.Verify(f.bundle)
	assert.False(t, r.OK)
	assert.False(t, checkByName(r, CheckReceiptHash).OK)
	assert.False(t, checkByName(r, CheckDecisionBinding).OK)
	assert.False(t, checkByName(r, CheckAmountsConserve).OK)
}

func TestVerify_StrictRequiresQuote(t *testing.T) {
	f := newBundle(t)
	f.bundle.Quote = nil

	r := f.verifier.Verify(f.bundle)
	assert.True(t, r.OK)

	f.verifier.Strict = true
	r = f.verifier.Verify(f.bundle)
	assert.False(t, r.OK)
	q := checkByName(r, CheckQuoteSignature)
	require.NotNil(t, q)
	assert.False(t, q.OK)
}
