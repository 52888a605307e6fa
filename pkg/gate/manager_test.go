package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/policy"
	"github.com/settld-labs/settld/pkg/rail"
	"github.com/settld-labs/settld/pkg/settlement"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	mgr     *Manager
	store   *MemoryStore
	ledger  *ledger.Manager
	rail    *rail.StubAdapter
	tokens  *TokenIssuer
	keyring *crypto.Keyring
	reg     *policy.Registry

	payer    *crypto.KeyPair
	provider *crypto.KeyPair
	ops      *crypto.KeyPair

	payerWallet ledger.WalletKey
	payeeWallet ledger.WalletKey
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	kr := crypto.NewKeyring()
	registered := testNow.Add(-30 * 24 * time.Hour)

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

	reg := policy.NewRegistry()
	require.NoError(t, reg.Register(&policy.Profile{
		Name:                       "capped",
		Version:                    1,
		MaxDailyAuthorizationCents: 300,
		EscalationRules: []policy.Rule{
			{Code: "X402_DAILY_CAP_EXCEEDED", Expr: "spentTodayCents + amountCents >= maxDailyAuthorizationCents"},
		},
	}))
	require.NoError(t, reg.Register(&policy.Profile{
		Name: "reserve", Version: 1, RequireExternalReserve: true,
	}))
	eng, err := policy.NewEngine()
	require.NoError(t, err)

	lm := ledger.NewManager(ledger.NewMemoryWalletStore())
	stub := rail.NewStubAdapter()
	tokens := NewTokenIssuer([]byte("test-secret")).WithClock(func() time.Time { return testNow })
	store := NewMemoryStore()
	kernel := settlement.NewKernel(kr, settler.KeyID, settler.PrivatePEM)

	if opts.Clock == nil {
		opts.Clock = func() time.Time { return testNow }
	}
	mgr := NewManager(store, lm, stub, reg, eng, kernel, tokens, kr, NewMemoryDailySpend(), opts)

	h := &harness{
		mgr: mgr, store: store, ledger: lm, rail: stub, tokens: tokens,
		keyring: kr, reg: reg,
		payer: payer, provider: provider, ops: ops,
		payerWallet: ledger.WalletKey{TenantID: "t-acme", AgentID: "agent-payer", Currency: "USD"},
		payeeWallet: ledger.WalletKey{TenantID: "t-acme", AgentID: "agent-payee", Currency: "USD"},
	}
	_, err = lm.ApplyTransition(context.Background(), ledger.Transition{
		ID:    "seed",
		Moves: []ledger.Move{{Kind: ledger.MoveCredit, Wallet: h.payerWallet, AmountCents: 10000}},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) createGate(t *testing.T, profile string, amount int64) *Gate {
	t.Helper()
	g, err := h.mgr.Create(context.Background(), CreateRequest{
		TenantID: "t-acme",
		Passport: Passport{
			SponsorRef:    "sponsor:acme",
			WalletRef:     "wallet:payer",
			AgentKeyID:    h.payer.KeyID,
			PolicyProfile: profile,
		},
		PayerAgentID: "agent-payer",
		PayeeAgentID: "agent-payee",
		AmountCents:  amount,
		Currency:     "USD",
	})
	require.NoError(t, err)
	return g
}

func (h *harness) decisionToken(t *testing.T, g *Gate) string {
	t.Helper()
	p, err := h.reg.Lookup(g.Passport.PolicyProfile)
	require.NoError(t, err)
	tok, err := h.tokens.IssueDecision(g.ID, PolicyVersion(p), g.AmountCents, g.Currency, time.Hour)
	require.NoError(t, err)
	return tok
}

// chainFor builds a fully bound artifact chain matching the gate.
func (h *harness) chainFor(t *testing.T, g *Gate, maxLatencyMs int64) settlement.Inputs {
	t.Helper()
	m := &artifacts.ToolManifest{
		SchemaVersion: artifacts.SchemaVersion,
		ToolID:        "tool-translate",
		Name:          "translate",
		Capabilities:  []string{"text.translate"},
		Transport:     artifacts.Transport{Kind: "http", Endpoint: "https://tools.example/translate"},
	}
	require.NoError(t, m.Seal(h.provider.KeyID, h.provider.PrivatePEM))

	gr := &grants.AuthorityGrant{
		SchemaVersion:  grants.SchemaVersion,
		GrantID:        "grant-1",
		PrincipalRef:   "principal:acme-ops",
		GranteeAgentID: g.PayerAgentID,
		Scope:          []string{"text.translate"},
		SpendEnvelope:  grants.SpendEnvelope{Currency: "USD", MaxPerCallCents: 5000, MaxTotalCents: 20000},
		Validity: grants.Validity{
			IssuedAt:  testNow.Add(-time.Hour),
			NotBefore: testNow.Add(-time.Hour),
			ExpiresAt: testNow.AddDate(0, 1, 0),
		},
		ChainBinding: grants.ChainBinding{MaxDepth: 2},
	}
	require.NoError(t, gr.Seal(h.payer.KeyID, h.payer.PrivatePEM))

	a := &artifacts.ToolCallAgreement{
		SchemaVersion:      artifacts.SchemaVersion,
		ArtifactID:         "agr-" + g.ID,
		ToolID:             m.ToolID,
		ToolManifestHash:   m.ManifestHash,
		AuthorityGrantID:   gr.GrantID,
		AuthorityGrantHash: gr.GrantHash,
		PayerAgentID:       g.PayerAgentID,
		PayeeAgentID:       g.PayeeAgentID,
		AmountCents:        g.AmountCents,
		Currency:           g.Currency,
		CallID:             "call-" + g.ID,
		InputHash:          "a3f5",
		AcceptanceCriteria: artifacts.AcceptanceCriteria{MaxLatencyMs: maxLatencyMs, RequireOutput: true},
		PolicyProfile:      g.Passport.PolicyProfile,
	}
	require.NoError(t, a.Seal(h.payer.KeyID, h.payer.PrivatePEM))

	e := &artifacts.ToolCallEvidence{
		SchemaVersion: artifacts.SchemaVersion,
		ArtifactID:    "ev-" + g.ID,
		AgreementID:   a.ArtifactID,
		AgreementHash: a.AgreementHash,
		CallID:        a.CallID,
		InputHash:     a.InputHash,
		Output:        map[string]any{"text": "bonjour"},
		StartedAt:     testNow.Add(-2 * time.Second),
		CompletedAt:   testNow.Add(-1 * time.Second),
	}
	require.NoError(t, e.Seal(h.provider.KeyID, h.provider.PrivatePEM))

	p, err := h.reg.Lookup(g.Passport.PolicyProfile)
	require.NoError(t, err)
	return settlement.Inputs{Manifest: m, Grant: gr, Agreement: a, Evidence: e, Profile: p, Now: testNow}
}

func (h *harness) verifyGreen(t *testing.T, g *Gate) {
	t.Helper()
	_, err := h.mgr.Verify(context.Background(), VerifyRequest{
		TenantID: "t-acme", GateID: g.ID, Status: VerificationGreen,
		Evidence: EvidenceRefs{RequestSHA256: "a3f5", ResponseSHA256: "b4c6"},
	})
	require.NoError(t, err)
}

func TestGate_HappyFlow(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)

	// Escrow locks on create.
	w, err := h.ledger.Balance(ctx, h.payerWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), w.AvailableCents)
	assert.Equal(t, int64(2500), w.EscrowLockedCents)

	g, err = h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, g.State)

	h.verifyGreen(t, g)

	receipt, applied, err := h.mgr.Settle(ctx, "t-acme", g.ID, h.chainFor(t, g, 5000))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, settlement.DecisionAccepted, receipt.Decision)
	assert.Equal(t, int64(2500), receipt.TransferCents)

	w, _ = h.ledger.Balance(ctx, h.payerWallet)
	assert.Equal(t, int64(7500), w.AvailableCents)
	assert.Equal(t, int64(0), w.EscrowLockedCents)
	pw, _ := h.ledger.Balance(ctx, h.payeeWallet)
	assert.Equal(t, int64(2500), pw.AvailableCents)

	g, _ = h.mgr.Get("t-acme", g.ID)
	assert.Equal(t, StateSettled, g.State)
	assert.Equal(t, receipt.ReceiptID, g.ReceiptID)
}

func TestGate_LatencyRejectReturnsEscrow(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)

	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	h.verifyGreen(t, g)

	receipt, _, err := h.mgr.Settle(ctx, "t-acme", g.ID, h.chainFor(t, g, 1))
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionRejected, receipt.Decision)
	assert.Equal(t, int64(0), receipt.TransferCents)

	w, _ := h.ledger.Balance(ctx, h.payerWallet)
	assert.Equal(t, int64(10000), w.AvailableCents)
	assert.Equal(t, int64(0), w.EscrowLockedCents)
	pw, _ := h.ledger.Balance(ctx, h.payeeWallet)
	assert.Equal(t, int64(0), pw.AvailableCents)
}

func TestGate_SettleReplayReturnsSameReceipt(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)

	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	h.verifyGreen(t, g)

	in := h.chainFor(t, g, 5000)
	r1, applied, err := h.mgr.Settle(ctx, "t-acme", g.ID, in)
	require.NoError(t, err)
	assert.True(t, applied)

	r2, applied, err := h.mgr.Settle(ctx, "t-acme", g.ID, in)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, r1.ReceiptID, r2.ReceiptID)

	// Balances unchanged by the replay.
	pw, _ := h.ledger.Balance(ctx, h.payeeWallet)
	assert.Equal(t, int64(2500), pw.AvailableCents)
}

func TestGate_EscalationApproveFlow(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "capped", 300)
	token := h.decisionToken(t, g)

	// amount 300 trips the >= 300 cap rule.
	_, err := h.mgr.Authorize(ctx, AuthorizeRequest{TenantID: "t-acme", GateID: g.ID, DecisionToken: token})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeEscalationRequired, te.Code)
	assert.Equal(t, "X402_DAILY_CAP_EXCEEDED", te.Detail)

	g, _ = h.mgr.Get("t-acme", g.ID)
	require.NotEmpty(t, g.EscalationID)

	override, err := h.mgr.ResolveEscalation(ctx, "t-acme", g.EscalationID, true, "approved by operator")
	require.NoError(t, err)
	require.NotEmpty(t, override)

	g2, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: token, OverrideToken: override,
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, g2.State)

	h.verifyGreen(t, g2)
	receipt, _, err := h.mgr.Settle(ctx, "t-acme", g.ID, h.chainFor(t, g2, 5000))
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionAccepted, receipt.Decision)

	// A further authorize without a fresh token fails closed.
	_, err = h.mgr.Authorize(ctx, AuthorizeRequest{TenantID: "t-acme", GateID: g.ID, DecisionToken: token})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeEscalationRequired, te.Code)

	// Replaying the burned override fails the same way.
	_, err = h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: token, OverrideToken: override,
	})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeEscalationRequired, te.Code)
}

func TestGate_EscalationDenyIsTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "capped", 300)
	token := h.decisionToken(t, g)

	_, err := h.mgr.Authorize(ctx, AuthorizeRequest{TenantID: "t-acme", GateID: g.ID, DecisionToken: token})
	require.Error(t, err)
	g, _ = h.mgr.Get("t-acme", g.ID)

	override, err := h.mgr.ResolveEscalation(ctx, "t-acme", g.EscalationID, false, "suspected fraud")
	require.NoError(t, err)
	assert.Empty(t, override)

	var te *TransitionError
	for i := 0; i < 2; i++ {
		_, err = h.mgr.Authorize(ctx, AuthorizeRequest{TenantID: "t-acme", GateID: g.ID, DecisionToken: token})
		require.ErrorAs(t, err, &te)
		assert.Equal(t, CodeEscalationDenied, te.Code)
	}
}

func TestGate_ExternalReserve(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "reserve", 2500)

	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, g.ReserveID)

	st, err := h.rail.GetStatus(ctx, g.ReserveID)
	require.NoError(t, err)
	assert.Equal(t, rail.StatusReserved, st.State)
}

func TestGate_ReserveRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.rail.DeclineNext(1)
	g := h.createGate(t, "reserve", 2500)

	_, err := h.mgr.Authorize(context.Background(), AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeReserveRejected, te.Code)
}

func TestGate_ReserveDropReconciles(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.rail.DropNext(1)
	g := h.createGate(t, "reserve", 2500)
	token := h.decisionToken(t, g)

	_, err := h.mgr.Authorize(ctx, AuthorizeRequest{TenantID: "t-acme", GateID: g.ID, DecisionToken: token})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeNeedsReconciliation, te.Code)

	g, _ = h.mgr.Get("t-acme", g.ID)
	assert.True(t, g.NeedsReconciliation)
	assert.Equal(t, StateCreated, g.State)

	g, err = h.mgr.Reconcile(ctx, "t-acme", g.ID)
	require.NoError(t, err)
	assert.False(t, g.NeedsReconciliation)
	assert.Equal(t, StateAuthorized, g.State)
	assert.NotEmpty(t, g.ReserveID)
}

func TestGate_VoidFromAuthorized(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "reserve", 2500)

	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	require.NotEmpty(t, g.ReserveID)

	g, err = h.mgr.Void(ctx, "t-acme", g.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVoided, g.State)

	// Escrow returns to the payer; the rail hold is voided.
	w, _ := h.ledger.Balance(ctx, h.payerWallet)
	assert.Equal(t, int64(10000), w.AvailableCents)
	assert.Equal(t, int64(0), w.EscrowLockedCents)
	st, err := h.rail.GetStatus(ctx, g.ReserveID)
	require.NoError(t, err)
	assert.Equal(t, rail.StatusVoided, st.State)

	// Voiding again is a no-op.
	g2, err := h.mgr.Void(ctx, "t-acme", g.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVoided, g2.State)
	w, _ = h.ledger.Balance(ctx, h.payerWallet)
	assert.Equal(t, int64(10000), w.AvailableCents)

	// Terminal gates do not pin a per-gate lock.
	h.mgr.mu.Lock()
	_, held := h.mgr.locks[g.ID]
	h.mgr.mu.Unlock()
	assert.False(t, held)
}

func TestGate_VoidRequiresAuthorized(t *testing.T) {
	h := newHarness(t, Options{})
	g := h.createGate(t, "default", 2500)

	_, err := h.mgr.Void(context.Background(), "t-acme", g.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeInvalidTransition, te.Code)
}

func refundCommand(t *testing.T, h *harness, gateID string, kind ReversalKind) *RefundCommand {
	t.Helper()
	cmd := &RefundCommand{
		SchemaVersion: 1,
		GateID:        gateID,
		Kind:          kind,
		Reason:        "output unusable",
		RequestedBy:   "agent-payer",
		RequestSHA256: "9c1d",
		IssuedAt:      testNow,
	}
	require.NoError(t, cmd.Seal(h.ops.KeyID, h.ops.PrivatePEM))
	return cmd
}

func TestGate_RefundReversalChain(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)

	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	h.verifyGreen(t, g)
	_, _, err = h.mgr.Settle(ctx, "t-acme", g.ID, h.chainFor(t, g, 5000))
	require.NoError(t, err)

	ev1, err := h.mgr.RequestRefund(ctx, "t-acme", refundCommand(t, h, g.ID, ReversalRefundRequested))
	require.NoError(t, err)
	assert.Equal(t, ReversalGenesisHash, ev1.PrevEventHash)

	ev2, err := h.mgr.ResolveRefund(ctx, "t-acme", refundCommand(t, h, g.ID, ReversalRefundResolved))
	require.NoError(t, err)
	assert.Equal(t, ev1.EventHash, ev2.PrevEventHash)

	chain, err := h.mgr.Reversals("t-acme", g.ID)
	require.NoError(t, err)
	bad, err := VerifyReversalChain(chain)
	require.NoError(t, err)
	assert.Equal(t, -1, bad)

	// Money came back.
	w, _ := h.ledger.Balance(ctx, h.payerWallet)
	assert.Equal(t, int64(10000), w.AvailableCents)
	pw, _ := h.ledger.Balance(ctx, h.payeeWallet)
	assert.Equal(t, int64(0), pw.AvailableCents)

	g, _ = h.mgr.Get("t-acme", g.ID)
	assert.Equal(t, StateRefunded, g.State)
}

func TestGate_RefundWindowExpires(t *testing.T) {
	now := testNow
	h := newHarness(t, Options{Clock: func() time.Time { return now }})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)

	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	h.verifyGreen(t, g)
	_, _, err = h.mgr.Settle(ctx, "t-acme", g.ID, h.chainFor(t, g, 5000))
	require.NoError(t, err)

	now = testNow.Add(8 * 24 * time.Hour)
	_, err = h.mgr.RequestRefund(ctx, "t-acme", refundCommand(t, h, g.ID, ReversalRefundRequested))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeDisputeWindow, te.Code)
}

func TestGate_SettleRejectsAmountOverGrantEnvelope(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	// The grant in the chain caps a single call at 5000 cents.
	g := h.createGate(t, "default", 9000)
	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	h.verifyGreen(t, g)

	_, _, err = h.mgr.Settle(ctx, "t-acme", g.ID, h.chainFor(t, g, 5000))
	var be *settlement.BindingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "grant.spendEnvelope", be.Binding)

	// Nothing moved; the escrow lock is still in place.
	w, _ := h.ledger.Balance(ctx, h.payerWallet)
	assert.Equal(t, int64(9000), w.EscrowLockedCents)
	pw, _ := h.ledger.Balance(ctx, h.payeeWallet)
	assert.Equal(t, int64(0), pw.AvailableCents)
}

func TestGate_SettleRejectsExpiredGrant(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)
	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	h.verifyGreen(t, g)

	in := h.chainFor(t, g, 5000)
	gr := in.Grant
	gr.Validity.ExpiresAt = testNow.Add(-time.Minute)
	require.NoError(t, gr.Seal(h.payer.KeyID, h.payer.PrivatePEM))
	a := in.Agreement
	a.AuthorityGrantHash = gr.GrantHash
	require.NoError(t, a.Seal(h.payer.KeyID, h.payer.PrivatePEM))
	e := in.Evidence
	e.AgreementHash = a.AgreementHash
	require.NoError(t, e.Seal(h.provider.KeyID, h.provider.PrivatePEM))

	_, _, err = h.mgr.Settle(ctx, "t-acme", g.ID, in)
	var be *settlement.BindingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "grant.validity", be.Binding)
}

func TestGate_SettleWithoutAgreement(t *testing.T) {
	h := newHarness(t, Options{})
	g := h.createGate(t, "default", 2500)

	in := h.chainFor(t, g, 5000)
	in.Agreement = nil
	_, _, err := h.mgr.Settle(context.Background(), "t-acme", g.ID, in)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeInvalidTransition, te.Code)
}

func TestGate_SettlePolicyProfileMismatch(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)
	g, err := h.mgr.Authorize(ctx, AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: h.decisionToken(t, g),
	})
	require.NoError(t, err)
	h.verifyGreen(t, g)

	in := h.chainFor(t, g, 5000)
	in.Agreement.PolicyProfile = "reserve"
	_, _, err = h.mgr.Settle(ctx, "t-acme", g.ID, in)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeInvalidTransition, te.Code)
	assert.Contains(t, te.Detail, "policy profile")
}

func TestMemoryOverrideBurns_SingleUse(t *testing.T) {
	b := NewMemoryOverrideBurns()

	first, err := b.Burn("jti-1", testNow)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := b.Burn("jti-1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, again)

	// Entries past the retention window are pruned.
	late, err := b.Burn("jti-1", testNow.Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, late)
}

func TestMemoryStore_ReceiptsScopedToTenant(t *testing.T) {
	s := NewMemoryStore()
	d := &settlement.DecisionRecord{DecisionID: "dec-1"}
	require.NoError(t, s.PutReceipt("t-a", "hash-a",
		d, &settlement.SettlementReceipt{ReceiptID: "r-a", AgreementHash: "hash-a"}))
	require.NoError(t, s.PutReceipt("t-b", "hash-b",
		d, &settlement.SettlementReceipt{ReceiptID: "r-b", AgreementHash: "hash-b"}))

	out, err := s.Receipts("t-a", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r-a", out[0].ReceiptID)

	// One tenant's agreement hash resolves nothing for another tenant.
	_, _, err = s.GetReceipt("t-b", "hash-a")
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	// The archive view crosses tenants.
	all, err := s.Receipts("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGate_TokenBindingRejected(t *testing.T) {
	h := newHarness(t, Options{})
	g := h.createGate(t, "default", 2500)

	// Token minted for a different amount.
	p, err := h.reg.Lookup("default")
	require.NoError(t, err)
	tok, err := h.tokens.IssueDecision(g.ID, PolicyVersion(p), 9999, "USD", time.Hour)
	require.NoError(t, err)

	_, err = h.mgr.Authorize(context.Background(), AuthorizeRequest{
		TenantID: "t-acme", GateID: g.ID, DecisionToken: tok,
	})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeTokenInvalid, te.Code)
}

func TestGate_InvalidTransitions(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	g := h.createGate(t, "default", 2500)

	// Verify before authorize.
	_, err := h.mgr.Verify(ctx, VerifyRequest{
		TenantID: "t-acme", GateID: g.ID, Status: VerificationGreen,
		Evidence: EvidenceRefs{RequestSHA256: "a", ResponseSHA256: "b"},
	})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeInvalidTransition, te.Code)

	// Settle before verify.
	_, _, err = h.mgr.Settle(ctx, "t-acme", g.ID, h.chainFor(t, g, 5000))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeInvalidTransition, te.Code)

	// Unknown gate.
	_, err = h.mgr.Get("t-acme", "gate-missing")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeGateNotFound, te.Code)
}
