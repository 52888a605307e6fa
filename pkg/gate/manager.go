package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/policy"
	"github.com/settld-labs/settld/pkg/rail"
	"github.com/settld-labs/settld/pkg/settlement"
)

const defaultDisputeWindow = 7 * 24 * time.Hour

// Store persists gates, escalations, reversal chains, and receipts. Every
// read and write is tenant-scoped; no tenant can observe another's rows.
type Store interface {
	Get(tenantID, gateID string) (*Gate, error)
	Put(g *Gate) error
	PutEscalation(e *Escalation) error
	GetEscalation(tenantID, id string) (*Escalation, error)
	AppendReversal(tenantID, gateID string, e *ReversalEvent) error
	Reversals(tenantID, gateID string) ([]*ReversalEvent, error)
	PutReceipt(tenantID, agreementHash string, d *settlement.DecisionRecord, r *settlement.SettlementReceipt) error
	GetReceipt(tenantID, agreementHash string) (*settlement.DecisionRecord, *settlement.SettlementReceipt, error)
}

// ErrReceiptNotFound is returned by stores for an unknown agreement hash.
var ErrReceiptNotFound = errors.New("gate: receipt not found")

// ErrGateNotFound is returned by stores for an unknown gate.
var ErrGateNotFound = errors.New("gate: not found")

// DailySpendTracker accumulates authorized cents per agent per UTC day, the
// input to daily-cap policy rules.
type DailySpendTracker interface {
	SpentToday(tenantID, agentID string, day time.Time) (int64, error)
	Record(tenantID, agentID string, day time.Time, cents int64) error
}

// OverrideBurns records used override-token ids. Burn returns true exactly
// once per id; implementations may discard entries older than the longest
// override token lifetime.
type OverrideBurns interface {
	Burn(jti string, now time.Time) (bool, error)
}

// Manager drives gates through their state machine. Transitions on one gate
// are serialized by a per-gate lock; different gates proceed in parallel.
type Manager struct {
	store    Store
	ledger   *ledger.Manager
	rail     rail.Adapter
	policies *policy.Registry
	engine   *policy.Engine
	kernel   *settlement.Kernel
	tokens   *TokenIssuer
	keyring  crypto.LifecycleChecker
	spend    DailySpendTracker
	logger   *slog.Logger

	requireExternalReserve bool
	disputeWindow          time.Duration
	clock                  func() time.Time
	burns                  OverrideBurns

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures optional manager behavior.
type Options struct {
	RequireExternalReserve bool
	DisputeWindow          time.Duration
	Clock                  func() time.Time
	Logger                 *slog.Logger
	// Burns is the single-use override-token burn set. Defaults to an
	// in-memory set; deployments with a relational store pass the persisted
	// one so burns survive restarts.
	Burns OverrideBurns
}

// NewManager wires the gate manager.
func NewManager(store Store, lm *ledger.Manager, ra rail.Adapter, reg *policy.Registry,
	eng *policy.Engine, kernel *settlement.Kernel, tokens *TokenIssuer,
	keyring crypto.LifecycleChecker, spend DailySpendTracker, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DisputeWindow == 0 {
		opts.DisputeWindow = defaultDisputeWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Burns == nil {
		opts.Burns = NewMemoryOverrideBurns()
	}
	return &Manager{
		store:                  store,
		ledger:                 lm,
		rail:                   ra,
		policies:               reg,
		engine:                 eng,
		kernel:                 kernel,
		tokens:                 tokens,
		keyring:                keyring,
		spend:                  spend,
		logger:                 opts.Logger,
		requireExternalReserve: opts.RequireExternalReserve,
		disputeWindow:          opts.DisputeWindow,
		clock:                  opts.Clock,
		burns:                  opts.Burns,
		locks:                  make(map[string]*sync.Mutex),
	}
}

// PolicyVersion is the token-binding string for a profile.
func PolicyVersion(p *policy.Profile) string {
	return p.Name + "/" + strconv.Itoa(p.Version)
}

func (m *Manager) gateLock(gateID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[gateID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[gateID] = l
	}
	return l
}

// releaseLock drops the per-gate mutex once the gate reaches a terminal
// state. A racing caller still holding the old mutex re-reads the gate and
// fails the state check; a later caller gets a fresh mutex and the same
// outcome.
func (m *Manager) releaseLock(gateID string) {
	m.mu.Lock()
	delete(m.locks, gateID)
	m.mu.Unlock()
}

// CreateRequest opens a gate.
type CreateRequest struct {
	TenantID      string   `json:"tenantId"`
	GateID        string   `json:"gateId,omitempty"`
	Passport      Passport `json:"passport"`
	PayerAgentID  string   `json:"payerAgentId"`
	PayeeAgentID  string   `json:"payeeAgentId"`
	AmountCents   int64    `json:"amountCents"`
	Currency      string   `json:"currency"`
	AgreementHash string   `json:"agreementHash,omitempty"`
}

// Create opens the gate and locks payer escrow for the full amount.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Gate, error) {
	if req.Passport.SponsorRef == "" || req.Passport.WalletRef == "" || req.Passport.AgentKeyID == "" {
		return nil, transitionErr(CodeInvalidTransition, req.GateID, "incomplete passport")
	}
	if _, err := m.policies.Lookup(req.Passport.PolicyProfile); err != nil {
		return nil, transitionErr(CodeInvalidTransition, req.GateID, err.Error())
	}
	if req.AmountCents <= 0 {
		return nil, transitionErr(CodeInvalidTransition, req.GateID, "amount must be positive")
	}
	id := req.GateID
	if id == "" {
		id = "gate_" + uuid.NewString()
	}

	payer := ledger.WalletKey{TenantID: req.TenantID, AgentID: req.PayerAgentID, Currency: req.Currency}
	if _, err := m.ledger.ApplyTransition(ctx, ledger.Transition{
		ID:    "gate/" + id + "/lock",
		Moves: []ledger.Move{{Kind: ledger.MoveLock, Wallet: payer, AmountCents: req.AmountCents}},
	}); err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	g := &Gate{
		ID:            id,
		TenantID:      req.TenantID,
		State:         StateCreated,
		Passport:      req.Passport,
		PayerAgentID:  req.PayerAgentID,
		PayeeAgentID:  req.PayeeAgentID,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		AgreementHash: req.AgreementHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Put(g); err != nil {
		return nil, err
	}
	m.logger.Info("gate created", "gateId", id, "tenantId", req.TenantID, "amountCents", req.AmountCents)
	return g, nil
}

// Get returns a committed gate snapshot.
func (m *Manager) Get(tenantID, gateID string) (*Gate, error) {
	return m.store.Get(tenantID, gateID)
}

// AuthorizeRequest carries the tokens for an authorize transition.
type AuthorizeRequest struct {
	TenantID      string `json:"tenantId"`
	GateID        string `json:"gateId"`
	DecisionToken string `json:"walletAuthorizationDecisionToken"`
	OverrideToken string `json:"escalationOverrideToken,omitempty"`
}

// Authorize validates the wallet decision token, evaluates the gate's policy
// profile, places an external reserve when the policy demands one, and moves
// the gate to authorized. A policy trip pauses the gate behind an
// escalation; an approved escalation's override token permits exactly one
// retry.
func (m *Manager) Authorize(ctx context.Context, req AuthorizeRequest) (*Gate, error) {
	l := m.gateLock(req.GateID)
	l.Lock()
	defer l.Unlock()

	g, err := m.store.Get(req.TenantID, req.GateID)
	if err != nil {
		return nil, err
	}
	profile, err := m.policies.Lookup(g.Passport.PolicyProfile)
	if err != nil {
		return nil, err
	}
	policyVersion := PolicyVersion(profile)

	if g.EscalationDenied {
		return nil, transitionErr(CodeEscalationDenied, g.ID, "escalation was denied")
	}

	overrideOK := false
	if req.OverrideToken != "" {
		jti, err := m.tokens.ValidateOverride(req.OverrideToken, g.ID, policyVersion, g.AmountCents)
		if err != nil {
			return nil, transitionErr(CodeTokenInvalid, g.ID, "override token: "+err.Error())
		}
		first, err := m.burns.Burn(jti, m.clock().UTC())
		if err != nil {
			return nil, err
		}
		if !first {
			return nil, transitionErr(CodeEscalationRequired, g.ID, "override token already used")
		}
		overrideOK = true
	}

	// A gate held behind an escalation only moves with a fresh override.
	if g.EscalationID != "" && !overrideOK {
		return nil, transitionErr(CodeEscalationRequired, g.ID, "escalation "+g.EscalationID+" holds this gate")
	}
	if g.State != StateCreated {
		return nil, stateErr(g.ID, StateCreated, g.State)
	}

	if err := m.tokens.ValidateDecision(req.DecisionToken, g.ID, policyVersion, g.AmountCents, g.Currency); err != nil {
		return nil, transitionErr(CodeTokenInvalid, g.ID, "decision token: "+err.Error())
	}

	now := m.clock().UTC()
	if !overrideOK {
		spent, err := m.spend.SpentToday(g.TenantID, g.PayerAgentID, now)
		if err != nil {
			return nil, err
		}
		trip, err := m.engine.Evaluate(profile, policy.AuthorizationInput{
			AmountCents:                g.AmountCents,
			Currency:                   g.Currency,
			SpentTodayCents:            spent,
			MaxDailyAuthorizationCents: profile.MaxDailyAuthorizationCents,
			AgentID:                    g.PayerAgentID,
			CounterpartyAgentID:        g.PayeeAgentID,
		})
		if trip != nil {
			esc := &Escalation{
				ID:         "esc_" + uuid.NewString(),
				TenantID:   g.TenantID,
				GateID:     g.ID,
				ReasonCode: trip.Code,
				Status:     EscalationPending,
				CreatedAt:  now,
			}
			if putErr := m.store.PutEscalation(esc); putErr != nil {
				return nil, putErr
			}
			g.EscalationID = esc.ID
			g.UpdatedAt = now
			if putErr := m.store.Put(g); putErr != nil {
				return nil, putErr
			}
			m.logger.Warn("authorization escalated", "gateId", g.ID, "reasonCode", trip.Code)
			return nil, &TransitionError{Code: CodeEscalationRequired, GateID: g.ID, Detail: trip.Code}
		}
		if err != nil {
			return nil, err
		}
	}

	if profile.RequireExternalReserve || m.requireExternalReserve {
		res, err := m.rail.Reserve(ctx, rail.ReserveRequest{
			TenantID:       g.TenantID,
			GateID:         g.ID,
			AmountCents:    g.AmountCents,
			Currency:       g.Currency,
			IdempotencyKey: g.ID,
		})
		if errors.Is(err, rail.ErrNeedsReconciliation) {
			g.NeedsReconciliation = true
			g.UpdatedAt = now
			_ = m.store.Put(g)
			return nil, transitionErr(CodeNeedsReconciliation, g.ID, "reserve outcome unknown")
		}
		if err != nil {
			return nil, err
		}
		if res.Status != rail.StatusReserved {
			return nil, transitionErr(CodeReserveRejected, g.ID, "rail rejected the reserve")
		}
		g.ReserveID = res.ReserveID
	}

	g.State = StateAuthorized
	g.NeedsReconciliation = false
	g.UpdatedAt = now
	if err := m.store.Put(g); err != nil {
		return nil, err
	}
	if err := m.spend.Record(g.TenantID, g.PayerAgentID, now, g.AmountCents); err != nil {
		m.logger.Error("daily spend record failed", "gateId", g.ID, "err", err)
	}
	m.logger.Info("gate authorized", "gateId", g.ID, "reserveId", g.ReserveID)
	return g, nil
}

// VerifyRequest attaches provider evidence.
type VerifyRequest struct {
	TenantID string             `json:"tenantId"`
	GateID   string             `json:"gateId"`
	Status   VerificationStatus `json:"verificationStatus"`
	Evidence EvidenceRefs       `json:"evidenceRefs"`
}

// Verify records the provider's verification outcome and evidence bindings.
func (m *Manager) Verify(ctx context.Context, req VerifyRequest) (*Gate, error) {
	l := m.gateLock(req.GateID)
	l.Lock()
	defer l.Unlock()

	g, err := m.store.Get(req.TenantID, req.GateID)
	if err != nil {
		return nil, err
	}
	if g.State != StateAuthorized {
		return nil, stateErr(g.ID, StateAuthorized, g.State)
	}
	switch req.Status {
	case VerificationGreen, VerificationAmber, VerificationRed:
	default:
		return nil, transitionErr(CodeInvalidTransition, g.ID, fmt.Sprintf("unknown verification status %q", req.Status))
	}
	if req.Evidence.RequestSHA256 == "" || req.Evidence.ResponseSHA256 == "" {
		return nil, transitionErr(CodeInvalidTransition, g.ID, "evidence refs require request and response hashes")
	}

	ev := req.Evidence
	g.State = StateVerified
	g.VerificationStatus = req.Status
	g.Evidence = &ev
	g.UpdatedAt = m.clock().UTC()
	if err := m.store.Put(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Settle runs the settlement kernel on the bound artifact chain and applies
// the ledger transition in one transaction keyed by the agreement hash.
// Replays return the stored receipt. The second return reports whether this
// call applied the settlement.
func (m *Manager) Settle(ctx context.Context, tenantID, gateID string, in settlement.Inputs) (*settlement.SettlementReceipt, bool, error) {
	if in.Agreement == nil {
		return nil, false, transitionErr(CodeInvalidTransition, gateID, "settle inputs carry no agreement")
	}
	l := m.gateLock(gateID)
	l.Lock()
	defer l.Unlock()

	g, err := m.store.Get(tenantID, gateID)
	if err != nil {
		return nil, false, err
	}
	if _, stored, err := m.store.GetReceipt(tenantID, in.Agreement.AgreementHash); err == nil {
		return stored, false, nil
	}
	if g.State != StateVerified {
		return nil, false, stateErr(g.ID, StateVerified, g.State)
	}
	if in.Agreement.AmountCents != g.AmountCents || in.Agreement.Currency != g.Currency {
		return nil, false, transitionErr(CodeInvalidTransition, g.ID, "agreement does not match gate amount")
	}
	if in.Agreement.PayerAgentID != g.PayerAgentID || in.Agreement.PayeeAgentID != g.PayeeAgentID {
		return nil, false, transitionErr(CodeInvalidTransition, g.ID, "agreement parties do not match gate")
	}
	// The gate passport picked the policy profile at create time; an
	// agreement naming a different profile is a mismatched chain, not a
	// profile switch.
	if in.Agreement.PolicyProfile != "" && in.Agreement.PolicyProfile != g.Passport.PolicyProfile {
		return nil, false, transitionErr(CodeInvalidTransition, g.ID, "agreement policy profile does not match gate passport")
	}

	rec, receipt, err := m.kernel.Decide(in)
	if err != nil {
		return nil, false, err
	}

	// Rail first: an unknown rail outcome leaves the gate in verified with
	// the reconciliation flag up and no ledger movement.
	if g.ReserveID != "" {
		var railErr error
		if rec.TransferCents > 0 {
			_, railErr = m.rail.Release(ctx, rail.ReleaseRequest{ReserveID: g.ReserveID, IdempotencyKey: g.ID + "/settle"})
		} else {
			_, railErr = m.rail.Void(ctx, rail.VoidRequest{ReserveID: g.ReserveID, IdempotencyKey: g.ID + "/settle"})
		}
		if errors.Is(railErr, rail.ErrNeedsReconciliation) {
			g.NeedsReconciliation = true
			g.UpdatedAt = m.clock().UTC()
			_ = m.store.Put(g)
			return nil, false, transitionErr(CodeNeedsReconciliation, g.ID, "rail outcome unknown")
		}
		if railErr != nil {
			return nil, false, railErr
		}
	}

	payer := ledger.WalletKey{TenantID: g.TenantID, AgentID: g.PayerAgentID, Currency: g.Currency}
	payee := ledger.WalletKey{TenantID: g.TenantID, AgentID: g.PayeeAgentID, Currency: g.Currency}
	var moves []ledger.Move
	if rec.TransferCents > 0 {
		moves = append(moves, ledger.Move{Kind: ledger.MoveRelease, Wallet: payer, AmountCents: rec.TransferCents, ToWallet: &payee})
	}
	if rec.RefundCents > 0 {
		moves = append(moves, ledger.Move{Kind: ledger.MoveVoid, Wallet: payer, AmountCents: rec.RefundCents})
	}
	applied, err := m.ledger.ApplyTransition(ctx, ledger.Transition{
		ID:    "settle/" + in.Agreement.AgreementHash,
		Moves: moves,
	})
	if err != nil {
		return nil, false, err
	}

	if err := m.store.PutReceipt(g.TenantID, in.Agreement.AgreementHash, rec, receipt); err != nil {
		return nil, false, err
	}
	now := m.clock().UTC()
	if rec.TransferCents == 0 && g.VerificationStatus == VerificationRed {
		g.State = StateVoided
	} else {
		g.State = StateSettled
		g.SettledAt = &now
	}
	g.AgreementHash = in.Agreement.AgreementHash
	g.ReceiptID = receipt.ReceiptID
	g.TransferCents = rec.TransferCents
	g.UpdatedAt = now
	if err := m.store.Put(g); err != nil {
		return nil, false, err
	}
	if g.State == StateVoided {
		m.releaseLock(g.ID)
	}
	m.logger.Info("gate settled", "gateId", g.ID, "decision", rec.Decision,
		"transferCents", rec.TransferCents, "receiptId", receipt.ReceiptID)
	return receipt, applied, nil
}

// Void cancels an authorized gate before verification: the external reserve
// is voided and the payer's escrow lock is released with no transfer.
// Voiding an already-voided gate is a no-op.
func (m *Manager) Void(ctx context.Context, tenantID, gateID string) (*Gate, error) {
	l := m.gateLock(gateID)
	l.Lock()
	defer l.Unlock()

	g, err := m.store.Get(tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if g.State == StateVoided {
		m.releaseLock(g.ID)
		return g, nil
	}
	if g.State != StateAuthorized {
		return nil, stateErr(g.ID, StateAuthorized, g.State)
	}

	if g.ReserveID != "" {
		_, railErr := m.rail.Void(ctx, rail.VoidRequest{ReserveID: g.ReserveID, IdempotencyKey: g.ID + "/void"})
		if errors.Is(railErr, rail.ErrNeedsReconciliation) {
			g.NeedsReconciliation = true
			g.UpdatedAt = m.clock().UTC()
			_ = m.store.Put(g)
			return nil, transitionErr(CodeNeedsReconciliation, g.ID, "rail outcome unknown")
		}
		if railErr != nil {
			return nil, railErr
		}
	}

	payer := ledger.WalletKey{TenantID: g.TenantID, AgentID: g.PayerAgentID, Currency: g.Currency}
	if _, err := m.ledger.ApplyTransition(ctx, ledger.Transition{
		ID:    "gate/" + g.ID + "/void",
		Moves: []ledger.Move{{Kind: ledger.MoveVoid, Wallet: payer, AmountCents: g.AmountCents}},
	}); err != nil {
		return nil, err
	}

	g.State = StateVoided
	g.UpdatedAt = m.clock().UTC()
	if err := m.store.Put(g); err != nil {
		return nil, err
	}
	m.releaseLock(g.ID)
	m.logger.Info("gate voided", "gateId", g.ID)
	return g, nil
}

// RequestRefund appends a refund_requested reversal event and moves a
// settled gate into refund_requested, provided the dispute window is open.
func (m *Manager) RequestRefund(ctx context.Context, tenantID string, cmd *RefundCommand) (*ReversalEvent, error) {
	l := m.gateLock(cmd.GateID)
	l.Lock()
	defer l.Unlock()

	g, err := m.store.Get(tenantID, cmd.GateID)
	if err != nil {
		return nil, err
	}
	if g.State != StateSettled {
		return nil, stateErr(g.ID, StateSettled, g.State)
	}
	now := m.clock().UTC()
	if g.SettledAt != nil && now.Sub(*g.SettledAt) > m.disputeWindow {
		return nil, transitionErr(CodeDisputeWindow, g.ID, "refund window closed")
	}
	if cmd.Kind != ReversalRefundRequested {
		return nil, transitionErr(CodeInvalidTransition, g.ID, "command kind must be refund_requested")
	}
	ev, err := m.appendReversal(g, cmd, now)
	if err != nil {
		return nil, err
	}
	g.State = StateRefundRequested
	g.UpdatedAt = now
	if err := m.store.Put(g); err != nil {
		return nil, err
	}
	return ev, nil
}

// ResolveRefund performs the ledger compensation and closes the reversal
// chain with a refund_resolved event.
func (m *Manager) ResolveRefund(ctx context.Context, tenantID string, cmd *RefundCommand) (*ReversalEvent, error) {
	l := m.gateLock(cmd.GateID)
	l.Lock()
	defer l.Unlock()

	g, err := m.store.Get(tenantID, cmd.GateID)
	if err != nil {
		return nil, err
	}
	if g.State != StateRefundRequested {
		return nil, stateErr(g.ID, StateRefundRequested, g.State)
	}
	if cmd.Kind != ReversalRefundResolved {
		return nil, transitionErr(CodeInvalidTransition, g.ID, "command kind must be refund_resolved")
	}
	now := m.clock().UTC()
	ev, err := m.appendReversal(g, cmd, now)
	if err != nil {
		return nil, err
	}

	if g.TransferCents > 0 {
		payer := ledger.WalletKey{TenantID: g.TenantID, AgentID: g.PayerAgentID, Currency: g.Currency}
		payee := ledger.WalletKey{TenantID: g.TenantID, AgentID: g.PayeeAgentID, Currency: g.Currency}
		if _, err := m.ledger.ApplyTransition(ctx, ledger.Transition{
			ID:    "gate/" + g.ID + "/refund",
			Moves: []ledger.Move{{Kind: ledger.MoveRefund, Wallet: payee, AmountCents: g.TransferCents, ToWallet: &payer}},
		}); err != nil {
			return nil, err
		}
	}

	g.State = StateRefunded
	g.UpdatedAt = now
	if err := m.store.Put(g); err != nil {
		return nil, err
	}
	m.releaseLock(g.ID)
	m.logger.Info("gate refunded", "gateId", g.ID, "refundedCents", g.TransferCents)
	return ev, nil
}

// appendReversal verifies the command seal and links it onto the chain.
func (m *Manager) appendReversal(g *Gate, cmd *RefundCommand, at time.Time) (*ReversalEvent, error) {
	h, err := cmd.ComputeHash()
	if err != nil {
		return nil, err
	}
	if h != cmd.CommandHash {
		return nil, transitionErr(CodeInvalidTransition, g.ID, "command hash does not recompute")
	}
	rec, err := m.keyring.Lookup(cmd.SignerKeyID)
	if err != nil {
		return nil, transitionErr(CodeInvalidTransition, g.ID, "unknown command signer")
	}
	valid, err := crypto.Verify(cmd.CommandHash, cmd.Signature, rec.PublicPEM)
	if err != nil || !valid {
		return nil, transitionErr(CodeInvalidTransition, g.ID, "command signature does not verify")
	}

	prior, err := m.store.Reversals(g.TenantID, g.ID)
	if err != nil {
		return nil, err
	}
	prev := ReversalGenesisHash
	if len(prior) > 0 {
		prev = prior[len(prior)-1].EventHash
	}
	ev, err := newReversalEvent(cmd, prev, at)
	if err != nil {
		return nil, err
	}
	if err := m.store.AppendReversal(g.TenantID, g.ID, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Reversals returns the gate's reversal chain.
func (m *Manager) Reversals(tenantID, gateID string) ([]*ReversalEvent, error) {
	return m.store.Reversals(tenantID, gateID)
}

// ResolveEscalation approves or denies a pending escalation. Approval
// returns a single-use override token bound to the gate; denial is terminal
// and every later authorize fails with the same code.
func (m *Manager) ResolveEscalation(ctx context.Context, tenantID, escalationID string, approve bool, reason string) (string, error) {
	esc, err := m.store.GetEscalation(tenantID, escalationID)
	if err != nil {
		return "", err
	}
	if esc.Status != EscalationPending {
		return "", transitionErr(CodeInvalidTransition, esc.GateID, "escalation already resolved")
	}
	g, err := m.store.Get(tenantID, esc.GateID)
	if err != nil {
		return "", err
	}
	profile, err := m.policies.Lookup(g.Passport.PolicyProfile)
	if err != nil {
		return "", err
	}

	now := m.clock().UTC()
	esc.ResolvedAt = &now
	esc.Reason = reason
	if !approve {
		esc.Status = EscalationDenied
		g.EscalationDenied = true
		g.UpdatedAt = now
		if err := m.store.PutEscalation(esc); err != nil {
			return "", err
		}
		if err := m.store.Put(g); err != nil {
			return "", err
		}
		m.logger.Warn("escalation denied", "gateId", g.ID, "escalationId", esc.ID)
		return "", nil
	}

	esc.Status = EscalationApproved
	if err := m.store.PutEscalation(esc); err != nil {
		return "", err
	}
	token, err := m.tokens.IssueOverride(uuid.NewString(), g.ID, PolicyVersion(profile), g.AmountCents, time.Hour)
	if err != nil {
		return "", err
	}
	m.logger.Info("escalation approved", "gateId", g.ID, "escalationId", esc.ID)
	return token, nil
}

// Reconcile resolves a gate flagged needs_reconciliation by reading the rail
// status for the reserve created under the gate's idempotency key.
func (m *Manager) Reconcile(ctx context.Context, tenantID, gateID string) (*Gate, error) {
	l := m.gateLock(gateID)
	l.Lock()
	defer l.Unlock()

	g, err := m.store.Get(tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if !g.NeedsReconciliation {
		return g, nil
	}

	// The reserve is idempotent on the gate id: replaying converges on the
	// committed hold or tells us none exists.
	res, err := m.rail.Reserve(ctx, rail.ReserveRequest{
		TenantID:       g.TenantID,
		GateID:         g.ID,
		AmountCents:    g.AmountCents,
		Currency:       g.Currency,
		IdempotencyKey: g.ID,
	})
	if err != nil {
		return nil, transitionErr(CodeNeedsReconciliation, g.ID, "rail still unresolved")
	}
	if res.Status != rail.StatusReserved {
		return nil, transitionErr(CodeReserveRejected, g.ID, "rail rejected the reserve")
	}
	g.ReserveID = res.ReserveID
	g.NeedsReconciliation = false
	if g.State == StateCreated {
		g.State = StateAuthorized
		if err := m.spend.Record(g.TenantID, g.PayerAgentID, m.clock().UTC(), g.AmountCents); err != nil {
			m.logger.Error("daily spend record failed", "gateId", g.ID, "err", err)
		}
	}
	g.UpdatedAt = m.clock().UTC()
	if err := m.store.Put(g); err != nil {
		return nil, err
	}
	return g, nil
}
