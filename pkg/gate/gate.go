// Package gate implements the x402 payment-gate state machine. A gate
// represents one paid interaction: escrow locks at creation, authorization
// may place an external rail reserve or trip a policy escalation, provider
// evidence attaches at verification, and settlement runs the kernel and
// applies the ledger transition. All transitions on one gate are serialized
// by a single-writer lock.
package gate

import (
	"time"
)

// State is the gate's lifecycle position.
type State string

const (
	StateCreated         State = "created"
	StateAuthorized      State = "authorized"
	StateVerified        State = "verified"
	StateSettled         State = "settled"
	StateVoided          State = "voided"
	StateRefundRequested State = "refund_requested"
	StateRefunded        State = "refunded"
)

// VerificationStatus is the provider-side traffic light attached at verify.
type VerificationStatus string

const (
	VerificationGreen VerificationStatus = "green"
	VerificationAmber VerificationStatus = "amber"
	VerificationRed   VerificationStatus = "red"
)

// Stable error codes for gate transitions.
const (
	CodeGateNotFound        = "X402_GATE_NOT_FOUND"
	CodeInvalidTransition   = "X402_INVALID_TRANSITION"
	CodeTokenInvalid        = "X402_TOKEN_INVALID"
	CodeReserveRejected     = "X402_RESERVE_REJECTED"
	CodeNeedsReconciliation = "X402_NEEDS_RECONCILIATION"
	CodeEscalationRequired  = "ESCALATION_REQUIRED"
	CodeEscalationDenied    = "ESCALATION_DENIED"
	CodeDisputeWindow       = "DISPUTE_WINDOW_EXPIRED"
)

// Passport is the reference bundle that authorizes an agent to open a gate.
type Passport struct {
	SponsorRef        string `json:"sponsorRef"`
	WalletRef         string `json:"walletRef"`
	AgentKeyID        string `json:"agentKeyId"`
	DelegationGrantID string `json:"delegationGrantId,omitempty"`
	PolicyProfile     string `json:"policyProfile"`
}

// EvidenceRefs are the provider-side bindings recorded at verify.
type EvidenceRefs struct {
	RequestSHA256     string `json:"requestSha256"`
	ResponseSHA256    string `json:"responseSha256"`
	ProviderKeyID     string `json:"providerKeyId,omitempty"`
	ProviderSignature string `json:"providerSignature,omitempty"`
}

// Gate is one x402 interaction.
type Gate struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	State    State    `json:"state"`
	Passport Passport `json:"passport"`

	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`

	ReserveID           string `json:"reserveId,omitempty"`
	NeedsReconciliation bool   `json:"needsReconciliation,omitempty"`

	VerificationStatus VerificationStatus `json:"verificationStatus,omitempty"`
	Evidence           *EvidenceRefs      `json:"evidence,omitempty"`

	AgreementHash string `json:"agreementHash,omitempty"`
	ReceiptID     string `json:"receiptId,omitempty"`
	TransferCents int64  `json:"transferCents,omitempty"`

	EscalationID     string `json:"escalationId,omitempty"`
	EscalationDenied bool   `json:"escalationDenied,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// EscalationStatus tracks an escalation's resolution.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationDenied   EscalationStatus = "denied"
)

// Escalation is a paused authorization awaiting an operator decision.
type Escalation struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenantId"`
	GateID     string           `json:"gateId"`
	ReasonCode string           `json:"reasonCode"`
	Status     EscalationStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
}

// TransitionError carries a stable code plus expected-vs-observed context so
// clients can resync.
type TransitionError struct {
	Code     string
	GateID   string
	Expected string
	Observed string
	Detail   string
}

func (e *TransitionError) Error() string {
	msg := e.Code
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Expected != "" || e.Observed != "" {
		msg += " (expected " + e.Expected + ", observed " + e.Observed + ")"
	}
	return msg
}

func transitionErr(code, gateID, detail string) *TransitionError {
	return &TransitionError{Code: code, GateID: gateID, Detail: detail}
}

func stateErr(gateID string, expected, observed State) *TransitionError {
	return &TransitionError{
		Code: CodeInvalidTransition, GateID: gateID,
		Expected: string(expected), Observed: string(observed),
	}
}
