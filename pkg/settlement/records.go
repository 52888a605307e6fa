// Package settlement implements the pure settlement kernel: given the four
// bound artifacts and a clock value it verifies every hash and signature
// binding, scores the evidence against the agreement's acceptance criteria,
// and emits a DecisionRecord plus a SettlementReceipt. The kernel performs
// no I/O; the caller applies the resulting ledger transition in a single
// store transaction keyed by agreementHash.
package settlement

import (
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/crypto"
)

// SchemaVersion is the envelope version of kernel outputs.
const SchemaVersion = 1

// Decision is the kernel verdict.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionPartial  Decision = "partial"
)

// Acceptance check names. Partial bands in policy profiles refer to these.
const (
	CheckLatency     = "latency"
	CheckOutput      = "output"
	CheckOutputBytes = "output_bytes"
)

// CheckResult is one evaluated acceptance check.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// DecisionRecord is the kernel's verdict, hash-bound to every input hash and
// the policy fingerprint that selected the release band.
type DecisionRecord struct {
	SchemaVersion     int           `json:"schemaVersion"`
	DecisionID        string        `json:"decisionId"`
	AgreementID       string        `json:"agreementId"`
	AgreementHash     string        `json:"agreementHash"`
	ManifestHash      string        `json:"manifestHash"`
	GrantHash         string        `json:"grantHash"`
	EvidenceHash      string        `json:"evidenceHash"`
	PolicyProfile     string        `json:"policyProfile"`
	PolicyFingerprint string        `json:"policyFingerprint"`
	Decision          Decision      `json:"decision"`
	ReleaseRatePct    int           `json:"releaseRatePct"`
	TransferCents     int64         `json:"transferCents"`
	RefundCents       int64         `json:"refundCents"`
	Currency          string        `json:"currency"`
	Checks            []CheckResult `json:"checks"`
	DecidedAt         time.Time     `json:"decidedAt"`
	DecisionHash      string        `json:"decisionHash,omitempty"`
	SignerKeyID       string        `json:"signerKeyId,omitempty"`
	Signature         string        `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the record's signed projection.
func (d *DecisionRecord) ComputeHash() (string, error) {
	cp := *d
	cp.DecisionHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the decision hash and signs it.
func (d *DecisionRecord) Seal(keyID, privatePEM string) error {
	d.SignerKeyID = keyID
	h, err := d.ComputeHash()
	if err != nil {
		return err
	}
	d.DecisionHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// SettlementReceipt is the externally verifiable settlement artifact. Its
// ReceiptID is deterministic in (decisionHash, agreementHash) so replays of
// the same settle yield the same receipt identity.
type SettlementReceipt struct {
	SchemaVersion  int       `json:"schemaVersion"`
	ReceiptID      string    `json:"receiptId"`
	DecisionHash   string    `json:"decisionHash"`
	AgreementHash  string    `json:"agreementHash"`
	PayerAgentID   string    `json:"payerAgentId"`
	PayeeAgentID   string    `json:"payeeAgentId"`
	AmountCents    int64     `json:"amountCents"`
	TransferCents  int64     `json:"transferCents"`
	RefundCents    int64     `json:"refundCents"`
	Currency       string    `json:"currency"`
	Decision       Decision  `json:"decision"`
	ReleaseRatePct int       `json:"releaseRatePct"`
	IssuedAt       time.Time `json:"issuedAt"`
	ReceiptHash    string    `json:"receiptHash,omitempty"`
	SignerKeyID    string    `json:"signerKeyId,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// ReceiptID derives the deterministic receipt identity.
func ReceiptID(decisionHash, agreementHash string) (string, error) {
	return canonical.Hash(map[string]string{
		"agreementHash": agreementHash,
		"decisionHash":  decisionHash,
	})
}

// ComputeHash returns the canonical hash of the receipt's signed projection.
func (r *SettlementReceipt) ComputeHash() (string, error) {
	cp := *r
	cp.ReceiptHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the receipt hash and signs it.
func (r *SettlementReceipt) Seal(keyID, privatePEM string) error {
	r.SignerKeyID = keyID
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	r.ReceiptHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}
