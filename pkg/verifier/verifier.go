// Package verifier independently re-verifies settlement receipts. Given a
// receipt and the public artifacts it references, it reproduces every hash
// binding, re-verifies every signature, and walks the reversal-event chain,
// emitting a typed list of checks, warnings, and errors. It shares no state
// with the kernel that produced the receipt.
package verifier

import (
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/settlement"
)

// Check names emitted in reports.
const (
	CheckReceiptHash        = "receipt_hash"
	CheckReceiptSignature   = "receipt_signature"
	CheckSignerLifecycle    = "signer_lifecycle"
	CheckReceiptID          = "receipt_id"
	CheckDecisionHash       = "decision_hash"
	CheckDecisionBinding    = "decision_binding"
	CheckAmountsConserve    = "amounts_conserve"
	CheckAgreementHash      = "agreement_hash"
	CheckAgreementSignature = "agreement_signature"
	CheckEvidenceHash       = "evidence_hash"
	CheckEvidenceSignature  = "evidence_signature"
	CheckOutputHashBinding  = "output_hash_binding"
	CheckRequestBinding     = "request_hash_binding"
	CheckResponseBinding    = "response_hash_binding_mismatch"
	CheckProviderSignature  = "provider_signature_response_hash_mismatch"
	CheckQuoteSignature     = "quote_signature"
	CheckReversalChain      = "reversal_event_chain"
)

// Check is one verification step's outcome.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the verifier's full output. OK is true only when no check
// failed; warnings never flip it.
type Report struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Bundle is a receipt plus every public artifact it references.
type Bundle struct {
	Receipt   *settlement.SettlementReceipt `json:"receipt"`
	Decision  *settlement.DecisionRecord    `json:"decision"`
	Agreement *artifacts.ToolCallAgreement  `json:"agreement"`
	Evidence  *artifacts.ToolCallEvidence   `json:"evidence"`
	Manifest  *artifacts.ToolManifest       `json:"manifest,omitempty"`
	Grant     *grants.AuthorityGrant        `json:"grant,omitempty"`
	Quote     *artifacts.Quote              `json:"quote,omitempty"`
	Bindings  *gate.EvidenceRefs            `json:"bindings,omitempty"`
	Reversals []*gate.ReversalEvent         `json:"reversals,omitempty"`
}

// Verifier re-checks receipts against a signer keyring.
type Verifier struct {
	keyring crypto.LifecycleChecker
	// Strict requires a signed quote to be present in the bundle.
	Strict bool
	clock  func() time.Time
}

// New builds a verifier over the given keyring.
func New(keyring crypto.LifecycleChecker) *Verifier {
	return &Verifier{keyring: keyring, clock: time.Now}
}

// WithClock overrides the verifier clock for deterministic tests.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify reproduces every binding in the bundle.
func (v *Verifier) Verify(b *Bundle) *Report {
	r := &Report{}
	if b.Receipt == nil || b.Decision == nil || b.Agreement == nil || b.Evidence == nil {
		r.fail(Check{Name: CheckReceiptHash, Detail: "bundle missing receipt, decision, agreement, or evidence"})
		return r.finish()
	}

	v.checkSealed(r, CheckReceiptHash, CheckReceiptSignature,
		b.Receipt.ReceiptHash, b.Receipt.Signature, b.Receipt.SignerKeyID,
		func() (string, error) { return b.Receipt.ComputeHash() })
	v.checkLifecycle(r, b.Receipt.SignerKeyID, b.Receipt.IssuedAt)

	// Deterministic receipt identity.
	wantID, err := settlement.ReceiptID(b.Receipt.DecisionHash, b.Receipt.AgreementHash)
	if err == nil && wantID == b.Receipt.ReceiptID {
		r.pass(CheckReceiptID)
	} else {
		r.fail(Check{Name: CheckReceiptID, Detail: "receiptId does not derive from decision and agreement hashes"})
	}

	v.checkSealed(r, CheckDecisionHash, "",
		b.Decision.DecisionHash, b.Decision.Signature, b.Decision.SignerKeyID,
		func() (string, error) { return b.Decision.ComputeHash() })

	if b.Decision.DecisionHash == b.Receipt.DecisionHash &&
		b.Decision.AgreementHash == b.Receipt.AgreementHash &&
		b.Decision.TransferCents == b.Receipt.TransferCents &&
		b.Decision.RefundCents == b.Receipt.RefundCents {
		r.pass(CheckDecisionBinding)
	} else {
		r.fail(Check{Name: CheckDecisionBinding, Detail: "receipt does not match its decision record"})
	}

	if b.Receipt.TransferCents >= 0 && b.Receipt.RefundCents >= 0 &&
		b.Receipt.TransferCents+b.Receipt.RefundCents == b.Receipt.AmountCents {
		r.pass(CheckAmountsConserve)
	} else {
		r.fail(Check{Name: CheckAmountsConserve, Detail: "transfer plus refund does not equal amount"})
	}

	v.checkSealed(r, CheckAgreementHash, CheckAgreementSignature,
		b.Agreement.AgreementHash, b.Agreement.Signature, b.Agreement.SignerKeyID,
		func() (string, error) { return b.Agreement.ComputeHash() })
	if b.Agreement.AgreementHash != b.Receipt.AgreementHash {
		r.fail(Check{Name: CheckAgreementHash, Detail: "agreement is not the one the receipt binds"})
	}

	v.checkSealed(r, CheckEvidenceHash, CheckEvidenceSignature,
		b.Evidence.EvidenceHash, b.Evidence.Signature, b.Evidence.SignerKeyID,
		func() (string, error) { return b.Evidence.ComputeHash() })

	if oh, err := b.Evidence.ComputeOutputHash(); err == nil && oh == b.Evidence.OutputHash {
		r.pass(CheckOutputHashBinding)
	} else {
		r.fail(Check{Name: CheckOutputHashBinding, Detail: "evidence outputHash does not recompute"})
	}

	v.checkRequestResponse(r, b)
	v.checkQuote(r, b)
	v.checkReversals(r, b)

	return r.finish()
}

// checkRequestResponse validates the request/response bindings recorded at
// verification time against the evidence, and the provider's signature over
// the response hash.
func (v *Verifier) checkRequestResponse(r *Report, b *Bundle) {
	if b.Bindings == nil {
		return
	}
	if b.Bindings.RequestSHA256 == b.Evidence.InputHash && b.Evidence.InputHash == b.Agreement.InputHash {
		r.pass(CheckRequestBinding)
	} else {
		r.fail(Check{Name: CheckRequestBinding, Detail: "request hash binding does not match evidence"})
	}
	if b.Bindings.ResponseSHA256 == b.Evidence.OutputHash {
		r.pass(CheckResponseBinding)
	} else {
		r.fail(Check{Name: CheckResponseBinding, Detail: "response hash binding does not match evidence output"})
	}
	if b.Bindings.ProviderSignature == "" || b.Bindings.ProviderKeyID == "" {
		r.fail(Check{Name: CheckProviderSignature, Detail: "provider output signature missing"})
		return
	}
	rec, err := v.keyring.Lookup(b.Bindings.ProviderKeyID)
	if err != nil {
		r.fail(Check{Name: CheckProviderSignature, Detail: "unknown provider key"})
		return
	}
	ok, err := crypto.Verify(b.Bindings.ResponseSHA256, b.Bindings.ProviderSignature, rec.PublicPEM)
	if err == nil && ok {
		r.pass(CheckProviderSignature)
	} else {
		r.fail(Check{Name: CheckProviderSignature, Detail: "provider signature does not verify over response hash"})
	}
}

// checkQuote verifies the provider quote signature when present; strict mode
// requires presence.
func (v *Verifier) checkQuote(r *Report, b *Bundle) {
	if b.Quote == nil {
		if v.Strict {
			r.fail(Check{Name: CheckQuoteSignature, Detail: "strict mode requires a signed quote"})
		}
		return
	}
	v.checkSealed(r, CheckQuoteSignature, "",
		b.Quote.QuoteHash, b.Quote.Signature, b.Quote.SignerKeyID,
		func() (string, error) { return b.Quote.ComputeHash() })
}

// checkReversals walks the reversal chain: hashes reproduce, links hold, and
// every command signature verifies.
func (v *Verifier) checkReversals(r *Report, b *Bundle) {
	if len(b.Reversals) == 0 {
		return
	}
	if bad, err := gate.VerifyReversalChain(b.Reversals); bad >= 0 {
		r.fail(Check{Name: CheckReversalChain, Detail: err.Error()})
		return
	}
	for i, ev := range b.Reversals {
		rec, err := v.keyring.Lookup(ev.SignerKeyID)
		if err != nil {
			r.fail(Check{Name: CheckReversalChain, Detail: fmt.Sprintf("event %d: unknown command signer", i)})
			return
		}
		ok, err := crypto.Verify(ev.CommandHash, ev.CommandSignature, rec.PublicPEM)
		if err != nil || !ok {
			r.fail(Check{Name: CheckReversalChain, Detail: fmt.Sprintf("event %d: command signature does not verify", i)})
			return
		}
		if ev.RequestSHA256 == "" {
			r.fail(Check{Name: CheckReversalChain, Detail: fmt.Sprintf("event %d: missing request hash evidence", i)})
			return
		}
	}
	r.pass(CheckReversalChain)
}

// checkSealed reproduces a hash and verifies its signature; sigName may be
// empty to fold both outcomes into hashName.
func (v *Verifier) checkSealed(r *Report, hashName, sigName, storedHash, signature, keyID string, compute func() (string, error)) {
	h, err := compute()
	if err != nil || h != storedHash {
		r.fail(Check{Name: hashName, Detail: "hash does not recompute from canonical projection"})
		return
	}
	r.pass(hashName)

	name := sigName
	if name == "" {
		name = hashName
	}
	rec, err := v.keyring.Lookup(keyID)
	if err != nil {
		r.fail(Check{Name: name, Detail: "unknown signer key"})
		return
	}
	ok, err := crypto.Verify(storedHash, signature, rec.PublicPEM)
	if err != nil || !ok {
		r.fail(Check{Name: name, Detail: "signature does not verify"})
		return
	}
	if sigName != "" {
		r.pass(sigName)
	}
}

// checkLifecycle applies the two-clock rule to the receipt signer: not
// active at signing is a hard error, superseded after signing is a warning.
func (v *Verifier) checkLifecycle(r *Report, keyID string, signedAt time.Time) {
	res := v.keyring.Check(keyID, signedAt, v.clock())
	switch {
	case res.OK && res.Warning:
		r.pass(CheckSignerLifecycle)
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: signer %s: %s", res.Code, keyID, res.Detail))
	case res.OK:
		r.pass(CheckSignerLifecycle)
	default:
		r.fail(Check{Name: CheckSignerLifecycle, Detail: res.Code + ": " + res.Detail})
	}
}

func (r *Report) pass(name string) {
	r.Checks = append(r.Checks, Check{Name: name, OK: true})
}

func (r *Report) fail(c Check) {
	c.OK = false
	r.Checks = append(r.Checks, c)
	r.Errors = append(r.Errors, c.Name+": "+c.Detail)
}

func (r *Report) finish() *Report {
	r.OK = len(r.Errors) == 0
	return r
}
