package settlement

import (
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/policy"
)

// CodeBindingInvalid is returned for any hash or signature binding failure.
// A broken chain never produces a partial settle; it aborts the decision.
const CodeBindingInvalid = "SETTLEMENT_KERNEL_BINDING_INVALID"

// BindingError identifies which binding in the artifact chain failed.
type BindingError struct {
	Binding string
	Detail  string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("%s: %s: %s", CodeBindingInvalid, e.Binding, e.Detail)
}

func bindErr(binding, detail string) error {
	return &BindingError{Binding: binding, Detail: detail}
}

// Inputs is the full artifact chain for one settle, plus the policy profile
// selected by the agreement and the caller's clock value.
type Inputs struct {
	Manifest  *artifacts.ToolManifest
	Grant     *grants.AuthorityGrant
	Agreement *artifacts.ToolCallAgreement
	Evidence  *artifacts.ToolCallEvidence
	Profile   *policy.Profile
	Now       time.Time
}

// Kernel decides settlements. It holds the settlement signing key and a
// read-only view of the signer keyring; given equal inputs its outputs are
// byte-identical (Ed25519 signatures are deterministic).
type Kernel struct {
	keyring    crypto.LifecycleChecker
	keyID      string
	privatePEM string
}

// NewKernel builds a kernel that seals its outputs with the given key.
func NewKernel(keyring crypto.LifecycleChecker, keyID, privatePEM string) *Kernel {
	return &Kernel{keyring: keyring, keyID: keyID, privatePEM: privatePEM}
}

// Decide verifies the artifact chain, scores the evidence, and emits the
// sealed decision record and settlement receipt. Any binding failure returns
// a *BindingError and no outputs.
func (k *Kernel) Decide(in Inputs) (*DecisionRecord, *SettlementReceipt, error) {
	if err := k.verifyBindings(in); err != nil {
		return nil, nil, err
	}

	checks := evaluateCriteria(in.Agreement, in.Evidence)
	decision, pct := score(checks, in.Profile)

	amount := in.Agreement.AmountCents
	transfer := amount * int64(pct) / 100
	refund := amount - transfer

	fingerprint, err := in.Profile.Fingerprint()
	if err != nil {
		return nil, nil, err
	}
	decisionID, err := canonical.Hash(map[string]string{
		"agreementHash":     in.Agreement.AgreementHash,
		"evidenceHash":      in.Evidence.EvidenceHash,
		"policyFingerprint": fingerprint,
	})
	if err != nil {
		return nil, nil, err
	}

	rec := &DecisionRecord{
		SchemaVersion:     SchemaVersion,
		DecisionID:        "dec_" + decisionID[:32],
		AgreementID:       in.Agreement.ArtifactID,
		AgreementHash:     in.Agreement.AgreementHash,
		ManifestHash:      in.Manifest.ManifestHash,
		GrantHash:         in.Grant.GrantHash,
		EvidenceHash:      in.Evidence.EvidenceHash,
		PolicyProfile:     in.Profile.Name,
		PolicyFingerprint: fingerprint,
		Decision:          decision,
		ReleaseRatePct:    pct,
		TransferCents:     transfer,
		RefundCents:       refund,
		Currency:          in.Agreement.Currency,
		Checks:            checks,
		DecidedAt:         in.Now,
	}
	if err := rec.Seal(k.keyID, k.privatePEM); err != nil {
		return nil, nil, err
	}

	receiptID, err := ReceiptID(rec.DecisionHash, in.Agreement.AgreementHash)
	if err != nil {
		return nil, nil, err
	}
	receipt := &SettlementReceipt{
		SchemaVersion:  SchemaVersion,
		ReceiptID:      receiptID,
		DecisionHash:   rec.DecisionHash,
		AgreementHash:  in.Agreement.AgreementHash,
		PayerAgentID:   in.Agreement.PayerAgentID,
		PayeeAgentID:   in.Agreement.PayeeAgentID,
		AmountCents:    amount,
		TransferCents:  transfer,
		RefundCents:    refund,
		Currency:       in.Agreement.Currency,
		Decision:       decision,
		ReleaseRatePct: pct,
		IssuedAt:       in.Now,
	}
	if err := receipt.Seal(k.keyID, k.privatePEM); err != nil {
		return nil, nil, err
	}
	return rec, receipt, nil
}

// verifyBindings walks the artifact chain: every hash recomputes, every
// signature verifies against its registered signer, and every cross-artifact
// pin matches.
func (k *Kernel) verifyBindings(in Inputs) error {
	if in.Manifest == nil || in.Grant == nil || in.Agreement == nil || in.Evidence == nil || in.Profile == nil {
		return bindErr("inputs", "missing artifact")
	}
	if err := in.Evidence.Validate(); err != nil {
		return bindErr("evidence", err.Error())
	}

	if err := k.verifySealed("manifest", in.Manifest.ManifestHash, in.Manifest.Signature, in.Manifest.SignerKeyID,
		func() (string, error) { return in.Manifest.ComputeHash() }); err != nil {
		return err
	}
	if err := k.verifySealed("grant", in.Grant.GrantHash, in.Grant.Signature, in.Grant.SignerKeyID,
		func() (string, error) { return in.Grant.ComputeHash() }); err != nil {
		return err
	}
	if err := k.verifySealed("agreement", in.Agreement.AgreementHash, in.Agreement.Signature, in.Agreement.SignerKeyID,
		func() (string, error) { return in.Agreement.ComputeHash() }); err != nil {
		return err
	}
	if err := k.verifySealed("evidence", in.Evidence.EvidenceHash, in.Evidence.Signature, in.Evidence.SignerKeyID,
		func() (string, error) { return in.Evidence.ComputeHash() }); err != nil {
		return err
	}

	if in.Agreement.ToolManifestHash != in.Manifest.ManifestHash {
		return bindErr("agreement.toolManifestHash", "does not match manifest")
	}
	if in.Agreement.ToolID != in.Manifest.ToolID {
		return bindErr("agreement.toolId", "does not match manifest")
	}
	if in.Agreement.AuthorityGrantHash != in.Grant.GrantHash {
		return bindErr("agreement.authorityGrantHash", "does not match grant")
	}
	if in.Agreement.AuthorityGrantID != in.Grant.GrantID {
		return bindErr("agreement.authorityGrantId", "does not match grant")
	}
	if in.Evidence.AgreementHash != in.Agreement.AgreementHash {
		return bindErr("evidence.agreementHash", "does not match agreement")
	}
	if in.Evidence.AgreementID != in.Agreement.ArtifactID {
		return bindErr("evidence.agreementId", "does not match agreement")
	}
	if in.Evidence.CallID != in.Agreement.CallID {
		return bindErr("evidence.callId", "does not match agreement")
	}
	if in.Evidence.InputHash != in.Agreement.InputHash {
		return bindErr("evidence.inputHash", "does not match agreement")
	}
	outputHash, err := in.Evidence.ComputeOutputHash()
	if err != nil {
		return bindErr("evidence.output", err.Error())
	}
	if outputHash != in.Evidence.OutputHash {
		return bindErr("evidence.outputHash", "does not recompute from output")
	}
	return checkGrantAuthority(in)
}

// checkGrantAuthority enforces that the pinned grant actually authorizes the
// call at decision time: open validity window, grantee is the paying agent,
// scope covers every manifest capability, matching currency, and an amount
// inside the per-call envelope. Revocation is a boundary concern; the kernel
// sees only the sealed artifacts and the clock value it was handed.
func checkGrantAuthority(in Inputs) error {
	w := in.Grant.Validity
	if in.Now.Before(w.NotBefore) || !in.Now.Before(w.ExpiresAt) {
		return bindErr("grant.validity", "grant window does not cover the decision time")
	}
	if in.Grant.GranteeAgentID != in.Agreement.PayerAgentID {
		return bindErr("grant.granteeAgentId", "grantee is not the paying agent")
	}
	if len(in.Manifest.Capabilities) == 0 {
		return bindErr("grant.scope", "manifest declares no capabilities")
	}
	for _, c := range in.Manifest.Capabilities {
		if !grants.ScopeCovers(in.Grant.Scope, c) {
			return bindErr("grant.scope", fmt.Sprintf("scope does not cover %q", c))
		}
	}
	if in.Grant.SpendEnvelope.Currency != in.Agreement.Currency {
		return bindErr("grant.currency", "envelope currency does not match agreement")
	}
	if in.Agreement.AmountCents > in.Grant.SpendEnvelope.MaxPerCallCents {
		return bindErr("grant.spendEnvelope", "amount exceeds the per-call ceiling")
	}
	return nil
}

func (k *Kernel) verifySealed(binding, storedHash, signature, keyID string, compute func() (string, error)) error {
	h, err := compute()
	if err != nil {
		return bindErr(binding, err.Error())
	}
	if h != storedHash {
		return bindErr(binding+".hash", "does not recompute")
	}
	rec, err := k.keyring.Lookup(keyID)
	if err != nil {
		return bindErr(binding+".signerKeyId", "unknown signer key")
	}
	valid, err := crypto.Verify(storedHash, signature, rec.PublicPEM)
	if err != nil || !valid {
		return bindErr(binding+".signature", "does not verify")
	}
	return nil
}

// evaluateCriteria scores the evidence against the agreement's acceptance
// criteria. Unset criteria evaluate as passing.
func evaluateCriteria(a *artifacts.ToolCallAgreement, e *artifacts.ToolCallEvidence) []CheckResult {
	c := a.AcceptanceCriteria
	var checks []CheckResult

	if c.MaxLatencyMs > 0 {
		elapsed := e.LatencyMs()
		r := CheckResult{Name: CheckLatency, OK: elapsed <= c.MaxLatencyMs}
		if !r.OK {
			r.Detail = fmt.Sprintf("elapsed %dms exceeds max %dms", elapsed, c.MaxLatencyMs)
		}
		checks = append(checks, r)
	}
	if c.RequireOutput {
		r := CheckResult{Name: CheckOutput, OK: len(e.Output) > 0}
		if !r.OK {
			r.Detail = "output is empty"
		}
		checks = append(checks, r)
	}
	if c.MaxOutputBytes > 0 {
		r := CheckResult{Name: CheckOutputBytes}
		raw, err := canonical.Marshal(e.Output)
		if err == nil && int64(len(raw)) <= c.MaxOutputBytes {
			r.OK = true
		} else if err == nil {
			r.Detail = fmt.Sprintf("canonical output %d bytes exceeds max %d", len(raw), c.MaxOutputBytes)
		} else {
			r.Detail = err.Error()
		}
		checks = append(checks, r)
	}
	return checks
}

// score maps check outcomes through the policy band table. Rejection
// dominates partial, partial dominates acceptance.
func score(checks []CheckResult, p *policy.Profile) (Decision, int) {
	var failed []string
	for _, c := range checks {
		if !c.OK {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) == 0 {
		return DecisionAccepted, 100
	}
	pct, soft := p.PartialPct(failed)
	if !soft || pct == 0 {
		return DecisionRejected, 0
	}
	return DecisionPartial, pct
}
