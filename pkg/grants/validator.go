package grants

import (
	"sync"
	"time"

	"github.com/settld-labs/settld/pkg/crypto"
)

// Intent is the spend a caller wants to exercise against a grant.
type Intent struct {
	GranteeAgentID  string
	Capability      string
	Currency        string
	AmountCents     int64
	SpentTotalCents int64
}

// Result is the outcome of a grant validation. Reason carries a stable code
// when OK is false.
type Result struct {
	OK     bool
	Reason string
	Detail string
}

func ok() Result              { return Result{OK: true, Reason: ReasonOK} }
func fail(code string) Result { return Result{Reason: code} }

// ValidationError carries a failed Result as an error for boundaries that
// refuse an operation on grant grounds.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return e.Reason + ": " + e.Detail
	}
	return e.Reason
}

// Err returns the Result as a *ValidationError, or nil when the Result is OK.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationError{Reason: r.Reason, Detail: r.Detail}
}

// RevocationSet answers whether a grant has been revoked. Revocation takes
// effect on the next validation; there is no retroactive unwinding.
type RevocationSet interface {
	IsRevoked(grantID string) bool
}

// MemoryRevocations is an in-memory RevocationSet.
type MemoryRevocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time)}
}

func (r *MemoryRevocations) Revoke(grantID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.revoked[grantID]; !done {
		r.revoked[grantID] = at
	}
}

func (r *MemoryRevocations) IsRevoked(grantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, yes := r.revoked[grantID]
	return yes
}

// Validator checks grants against signatures, validity windows, revocations,
// and the caller's spend intent.
type Validator struct {
	keyring     crypto.LifecycleChecker
	revocations RevocationSet
}

func NewValidator(keyring crypto.LifecycleChecker, revocations RevocationSet) *Validator {
	return &Validator{keyring: keyring, revocations: revocations}
}

// ValidateAuthority runs the full check chain for an authority grant. Checks
// run in a fixed order and the first failure wins.
func (v *Validator) ValidateAuthority(g *AuthorityGrant, now time.Time, intent Intent) Result {
	if r := v.checkSeal(g.GrantHash, g.Signature, g.SignerKeyID, func() (string, error) { return g.ComputeHash() }, g.Validity.IssuedAt, now); !r.OK {
		return r
	}
	if v.revocations != nil && v.revocations.IsRevoked(g.GrantID) {
		return fail(ReasonRevoked)
	}
	if r := checkWindow(g.Validity, now); !r.OK {
		return r
	}
	if g.GranteeAgentID != intent.GranteeAgentID {
		return fail(ReasonGranteeMismatch)
	}
	if !ScopeCovers(g.Scope, intent.Capability) {
		return fail(ReasonScopeMismatch)
	}
	if g.SpendEnvelope.Currency != intent.Currency {
		return fail(ReasonCurrencyMismatch)
	}
	if intent.AmountCents > g.SpendEnvelope.MaxPerCallCents {
		return fail(ReasonPerCallExceeded)
	}
	if intent.SpentTotalCents+intent.AmountCents > g.SpendEnvelope.MaxTotalCents {
		return fail(ReasonTotalExceeded)
	}
	return ok()
}

// ValidateDelegation checks a delegation grant and its binding to the parent
// authority. The parent must itself admit the delegated scope and limit, and
// the chain depth must stay under the parent's maximum.
func (v *Validator) ValidateDelegation(d *DelegationGrant, parent *AuthorityGrant, now time.Time, intent Intent) Result {
	if r := v.checkSeal(d.GrantHash, d.Signature, d.SignerKeyID, func() (string, error) { return d.ComputeHash() }, d.Validity.IssuedAt, now); !r.OK {
		return r
	}
	if v.revocations != nil && (v.revocations.IsRevoked(d.GrantID) || v.revocations.IsRevoked(parent.GrantID)) {
		return fail(ReasonRevoked)
	}
	if d.ParentGrantID != parent.GrantID || d.ParentGrantHash != parent.GrantHash {
		return fail(ReasonHashMismatch)
	}
	// The delegator must be the parent's grantee, and the delegation may not
	// widen what the parent allows.
	if d.DelegatorAgentID != parent.GranteeAgentID {
		return fail(ReasonGranteeMismatch)
	}
	for _, s := range d.Scope {
		if !ScopeCovers(parent.Scope, s) && s != "*" {
			return fail(ReasonScopeMismatch)
		}
		if s == "*" && !ScopeCovers(parent.Scope, "*") {
			return fail(ReasonScopeMismatch)
		}
	}
	if d.Currency != parent.SpendEnvelope.Currency {
		return fail(ReasonCurrencyMismatch)
	}
	if d.SpendLimitCents > parent.SpendEnvelope.MaxTotalCents {
		return fail(ReasonTotalExceeded)
	}
	if d.ChainBinding.Depth != parent.ChainBinding.Depth+1 || d.ChainBinding.Depth >= parent.ChainBinding.MaxDepth {
		return fail(ReasonDepthExceeded)
	}
	if r := checkWindow(d.Validity, now); !r.OK {
		return r
	}
	if d.DelegateeAgentID != intent.GranteeAgentID {
		return fail(ReasonGranteeMismatch)
	}
	if !ScopeCovers(d.Scope, intent.Capability) {
		return fail(ReasonScopeMismatch)
	}
	if d.Currency != intent.Currency {
		return fail(ReasonCurrencyMismatch)
	}
	if intent.SpentTotalCents+intent.AmountCents > d.SpendLimitCents {
		return fail(ReasonTotalExceeded)
	}
	return ok()
}

// checkSeal recomputes the grant hash, verifies the signature against the
// registered signer key, and enforces the signer's lifecycle at issuance.
func (v *Validator) checkSeal(storedHash, signature, keyID string, compute func() (string, error), issuedAt, now time.Time) Result {
	h, err := compute()
	if err != nil {
		return Result{Reason: ReasonHashMismatch, Detail: err.Error()}
	}
	if h != storedHash {
		return fail(ReasonHashMismatch)
	}
	rec, err := v.keyring.Lookup(keyID)
	if err != nil {
		return Result{Reason: ReasonSignatureInvalid, Detail: crypto.CodeSignerKeyUnknown}
	}
	lc := v.keyring.Check(keyID, issuedAt, now)
	if !lc.OK {
		return Result{Reason: ReasonSignerNotActive, Detail: lc.Code}
	}
	valid, err := crypto.Verify(storedHash, signature, rec.PublicPEM)
	if err != nil || !valid {
		return fail(ReasonSignatureInvalid)
	}
	return ok()
}

func checkWindow(w Validity, now time.Time) Result {
	if now.Before(w.NotBefore) {
		return fail(ReasonNotYetValid)
	}
	if !now.Before(w.ExpiresAt) {
		return fail(ReasonExpired)
	}
	return ok()
}
