// Package grants implements signed, hash-bound authority and delegation
// grants with spend envelopes, validity windows, and chain-depth limits.
// Grants are hash-pinned into every consumer; the only mutation is
// revocation, which validators observe on their next call.
package grants

import (
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/crypto"
)

// SchemaVersion is the grant envelope version.
const SchemaVersion = 1

// Stable reason codes returned by Validate.
const (
	ReasonOK               = "OK"
	ReasonSignatureInvalid = "GRANT_SIGNATURE_INVALID"
	ReasonHashMismatch     = "GRANT_HASH_MISMATCH"
	ReasonNotYetValid      = "GRANT_NOT_YET_VALID"
	ReasonExpired          = "GRANT_EXPIRED"
	ReasonRevoked          = "GRANT_REVOKED"
	ReasonGranteeMismatch  = "GRANT_GRANTEE_MISMATCH"
	ReasonScopeMismatch    = "GRANT_SCOPE_MISMATCH"
	ReasonCurrencyMismatch = "GRANT_CURRENCY_MISMATCH"
	ReasonPerCallExceeded  = "GRANT_PER_CALL_EXCEEDED"
	ReasonTotalExceeded    = "GRANT_TOTAL_EXCEEDED"
	ReasonDepthExceeded    = "GRANT_DEPTH_EXCEEDED"
	ReasonSignerNotActive  = "GRANT_SIGNER_NOT_ACTIVE"
)

// SpendEnvelope caps what a grant may spend.
type SpendEnvelope struct {
	Currency        string `json:"currency"`
	MaxPerCallCents int64  `json:"maxPerCallCents"`
	MaxTotalCents   int64  `json:"maxTotalCents"`
}

// Validity is the grant's time window (iat/nbf/exp).
type Validity struct {
	IssuedAt  time.Time `json:"iat"`
	NotBefore time.Time `json:"nbf"`
	ExpiresAt time.Time `json:"exp"`
}

// ChainBinding limits delegation depth. A grant at depth d may only spawn
// delegations while d+1 < maxDepth.
type ChainBinding struct {
	Depth    int `json:"depth"`
	MaxDepth int `json:"maxDepth"`
}

// AuthorityGrant is a principal's signed authorization for an agent to spend.
type AuthorityGrant struct {
	SchemaVersion  int           `json:"schemaVersion"`
	GrantID        string        `json:"grantId"`
	PrincipalRef   string        `json:"principalRef"`
	GranteeAgentID string        `json:"granteeAgentId"`
	Scope          []string      `json:"scope"`
	SpendEnvelope  SpendEnvelope `json:"spendEnvelope"`
	Validity       Validity      `json:"validity"`
	ChainBinding   ChainBinding  `json:"chainBinding"`
	GrantHash      string        `json:"grantHash,omitempty"`
	SignerKeyID    string        `json:"signerKeyId,omitempty"`
	Signature      string        `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the grant's signed projection.
func (g *AuthorityGrant) ComputeHash() (string, error) {
	cp := *g
	cp.GrantHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the grant hash and signs it with the grantor's key.
func (g *AuthorityGrant) Seal(keyID, privatePEM string) error {
	g.SignerKeyID = keyID
	h, err := g.ComputeHash()
	if err != nil {
		return err
	}
	g.GrantHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	g.Signature = sig
	return nil
}

// DelegationGrant re-delegates part of an authority to another agent.
type DelegationGrant struct {
	SchemaVersion    int          `json:"schemaVersion"`
	GrantID          string       `json:"grantId"`
	DelegatorAgentID string       `json:"delegatorAgentId"`
	DelegateeAgentID string       `json:"delegateeAgentId"`
	Scope            []string     `json:"scope"`
	SpendLimitCents  int64        `json:"spendLimitCents"`
	Currency         string       `json:"currency"`
	ChainBinding     ChainBinding `json:"chainBinding"`
	ParentGrantID    string       `json:"parentGrantId"`
	ParentGrantHash  string       `json:"parentGrantHash"`
	Validity         Validity     `json:"validity"`
	GrantHash        string       `json:"grantHash,omitempty"`
	SignerKeyID      string       `json:"signerKeyId,omitempty"`
	Signature        string       `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the delegation's signed projection.
func (g *DelegationGrant) ComputeHash() (string, error) {
	cp := *g
	cp.GrantHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the grant hash and signs it with the delegator's key.
func (g *DelegationGrant) Seal(keyID, privatePEM string) error {
	g.SignerKeyID = keyID
	h, err := g.ComputeHash()
	if err != nil {
		return err
	}
	g.GrantHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	g.Signature = sig
	return nil
}

// ScopeCovers reports whether any granted scope entry covers the requested
// capability. "*" covers everything.
func ScopeCovers(scope []string, capability string) bool {
	for _, s := range scope {
		if s == "*" || s == capability {
			return true
		}
	}
	return false
}
