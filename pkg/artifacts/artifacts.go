// Package artifacts defines the canonicalized, hashed, optionally signed
// marketplace artifacts: tool manifests, quotes, offers, acceptances, tool
// call agreements, and tool call evidence. Artifacts reference one another
// by hash, never by mutable pointer; the hash is the binding.
package artifacts

import (
	"errors"
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/crypto"
)

// SchemaVersion is the artifact envelope version. Unknown versions are
// rejected at the boundary.
const SchemaVersion = 1

// ErrUnknownSchemaVersion rejects artifacts from a future or unknown schema.
var ErrUnknownSchemaVersion = errors.New("artifacts: unknown schemaVersion")

// Transport describes how a tool is reached.
type Transport struct {
	Kind     string `json:"kind"` // http, mcp, grpc
	Endpoint string `json:"endpoint"`
}

// ToolManifest is the immutable, signed descriptor of a tool. Its hash is
// pinned by every downstream artifact.
type ToolManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	ToolID        string            `json:"toolId"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Capabilities  []string          `json:"capabilities"`
	Transport     Transport         `json:"transport"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ManifestHash  string            `json:"manifestHash,omitempty"`
	SignerKeyID   string            `json:"signerKeyId,omitempty"`
	Signature     string            `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the manifest's signed projection
// (every field except the hash and signature themselves).
func (m *ToolManifest) ComputeHash() (string, error) {
	cp := *m
	cp.ManifestHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the hash and signs it with the provider's key.
func (m *ToolManifest) Seal(keyID, privatePEM string) error {
	m.SignerKeyID = keyID
	h, err := m.ComputeHash()
	if err != nil {
		return err
	}
	m.ManifestHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Quote is a provider's priced answer to a capability inquiry.
type Quote struct {
	SchemaVersion    int       `json:"schemaVersion"`
	QuoteID          string    `json:"quoteId"`
	ToolID           string    `json:"toolId"`
	ToolManifestHash string    `json:"toolManifestHash"`
	ProviderAgentID  string    `json:"providerAgentId"`
	AmountCents      int64     `json:"amountCents"`
	Currency         string    `json:"currency"`
	ValidUntil       time.Time `json:"validUntil"`
	QuoteHash        string    `json:"quoteHash,omitempty"`
	SignerKeyID      string    `json:"signerKeyId,omitempty"`
	Signature        string    `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the quote's signed projection.
func (q *Quote) ComputeHash() (string, error) {
	cp := *q
	cp.QuoteHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the hash and signs it.
func (q *Quote) Seal(keyID, privatePEM string) error {
	q.SignerKeyID = keyID
	h, err := q.ComputeHash()
	if err != nil {
		return err
	}
	q.QuoteHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	q.Signature = sig
	return nil
}

// Offer is a requester's commitment to a quote.
type Offer struct {
	SchemaVersion     int       `json:"schemaVersion"`
	OfferID           string    `json:"offerId"`
	QuoteID           string    `json:"quoteId"`
	QuoteHash         string    `json:"quoteHash"`
	RequesterAgentID  string    `json:"requesterAgentId"`
	AmountCents       int64     `json:"amountCents"`
	Currency          string    `json:"currency"`
	ExpiresAt         time.Time `json:"expiresAt"`
	OfferHash         string    `json:"offerHash,omitempty"`
	SignerKeyID       string    `json:"signerKeyId,omitempty"`
	Signature         string    `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the offer's signed projection.
func (o *Offer) ComputeHash() (string, error) {
	cp := *o
	cp.OfferHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the hash and signs it.
func (o *Offer) Seal(keyID, privatePEM string) error {
	o.SignerKeyID = keyID
	h, err := o.ComputeHash()
	if err != nil {
		return err
	}
	o.OfferHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	o.Signature = sig
	return nil
}

// Acceptance is the provider's counter-commitment that closes an offer.
type Acceptance struct {
	SchemaVersion   int       `json:"schemaVersion"`
	AcceptanceID    string    `json:"acceptanceId"`
	OfferID         string    `json:"offerId"`
	OfferHash       string    `json:"offerHash"`
	ProviderAgentID string    `json:"providerAgentId"`
	AcceptedAt      time.Time `json:"acceptedAt"`
	AcceptanceHash  string    `json:"acceptanceHash,omitempty"`
	SignerKeyID     string    `json:"signerKeyId,omitempty"`
	Signature       string    `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the acceptance's signed projection.
func (a *Acceptance) ComputeHash() (string, error) {
	cp := *a
	cp.AcceptanceHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the hash and signs it.
func (a *Acceptance) Seal(keyID, privatePEM string) error {
	a.SignerKeyID = keyID
	h, err := a.ComputeHash()
	if err != nil {
		return err
	}
	a.AcceptanceHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// AcceptanceCriteria are the evidence checks the settlement kernel evaluates.
type AcceptanceCriteria struct {
	MaxLatencyMs   int64 `json:"maxLatencyMs,omitempty"`
	RequireOutput  bool  `json:"requireOutput,omitempty"`
	MaxOutputBytes int64 `json:"maxOutputBytes,omitempty"`
}

// ToolCallAgreement binds payer, payee, grant, tool, price, and acceptance
// criteria for exactly one call. One agreement settles at most once.
type ToolCallAgreement struct {
	SchemaVersion      int                `json:"schemaVersion"`
	ArtifactID         string             `json:"artifactId"`
	ToolID             string             `json:"toolId"`
	ToolManifestHash   string             `json:"toolManifestHash"`
	AuthorityGrantID   string             `json:"authorityGrantId"`
	AuthorityGrantHash string             `json:"authorityGrantHash"`
	PayerAgentID       string             `json:"payerAgentId"`
	PayeeAgentID       string             `json:"payeeAgentId"`
	AmountCents        int64              `json:"amountCents"`
	Currency           string             `json:"currency"`
	CallID             string             `json:"callId"`
	InputHash          string             `json:"inputHash"`
	AcceptanceCriteria AcceptanceCriteria `json:"acceptanceCriteria"`
	PolicyProfile      string             `json:"policyProfile,omitempty"`
	AgreementHash      string             `json:"agreementHash,omitempty"`
	SignerKeyID        string             `json:"signerKeyId,omitempty"`
	Signature          string             `json:"signature,omitempty"` // payer
}

// ComputeHash returns the canonical hash of the agreement's signed projection.
func (a *ToolCallAgreement) ComputeHash() (string, error) {
	cp := *a
	cp.AgreementHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the hash and signs it with the payer's key.
func (a *ToolCallAgreement) Seal(keyID, privatePEM string) error {
	a.SignerKeyID = keyID
	h, err := a.ComputeHash()
	if err != nil {
		return err
	}
	a.AgreementHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// ToolCallEvidence is the provider's record of one executed call.
type ToolCallEvidence struct {
	SchemaVersion int            `json:"schemaVersion"`
	ArtifactID    string         `json:"artifactId"`
	AgreementID   string         `json:"agreementId"`
	AgreementHash string         `json:"agreementHash"`
	CallID        string         `json:"callId"`
	InputHash     string         `json:"inputHash"`
	Output        map[string]any `json:"output"`
	OutputHash    string         `json:"outputHash"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   time.Time      `json:"completedAt"`
	EvidenceHash  string         `json:"evidenceHash,omitempty"`
	SignerKeyID   string         `json:"signerKeyId,omitempty"`
	Signature     string         `json:"signature,omitempty"` // payee/provider
}

// ComputeHash returns the canonical hash of the evidence's signed projection.
func (e *ToolCallEvidence) ComputeHash() (string, error) {
	cp := *e
	cp.EvidenceHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// ComputeOutputHash hashes the canonical form of the output document.
func (e *ToolCallEvidence) ComputeOutputHash() (string, error) {
	return canonical.Hash(e.Output)
}

// Seal fills the output hash, computes the evidence hash, and signs it with
// the provider's key.
func (e *ToolCallEvidence) Seal(keyID, privatePEM string) error {
	oh, err := e.ComputeOutputHash()
	if err != nil {
		return err
	}
	e.OutputHash = oh
	e.SignerKeyID = keyID
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.EvidenceHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Validate runs structural checks common to all evidence.
func (e *ToolCallEvidence) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnknownSchemaVersion, e.SchemaVersion)
	}
	if e.CompletedAt.Before(e.StartedAt) {
		return errors.New("artifacts: completedAt precedes startedAt")
	}
	return nil
}

// LatencyMs is the elapsed execution time the kernel scores against
// maxLatencyMs.
func (e *ToolCallEvidence) LatencyMs() int64 {
	return e.CompletedAt.Sub(e.StartedAt).Milliseconds()
}
