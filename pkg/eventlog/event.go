// Package eventlog implements the per-stream, append-only, hash-chained
// event log. Every event links to its predecessor through prevChainHash;
// altering any historical event invalidates its chainHash and every
// successor's.
package eventlog

import (
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
)

// SchemaVersion is the event envelope version covered by the chain hash.
const SchemaVersion = 1

// GenesisHash is the literal prevChainHash of the first event in a stream.
const GenesisHash = "null"

// Signature is an optional detached signature over the event's payloadHash.
type Signature struct {
	KeyID           string `json:"keyId"`
	SignatureBase64 string `json:"signatureBase64"`
	// SignerStatusAtSigning records the lifecycle status observed when the
	// event was appended, for later two-clock verification.
	SignerStatusAtSigning string `json:"signerStatusAtSigning,omitempty"`
}

// Event is one finalized, hash-chained entry.
type Event struct {
	V             int            `json:"v"`
	ID            string         `json:"id"`
	StreamID      string         `json:"streamId"`
	Type          string         `json:"type"`
	At            time.Time      `json:"at"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payloadHash"`
	PrevChainHash string         `json:"prevChainHash"`
	ChainHash     string         `json:"chainHash"`
	Signature     *Signature     `json:"signature,omitempty"`
}

// headFreeProjection is the hashing projection of an event: everything the
// payload hash covers, and nothing the chain fields cover. Presentation and
// hashing projections are kept separate on purpose.
type headFreeProjection struct {
	V        int            `json:"v"`
	ID       string         `json:"id"`
	StreamID string         `json:"streamId"`
	Type     string         `json:"type"`
	At       time.Time      `json:"at"`
	Actor    string         `json:"actor"`
	Payload  map[string]any `json:"payload"`
}

// chainLink is the small auditable struct the chain hash covers.
type chainLink struct {
	V             int    `json:"v"`
	PrevChainHash string `json:"prevChainHash"`
	PayloadHash   string `json:"payloadHash"`
}

// ComputePayloadHash hashes the head-free projection of e.
func ComputePayloadHash(e *Event) (string, error) {
	return canonical.Hash(headFreeProjection{
		V:        e.V,
		ID:       e.ID,
		StreamID: e.StreamID,
		Type:     e.Type,
		At:       e.At,
		Actor:    e.Actor,
		Payload:  e.Payload,
	})
}

// ComputeChainHash hashes the chain link {v, prevChainHash, payloadHash}.
func ComputeChainHash(v int, prevChainHash, payloadHash string) (string, error) {
	return canonical.Hash(chainLink{V: v, PrevChainHash: prevChainHash, PayloadHash: payloadHash})
}

// VerifyChain recomputes every link of an ordered stream slice and reports
// the first index whose hashes do not reproduce, or -1 when intact.
func VerifyChain(events []*Event) (int, error) {
	prev := GenesisHash
	for i, e := range events {
		ph, err := ComputePayloadHash(e)
		if err != nil {
			return i, err
		}
		if ph != e.PayloadHash {
			return i, nil
		}
		if e.PrevChainHash != prev {
			return i, nil
		}
		ch, err := ComputeChainHash(e.V, e.PrevChainHash, e.PayloadHash)
		if err != nil {
			return i, err
		}
		if ch != e.ChainHash {
			return i, nil
		}
		prev = e.ChainHash
	}
	return -1, nil
}
