package gate

import (
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/crypto"
)

// ReversalKind classifies entries on a gate's reversal chain.
type ReversalKind string

const (
	ReversalRefundRequested ReversalKind = "refund_requested"
	ReversalRefundResolved  ReversalKind = "refund_resolved"
)

// ReversalGenesisHash is the prevEventHash of a chain's first event.
const ReversalGenesisHash = "null"

// RefundCommand is the signed instruction that drives a reversal. The
// command hash covers everything except the signature, and the request
// binding pins the client request bytes that carried it.
type RefundCommand struct {
	SchemaVersion int          `json:"schemaVersion"`
	GateID        string       `json:"gateId"`
	Kind          ReversalKind `json:"kind"`
	Reason        string       `json:"reason,omitempty"`
	RequestedBy   string       `json:"requestedBy"`
	RequestSHA256 string       `json:"requestSha256"`
	IssuedAt      time.Time    `json:"issuedAt"`
	CommandHash   string       `json:"commandHash,omitempty"`
	SignerKeyID   string       `json:"signerKeyId,omitempty"`
	Signature     string       `json:"signature,omitempty"`
}

// ComputeHash returns the canonical hash of the command's signed projection.
func (c *RefundCommand) ComputeHash() (string, error) {
	cp := *c
	cp.CommandHash = ""
	cp.Signature = ""
	return canonical.Hash(cp)
}

// Seal computes the command hash and signs it.
func (c *RefundCommand) Seal(keyID, privatePEM string) error {
	c.SignerKeyID = keyID
	h, err := c.ComputeHash()
	if err != nil {
		return err
	}
	c.CommandHash = h
	sig, err := crypto.Sign(h, privatePEM)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// ReversalEvent is one entry on a gate's append-only reversal chain.
type ReversalEvent struct {
	SchemaVersion    int          `json:"schemaVersion"`
	GateID           string       `json:"gateId"`
	Kind             ReversalKind `json:"kind"`
	CommandHash      string       `json:"commandHash"`
	CommandSignature string       `json:"commandSignature"`
	SignerKeyID      string       `json:"signerKeyId"`
	RequestSHA256    string       `json:"requestSha256"`
	At               time.Time    `json:"at"`
	PrevEventHash    string       `json:"prevEventHash"`
	EventHash        string       `json:"eventHash,omitempty"`
}

// ComputeEventHash returns the canonical hash of the event minus its own
// eventHash.
func (e *ReversalEvent) ComputeEventHash() (string, error) {
	cp := *e
	cp.EventHash = ""
	return canonical.Hash(cp)
}

// newReversalEvent links a sealed command onto the chain after prev.
func newReversalEvent(cmd *RefundCommand, prevHash string, at time.Time) (*ReversalEvent, error) {
	e := &ReversalEvent{
		SchemaVersion:    cmd.SchemaVersion,
		GateID:           cmd.GateID,
		Kind:             cmd.Kind,
		CommandHash:      cmd.CommandHash,
		CommandSignature: cmd.Signature,
		SignerKeyID:      cmd.SignerKeyID,
		RequestSHA256:    cmd.RequestSHA256,
		At:               at,
		PrevEventHash:    prevHash,
	}
	h, err := e.ComputeEventHash()
	if err != nil {
		return nil, err
	}
	e.EventHash = h
	return e, nil
}

// VerifyReversalChain walks a gate's chain: each eventHash reproduces and
// each prevEventHash links to the predecessor. Returns the index of the
// first bad event, or -1.
func VerifyReversalChain(events []*ReversalEvent) (int, error) {
	prev := ReversalGenesisHash
	for i, e := range events {
		if e.PrevEventHash != prev {
			return i, fmt.Errorf("gate: reversal event %d prevEventHash broken", i)
		}
		h, err := e.ComputeEventHash()
		if err != nil {
			return i, err
		}
		if h != e.EventHash {
			return i, fmt.Errorf("gate: reversal event %d hash does not reproduce", i)
		}
		prev = e.EventHash
	}
	return -1, nil
}
