package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/crypto"
)

// Stable error codes for the append/list surface.
const (
	CodeAppendConflict    = "SESSION_EVENT_APPEND_CONFLICT"
	CodeCursorNotFound    = "SESSION_EVENT_CURSOR_NOT_FOUND"
	CodeSignatureRequired = "SESSION_EVENT_SIGNATURE_REQUIRED"
	CodeSignatureInvalid  = "SESSION_EVENT_SIGNATURE_INVALID"
)

// ConflictError reports a chain-head mismatch with expected-vs-observed so
// clients can resync.
type ConflictError struct {
	StreamID string
	Expected string
	Observed string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventlog: chain conflict on %s: expected head %s, observed %s",
		e.StreamID, e.Expected, e.Observed)
}

// ErrCursorNotFound is returned when sinceEventId names no event in the stream.
var ErrCursorNotFound = errors.New("eventlog: cursor not found")

// Store is the persistence contract for streams. Appends are serialized per
// stream by the implementation; List sees a consistent snapshot.
type Store interface {
	// Head returns the current chain head of a stream, or GenesisHash for
	// an empty stream.
	Head(ctx context.Context, tenantID, streamID string) (string, error)
	// AppendIfHead appends e only when the stream head still equals
	// expectedPrev, returning the observed head otherwise.
	AppendIfHead(ctx context.Context, tenantID string, e *Event, expectedPrev string) (observedHead string, err error)
	// Events returns the full ordered stream.
	Events(ctx context.Context, tenantID, streamID string) ([]*Event, error)
}

// Policy controls per-stream signature requirements.
type Policy struct {
	RequireSignature bool
}

// PolicyFunc resolves the policy for a stream id.
type PolicyFunc func(streamID string) Policy

// Log coordinates appends and reads over a Store.
type Log struct {
	store   Store
	keyring crypto.LifecycleChecker
	policy  PolicyFunc
	clock   func() time.Time
}

// New creates a Log. policy may be nil, in which case no stream requires
// signatures.
func New(store Store, keyring crypto.LifecycleChecker, policy PolicyFunc) *Log {
	if policy == nil {
		policy = func(string) Policy { return Policy{} }
	}
	return &Log{store: store, keyring: keyring, policy: policy, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// AppendRequest is the caller's side of an append.
type AppendRequest struct {
	StreamID              string
	Type                  string
	Actor                 string
	Payload               map[string]any
	ExpectedPrevChainHash string
	Signature             *Signature
}

// Append finalizes and appends an event. Preconditions: the expected head
// matches, and when the stream policy demands signatures the signer key is
// active right now. Revoked or rotated keys fail closed.
func (l *Log) Append(ctx context.Context, tenantID string, req AppendRequest) (*Event, error) {
	if req.StreamID == "" || req.Type == "" {
		return nil, errors.New("eventlog: streamId and type are required")
	}
	if req.ExpectedPrevChainHash == "" {
		return nil, errors.New("eventlog: expectedPrevChainHash is required (\"null\" for empty streams)")
	}

	pol := l.policy(req.StreamID)
	if pol.RequireSignature && req.Signature == nil {
		return nil, fmt.Errorf("%s: stream %s requires signed events", CodeSignatureRequired, req.StreamID)
	}

	now := l.clock().UTC()
	e := &Event{
		V:             SchemaVersion,
		ID:            uuid.New().String(),
		StreamID:      req.StreamID,
		Type:          req.Type,
		At:            now,
		Actor:         req.Actor,
		Payload:       req.Payload,
		PrevChainHash: req.ExpectedPrevChainHash,
		Signature:     req.Signature,
	}

	ph, err := ComputePayloadHash(e)
	if err != nil {
		return nil, err
	}
	e.PayloadHash = ph

	if req.Signature != nil {
		// The signature covers the canonical hash of the payload alone;
		// the server assigns id and timestamp after the client signs.
		contentHash, err := canonical.Hash(e.Payload)
		if err != nil {
			return nil, err
		}
		if err := l.verifySignature(e, contentHash, pol); err != nil {
			return nil, err
		}
	}

	ch, err := ComputeChainHash(e.V, e.PrevChainHash, e.PayloadHash)
	if err != nil {
		return nil, err
	}
	e.ChainHash = ch

	observed, err := l.store.AppendIfHead(ctx, tenantID, e, req.ExpectedPrevChainHash)
	if err != nil {
		return nil, err
	}
	if observed != "" {
		return nil, &ConflictError{StreamID: req.StreamID, Expected: req.ExpectedPrevChainHash, Observed: observed}
	}
	return e, nil
}

func (l *Log) verifySignature(e *Event, contentHash string, pol Policy) error {
	if l.keyring == nil {
		return fmt.Errorf("%s: no keyring configured for signed streams", CodeSignatureInvalid)
	}
	rec, err := l.keyring.Lookup(e.Signature.KeyID)
	if err != nil {
		return fmt.Errorf("%s: %w", CodeSignatureInvalid, err)
	}
	now := l.clock().UTC()
	res := l.keyring.Check(e.Signature.KeyID, now, now)
	if pol.RequireSignature && !res.OK {
		// Fail closed with the lifecycle's stable code.
		return fmt.Errorf("%s: signer %s not usable: %s", res.Code, e.Signature.KeyID, res.Detail)
	}
	ok, err := crypto.Verify(contentHash, e.Signature.SignatureBase64, rec.PublicPEM)
	if err != nil {
		return fmt.Errorf("%s: %w", CodeSignatureInvalid, err)
	}
	if !ok {
		return fmt.Errorf("%s: signature does not verify over payload hash", CodeSignatureInvalid)
	}
	e.Signature.SignerStatusAtSigning = string(rec.Status)
	return nil
}

// ListOptions selects a window of a stream.
type ListOptions struct {
	// SinceEventID resumes after the named event. Empty means from the
	// beginning. A non-empty id that no longer names an event fails closed.
	SinceEventID string
	EventType    string
	Limit        int
	Offset       int
}

// Page is the result of a List call with head metadata for resumption.
type Page struct {
	Events []*Event `json:"events"`
	// NextSinceEventID advances to the last event in the underlying window
	// even when the type filter matched nothing, so clients can always
	// resume from the head.
	NextSinceEventID string `json:"nextSinceEventId,omitempty"`
	HeadChainHash    string `json:"headChainHash"`
	Total            int    `json:"total"`
}

// List returns a filtered page of a stream.
func (l *Log) List(ctx context.Context, tenantID, streamID string, opts ListOptions) (*Page, error) {
	events, err := l.store.Events(ctx, tenantID, streamID)
	if err != nil {
		return nil, err
	}

	start := 0
	if opts.SinceEventID != "" {
		found := false
		for i, e := range events {
			if e.ID == opts.SinceEventID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: %w: %s", CodeCursorNotFound, ErrCursorNotFound, opts.SinceEventID)
		}
	}

	window := events[start:]
	head := GenesisHash
	if len(events) > 0 {
		head = events[len(events)-1].ChainHash
	}

	filtered := window
	if opts.EventType != "" {
		filtered = make([]*Event, 0, len(window))
		for _, e := range window {
			if e.Type == opts.EventType {
				filtered = append(filtered, e)
			}
		}
	}

	total := len(filtered)
	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	page := &Page{Events: filtered, HeadChainHash: head, Total: total}
	if len(filtered) > 0 {
		page.NextSinceEventID = filtered[len(filtered)-1].ID
	} else if len(events) > 0 {
		// Empty filtered window: advance the cursor to the stream head so
		// resumption picks up any subsequent events.
		page.NextSinceEventID = events[len(events)-1].ID
	}
	return page, nil
}
