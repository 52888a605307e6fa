// Package sessions groups hash-chained event streams under named sessions
// and renders them as deterministic replay packs and transcripts.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/eventlog"
)

// CodeSessionNotFound is the stable code for unknown session ids.
const CodeSessionNotFound = "SESSION_NOT_FOUND"

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New(CodeSessionNotFound)

// Session is one named event stream. The stream id equals the session id, so
// every append inherits the eventlog's chain and conflict semantics.
type Session struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Title     string            `json:"title,omitempty"`
	AgentID   string            `json:"agentId,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store persists sessions.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, tenantID, sessionID string) (*Session, error)
}

// MemoryStore is the map-backed Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.TenantID+"/"+sess.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[tenantID+"/"+sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// Manager coordinates session creation, chained appends, and exports.
type Manager struct {
	store Store
	log   *eventlog.Log
	clock func() time.Time
}

// NewManager builds a manager over a session store and an event log.
func NewManager(store Store, log *eventlog.Log) *Manager {
	return &Manager{store: store, log: log, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateRequest names a new session.
type CreateRequest struct {
	SessionID string            `json:"sessionId,omitempty"`
	Title     string            `json:"title,omitempty"`
	AgentID   string            `json:"agentId,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Create registers a session. Its event stream starts empty with head "null".
func (m *Manager) Create(ctx context.Context, tenantID string, req CreateRequest) (*Session, error) {
	id := req.SessionID
	if id == "" {
		id = "sess_" + uuid.NewString()
	}
	if existing, err := m.store.Get(ctx, tenantID, id); err == nil {
		return existing, nil
	}
	s := &Session{
		ID:        id,
		TenantID:  tenantID,
		Title:     req.Title,
		AgentID:   req.AgentID,
		Labels:    req.Labels,
		CreatedAt: m.clock().UTC(),
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the session or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return m.store.Get(ctx, tenantID, sessionID)
}

// AppendRequest is one event to chain onto the session stream.
type AppendRequest struct {
	Type                  string              `json:"type"`
	Actor                 string              `json:"actor,omitempty"`
	Payload               map[string]any      `json:"payload"`
	ExpectedPrevChainHash string              `json:"expectedPrevChainHash"`
	Signature             *eventlog.Signature `json:"signature,omitempty"`
}

// Append chains an event onto the session's stream. A stale
// expectedPrevChainHash surfaces as *eventlog.ConflictError.
func (m *Manager) Append(ctx context.Context, tenantID, sessionID string, req AppendRequest) (*eventlog.Event, error) {
	if _, err := m.store.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return m.log.Append(ctx, tenantID, eventlog.AppendRequest{
		StreamID:              sessionID,
		Type:                  req.Type,
		Actor:                 req.Actor,
		Payload:               req.Payload,
		ExpectedPrevChainHash: req.ExpectedPrevChainHash,
		Signature:             req.Signature,
	})
}

// Events pages the session's stream.
func (m *Manager) Events(ctx context.Context, tenantID, sessionID string, opts eventlog.ListOptions) (*eventlog.Page, error) {
	if _, err := m.store.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return m.log.List(ctx, tenantID, sessionID, opts)
}

// ReplayPack is the exportable, self-verifying form of a session: the full
// ordered stream plus a pack hash over the canonical bundle. Two exports of
// the same stream are byte-identical.
type ReplayPack struct {
	V             int               `json:"v"`
	Session       *Session          `json:"session"`
	Events        []*eventlog.Event `json:"events"`
	HeadChainHash string            `json:"headChainHash"`
	PackHash      string            `json:"packHash"`
}

// ReplayPackFor builds the replay pack for a session. The pack hash covers
// everything except itself.
func (m *Manager) ReplayPackFor(ctx context.Context, tenantID, sessionID string) (*ReplayPack, error) {
	sess, err := m.store.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	page, err := m.log.List(ctx, tenantID, sessionID, eventlog.ListOptions{})
	if err != nil {
		return nil, err
	}
	pack := &ReplayPack{
		V:             eventlog.SchemaVersion,
		Session:       sess,
		Events:        page.Events,
		HeadChainHash: page.HeadChainHash,
	}
	h, err := canonical.Hash(pack)
	if err != nil {
		return nil, err
	}
	pack.PackHash = h
	return pack, nil
}

// VerifyReplayPack recomputes the pack hash and walks the event chain,
// returning the first broken event index, or -1 when the pack is intact.
func VerifyReplayPack(p *ReplayPack) (int, error) {
	cp := *p
	cp.PackHash = ""
	h, err := canonical.Hash(&cp)
	if err != nil {
		return 0, err
	}
	if h != p.PackHash {
		return 0, fmt.Errorf("sessions: pack hash does not recompute")
	}
	if len(p.Events) > 0 {
		head := p.Events[len(p.Events)-1].ChainHash
		if head != p.HeadChainHash {
			return len(p.Events) - 1, fmt.Errorf("sessions: head chain hash does not match last event")
		}
	} else if p.HeadChainHash != eventlog.GenesisHash {
		return 0, fmt.Errorf("sessions: empty pack must carry the genesis head")
	}
	return eventlog.VerifyChain(p.Events)
}

// TranscriptEntry is one rendered line of a session transcript.
type TranscriptEntry struct {
	Seq     int            `json:"seq"`
	At      time.Time      `json:"at"`
	Type    string         `json:"type"`
	Actor   string         `json:"actor,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Summary string         `json:"summary"`
}

// Transcript is the ordered, human-oriented rendering of a session.
type Transcript struct {
	SessionID     string            `json:"sessionId"`
	Title         string            `json:"title,omitempty"`
	Entries       []TranscriptEntry `json:"entries"`
	HeadChainHash string            `json:"headChainHash"`
}

// TranscriptFor renders the session's stream as an ordered transcript. The
// rendering is a pure function of the stream, so repeated exports match.
func (m *Manager) TranscriptFor(ctx context.Context, tenantID, sessionID string) (*Transcript, error) {
	sess, err := m.store.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	page, err := m.log.List(ctx, tenantID, sessionID, eventlog.ListOptions{})
	if err != nil {
		return nil, err
	}
	tr := &Transcript{
		SessionID:     sessionID,
		Title:         sess.Title,
		HeadChainHash: page.HeadChainHash,
		Entries:       make([]TranscriptEntry, 0, len(page.Events)),
	}
	for i, e := range page.Events {
		tr.Entries = append(tr.Entries, TranscriptEntry{
			Seq:     i,
			At:      e.At,
			Type:    e.Type,
			Actor:   e.Actor,
			Payload: e.Payload,
			Summary: summarize(e),
		})
	}
	return tr, nil
}

// summarize renders one deterministic line for an event. Payload keys are
// emitted in sorted order.
func summarize(e *eventlog.Event) string {
	var b strings.Builder
	b.WriteString(e.Type)
	if e.Actor != "" {
		b.WriteString(" by ")
		b.WriteString(e.Actor)
	}
	if len(e.Payload) > 0 {
		keys := make([]string, 0, len(e.Payload))
		for k := range e.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Payload[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, " "))
		b.WriteString(")")
	}
	return b.String()
}
