// Package identity manages agent identities: registration with an Ed25519
// identity key, suspension lifecycle, key rotation and revocation, and the
// per-agent request throttle consulted by the gate surface.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/crypto"
)

// AgentStatus is the agent's lifecycle state.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
)

// Stable agent lifecycle codes.
const (
	CodeAgentNotFound  = "X402_AGENT_NOT_FOUND"
	CodeAgentSuspended = "X402_AGENT_SUSPENDED"
	CodeAgentThrottled = "X402_AGENT_THROTTLED"
)

// ErrAgentNotFound is returned for unknown agent ids.
var ErrAgentNotFound = errors.New(CodeAgentNotFound)

// ErrAgentSuspended is returned when a suspended agent acts.
var ErrAgentSuspended = errors.New(CodeAgentSuspended)

// ErrAgentThrottled is returned when the agent's rate bucket is empty.
var ErrAgentThrottled = errors.New(CodeAgentThrottled)

// Agent is one registered identity.
type Agent struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenantId"`
	Name      string      `json:"name"`
	KeyID     string      `json:"keyId"`
	PublicPEM string      `json:"publicKeyPem"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Registry stores agents and keeps their identity keys registered in the
// signer keyring.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent // tenantId + "/" + agentId
	keyring *crypto.Keyring
	clock   func() time.Time
}

// NewRegistry builds a registry over the given keyring.
func NewRegistry(keyring *crypto.Keyring) *Registry {
	return &Registry{
		agents:  make(map[string]*Agent),
		keyring: keyring,
		clock:   time.Now,
	}
}

// WithClock overrides the registry clock for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func agentKey(tenantID, agentID string) string { return tenantID + "/" + agentID }

// RegisterRequest creates an agent.
type RegisterRequest struct {
	TenantID  string `json:"tenantId"`
	AgentID   string `json:"agentId,omitempty"`
	Name      string `json:"name"`
	PublicPEM string `json:"publicKeyPem"`
}

// Register creates the agent and activates its identity key.
func (r *Registry) Register(req RegisterRequest) (*Agent, error) {
	if req.Name == "" {
		return nil, errors.New("identity: agent name required")
	}
	keyID, err := crypto.KeyID(req.PublicPEM)
	if err != nil {
		return nil, fmt.Errorf("identity: public key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := req.AgentID
	if id == "" {
		id = "agent_" + uuid.NewString()
	}
	k := agentKey(req.TenantID, id)
	if _, exists := r.agents[k]; exists {
		return nil, fmt.Errorf("identity: agent %s already registered", id)
	}
	now := r.clock().UTC()
	if err := r.keyring.Register(keyID, req.PublicPEM, now); err != nil {
		return nil, err
	}
	a := &Agent{
		ID:        id,
		TenantID:  req.TenantID,
		Name:      req.Name,
		KeyID:     keyID,
		PublicPEM: req.PublicPEM,
		Status:    AgentActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.agents[k] = a
	cp := *a
	return &cp, nil
}

// Get returns an agent snapshot.
func (r *Registry) Get(tenantID, agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentKey(tenantID, agentID)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

// RequireActive fails with the suspension code when the agent cannot act.
func (r *Registry) RequireActive(tenantID, agentID string) (*Agent, error) {
	a, err := r.Get(tenantID, agentID)
	if err != nil {
		return nil, err
	}
	if a.Status != AgentActive {
		return nil, ErrAgentSuspended
	}
	return a, nil
}

// SetStatus suspends or reactivates an agent.
func (r *Registry) SetStatus(tenantID, agentID string, status AgentStatus) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentKey(tenantID, agentID)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	a.Status = status
	a.UpdatedAt = r.clock().UTC()
	cp := *a
	return &cp, nil
}

// RotateKey activates a new identity key and marks the old one rotated.
// Artifacts signed under the old key stay verifiable.
func (r *Registry) RotateKey(tenantID, agentID, newPublicPEM string) (*Agent, error) {
	newKeyID, err := crypto.KeyID(newPublicPEM)
	if err != nil {
		return nil, fmt.Errorf("identity: public key: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentKey(tenantID, agentID)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	now := r.clock().UTC()
	if err := r.keyring.Register(newKeyID, newPublicPEM, now); err != nil {
		return nil, err
	}
	if err := r.keyring.Transition(a.KeyID, crypto.SignerRotated, now); err != nil {
		return nil, err
	}
	a.KeyID = newKeyID
	a.PublicPEM = newPublicPEM
	a.UpdatedAt = now
	cp := *a
	return &cp, nil
}

// RevokeKey revokes the agent's current key and suspends the agent; a
// revoked key has no successor until a rotation installs one.
func (r *Registry) RevokeKey(tenantID, agentID string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentKey(tenantID, agentID)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	now := r.clock().UTC()
	if err := r.keyring.Transition(a.KeyID, crypto.SignerRevoked, now); err != nil {
		return nil, err
	}
	a.Status = AgentSuspended
	a.UpdatedAt = now
	cp := *a
	return &cp, nil
}
