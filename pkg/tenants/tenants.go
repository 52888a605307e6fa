// Package tenants provides tenant records, bearer API-key authentication,
// and scoped operator tokens. Auth failures never reveal whether a tenant or
// key exists.
package tenants

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Stable auth codes surfaced in error envelopes.
const (
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeTenantMismatch = "TENANT_MISMATCH"
)

// ErrAuthRequired is returned for missing or unverifiable credentials.
var ErrAuthRequired = errors.New(CodeAuthRequired)

// ErrTenantMismatch is returned when a valid credential names a different
// tenant than the request.
var ErrTenantMismatch = errors.New(CodeTenantMismatch)

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is one isolated namespace.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsActive reports whether the tenant may act.
func (t *Tenant) IsActive() bool { return t.Status == StatusActive }

// APIKey is one tenant-scoped credential. Only a bcrypt hash of the secret
// is stored; the plaintext is shown once at issue time.
type APIKey struct {
	KeyID      string     `json:"keyId"`
	TenantID   string     `json:"tenantId"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Scope is the authority level a credential carries.
type Scope string

const (
	// ScopeTenant credentials act within one tenant only.
	ScopeTenant Scope = "tenant"
	// ScopeOps credentials act across tenants (operator surface).
	ScopeOps Scope = "ops"
)

// Principal is the resolved identity of an authenticated request.
type Principal struct {
	Scope    Scope  `json:"scope"`
	TenantID string `json:"tenantId,omitempty"`
	KeyID    string `json:"keyId,omitempty"`
}

// Registry stores tenants, API keys, and operator tokens.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]*APIKey // keyId
	// opsTokens maps sha256(token) to a marker; plaintext is never kept.
	opsTokens map[string]bool
	clock     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants:   make(map[string]*Tenant),
		keys:      make(map[string]*APIKey),
		opsTokens: make(map[string]bool),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// LoadOpsTokens installs the operator token list, comma-separated as carried
// by PROXY_OPS_TOKENS. Blank entries are skipped.
func (r *Registry) LoadOpsTokens(list string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		r.opsTokens[hashSecret(tok)] = true
	}
}

// CreateTenant registers a tenant. A caller-supplied id must be unused.
func (r *Registry) CreateTenant(id, name string) (*Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		id = "tenant_" + uuid.NewString()
	}
	if _, exists := r.tenants[id]; exists {
		return nil, errors.New("tenants: tenant id already in use")
	}
	t := &Tenant{ID: id, Name: name, Status: StatusActive, CreatedAt: r.clock().UTC()}
	r.tenants[id] = t
	cp := *t
	return &cp, nil
}

// Get returns a tenant snapshot.
func (r *Registry) Get(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// SetStatus suspends or reactivates a tenant.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return errors.New("tenants: unknown tenant")
	}
	t.Status = status
	return nil
}

// IssueKey mints a tenant API key and returns the record plus the one-time
// plaintext bearer value "keyId.secret".
func (r *Registry) IssueKey(tenantID, name string) (*APIKey, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return nil, "", errors.New("tenants: unknown tenant")
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	k := &APIKey{
		KeyID:      "key_" + uuid.NewString(),
		TenantID:   tenantID,
		Name:       name,
		SecretHash: string(hash),
		CreatedAt:  r.clock().UTC(),
	}
	r.keys[k.KeyID] = k
	cp := *k
	return &cp, k.KeyID + "." + secret, nil
}

// RevokeKey revokes a tenant API key.
func (r *Registry) RevokeKey(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok {
		return errors.New("tenants: unknown key")
	}
	now := r.clock().UTC()
	k.RevokedAt = &now
	return nil
}

// Authenticate resolves a request's credentials against the tenant named in
// its headers. bearer is the Authorization value (with or without the
// "Bearer " prefix); opsToken is the x-proxy-ops-token value. Either grants
// access; both empty fails with ErrAuthRequired.
func (r *Registry) Authenticate(tenantID, bearer, opsToken string) (*Principal, error) {
	if opsToken != "" {
		r.mu.RLock()
		ok := r.opsTokens[hashSecret(opsToken)]
		r.mu.RUnlock()
		if !ok {
			return nil, ErrAuthRequired
		}
		return &Principal{Scope: ScopeOps, TenantID: tenantID}, nil
	}

	bearer = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if bearer == "" || tenantID == "" {
		return nil, ErrAuthRequired
	}
	keyID, secret, found := strings.Cut(bearer, ".")
	if !found || keyID == "" || secret == "" {
		return nil, ErrAuthRequired
	}

	r.mu.RLock()
	k, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok || k.RevokedAt != nil {
		return nil, ErrAuthRequired
	}
	if bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)) != nil {
		return nil, ErrAuthRequired
	}

	t, ok := r.Get(k.TenantID)
	if !ok || !t.IsActive() {
		return nil, ErrAuthRequired
	}
	if k.TenantID != tenantID {
		// The key is real but scoped elsewhere. Cross-tenant existence is
		// still not revealed: the caller learns only that scopes differ.
		return nil, ErrTenantMismatch
	}
	return &Principal{Scope: ScopeTenant, TenantID: k.TenantID, KeyID: k.KeyID}, nil
}

func hashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
