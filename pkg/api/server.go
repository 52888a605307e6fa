// Package api is the HTTP boundary: tenant auth, protocol gating, schema
// validation, idempotent write handling, and the route handlers over the
// domain managers. Every mutating POST consumes an x-idempotency-key and
// replays byte-identical responses.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/export"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/idempotency"
	"github.com/settld-labs/settld/pkg/identity"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/policy"
	"github.com/settld-labs/settld/pkg/sessions"
	"github.com/settld-labs/settld/pkg/tenants"
)

// Deps are the domain components the server routes onto.
type Deps struct {
	Tenants        *tenants.Registry
	Agents         *identity.Registry
	Throttle       identity.Throttle
	ThrottlePolicy identity.ThrottlePolicy
	Ledger         *ledger.Manager
	Gates          *gate.Manager
	Receipts       export.Source
	Sessions       *sessions.Manager
	Idempotency    idempotency.Store
	Tokens         *gate.TokenIssuer
	Policies       *policy.Registry
	GrantValidator *grants.Validator
	Keyring        crypto.LifecycleChecker
	Logger         *slog.Logger
	Clock          func() time.Time
	RateRPS        int
	RateBurst      int
}

// Server serves the tenant HTTP surface.
type Server struct {
	tenants        *tenants.Registry
	agents         *identity.Registry
	throttle       identity.Throttle
	throttlePolicy identity.ThrottlePolicy
	ledger         *ledger.Manager
	gates          *gate.Manager
	receipts       export.Source
	sessions       *sessions.Manager
	idem           idempotency.Store
	tokens         *gate.TokenIssuer
	policies       *policy.Registry
	grantValidator *grants.Validator
	keyring        crypto.LifecycleChecker
	logger         *slog.Logger
	clock          func() time.Time
	schemas        *schemaSet
	limiter        *ipRateLimiter

	grantMu          sync.RWMutex
	authorityGrants  map[string]*grants.AuthorityGrant // tenantId + "/" + grantId
	delegationGrants map[string]*grants.DelegationGrant

	// Marketplace artifacts, keyed tenantId + "/" + id. Each is immutable
	// once published; downstream artifacts pin it by hash.
	artifactMu  sync.RWMutex
	manifests   map[string]*artifacts.ToolManifest
	quotes      map[string]*artifacts.Quote
	offers      map[string]*artifacts.Offer
	acceptances map[string]*artifacts.Acceptance
}

// NewServer wires the server. It fails only when a request schema does not
// compile.
func NewServer(d Deps) (*Server, error) {
	schemas, err := newSchemaSet()
	if err != nil {
		return nil, err
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.RateRPS <= 0 {
		d.RateRPS = 50
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 100
	}
	if d.ThrottlePolicy.RPM <= 0 {
		d.ThrottlePolicy = identity.ThrottlePolicy{RPM: 600, Burst: 60}
	}
	return &Server{
		tenants:          d.Tenants,
		agents:           d.Agents,
		throttle:         d.Throttle,
		throttlePolicy:   d.ThrottlePolicy,
		ledger:           d.Ledger,
		gates:            d.Gates,
		receipts:         d.Receipts,
		sessions:         d.Sessions,
		idem:             d.Idempotency,
		tokens:           d.Tokens,
		policies:         d.Policies,
		grantValidator:   d.GrantValidator,
		keyring:          d.Keyring,
		logger:           d.Logger,
		clock:            d.Clock,
		schemas:          schemas,
		limiter:          newIPRateLimiter(d.RateRPS, d.RateBurst),
		authorityGrants:  make(map[string]*grants.AuthorityGrant),
		delegationGrants: make(map[string]*grants.DelegationGrant),
		manifests:        make(map[string]*artifacts.ToolManifest),
		quotes:           make(map[string]*artifacts.Quote),
		offers:           make(map[string]*artifacts.Offer),
		acceptances:      make(map[string]*artifacts.Acceptance),
	}, nil
}

// Handler builds the full middleware chain and route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agents/register", s.handleRegisterAgent)
	mux.HandleFunc("POST /agents/{id}/wallet/credit", s.handleWalletCredit)
	mux.HandleFunc("POST /agents/{id}/keys/rotate", s.handleKeyRotate)
	mux.HandleFunc("POST /agents/{id}/keys/revoke", s.handleKeyRevoke)
	mux.HandleFunc("POST /authority-grants", s.handleAuthorityGrant)
	mux.HandleFunc("POST /delegation-grants", s.handleDelegationGrant)

	mux.HandleFunc("POST /marketplace/tools", s.handleToolPublish)
	mux.HandleFunc("GET /marketplace/tools", s.handleToolList)
	mux.HandleFunc("POST /marketplace/tools/{toolId}/quote", s.handleQuote)
	mux.HandleFunc("POST /marketplace/offers", s.handleOffer)
	mux.HandleFunc("POST /marketplace/offers/{id}/accept", s.handleAcceptance)

	mux.HandleFunc("POST /x402/gate/create", s.handleGateCreate)
	mux.HandleFunc("POST /x402/wallets/{walletRef}/authorize", s.handleWalletAuthorize)
	mux.HandleFunc("POST /x402/gate/authorize-payment", s.handleAuthorizePayment)
	mux.HandleFunc("POST /x402/gate/verify", s.handleGateVerify)
	mux.HandleFunc("POST /marketplace/tools/{toolId}/settle", s.handleSettle)
	mux.HandleFunc("POST /x402/gate/escalations/{id}/resolve", s.handleResolveEscalation)
	mux.HandleFunc("POST /x402/gate/void", s.handleGateVoid)
	mux.HandleFunc("POST /x402/gate/refunds/request", s.handleRefundRequest)
	mux.HandleFunc("POST /x402/gate/refunds/resolve", s.handleRefundResolve)
	mux.HandleFunc("POST /x402/gate/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /x402/gate/{id}", s.handleGetGate)
	mux.HandleFunc("GET /x402/receipts/export", s.handleReceiptsExport)

	mux.HandleFunc("POST /sessions", s.handleSessionCreate)
	mux.HandleFunc("POST /sessions/{id}/events", s.handleSessionAppend)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /sessions/{id}/replay-pack", s.handleReplayPack)
	mux.HandleFunc("GET /sessions/{id}/transcript", s.handleTranscript)

	return s.requestLog(protocolGate(s.limiter.middleware(s.authenticate(mux))))
}

// writeJSON writes a JSON success response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// idempotent wraps a mutating handler body: the first request with a key runs
// fn and stores the response; replays with the same key and body return the
// stored bytes verbatim; a reused key with a different body conflicts.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, phase string, fn func(body []byte) (int, any, error)) {
	clientKey := r.Header.Get(HeaderIdempotencyKey)
	if clientKey == "" {
		WriteError(w, http.StatusBadRequest, CodeIdempotencyKeyRequired,
			HeaderIdempotencyKey+" header is required on mutating routes", map[string]any{"phase": phase})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDomainError(w, s.logger, phase, err)
		return
	}
	p := PrincipalFrom(r.Context())

	key := idempotency.Key{
		TenantID:    p.TenantID,
		Method:      r.Method,
		Path:        r.URL.Path,
		ClientKey:   clientKey,
		Fingerprint: idempotency.Fingerprint(body),
	}
	rec, replayed, err := idempotency.Execute(r.Context(), s.idem, key, func() (*idempotency.Record, error) {
		status, v, err := fn(body)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return &idempotency.Record{StatusCode: status, Body: b, CreatedAt: s.clock().UTC()}, nil
	})
	if err != nil {
		s.writeHandlerError(w, phase, err)
		return
	}
	if replayed {
		w.Header().Set("x-idempotent-replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

// writeHandlerError folds schema errors into the domain mapping.
func (s *Server) writeHandlerError(w http.ResponseWriter, phase string, err error) {
	var se *schemaError
	if errors.As(err, &se) {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, se.Message,
			map[string]any{"phase": phase, "path": se.Path})
		return
	}
	writeDomainError(w, s.logger, phase, err)
}

// checkAgent enforces suspension and the per-agent throttle.
func (s *Server) checkAgent(r *http.Request, tenantID, agentID string) error {
	if _, err := s.agents.RequireActive(tenantID, agentID); err != nil {
		return err
	}
	ok, err := s.throttle.Allow(r.Context(), tenantID, agentID, s.throttlePolicy, 1)
	if err != nil {
		return err
	}
	if !ok {
		return identity.ErrAgentThrottled
	}
	return nil
}

// requireOps gates operator-only routes.
func requireOps(w http.ResponseWriter, r *http.Request) bool {
	p := PrincipalFrom(r.Context())
	if p == nil || p.Scope != tenants.ScopeOps {
		WriteError(w, http.StatusForbidden, tenants.CodeAuthRequired, "ops scope required", nil)
		return false
	}
	return true
}
