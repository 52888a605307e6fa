package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/eventlog"
	"github.com/settld-labs/settld/pkg/export"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/identity"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/sessions"
	"github.com/settld-labs/settld/pkg/settlement"
)

const decisionTokenTTL = 15 * time.Minute

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "agents.register", func(body []byte) (int, any, error) {
		var req identity.RegisterRequest
		if err := s.schemas.validate("agents/register", body, &req); err != nil {
			return 0, nil, err
		}
		req.TenantID = PrincipalFrom(r.Context()).TenantID
		a, err := s.agents.Register(req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, a, nil
	})
}

func (s *Server) handleWalletCredit(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	s.idempotent(w, r, "wallet.credit", func(body []byte) (int, any, error) {
		var req struct {
			AmountCents int64  `json:"amountCents"`
			Currency    string `json:"currency"`
		}
		if err := s.schemas.validate("wallet/credit", body, &req); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		if _, err := s.agents.Get(tenantID, agentID); err != nil {
			return 0, nil, err
		}
		key := ledger.WalletKey{TenantID: tenantID, AgentID: agentID, Currency: req.Currency}
		if _, err := s.ledger.ApplyTransition(r.Context(), ledger.Transition{
			ID:    "credit/" + tenantID + "/" + agentID + "/" + r.Header.Get(HeaderIdempotencyKey),
			Moves: []ledger.Move{{Kind: ledger.MoveCredit, Wallet: key, AmountCents: req.AmountCents}},
		}); err != nil {
			return 0, nil, err
		}
		wallet, err := s.ledger.Balance(r.Context(), key)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, wallet, nil
	})
}

// handleKeyRotate activates a new identity key for the agent. Ops scope:
// rotation is a lifecycle action, not a tenant self-service write.
func (s *Server) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	if !requireOps(w, r) {
		return
	}
	agentID := r.PathValue("id")
	s.idempotent(w, r, "agents.rotateKey", func(body []byte) (int, any, error) {
		var req struct {
			PublicKeyPEM string `json:"publicKeyPem"`
		}
		if err := s.schemas.validate("agents/rotate", body, &req); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		a, err := s.agents.RotateKey(tenantID, agentID, req.PublicKeyPEM)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, a, nil
	})
}

// handleKeyRevoke revokes the agent's current key and suspends the agent.
func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if !requireOps(w, r) {
		return
	}
	agentID := r.PathValue("id")
	s.idempotent(w, r, "agents.revokeKey", func(body []byte) (int, any, error) {
		tenantID := PrincipalFrom(r.Context()).TenantID
		a, err := s.agents.RevokeKey(tenantID, agentID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, a, nil
	})
}

// verifySeal recomputes an artifact hash and checks the signature plus the
// signer's lifecycle at issue time. Keys not active at signing fail closed.
// hashPath names the artifact's hash field in schema errors.
func (s *Server) verifySeal(hashPath, storedHash, signature, keyID string, issuedAt time.Time, compute func() (string, error)) error {
	h, err := compute()
	if err != nil {
		return err
	}
	if h != storedHash {
		return &schemaError{Path: hashPath, Message: "artifact hash does not recompute"}
	}
	rec, err := s.keyring.Lookup(keyID)
	if err != nil {
		return &schemaError{Path: "/signerKeyId", Message: "unknown signer key"}
	}
	res := s.keyring.Check(keyID, issuedAt, s.clock().UTC())
	if !res.OK {
		return &schemaError{Path: "/signerKeyId", Message: res.Code}
	}
	ok, err := crypto.Verify(storedHash, signature, rec.PublicPEM)
	if err != nil || !ok {
		return &schemaError{Path: "/signature", Message: "signature does not verify"}
	}
	return nil
}

func (s *Server) handleAuthorityGrant(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "grants.authority", func(body []byte) (int, any, error) {
		var g grants.AuthorityGrant
		if err := jsonDecode(body, &g); err != nil {
			return 0, nil, err
		}
		if err := s.verifySeal("/grantHash", g.GrantHash, g.Signature, g.SignerKeyID, g.Validity.IssuedAt, g.ComputeHash); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		s.grantMu.Lock()
		s.authorityGrants[tenantID+"/"+g.GrantID] = &g
		s.grantMu.Unlock()
		return http.StatusCreated, map[string]any{"grantId": g.GrantID, "grantHash": g.GrantHash}, nil
	})
}

func (s *Server) handleDelegationGrant(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "grants.delegation", func(body []byte) (int, any, error) {
		var g grants.DelegationGrant
		if err := jsonDecode(body, &g); err != nil {
			return 0, nil, err
		}
		if err := s.verifySeal("/grantHash", g.GrantHash, g.Signature, g.SignerKeyID, g.Validity.IssuedAt, g.ComputeHash); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID

		// A delegation must pin an issued parent grant by id and hash.
		s.grantMu.RLock()
		parent := s.authorityGrants[tenantID+"/"+g.ParentGrantID]
		s.grantMu.RUnlock()
		if parent == nil || parent.GrantHash != g.ParentGrantHash {
			return 0, nil, &schemaError{Path: "/parentGrantHash", Message: "parent grant is not issued under this tenant"}
		}

		s.grantMu.Lock()
		s.delegationGrants[tenantID+"/"+g.GrantID] = &g
		s.grantMu.Unlock()
		return http.StatusCreated, map[string]any{"grantId": g.GrantID, "grantHash": g.GrantHash}, nil
	})
}

func (s *Server) handleGateCreate(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "gate.create", func(body []byte) (int, any, error) {
		var req gate.CreateRequest
		if err := s.schemas.validate("gate/create", body, &req); err != nil {
			return 0, nil, err
		}
		req.TenantID = PrincipalFrom(r.Context()).TenantID
		if err := s.checkAgent(r, req.TenantID, req.PayerAgentID); err != nil {
			return 0, nil, err
		}
		g, err := s.gates.Create(r.Context(), req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, g, nil
	})
}

func (s *Server) handleWalletAuthorize(w http.ResponseWriter, r *http.Request) {
	walletRef := r.PathValue("walletRef")
	s.idempotent(w, r, "wallet.authorize", func(body []byte) (int, any, error) {
		var req struct {
			GateID string `json:"gateId"`
		}
		if err := jsonDecode(body, &req); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		g, err := s.gates.Get(tenantID, req.GateID)
		if err != nil {
			return 0, nil, err
		}
		if g.Passport.WalletRef != walletRef {
			return 0, nil, &gate.TransitionError{Code: gate.CodeTokenInvalid, GateID: g.ID,
				Detail: "wallet ref does not match the gate passport"}
		}
		profile, err := s.policies.Lookup(g.Passport.PolicyProfile)
		if err != nil {
			return 0, nil, err
		}
		policyVersion := gate.PolicyVersion(profile)
		token, err := s.tokens.IssueDecision(g.ID, policyVersion, g.AmountCents, g.Currency, decisionTokenTTL)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{
			"walletAuthorizationDecisionToken": token,
			"policyVersion":                    policyVersion,
		}, nil
	})
}

func (s *Server) handleAuthorizePayment(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "gate.authorize", func(body []byte) (int, any, error) {
		var req gate.AuthorizeRequest
		if err := s.schemas.validate("gate/authorize", body, &req); err != nil {
			return 0, nil, err
		}
		req.TenantID = PrincipalFrom(r.Context()).TenantID
		g, err := s.gates.Get(req.TenantID, req.GateID)
		if err != nil {
			return 0, nil, err
		}
		if err := s.checkAgent(r, req.TenantID, g.PayerAgentID); err != nil {
			return 0, nil, err
		}
		g, err = s.gates.Authorize(r.Context(), req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, g, nil
	})
}

func (s *Server) handleGateVerify(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "gate.verify", func(body []byte) (int, any, error) {
		var req gate.VerifyRequest
		if err := s.schemas.validate("gate/verify", body, &req); err != nil {
			return 0, nil, err
		}
		req.TenantID = PrincipalFrom(r.Context()).TenantID
		g, err := s.gates.Verify(r.Context(), req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, g, nil
	})
}

// settleRequest is the artifact chain the settle route consumes.
type settleRequest struct {
	GateID    string                       `json:"gateId"`
	Manifest  *artifacts.ToolManifest      `json:"toolManifest"`
	Grant     *grants.AuthorityGrant       `json:"authorityGrant"`
	Agreement *artifacts.ToolCallAgreement `json:"agreement"`
	Evidence  *artifacts.ToolCallEvidence  `json:"evidence"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("toolId")
	s.idempotent(w, r, "settle", func(body []byte) (int, any, error) {
		var req settleRequest
		if err := jsonDecode(body, &req); err != nil {
			return 0, nil, err
		}
		if req.Agreement == nil || req.Evidence == nil || req.Manifest == nil || req.Grant == nil {
			return 0, nil, &schemaError{Path: "/", Message: "settle requires toolManifest, authorityGrant, agreement, and evidence"}
		}
		if req.Agreement.ToolID != toolID {
			return 0, nil, &settlement.BindingError{Binding: "agreement.toolId",
				Detail: fmt.Sprintf("agreement names tool %s, route names %s", req.Agreement.ToolID, toolID)}
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		g, err := s.gates.Get(tenantID, req.GateID)
		if err != nil {
			return 0, nil, err
		}

		// The grant must authorize this spend before anything settles. The
		// kernel re-checks the pure bindings; this pass adds revocation and
		// signer lifecycle, which need live state.
		now := s.clock().UTC()
		intent := grants.Intent{
			GranteeAgentID: req.Agreement.PayerAgentID,
			Currency:       req.Agreement.Currency,
			AmountCents:    req.Agreement.AmountCents,
		}
		caps := req.Manifest.Capabilities
		if len(caps) == 0 {
			caps = []string{""}
		}
		for _, capability := range caps {
			intent.Capability = capability
			if res := s.grantValidator.ValidateAuthority(req.Grant, now, intent); !res.OK {
				return 0, nil, res.Err()
			}
		}

		profile, err := s.policies.Lookup(g.Passport.PolicyProfile)
		if err != nil {
			return 0, nil, err
		}
		receipt, applied, err := s.gates.Settle(r.Context(), tenantID, req.GateID, settlement.Inputs{
			Manifest:  req.Manifest,
			Grant:     req.Grant,
			Agreement: req.Agreement,
			Evidence:  req.Evidence,
			Profile:   profile,
			Now:       now,
		})
		if err != nil {
			return 0, nil, err
		}
		status := http.StatusOK
		if applied {
			status = http.StatusCreated
		}
		return status, receipt, nil
	})
}

func (s *Server) handleGateVoid(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "gate.void", func(body []byte) (int, any, error) {
		var req struct {
			GateID string `json:"gateId"`
		}
		if err := jsonDecode(body, &req); err != nil {
			return 0, nil, err
		}
		if req.GateID == "" {
			return 0, nil, &schemaError{Path: "/gateId", Message: "gateId is required"}
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		g, err := s.gates.Void(r.Context(), tenantID, req.GateID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, g, nil
	})
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	if !requireOps(w, r) {
		return
	}
	escalationID := r.PathValue("id")
	s.idempotent(w, r, "escalation.resolve", func(body []byte) (int, any, error) {
		var req struct {
			Approve bool   `json:"approve"`
			Reason  string `json:"reason,omitempty"`
		}
		if err := jsonDecode(body, &req); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		token, err := s.gates.ResolveEscalation(r.Context(), tenantID, escalationID, req.Approve, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		resp := map[string]any{"approved": req.Approve}
		if token != "" {
			resp["escalationOverrideToken"] = token
		}
		return http.StatusOK, resp, nil
	})
}

func (s *Server) handleRefundRequest(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "refund.request", func(body []byte) (int, any, error) {
		var cmd gate.RefundCommand
		if err := jsonDecode(body, &cmd); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		ev, err := s.gates.RequestRefund(r.Context(), tenantID, &cmd)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, ev, nil
	})
}

func (s *Server) handleRefundResolve(w http.ResponseWriter, r *http.Request) {
	if !requireOps(w, r) {
		return
	}
	s.idempotent(w, r, "refund.resolve", func(body []byte) (int, any, error) {
		var cmd gate.RefundCommand
		if err := jsonDecode(body, &cmd); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		ev, err := s.gates.ResolveRefund(r.Context(), tenantID, &cmd)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, ev, nil
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !requireOps(w, r) {
		return
	}
	gateID := r.PathValue("id")
	s.idempotent(w, r, "gate.reconcile", func(body []byte) (int, any, error) {
		tenantID := PrincipalFrom(r.Context()).TenantID
		g, err := s.gates.Reconcile(r.Context(), tenantID, gateID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, g, nil
	})
}

func (s *Server) handleGetGate(w http.ResponseWriter, r *http.Request) {
	tenantID := PrincipalFrom(r.Context()).TenantID
	g, err := s.gates.Get(tenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, s.logger, "gate.get", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleReceiptsExport(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	receipts, err := s.receipts.Receipts(PrincipalFrom(r.Context()).TenantID, limit)
	if err != nil {
		writeDomainError(w, s.logger, "receipts.export", err)
		return
	}
	w.Header().Set("Content-Type", "application/jsonl")
	if err := export.WriteJSONL(w, receipts); err != nil {
		s.logger.Error("receipt export aborted", "err", err)
	}
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "sessions.create", func(body []byte) (int, any, error) {
		var req sessions.CreateRequest
		if err := s.schemas.validate("sessions/create", body, &req); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		sess, err := s.sessions.Create(r.Context(), tenantID, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, sess, nil
	})
}

func (s *Server) handleSessionAppend(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	expectedPrev := r.Header.Get(HeaderExpectedPrevChain)
	if expectedPrev == "" {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid,
			HeaderExpectedPrevChain+` header is required ("null" for empty streams)`,
			map[string]any{"phase": "sessions.append"})
		return
	}
	s.idempotent(w, r, "sessions.append", func(body []byte) (int, any, error) {
		var req sessions.AppendRequest
		if err := s.schemas.validate("sessions/append", body, &req); err != nil {
			return 0, nil, err
		}
		req.ExpectedPrevChainHash = expectedPrev
		tenantID := PrincipalFrom(r.Context()).TenantID
		e, err := s.sessions.Append(r.Context(), tenantID, sessionID, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, e, nil
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := PrincipalFrom(r.Context()).TenantID
	opts := eventlog.ListOptions{
		SinceEventID: r.URL.Query().Get("sinceEventId"),
		EventType:    r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "limit must be a non-negative integer", nil)
			return
		}
		opts.Limit = n
	}
	page, err := s.sessions.Events(r.Context(), tenantID, r.PathValue("id"), opts)
	if err != nil {
		writeDomainError(w, s.logger, "sessions.events", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleReplayPack(w http.ResponseWriter, r *http.Request) {
	tenantID := PrincipalFrom(r.Context()).TenantID
	pack, err := s.sessions.ReplayPackFor(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, s.logger, "sessions.replayPack", err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	tenantID := PrincipalFrom(r.Context()).TenantID
	tr, err := s.sessions.TranscriptFor(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, s.logger, "sessions.transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// jsonDecode parses a request body without a schema, rejecting invalid JSON
// at the boundary.
func jsonDecode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &schemaError{Path: "/", Message: "body is not valid JSON"}
	}
	return nil
}
