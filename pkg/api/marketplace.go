package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/settld-labs/settld/pkg/artifacts"
)

// handleToolPublish registers a signed tool manifest. The manifest is
// immutable: republishing a toolId with a different hash conflicts with the
// idempotency layer rather than mutating the listing.
func (s *Server) handleToolPublish(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "tools.publish", func(body []byte) (int, any, error) {
		var m artifacts.ToolManifest
		if err := s.schemas.validate("tools/publish", body, &m); err != nil {
			return 0, nil, err
		}
		if err := s.verifySeal("/manifestHash", m.ManifestHash, m.Signature, m.SignerKeyID,
			s.clock().UTC(), m.ComputeHash); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID
		s.artifactMu.Lock()
		s.manifests[tenantID+"/"+m.ToolID] = &m
		s.artifactMu.Unlock()
		return http.StatusCreated, map[string]any{"toolId": m.ToolID, "manifestHash": m.ManifestHash}, nil
	})
}

// handleToolList returns the tenant's published manifests, optionally
// filtered by capability. Ordering is by toolId so pages are reproducible.
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	tenantID := PrincipalFrom(r.Context()).TenantID
	capability := r.URL.Query().Get("capability")

	s.artifactMu.RLock()
	tools := make([]*artifacts.ToolManifest, 0)
	for key, m := range s.manifests {
		if !strings.HasPrefix(key, tenantID+"/") {
			continue
		}
		if capability != "" && !slices.Contains(m.Capabilities, capability) {
			continue
		}
		tools = append(tools, m)
	}
	s.artifactMu.RUnlock()

	slices.SortFunc(tools, func(a, b *artifacts.ToolManifest) int {
		return strings.Compare(a.ToolID, b.ToolID)
	})
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// handleQuote records a provider's signed quote against a published manifest.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("toolId")
	s.idempotent(w, r, "marketplace.quote", func(body []byte) (int, any, error) {
		var q artifacts.Quote
		if err := jsonDecode(body, &q); err != nil {
			return 0, nil, err
		}
		if q.ToolID != toolID {
			return 0, nil, &schemaError{Path: "/toolId", Message: "quote names a different tool than the route"}
		}
		tenantID := PrincipalFrom(r.Context()).TenantID

		s.artifactMu.RLock()
		m := s.manifests[tenantID+"/"+toolID]
		s.artifactMu.RUnlock()
		if m == nil || m.ManifestHash != q.ToolManifestHash {
			return 0, nil, &schemaError{Path: "/toolManifestHash", Message: "quote does not pin a published manifest"}
		}
		if err := s.verifySeal("/quoteHash", q.QuoteHash, q.Signature, q.SignerKeyID,
			s.clock().UTC(), q.ComputeHash); err != nil {
			return 0, nil, err
		}

		s.artifactMu.Lock()
		s.quotes[tenantID+"/"+q.QuoteID] = &q
		s.artifactMu.Unlock()
		return http.StatusCreated, map[string]any{"quoteId": q.QuoteID, "quoteHash": q.QuoteHash}, nil
	})
}

// handleOffer records a requester's commitment to a stored quote.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "marketplace.offer", func(body []byte) (int, any, error) {
		var o artifacts.Offer
		if err := jsonDecode(body, &o); err != nil {
			return 0, nil, err
		}
		tenantID := PrincipalFrom(r.Context()).TenantID

		s.artifactMu.RLock()
		q := s.quotes[tenantID+"/"+o.QuoteID]
		s.artifactMu.RUnlock()
		if q == nil || q.QuoteHash != o.QuoteHash {
			return 0, nil, &schemaError{Path: "/quoteHash", Message: "offer does not pin a stored quote"}
		}
		if o.AmountCents != q.AmountCents || o.Currency != q.Currency {
			return 0, nil, &schemaError{Path: "/amountCents", Message: "offer terms differ from the quote"}
		}
		if err := s.verifySeal("/offerHash", o.OfferHash, o.Signature, o.SignerKeyID,
			s.clock().UTC(), o.ComputeHash); err != nil {
			return 0, nil, err
		}

		s.artifactMu.Lock()
		s.offers[tenantID+"/"+o.OfferID] = &o
		s.artifactMu.Unlock()
		return http.StatusCreated, map[string]any{"offerId": o.OfferID, "offerHash": o.OfferHash}, nil
	})
}

// handleAcceptance closes an offer with the provider's counter-commitment.
func (s *Server) handleAcceptance(w http.ResponseWriter, r *http.Request) {
	offerID := r.PathValue("id")
	s.idempotent(w, r, "marketplace.accept", func(body []byte) (int, any, error) {
		var a artifacts.Acceptance
		if err := jsonDecode(body, &a); err != nil {
			return 0, nil, err
		}
		if a.OfferID != offerID {
			return 0, nil, &schemaError{Path: "/offerId", Message: "acceptance names a different offer than the route"}
		}
		tenantID := PrincipalFrom(r.Context()).TenantID

		s.artifactMu.RLock()
		o := s.offers[tenantID+"/"+offerID]
		s.artifactMu.RUnlock()
		if o == nil || o.OfferHash != a.OfferHash {
			return 0, nil, &schemaError{Path: "/offerHash", Message: "acceptance does not pin a stored offer"}
		}
		if err := s.verifySeal("/acceptanceHash", a.AcceptanceHash, a.Signature, a.SignerKeyID,
			s.clock().UTC(), a.ComputeHash); err != nil {
			return 0, nil, err
		}

		s.artifactMu.Lock()
		s.acceptances[tenantID+"/"+a.AcceptanceID] = &a
		s.artifactMu.Unlock()
		return http.StatusCreated, map[string]any{
			"acceptanceId":   a.AcceptanceID,
			"acceptanceHash": a.AcceptanceHash,
			"offerHash":      a.OfferHash,
		}, nil
	})
}
