package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/eventlog"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/idempotency"
	"github.com/settld-labs/settld/pkg/identity"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/sessions"
	"github.com/settld-labs/settld/pkg/settlement"
	"github.com/settld-labs/settld/pkg/tenants"
)

// Stable codes owned by the HTTP boundary itself.
const (
	CodeSchemaInvalid          = "SCHEMA_INVALID"
	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeProtocolUnsupported    = "PROTOCOL_VERSION_UNSUPPORTED"
	CodeRateLimited            = "RATE_LIMITED"
	CodeInternal               = "INTERNAL"
)

// Envelope is the error body on every 4xx/5xx response.
type Envelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteError writes the error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Code: code, Message: message, Details: details})
}

// writeDomainError maps a domain error onto status + stable code + details.
// Unrecognized errors become opaque 500s; the incident id links the response
// to the log line.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, phase string, err error) {
	details := map[string]any{"phase": phase}

	var te *gate.TransitionError
	if errors.As(err, &te) {
		details["reasonCode"] = te.Code
		if te.Expected != "" || te.Observed != "" {
			details["expected"] = te.Expected
			details["observed"] = te.Observed
		}
		status := http.StatusConflict
		switch te.Code {
		case gate.CodeGateNotFound:
			status = http.StatusNotFound
		case gate.CodeTokenInvalid:
			status = http.StatusUnauthorized
		case gate.CodeReserveRejected:
			status = http.StatusPaymentRequired
		}
		WriteError(w, status, te.Code, err.Error(), details)
		return
	}

	var ve *grants.ValidationError
	if errors.As(err, &ve) {
		details["reasonCode"] = ve.Reason
		WriteError(w, http.StatusForbidden, ve.Reason, err.Error(), details)
		return
	}

	var be *settlement.BindingError
	if errors.As(err, &be) {
		details["reasonCode"] = settlement.CodeBindingInvalid
		details["binding"] = be.Binding
		WriteError(w, http.StatusUnprocessableEntity, settlement.CodeBindingInvalid, err.Error(), details)
		return
	}

	var ic *idempotency.ConflictError
	if errors.As(err, &ic) {
		details["priorFingerprint"] = ic.PriorFingerprint
		WriteError(w, http.StatusConflict, idempotency.CodeConflict, err.Error(), details)
		return
	}

	var ce *eventlog.ConflictError
	if errors.As(err, &ce) {
		details["expected"] = ce.Expected
		details["observed"] = ce.Observed
		WriteError(w, http.StatusConflict, eventlog.CodeAppendConflict, err.Error(), details)
		return
	}

	switch {
	case errors.Is(err, tenants.ErrAuthRequired):
		WriteError(w, http.StatusUnauthorized, tenants.CodeAuthRequired, "authentication required", details)
	case errors.Is(err, tenants.ErrTenantMismatch):
		WriteError(w, http.StatusForbidden, tenants.CodeTenantMismatch, "credential is scoped to another tenant", details)
	case errors.Is(err, identity.ErrAgentNotFound):
		WriteError(w, http.StatusNotFound, identity.CodeAgentNotFound, "agent not found", details)
	case errors.Is(err, identity.ErrAgentSuspended):
		WriteError(w, http.StatusForbidden, identity.CodeAgentSuspended, "agent is suspended", details)
	case errors.Is(err, identity.ErrAgentThrottled):
		WriteError(w, http.StatusTooManyRequests, identity.CodeAgentThrottled, "agent request rate exceeded", details)
	case errors.Is(err, sessions.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, sessions.CodeSessionNotFound, "session not found", details)
	case errors.Is(err, eventlog.ErrCursorNotFound):
		WriteError(w, http.StatusNotFound, eventlog.CodeCursorNotFound, err.Error(), details)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		details["reasonCode"] = ledger.CodeInsufficientFunds
		WriteError(w, http.StatusConflict, ledger.CodeInsufficientFunds, err.Error(), details)
	case errors.Is(err, ledger.ErrCurrencyMismatch):
		WriteError(w, http.StatusUnprocessableEntity, ledger.CodeCurrencyMismatch, err.Error(), details)
	default:
		id := uuid.NewString()
		logger.Error("internal error", "incidentId", id, "phase", phase, "err", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error", map[string]any{"incidentId": id})
	}
}
