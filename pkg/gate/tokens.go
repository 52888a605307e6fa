package gate

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const tokenIssuer = "settld/x402"

// ErrTokenBinding is returned when a token's claims do not bind the gate
// being transitioned.
var ErrTokenBinding = errors.New("gate: token does not bind this gate")

// DecisionClaims is a wallet authorization decision token: proof that the
// wallet holder approved this exact gate, policy version, amount, and
// currency.
type DecisionClaims struct {
	jwt.RegisteredClaims
	GateID        string `json:"gateId"`
	PolicyVersion string `json:"policyVersion"`
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
}

// OverrideClaims is a single-use escalation override token. Its JTI is
// burned on the authorize it permits.
type OverrideClaims struct {
	jwt.RegisteredClaims
	GateID        string `json:"gateId"`
	PolicyVersion string `json:"policyVersion"`
	AmountCents   int64  `json:"amountCents"`
}

// TokenIssuer signs and validates gate tokens. Decision and override tokens
// are MACed under distinct HKDF-derived keys so one class never validates as
// the other.
type TokenIssuer struct {
	decisionKey []byte
	overrideKey []byte
	clock       func() time.Time
}

// NewTokenIssuer derives the per-class MAC keys from the shared secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{
		decisionKey: deriveKey(secret, "settld/x402/decision"),
		overrideKey: deriveKey(secret, "settld/x402/override"),
		clock:       time.Now,
	}
}

func deriveKey(secret []byte, info string) []byte {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		panic(err)
	}
	return key
}

// WithClock overrides the issuer clock for deterministic tests.
func (ti *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	ti.clock = clock
	return ti
}

// IssueDecision mints a wallet authorization decision token.
func (ti *TokenIssuer) IssueDecision(gateID, policyVersion string, amountCents int64, currency string, ttl time.Duration) (string, error) {
	now := ti.clock().UTC()
	claims := DecisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   gateID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		GateID:        gateID,
		PolicyVersion: policyVersion,
		AmountCents:   amountCents,
		Currency:      currency,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.decisionKey)
}

// ValidateDecision parses a decision token and checks its gate bindings.
func (ti *TokenIssuer) ValidateDecision(token, gateID, policyVersion string, amountCents int64, currency string) error {
	var claims DecisionClaims
	if err := ti.parse(token, ti.decisionKey, &claims); err != nil {
		return err
	}
	if claims.GateID != gateID || claims.PolicyVersion != policyVersion ||
		claims.AmountCents != amountCents || claims.Currency != currency {
		return ErrTokenBinding
	}
	return nil
}

// IssueOverride mints a single-use escalation override token.
func (ti *TokenIssuer) IssueOverride(jti, gateID, policyVersion string, amountCents int64, ttl time.Duration) (string, error) {
	now := ti.clock().UTC()
	claims := OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    tokenIssuer,
			Subject:   gateID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		GateID:        gateID,
		PolicyVersion: policyVersion,
		AmountCents:   amountCents,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.overrideKey)
}

// ValidateOverride parses an override token, checks its bindings, and
// returns the JTI for single-use burning.
func (ti *TokenIssuer) ValidateOverride(token, gateID, policyVersion string, amountCents int64) (string, error) {
	var claims OverrideClaims
	if err := ti.parse(token, ti.overrideKey, &claims); err != nil {
		return "", err
	}
	if claims.GateID != gateID || claims.PolicyVersion != policyVersion || claims.AmountCents != amountCents {
		return "", ErrTokenBinding
	}
	if claims.ID == "" {
		return "", ErrTokenBinding
	}
	return claims.ID, nil
}

func (ti *TokenIssuer) parse(token string, key []byte, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithTimeFunc(func() time.Time { return ti.clock() }), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	return nil
}
