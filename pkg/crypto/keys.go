// Package crypto provides the Ed25519 signing primitives used by every
// artifact in the system, plus the signer-lifecycle table consulted by the
// verifier to distinguish "invalid at signing" from "invalid now".
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	pemTypePublic  = "PUBLIC KEY"
	pemTypePrivate = "PRIVATE KEY"
)

// ErrNotEd25519 is returned when a PEM block decodes to a non-Ed25519 key.
var ErrNotEd25519 = errors.New("crypto: key is not Ed25519")

// KeyPair holds a PEM-encoded Ed25519 keypair and its derived key id.
type KeyPair struct {
	PublicPEM  string
	PrivatePEM string
	KeyID      string
}

// GenerateKeyPair creates a new Ed25519 keypair. The KeyID is the hex
// SHA-256 of the DER SPKI encoding of the public key.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: SPKI encoding failed: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: PKCS8 encoding failed: %w", err)
	}
	sum := sha256.Sum256(pubDER)
	return &KeyPair{
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: pubDER})),
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: privDER})),
		KeyID:      hex.EncodeToString(sum[:]),
	}, nil
}

// KeyID derives the key id from a PEM-encoded public key.
// keyId = hex SHA-256 of the canonical DER SPKI bytes.
func KeyID(publicPEM string) (string, error) {
	der, err := decodePEM(publicPEM, pemTypePublic)
	if err != nil {
		return "", err
	}
	// Round-trip through x509 so the digest covers canonical SPKI bytes
	// regardless of how the caller serialized the PEM.
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", fmt.Errorf("crypto: invalid SPKI: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return "", ErrNotEd25519
	}
	canonical, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ParsePublicKey decodes a PEM SPKI Ed25519 public key.
func ParsePublicKey(publicPEM string) (ed25519.PublicKey, error) {
	der, err := decodePEM(publicPEM, pemTypePublic)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return pub, nil
}

// ParsePrivateKey decodes a PEM PKCS8 Ed25519 private key.
func ParsePrivateKey(privatePEM string) (ed25519.PrivateKey, error) {
	der, err := decodePEM(privatePEM, pemTypePrivate)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return priv, nil
}

func decodePEM(s, wantType string) ([]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("crypto: unexpected PEM type %q, want %q", block.Type, wantType)
	}
	return block.Bytes, nil
}
