package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Sign produces a detached base64 Ed25519 signature over the raw digest
// named by hashHex. The digest is always a hex SHA-256 of canonical bytes;
// signing the decoded digest keeps the surface independent of hex casing.
func Sign(hashHex, privatePEM string) (string, error) {
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("crypto: hash is not hex: %w", err)
	}
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a detached base64 signature over the digest named by hashHex.
// A malformed signature or key verifies false with the decode error attached.
func Verify(hashHex, signatureB64, publicPEM string) (bool, error) {
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return false, fmt.Errorf("crypto: hash is not hex: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("crypto: signature is not base64: %w", err)
	}
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return false, err
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("crypto: signature size %d, want %d", len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(pub, digest, sig), nil
}
