// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization. Every hash, signature, and chain link in the system is
// computed over the bytes this package produces; callers must never fall
// back to a non-canonical encoding.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/gowebpki/jcs"
)

// ErrNonFinite is returned when a value contains NaN or ±Inf.
var ErrNonFinite = errors.New("canonical: non-finite number is not representable")

// ErrNonStringKey is returned when a map key is not a string.
var ErrNonStringKey = errors.New("canonical: object keys must be strings")

// Marshal returns the RFC 8785 canonical JSON representation of v.
//
// Object keys are sorted by UTF-16 code units, integers ≤ 2^53 are emitted
// without exponent, HTML escaping is disabled, and array order is preserved.
// NaN, ±Inf, and non-string map keys are rejected.
func Marshal(v any) ([]byte, error) {
	if err := checkRepresentable(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes and returns it hex-encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MustHash is Hash for values the caller has already validated.
// It panics on encoding failure and is reserved for static fixtures.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

const maxDepth = 64

// checkRepresentable walks v rejecting values RFC 8785 cannot express.
// encoding/json already rejects NaN/Inf, but with an opaque
// UnsupportedValueError; we fail earlier with a stable sentinel so the
// settlement kernel can map it to a deterministic error code.
func checkRepresentable(v reflect.Value, depth int) error {
	if depth > maxDepth {
		return errors.New("canonical: value nesting too deep")
	}
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrNonFinite
		}
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return checkRepresentable(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkRepresentable(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return ErrNonStringKey
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := checkRepresentable(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := checkRepresentable(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
