// Package auth verifies device-held Ed25519 keys: the proof-of-possession
// signature presented during token exchange and the freshness of the signed
// timestamp.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ParseDevicePublicKey accepts a base64-encoded Ed25519 public key, either as
// the 32 raw key bytes or DER/PKIX wrapped.
func ParseDevicePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode device public key: %w", err)
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse device public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("device public key is not ed25519")
	}
	return pub, nil
}

// VerifyDeviceSignature checks the base64 signature over the UTF-8 bytes
// "{nonce}.{timestamp}". Any malformed key or signature fails closed.
func VerifyDeviceSignature(encodedKey, nonce, timestamp, encodedSig string) bool {
	pub, err := ParseDevicePublicKey(encodedKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(encodedSig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(nonce+"."+timestamp), sig)
}

// CheckFreshness rejects timestamps whose absolute skew from server time
// exceeds the tolerance. Independent of signature validity: a correct
// signature over a stale timestamp is still rejected.
func CheckFreshness(timestamp string, now time.Time, tolerance time.Duration) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("parse signature timestamp: %w", err)
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("signature timestamp skew %s exceeds tolerance %s", skew, tolerance)
	}
	return nil
}
