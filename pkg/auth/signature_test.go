package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"testing"
	"time"
)

func newTestKeyPair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(pub), priv
}

func TestVerifyDeviceSignature(t *testing.T) {
	pubB64, priv := newTestKeyPair(t)
	nonce := "n-12345"
	timestamp := "2026-08-28T10:00:00Z"
	sig := ed25519.Sign(priv, []byte(nonce+"."+timestamp))
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	if !VerifyDeviceSignature(pubB64, nonce, timestamp, sigB64) {
		t.Fatalf("valid signature rejected")
	}
	if VerifyDeviceSignature(pubB64, "other-nonce", timestamp, sigB64) {
		t.Fatalf("signature accepted for wrong nonce")
	}
	if VerifyDeviceSignature(pubB64, nonce, "2026-08-28T10:00:01Z", sigB64) {
		t.Fatalf("signature accepted for wrong timestamp")
	}
}

func TestVerifyDeviceSignatureFailsClosed(t *testing.T) {
	pubB64, priv := newTestKeyPair(t)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("n.t")))
	cases := []struct {
		name string
		key  string
		sig  string
	}{
		{"garbage key", "not-base64!!", sig},
		{"short key", base64.StdEncoding.EncodeToString([]byte("short")), sig},
		{"garbage signature", pubB64, "not-base64!!"},
		{"short signature", pubB64, base64.StdEncoding.EncodeToString([]byte("short"))},
		{"empty everything", "", ""},
	}
	for _, tc := range cases {
		if VerifyDeviceSignature(tc.key, "n", "t", tc.sig) {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestParseDevicePublicKeyDER(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseDevicePublicKey(base64.StdEncoding.EncodeToString(der))
	if err != nil {
		t.Fatalf("parse DER key: %v", err)
	}
	if !parsed.Equal(pub) {
		t.Fatalf("parsed key differs from original")
	}
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	tolerance := 90 * time.Second

	if err := CheckFreshness("2026-08-28T09:59:00Z", now, tolerance); err != nil {
		t.Fatalf("in-tolerance past timestamp rejected: %v", err)
	}
	if err := CheckFreshness("2026-08-28T10:01:30Z", now, tolerance); err != nil {
		t.Fatalf("in-tolerance future timestamp rejected: %v", err)
	}
	if err := CheckFreshness("2026-08-28T09:58:29Z", now, tolerance); err == nil {
		t.Fatalf("stale timestamp accepted")
	}
	if err := CheckFreshness("2026-08-28T10:01:31Z", now, tolerance); err == nil {
		t.Fatalf("future-skewed timestamp accepted")
	}
	if err := CheckFreshness("yesterday", now, tolerance); err == nil {
		t.Fatalf("malformed timestamp accepted")
	}
}

// A correct signature with a stale timestamp must still be rejected by the
// pair of checks.
func TestSignatureAndFreshnessAreIndependent(t *testing.T) {
	pubB64, priv := newTestKeyPair(t)
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	staleTS := "2026-08-28T08:00:00Z"
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("n."+staleTS)))

	if !VerifyDeviceSignature(pubB64, "n", staleTS, sig) {
		t.Fatalf("signature itself should verify")
	}
	if err := CheckFreshness(staleTS, now, time.Minute); err == nil {
		t.Fatalf("freshness check must reject the stale timestamp")
	}
}
