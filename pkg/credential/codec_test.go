package credential

import (
	"strings"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(Config{HashSalt: "unit-test-salt"})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return codec
}

func TestNewCodecRequiresSalt(t *testing.T) {
	if _, err := NewCodec(Config{HashSalt: "  "}); err == nil {
		t.Fatalf("expected error for empty salt")
	}
}

func TestGenerateAPIKeyShape(t *testing.T) {
	codec := newTestCodec(t)
	plaintext, prefix, err := codec.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(plaintext, "ap_") {
		t.Fatalf("key missing namespace: %q", plaintext)
	}
	if !strings.HasPrefix(plaintext, prefix+"_") {
		t.Fatalf("key %q does not start with prefix %q", plaintext, prefix)
	}
	derived, ok := LookupPrefix(plaintext)
	if !ok || derived != prefix {
		t.Fatalf("derived prefix %q (ok=%v), want %q", derived, ok, prefix)
	}
	secret := strings.TrimPrefix(plaintext, prefix+"_")
	if len(secret) < 43 { // 32 raw bytes, url-safe encoded
		t.Fatalf("secret too short: %d chars", len(secret))
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	codec := newTestCodec(t)
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		plaintext, _, err := codec.GenerateAPIKey()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, dup := seen[plaintext]; dup {
			t.Fatalf("duplicate key generated")
		}
		seen[plaintext] = struct{}{}
	}
}

func TestAccessTokenNamespace(t *testing.T) {
	codec := newTestCodec(t)
	token, err := codec.GenerateAccessToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !IsAccessToken(token) {
		t.Fatalf("token %q not recognized as access token", token)
	}
	plaintext, _, err := codec.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if IsAccessToken(plaintext) {
		t.Fatalf("api key %q misclassified as access token", plaintext)
	}
}

func TestHashSecretDeterministicAndSalted(t *testing.T) {
	codec := newTestCodec(t)
	other, err := NewCodec(Config{HashSalt: "different-salt"})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	h1 := codec.HashSecret("ap_abc_secret")
	h2 := codec.HashSecret("ap_abc_secret")
	if h1 != h2 {
		t.Fatalf("hash not deterministic")
	}
	if h1 == other.HashSecret("ap_abc_secret") {
		t.Fatalf("hash ignores salt")
	}
	if h1 == codec.HashSecret("ap_abc_secreT") {
		t.Fatalf("hash collision on mutated secret")
	}
}

func TestLookupPrefixRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "ap_", "ap_tag", "at_tag_secret", "plain", "ap__secret", "ap_tag_"} {
		if _, ok := LookupPrefix(raw); ok {
			t.Fatalf("expected rejection of %q", raw)
		}
	}
}

func TestGenerateRecoveryCodes(t *testing.T) {
	codec := newTestCodec(t)
	codes, err := codec.GenerateRecoveryCodes()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(codes) != RecoveryCodeCount {
		t.Fatalf("got %d codes, want %d", len(codes), RecoveryCodeCount)
	}
	seen := map[string]struct{}{}
	for _, code := range codes {
		if !strings.HasPrefix(code, "rc_") {
			t.Fatalf("code missing namespace: %q", code)
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("duplicate recovery code")
		}
		seen[code] = struct{}{}
	}
}

func TestEqualConstantTimeSemantics(t *testing.T) {
	if !Equal("abc", "abc") {
		t.Fatalf("equal strings reported unequal")
	}
	if Equal("abc", "abd") || Equal("abc", "ab") {
		t.Fatalf("unequal strings reported equal")
	}
}
