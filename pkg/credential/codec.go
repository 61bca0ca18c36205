// Package credential generates and hashes agent credentials. Raw secrets are
// never persisted; storage only ever sees the keyed hash.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	apiKeyNamespace      = "ap"
	accessTokenNamespace = "at"
	prefixTagBytes       = 6
	secretBytes          = 32
	recoveryCodeBytes    = 8
	RecoveryCodeCount    = 10
)

type Config struct {
	// HashSalt keys the one-way hash. Injected explicitly; the codec never
	// reads the environment.
	HashSalt string
}

type Codec struct {
	salt []byte
}

func NewCodec(cfg Config) (*Codec, error) {
	if strings.TrimSpace(cfg.HashSalt) == "" {
		return nil, errors.New("credential: hash salt is required")
	}
	return &Codec{salt: []byte(cfg.HashSalt)}, nil
}

// GenerateAPIKey returns the one-time plaintext key "ap_<tag>_<secret>" and
// its public lookup prefix "ap_<tag>".
func (c *Codec) GenerateAPIKey() (plaintext, prefix string, err error) {
	tag, err := randomToken(prefixTagBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate key tag: %w", err)
	}
	secret, err := randomToken(secretBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate key secret: %w", err)
	}
	prefix = apiKeyNamespace + "_" + tag
	return prefix + "_" + secret, prefix, nil
}

// GenerateAccessToken returns a short-lived bearer token in its own
// namespace so a token can never be mistaken for an API key.
func (c *Codec) GenerateAccessToken() (string, error) {
	secret, err := randomToken(secretBytes)
	if err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return accessTokenNamespace + "_" + secret, nil
}

// GenerateRecoveryCodes returns single-use recovery codes. Callers store only
// the hashes.
func (c *Codec) GenerateRecoveryCodes() ([]string, error) {
	codes := make([]string, 0, RecoveryCodeCount)
	for i := 0; i < RecoveryCodeCount; i++ {
		code, err := randomToken(recoveryCodeBytes)
		if err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		codes = append(codes, "rc_"+code)
	}
	return codes, nil
}

// HashSecret produces the keyed one-way hash stored in place of any secret.
func (c *Codec) HashSecret(secret string) string {
	mac := hmac.New(sha256.New, c.salt)
	_, _ = mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// LookupPrefix derives the non-secret lookup tag from a full API key: the
// first two underscore-delimited segments. Returns false for anything that
// does not have the key shape.
func LookupPrefix(plaintext string) (string, bool) {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyNamespace || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[0] + "_" + parts[1], true
}

// IsAccessToken reports whether the bearer credential carries the access
// token namespace.
func IsAccessToken(plaintext string) bool {
	return strings.HasPrefix(plaintext, accessTokenNamespace+"_")
}

// Equal compares two hash strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
