// Package hardening refuses to start a production-like deployment that still
// carries development settings: plaintext database or redis transport,
// wildcard or localhost CORS, or a missing service secret such as the
// credential hash salt. Strict mode is on by default in production and
// staging and must be disabled explicitly.
package hardening

import (
	"fmt"
	"os"
	"strings"
)

// EnvRequirement names a secret the service cannot start without.
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values the checks read. Values stay
// strings so the caller's env handling and the validation rules cannot
// drift apart.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// FromEnv collects the standard gateway startup inputs. Secrets are passed in
// by the caller because their names differ per service.
func FromEnv(service string, secrets ...EnvRequirement) Options {
	return Options{
		Service:                service,
		Environment:            os.Getenv("APP_ENV"),
		StrictProdSecurity:     os.Getenv("STRICT_PROD_SECURITY"),
		DatabaseRequireTLS:     os.Getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisRequireTLS:        os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:       os.Getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS:  os.Getenv("REDIS_ALLOW_INSECURE_TLS"),
		CORSAllowedOrigins:     os.Getenv("CORS_ALLOWED_ORIGINS"),
		RequiredServiceSecrets: secrets,
	}
}

// ValidateProduction runs every check. Outside production-like environments,
// or when strict mode is switched off, it validates nothing.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	return validateRequiredSecrets(o.RequiredServiceSecrets, service)
}

func validateRequiredSecrets(secrets []EnvRequirement, service string) error {
	for _, req := range secrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	origins := strings.Split(raw, ",")
	if len(origins) == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
