package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Caller is the identity a bearer token resolves to. It travels on the
// request context for downstream handlers and, via EnvironmentAttributes,
// can be folded into a decision's environment attribute bag so policies
// can reference the caller that attached the request, not just the
// actor/subject the request body names.
type Caller struct {
	Subject string
	Roles   []string
	Tenant  string
}

// EnvironmentAttributes projects the caller onto the flat string-keyed
// bag pkg/attribute resolves environment_attribute references against.
func (c Caller) EnvironmentAttributes() map[string]any {
	return map[string]any{
		"caller_subject": c.Subject,
		"caller_roles":   c.Roles,
		"caller_tenant":  c.Tenant,
	}
}

type contextKey string

const callerContextKey contextKey = "abac.caller"

// MiddlewareConfig carries the OIDC verification parameters: the JWKS
// endpoint for RS256 mode, and the issuer/audience every mode checks.
type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.JWKSURL = strings.TrimSpace(url) }
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Timeout = timeout }
}

// Middleware builds a bearer-token-verifying http.Handler wrapper for one
// of three modes: "off" (injects an anonymous Caller without checking
// anything — callers must gate this with their own production guard),
// "oidc_hs256" (HMAC-signed tokens verified against secret), and
// "oidc_rs256" (RSA-signed tokens verified against a JWKS endpoint, cached
// and refreshed by a background-free, on-demand jwksCache).
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}

	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				anon := Caller{Subject: "anonymous", Roles: []string{"anonymous"}}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), anon)))
			})
		}
	}

	var jwks *jwksCache
	if mode == "oidc_rs256" {
		jwks = newJWKSCache(cfg.JWKSURL, cfg.Timeout)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := verifyBearer(mode, token, secret, cfg, jwks)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			caller := Caller{Subject: claims.Sub, Roles: claims.Roles, Tenant: claims.Tenant}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[len("Bearer "):]), true
}

func verifyBearer(mode, token, secret string, cfg MiddlewareConfig, jwks *jwksCache) (TokenClaims, error) {
	switch mode {
	case "oidc_hs256":
		return VerifyHS256Token(token, secret, time.Now().UTC(), cfg.Issuer, cfg.Audience)
	case "oidc_rs256":
		return VerifyRS256Token(token, time.Now().UTC(), jwks, cfg.Issuer, cfg.Audience)
	default:
		return TokenClaims{}, errors.New("unsupported auth mode")
	}
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	v := ctx.Value(callerContextKey)
	if v == nil {
		return Caller{}, false
	}
	c, ok := v.(Caller)
	return c, ok
}

// HasAnyRole reports whether p holds at least one of the required roles,
// matched case-insensitively. No required roles means every caller passes.
func HasAnyRole(p Caller, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	held := map[string]struct{}{}
	for _, r := range p.Roles {
		held[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, want := range required {
		if _, ok := held[strings.ToLower(strings.TrimSpace(want))]; ok {
			return true
		}
	}
	return false
}
