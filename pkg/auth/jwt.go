package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenClaims is the subset of a JWT's claim set this module understands:
// enough to build a Caller and check standard temporal/issuer/audience
// validity. Unrecognized claims are ignored.
type TokenClaims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
	Tenant string   `json:"tenant"`
	Iss    string   `json:"iss,omitempty"`
	Aud    any      `json:"aud,omitempty"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
	Iat    int64    `json:"iat,omitempty"`
}

// decodeClaims extracts the claims both HS256 and RS256 verification care
// about from a decoded JWT payload, tolerating a single-string "roles"
// claim as a one-element list — some issuers emit a bare string for a
// caller with exactly one role.
func decodeClaims(payloadRaw []byte) (TokenClaims, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &raw); err != nil {
		return TokenClaims{}, err
	}
	var claims TokenClaims
	unmarshalInto(raw, "sub", &claims.Sub)
	unmarshalInto(raw, "tenant", &claims.Tenant)
	unmarshalInto(raw, "iss", &claims.Iss)
	unmarshalInto(raw, "exp", &claims.Exp)
	unmarshalInto(raw, "nbf", &claims.Nbf)
	unmarshalInto(raw, "iat", &claims.Iat)
	if r, ok := raw["roles"]; ok {
		if err := json.Unmarshal(r, &claims.Roles); err != nil {
			var single string
			if err2 := json.Unmarshal(r, &single); err2 == nil && single != "" {
				claims.Roles = []string{single}
			}
		}
	}
	if r, ok := raw["aud"]; ok {
		var aud any
		_ = json.Unmarshal(r, &aud)
		claims.Aud = aud
	}
	return claims, nil
}

func unmarshalInto(raw map[string]json.RawMessage, key string, dest any) {
	if r, ok := raw[key]; ok {
		_ = json.Unmarshal(r, dest)
	}
}

// checkTemporalAndScope validates exp/nbf and, when non-empty, the issuer
// and audience — the checks VerifyHS256Token and VerifyRS256Token share
// once they've confirmed the signature.
func checkTemporalAndScope(claims TokenClaims, now time.Time, issuer, audience string) error {
	if claims.Sub == "" {
		return errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return errors.New("token not active")
	}
	if issuer != "" && claims.Iss != issuer {
		return errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(claims.Aud, audience) {
		return errors.New("audience mismatch")
	}
	return nil
}

// splitToken splits a compact JWT into its three base64url segments and
// decodes the header and payload; signingInput is the header.payload
// substring the signature was computed over.
func splitToken(token string) (headerRaw, payloadRaw, sig []byte, signingInput string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, nil, "", errors.New("invalid token format")
	}
	if headerRaw, err = base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, "", err
	}
	if payloadRaw, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, "", err
	}
	if sig, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, "", err
	}
	return headerRaw, payloadRaw, sig, parts[0] + "." + parts[1], nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	headerRaw, payloadRaw, sig, signingInput, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	claims, err := decodeClaims(payloadRaw)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := checkTemporalAndScope(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

func VerifyRS256Token(token string, now time.Time, jwks *jwksCache, issuer, audience string) (TokenClaims, error) {
	headerRaw, payloadRaw, sig, signingInput, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "RS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	if strings.TrimSpace(header.Kid) == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := jwks.key(context.Background(), header.Kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	h := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
		return TokenClaims{}, err
	}
	claims, err := decodeClaims(payloadRaw)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := checkTemporalAndScope(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

// jwksCache fetches and caches a JWKS document's RSA keys by kid, refetching
// once the cache entry's 5-minute lifetime expires.
type jwksCache struct {
	url       string
	timeout   time.Duration
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	client    *http.Client
}

func newJWKSCache(jwksURL string, timeout time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jwksCache{
		url:     jwksURL,
		timeout: timeout,
		keys:    map[string]*rsa.PublicKey{},
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil {
		return nil, errors.New("jwks cache is nil")
	}
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, now); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.expiresAt) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	c.keys = next
	c.expiresAt = now.Add(5 * time.Minute)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// IsValidURL reports whether raw parses as an absolute URL with a scheme
// and host — the shape a JWKS endpoint must have.
func IsValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}
