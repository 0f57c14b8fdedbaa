// Package jwks provides a consign.TokenVerifier backed by a JSON Web Key Set.
//
// RSA public keys are fetched from a standard JWKS endpoint (RFC 7517) and
// cached; RS256 signatures are verified locally. The session manager uses it
// to reject tampered or foreign tokens found in the credential store.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	consign "github.com/chimerakang/consign-go"
)

// Verifier implements consign.TokenVerifier using JWKS public keys.
type Verifier struct {
	jwksURL         string
	httpClient      *http.Client
	refreshInterval time.Duration
	issuer          string
	logger          *slog.Logger

	fetch singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey // kid → public key
	lastFetch time.Time
}

// compile-time check
var _ consign.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client for fetching the key set.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithRefreshInterval sets how often cached keys are refreshed.
// Default: 1 hour.
func WithRefreshInterval(d time.Duration) Option {
	return func(v *Verifier) { v.refreshInterval = d }
}

// WithIssuer rejects tokens whose iss claim differs.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithLogger sets the logger used for key-set refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a JWKS-based token verifier.
func NewVerifier(jwksURL string, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL:         jwksURL,
		httpClient:      http.DefaultClient,
		refreshInterval: 1 * time.Hour,
		logger:          slog.Default(),
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify validates a JWT and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*consign.Claims, error) {
	popts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.NewParser(popts...).Parse(tokenString, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.getKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("consign/jwks: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("consign/jwks: invalid token claims")
	}
	return ClaimsFromMap(mapClaims), nil
}

// getKey returns the key for kid, refreshing the cached set when kid is
// unknown or the set is stale.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, found := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.refreshInterval
	v.mu.RUnlock()

	if found && !stale {
		return key, nil
	}

	// Concurrent verifications share one fetch.
	_, err, _ := v.fetch.Do("jwks", func() (any, error) {
		return nil, v.refresh(ctx)
	})
	if err != nil {
		if found {
			v.logger.Warn("consign/jwks: using stale key", "kid", kid, "error", err)
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if key, ok := v.keys[kid]; ok {
		return key, nil
	}

	// No kid in the token header: a single-key set is unambiguous.
	if kid == "" && len(v.keys) == 1 {
		for _, k := range v.keys {
			return k, nil
		}
	}

	return nil, fmt.Errorf("consign/jwks: key not found for kid %q", kid)
}

func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("consign/jwks: create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("consign/jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("consign/jwks: fetch returned status %d", resp.StatusCode)
	}

	var set keySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("consign/jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			v.logger.Debug("consign/jwks: skipping malformed key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("consign/jwks: no valid RSA signing keys found")
	}

	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}

type keySet struct {
	Keys []key `json:"keys"`
}

type key struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *key) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// Claim names read by ClaimsFromMap, besides the registered ones.
const (
	ClaimEmail          = "email"
	ClaimRole           = "role"
	ClaimRoles          = "roles"
	ClaimOrganizationID = "organization_id"
	ClaimShopID         = "shop_id"
)

var known = map[string]bool{
	"sub": true, "iss": true, "exp": true, "iat": true,
	"aud": true, "nbf": true, "jti": true,
	ClaimEmail: true, ClaimRole: true, ClaimRoles: true,
	ClaimOrganizationID: true, ClaimShopID: true,
}

// ClaimsFromMap converts verified JWT claims. The role comes from "role", or
// the first recognised entry of "roles"; unrecognised roles are RoleUnknown.
// Unknown claims are kept in Extra.
func ClaimsFromMap(m jwt.MapClaims) *consign.Claims {
	c := &consign.Claims{Extra: make(map[string]any)}

	c.Subject, _ = m["sub"].(string)
	c.Email, _ = m[ClaimEmail].(string)
	c.Issuer, _ = m["iss"].(string)
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}

	if s, ok := m[ClaimRole].(string); ok {
		c.Role, _ = consign.ParseRole(s)
	} else if roles, ok := m[ClaimRoles].([]any); ok {
		for _, r := range roles {
			s, _ := r.(string)
			if role, ok := consign.ParseRole(s); ok {
				c.Role = role
				break
			}
		}
	}

	if s, ok := m[ClaimOrganizationID].(string); ok {
		c.OrganizationID = s
	} else if s, ok := m[ClaimShopID].(string); ok {
		c.OrganizationID = s
	}

	for k, v := range m {
		if !known[k] {
			c.Extra[k] = v
		}
	}
	return c
}
