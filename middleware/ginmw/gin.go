// Package ginmw provides Gin middleware for services that accept consign
// bearer tokens.
//
// Auth verifies the token with any consign.TokenVerifier (jwks in
// production, the fake server's HMAC verifier in tests) and exposes the
// caller's profile to handlers.
package ginmw

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	consign "github.com/chimerakang/consign-go"
)

// Context keys for storing consign data in gin.Context.
const (
	KeyClaims  = "consign_claims"
	KeyProfile = "consign_profile"
)

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
	accept        func(token string) bool
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// WithRevocationCheck rejects verified tokens for which accept returns false.
func WithRevocationCheck(accept func(token string) bool) AuthOption {
	return func(cfg *authConfig) { cfg.accept = accept }
}

// Auth returns Gin middleware that verifies bearer tokens. On success the
// claims and the derived profile are stored in the Gin context and the
// profile in the request context. Missing or invalid tokens get 401 with the
// {"success": false, "message"} body the consign client understands.
func Auth(verifier consign.TokenVerifier, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), tokenStr)
		if err != nil || (cfg.accept != nil && !cfg.accept(tokenStr)) {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		profile := ProfileFromClaims(claims)
		c.Set(KeyClaims, claims)
		c.Set(KeyProfile, profile)
		c.Request = c.Request.WithContext(consign.WithProfile(c.Request.Context(), profile))

		c.Next()
	}
}

// RequireRole returns Gin middleware that admits only the given roles.
// Requires Auth to run first.
func RequireRole(roles ...consign.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := GetProfile(c)
		if p == nil {
			abort(c, http.StatusUnauthorized, "missing user context")
			return
		}
		if !slices.Contains(roles, p.Role) {
			abort(c, http.StatusForbidden, "permission denied")
			return
		}
		c.Next()
	}
}

// ProfileFromClaims builds the profile a verified token vouches for.
func ProfileFromClaims(cl *consign.Claims) *consign.UserProfile {
	return &consign.UserProfile{
		ID:             cl.Subject,
		Email:          cl.Email,
		Role:           cl.Role,
		OrganizationID: cl.OrganizationID,
	}
}

// GetClaims returns the verified claims from the Gin context.
func GetClaims(c *gin.Context) *consign.Claims {
	v, _ := c.Get(KeyClaims)
	cl, _ := v.(*consign.Claims)
	return cl
}

// GetProfile returns the caller's profile from the Gin context.
func GetProfile(c *gin.Context) *consign.UserProfile {
	v, _ := c.Get(KeyProfile)
	p, _ := v.(*consign.UserProfile)
	return p
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": msg})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
