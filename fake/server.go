package fake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/jwks"
	"github.com/chimerakang/consign-go/middleware/ginmw"
)

// Issuer is the iss claim of tokens minted by Server.
const Issuer = "consign-fake"

// Server is an authentication server plus a small protected API, served
// over HTTP. Access tokens are HS256 JWTs; revoking them through
// Authenticator() makes the API answer 401 so clients exercise the refresh
// path.
//
// Routes:
//
//	POST /login         {"email", "password"}
//	POST /refresh       {"refreshToken"}, Authorization: Bearer <access>
//	POST /auth/social   {"provider", "credential"}
//	GET  /api/me        protected; returns the caller's profile
//	POST /api/echo      protected; echoes the request body
type Server struct {
	*httptest.Server

	auth   *Authenticator
	secret []byte

	mu   sync.Mutex
	hits map[string]int
}

// NewServer starts a Server. Options configure its Authenticator.
func NewServer(opts ...Option) *Server {
	s := &Server{secret: make([]byte, 32), hits: make(map[string]int)}
	_, _ = rand.Read(s.secret)

	s.auth = NewAuthenticator(append(opts, withMinter(s.mint))...)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(s.count)

	r.POST(consign.DefaultLoginPath, s.login)
	r.POST(consign.DefaultRefreshPath, s.refresh)
	r.POST(consign.DefaultSocialPath, s.social)

	api := r.Group("/api", ginmw.Auth(s.Verifier(), ginmw.WithRevocationCheck(s.auth.TokenValid)))
	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, ginmw.GetProfile(c))
	})
	api.POST("/echo", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.Data(http.StatusOK, c.ContentType(), body)
	})

	s.Server = httptest.NewServer(r)
	return s
}

// Authenticator returns the in-memory state behind the server.
func (s *Server) Authenticator() *Authenticator { return s.auth }

// Verifier returns a verifier for the tokens this server mints.
func (s *Server) Verifier() consign.TokenVerifier { return hmacVerifier{secret: s.secret} }

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) count(c *gin.Context) {
	s.mu.Lock()
	s.hits[c.Request.URL.Path]++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) mint(user consign.UserProfile, exp time.Time) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":                    user.ID,
		"email":                  user.Email,
		jwks.ClaimRole:           user.Role.String(),
		jwks.ClaimOrganizationID: user.OrganizationID,
		"iss":                    Issuer,
		"iat":                    now.Unix(),
		"exp":                    exp.Unix(),
		// jti keeps tokens minted in the same second distinct.
		"jti": fmt.Sprintf("%d", now.UnixNano()),
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return signed
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.Data(http.StatusBadRequest, "application/json", Failure("email and password are required"))
		return
	}
	s.reply(c, func(ctx context.Context) ([]byte, error) {
		return s.auth.Login(ctx, req.Email, req.Password)
	})
}

func (s *Server) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = c.ShouldBindJSON(&req)
	s.reply(c, func(ctx context.Context) ([]byte, error) {
		return s.auth.Refresh(ctx, consign.RefreshRequest{RefreshToken: req.RefreshToken})
	})
}

func (s *Server) social(c *gin.Context) {
	var req struct {
		Provider   string `json:"provider"`
		Credential string `json:"credential"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Provider == "" || req.Credential == "" {
		c.Data(http.StatusBadRequest, "application/json", Failure("provider and credential are required"))
		return
	}
	s.reply(c, func(ctx context.Context) ([]byte, error) {
		return s.auth.Exchange(ctx, consign.SocialCredential{Provider: req.Provider, Credential: req.Credential})
	})
}

func (s *Server) reply(c *gin.Context, call func(context.Context) ([]byte, error)) {
	body, err := call(c.Request.Context())
	if err != nil {
		var ae *consign.AuthError
		if errors.As(err, &ae) && errors.Is(err, consign.ErrAuthRejected) {
			c.Data(http.StatusUnauthorized, "application/json", Failure(ae.Message))
			return
		}
		c.Data(http.StatusInternalServerError, "application/json", Failure(err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

type hmacVerifier struct{ secret []byte }

func (v hmacVerifier) Verify(_ context.Context, token string) (*consign.Claims, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("consign/fake: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("consign/fake: invalid token claims")
	}
	return jwks.ClaimsFromMap(claims), nil
}
