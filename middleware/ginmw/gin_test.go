package ginmw_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/fake"
	"github.com/chimerakang/consign-go/middleware/ginmw"
	"github.com/chimerakang/consign-go/session"
	"github.com/chimerakang/consign-go/store"
)

var owner = consign.UserProfile{ID: "u1", Email: "owner@x.com", Role: consign.RoleOwner, OrganizationID: "shop-1"}

func init() {
	gin.SetMode(gin.TestMode)
}

// router protects /api with Auth and /api/admin additionally with RequireRole.
func router(srv *fake.Server) *gin.Engine {
	r := gin.New()
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "up") })

	api := r.Group("/api", ginmw.Auth(srv.Verifier(),
		ginmw.WithExcludedPaths("/api/status"),
		ginmw.WithRevocationCheck(srv.Authenticator().TokenValid),
	))
	api.GET("/status", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	api.GET("/me", func(c *gin.Context) {
		p := consign.ProfileFromContext(c.Request.Context())
		cl := ginmw.GetClaims(c)
		c.JSON(http.StatusOK, gin.H{"email": p.Email, "org": cl.OrganizationID, "same": ginmw.GetProfile(c).ID == p.ID})
	})
	api.GET("/admin", ginmw.RequireRole(consign.RoleAdmin), func(c *gin.Context) { c.String(http.StatusOK, "admin") })
	return r
}

func tokenFor(t *testing.T, srv *fake.Server) string {
	t.Helper()
	m := session.New(srv.Authenticator(), store.New(store.NewMemoryBackend()),
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, err := m.Login(context.Background(), "owner@x.com", "pw")
	require.NoError(t, err)
	return m.Token()
}

func serve(r *gin.Engine, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_Success(t *testing.T) {
	srv := fake.NewServer(fake.WithAccount("pw", owner))
	t.Cleanup(srv.Close)
	r := router(srv)

	w := serve(r, "/api/me", "Bearer "+tokenFor(t, srv))
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Email string `json:"email"`
		Org   string `json:"org"`
		Same  bool   `json:"same"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "owner@x.com", got.Email)
	assert.Equal(t, "shop-1", got.Org)
	assert.True(t, got.Same)
}

func TestAuth_Rejects(t *testing.T) {
	srv := fake.NewServer(fake.WithAccount("pw", owner))
	t.Cleanup(srv.Close)
	r := router(srv)

	revoked := tokenFor(t, srv)
	srv.Authenticator().Revoke(revoked)

	tests := []struct {
		name string
		auth string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage", "Bearer abc"},
		{"revoked", "Bearer " + revoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, "/api/me", tt.auth)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestAuth_ExcludedPath(t *testing.T) {
	srv := fake.NewServer()
	t.Cleanup(srv.Close)

	w := serve(router(srv), "/api/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestRequireRole(t *testing.T) {
	srv := fake.NewServer(fake.WithAccount("pw", owner))
	t.Cleanup(srv.Close)

	w := serve(router(srv), "/api/admin", "Bearer "+tokenFor(t, srv))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
