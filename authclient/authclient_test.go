package authclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/authclient"
	"github.com/chimerakang/consign-go/fake"
)

var owner = consign.UserProfile{ID: "u1", Email: "owner@x.com", Role: consign.RoleOwner}

func TestLoginRefreshExchange_AgainstFakeServer(t *testing.T) {
	srv := fake.NewServer(
		fake.WithAccount("pw", owner),
		fake.WithSocialAccount("google", "g-1", "owner@x.com"),
	)
	defer srv.Close()
	c := authclient.New(srv.URL + "/")
	ctx := context.Background()

	body, err := c.Login(ctx, "owner@x.com", "pw")
	require.NoError(t, err)
	var login map[string]any
	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login["refreshToken"])

	body, err = c.Refresh(ctx, consign.RefreshRequest{
		RefreshToken: login["refreshToken"].(string),
		AccessToken:  login["token"].(string),
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"token"`)

	_, err = c.Exchange(ctx, consign.SocialCredential{Provider: "google", Credential: "g-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, srv.Hits("/login"))
	assert.Equal(t, 1, srv.Hits("/refresh"))
	assert.Equal(t, 1, srv.Hits("/auth/social"))
}

func TestLogin_Rejected(t *testing.T) {
	srv := fake.NewServer(fake.WithAccount("pw", owner))
	defer srv.Close()

	_, err := authclient.New(srv.URL).Login(context.Background(), "owner@x.com", "bad")
	require.Error(t, err)

	var ae *consign.AuthError
	require.True(t, errors.As(err, &ae))
	assert.True(t, errors.Is(err, consign.ErrAuthRejected))
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
	assert.Equal(t, "Invalid email or password", ae.UserMessage())
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    error
		message string
	}{
		{"forbidden", http.StatusForbidden, `{"error":"Account disabled"}`, consign.ErrAuthRejected, "Account disabled"},
		{"bad request", http.StatusBadRequest, `{"message":"Email is invalid"}`, consign.ErrValidation, "Email is invalid"},
		{"unprocessable", http.StatusUnprocessableEntity, `{"error":{"message":"Password too short"}}`, consign.ErrValidation, "Password too short"},
		{"html error page", http.StatusUnauthorized, `<html>nope</html>`, consign.ErrAuthRejected, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := authclient.New(srv.URL).Login(context.Background(), "a@x.com", "pw")
			require.Error(t, err)
			var ae *consign.AuthError
			require.True(t, errors.As(err, &ae))
			assert.True(t, errors.Is(err, tt.kind))
			assert.Equal(t, tt.message, ae.Message)
			assert.Equal(t, tt.status, ae.Status)
		})
	}
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := authclient.New(srv.URL).Login(context.Background(), "a@x.com", "pw")
	require.Error(t, err)
	var ae *consign.AuthError
	assert.False(t, errors.As(err, &ae))
	assert.Contains(t, err.Error(), "502")
}

func TestRequestShape(t *testing.T) {
	var got struct {
		path, auth, contentType string
		body                    map[string]string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		got.body = nil
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := authclient.New(srv.URL+"/api", authclient.WithPaths("", "/auth/refresh-token", ""))
	_, err := c.Refresh(context.Background(), consign.RefreshRequest{RefreshToken: "r1", AccessToken: "a1"})
	require.NoError(t, err)

	assert.Equal(t, "/api/auth/refresh-token", got.path)
	assert.Equal(t, "Bearer a1", got.auth)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, map[string]string{"refreshToken": "r1"}, got.body)

	_, err = c.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "/api/login", got.path)
	assert.Empty(t, got.auth)
	assert.Equal(t, map[string]string{"email": "a@x.com", "password": "pw"}, got.body)
}
