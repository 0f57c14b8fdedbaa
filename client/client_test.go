package client_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/audit"
	"github.com/chimerakang/consign-go/client"
	"github.com/chimerakang/consign-go/fake"
	"github.com/chimerakang/consign-go/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var owner = consign.UserProfile{ID: "u1", Email: "owner@x.com", Role: consign.RoleOwner, OrganizationID: "shop-1"}

func setup(t *testing.T) (*fake.Server, consign.Config) {
	t.Helper()
	srv := fake.NewServer(fake.WithAccount("pw", owner))
	t.Cleanup(srv.Close)

	cfg := consign.DefaultConfig()
	cfg.BaseURL = srv.URL
	return srv, cfg
}

func newClient(t *testing.T, cfg consign.Config, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithLogger(quiet)}, opts...)
	c, err := client.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RequiresValidConfig(t *testing.T) {
	_, err := client.New(context.Background(), consign.Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, consign.ErrConfig))

	cfg := consign.DefaultConfig()
	cfg.BaseURL = "not a url"
	_, err = client.New(context.Background(), cfg)
	assert.True(t, errors.Is(err, consign.ErrConfig))
}

func TestNew_StartsSignedOut(t *testing.T) {
	_, cfg := setup(t)
	c := newClient(t, cfg)

	assert.Nil(t, c.Session().CurrentUser())
	assert.True(t, c.Session().IsExpired())
	assert.Equal(t, cfg.BaseURL, c.Config().BaseURL)
	assert.Nil(t, c.Verifier())
	assert.Error(t, c.HealthCheck(context.Background()))
}

func TestEndToEnd(t *testing.T) {
	srv, cfg := setup(t)
	c := newClient(t, cfg)
	ctx := context.Background()

	user, err := c.Session().Login(ctx, "owner@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, owner, *user)
	assert.Equal(t, 1, srv.Hits("/login"))
	require.NoError(t, c.HealthCheck(ctx))

	resp, err := c.HTTPClient().Get(srv.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The server forgets the access token; the next request refreshes over
	// HTTP and is resent.
	old := c.Session().Token()
	srv.Authenticator().Revoke(old)

	resp, err = c.HTTPClient().Post(srv.URL+"/api/echo", "application/json", strings.NewReader(`{"n":1}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"n":1}`, string(body))
	assert.Equal(t, 1, srv.Hits("/refresh"))
	assert.NotEqual(t, old, c.Session().Token())

	c.Session().Logout(ctx)
	resp, err = c.HTTPClient().Get(srv.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, srv.Hits("/refresh"))
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	srv, cfg := setup(t)
	c := newClient(t, cfg)
	ctx := context.Background()

	_, err := c.Session().Login(ctx, "owner@x.com", "pw")
	require.NoError(t, err)
	srv.Authenticator().RevokeAll()

	var wg sync.WaitGroup
	codes := make([]int, 6)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.HTTPClient().Get(srv.URL + "/api/me")
			if err != nil {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, 1, srv.Hits("/refresh"))
}

func TestRefreshFailureEndsSession(t *testing.T) {
	srv, cfg := setup(t)
	c := newClient(t, cfg)
	ctx := context.Background()

	_, err := c.Session().Login(ctx, "owner@x.com", "pw")
	require.NoError(t, err)
	srv.Authenticator().RevokeAll()
	srv.Authenticator().FailRefresh(&consign.AuthError{Op: "refresh", Kind: consign.ErrAuthRejected, Message: "Session revoked"})

	_, err = c.HTTPClient().Get(srv.URL + "/api/me")
	require.Error(t, err)
	assert.True(t, errors.Is(err, consign.ErrSessionEnded), "got %v", err)
	assert.Equal(t, "Your session ended, please sign in again.", consign.UserMessage(err))
	assert.Nil(t, c.Session().CurrentUser())
}

func TestRestoreAcrossClients(t *testing.T) {
	srv, cfg := setup(t)
	backend := store.NewMemoryBackend()
	ctx := context.Background()

	first := newClient(t, cfg, client.WithBackend(backend))
	_, err := first.Session().Login(ctx, "owner@x.com", "pw")
	require.NoError(t, err)

	second := newClient(t, cfg, client.WithBackend(backend), client.WithVerifier(srv.Verifier()))
	user := second.Session().CurrentUser()
	require.NotNil(t, user)
	assert.Equal(t, owner, *user)
	assert.Equal(t, first.Session().Token(), second.Session().Token())

	resp, err := second.HTTPClient().Get(srv.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRestoreRejectedByVerifierClearsStore(t *testing.T) {
	_, cfg := setup(t)
	backend := store.NewMemoryBackend()

	first := newClient(t, cfg, client.WithBackend(backend))
	_, err := first.Session().Login(context.Background(), "owner@x.com", "pw")
	require.NoError(t, err)

	// A different server signs with a different key.
	other := fake.NewServer()
	t.Cleanup(other.Close)

	second := newClient(t, cfg, client.WithBackend(backend), client.WithVerifier(other.Verifier()))
	assert.Nil(t, second.Session().CurrentUser())
	assert.Equal(t, 0, backend.Len())
}

func TestMetricsAndAudit(t *testing.T) {
	srv, cfg := setup(t)
	reg := prometheus.NewRegistry()

	var mu sync.Mutex
	var buf bytes.Buffer
	auditLog := audit.New(16, audit.WithHandler(func(e audit.Event) {
		mu.Lock()
		defer mu.Unlock()
		buf.WriteString(e.Action + ":" + e.Result + "\n")
	}))

	c, err := client.New(context.Background(), cfg,
		client.WithLogger(quiet),
		client.WithRegisterer(reg),
		client.WithAudit(auditLog),
	)
	require.NoError(t, err)

	_, err = c.Session().Login(context.Background(), "owner@x.com", "pw")
	require.NoError(t, err)
	srv.Authenticator().RevokeAll()
	resp, err := c.HTTPClient().Get(srv.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, c.Close())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["consign_logins_total"])
	assert.True(t, names["consign_refreshes_total"])
	assert.True(t, names["consign_request_retries_total"])
	assert.True(t, names["consign_audit_events_dropped_total"])

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), "login:success")
	assert.Contains(t, buf.String(), "refresh:success")
}
