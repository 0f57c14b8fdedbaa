// Package client assembles a ready-to-use consign session from a Config.
//
// It wires the HTTP authentication client, the credential store, the
// session manager and the authenticating request pipeline together, then
// restores any persisted session:
//
//	cfg, err := consign.LoadConfig("consign.yaml")
//	c, err := client.New(ctx, cfg,
//	    client.WithBackend(backend),
//	    client.WithRegisterer(prometheus.DefaultRegisterer),
//	)
//	defer c.Close()
//
//	user, err := c.Session().Login(ctx, email, password)
//	resp, err := c.HTTPClient().Get(apiURL + "/items")
//
// Individual parts can be replaced with options; anything not supplied gets
// the default described on the option.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/audit"
	"github.com/chimerakang/consign-go/authclient"
	"github.com/chimerakang/consign-go/jwks"
	"github.com/chimerakang/consign-go/metrics"
	"github.com/chimerakang/consign-go/session"
	"github.com/chimerakang/consign-go/store"
	"github.com/chimerakang/consign-go/transport"
)

// Client is the main entry point: one signed-in (or signed-out) user and
// an HTTP client that acts on their behalf.
type Client struct {
	config     consign.Config
	logger     *slog.Logger
	base       http.RoundTripper
	auth       consign.Authenticator
	backend    store.Backend
	verifier   consign.TokenVerifier
	registerer prometheus.Registerer
	audit      *audit.Logger

	metrics *metrics.Metrics
	store   *store.Store
	session *session.Manager
	http    *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for every component.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBaseTransport sets the RoundTripper used for all network calls.
// Default: http.DefaultTransport.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

// WithAuthenticator replaces the HTTP authentication client.
func WithAuthenticator(a consign.Authenticator) Option {
	return func(c *Client) { c.auth = a }
}

// WithBackend sets where the session is persisted. Default: in memory,
// which does not survive a restart.
func WithBackend(b store.Backend) Option {
	return func(c *Client) { c.backend = b }
}

// WithVerifier sets the verifier used to check restored tokens. Default: a
// JWKS verifier when Config.JWKSURL is set, otherwise none.
func WithVerifier(v consign.TokenVerifier) Option {
	return func(c *Client) { c.verifier = v }
}

// WithRegisterer registers Prometheus collectors on reg. Without it,
// Config.MetricsEnabled selects prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// WithAudit emits session audit events to a. Close closes it.
func WithAudit(a *audit.Logger) Option {
	return func(c *Client) { c.audit = a }
}

// New validates cfg, builds every component and restores the persisted
// session, if any. A stored session that is expired or fails verification is
// cleared and the client starts signed out.
func New(ctx context.Context, cfg consign.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{config: cfg, logger: slog.Default(), base: http.DefaultTransport}
	for _, o := range opts {
		o(c)
	}

	if c.registerer == nil && cfg.MetricsEnabled {
		c.registerer = prometheus.DefaultRegisterer
	}
	c.metrics = metrics.New(c.registerer)
	if c.audit != nil {
		c.metrics.ObserveAuditDrops(c.audit.Dropped)
	}

	if c.auth == nil {
		c.auth = authclient.New(cfg.BaseURL,
			authclient.WithHTTPClient(&http.Client{Transport: c.base, Timeout: cfg.HTTPTimeout}),
			authclient.WithPaths(cfg.LoginPath, cfg.RefreshPath, cfg.SocialPath),
			authclient.WithLogger(c.logger),
		)
	}

	if c.verifier == nil && cfg.JWKSURL != "" {
		vopts := []jwks.Option{
			jwks.WithHTTPClient(&http.Client{Transport: c.base, Timeout: cfg.HTTPTimeout}),
			jwks.WithLogger(c.logger),
		}
		if cfg.JWKSIssuer != "" {
			vopts = append(vopts, jwks.WithIssuer(cfg.JWKSIssuer))
		}
		c.verifier = jwks.NewVerifier(cfg.JWKSURL, vopts...)
	}

	if c.backend == nil {
		c.backend = store.NewMemoryBackend()
	}
	c.store = store.New(c.backend, store.WithPrefix(cfg.StoreKeyPrefix), store.WithLogger(c.logger))

	sopts := []session.Option{
		session.WithLogger(c.logger),
		session.WithMetrics(c.metrics),
		session.WithAudit(c.audit),
		session.WithExpiryLeeway(cfg.ExpiryLeeway),
		session.WithRefreshTimeout(cfg.RefreshTimeout),
		session.WithUnknownRoleFallback(cfg.UnknownRoleFallback),
	}
	if c.verifier != nil {
		sopts = append(sopts, session.WithVerifier(c.verifier))
	}
	c.session = session.New(c.auth, c.store, sopts...)

	c.http = transport.NewClient(c.session,
		transport.WithBase(c.base),
		transport.WithLogger(c.logger),
		transport.WithMetrics(c.metrics),
		transport.WithAudit(c.audit),
		transport.WithProactiveRefresh(cfg.ProactiveRefresh),
	)

	if c.session.Restore(ctx) {
		c.logger.Info("consign: session restored", "user_id", c.session.CurrentUser().ID)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() consign.Config { return c.config }

// Session returns the session manager.
func (c *Client) Session() *session.Manager { return c.session }

// HTTPClient returns an *http.Client that authenticates every request as
// the current user.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Transport returns the authenticating RoundTripper behind HTTPClient.
func (c *Client) Transport() http.RoundTripper { return c.http.Transport }

// Verifier returns the token verifier, or nil if not configured.
func (c *Client) Verifier() consign.TokenVerifier { return c.verifier }

// HealthCheck reports whether the client has a usable session.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.session.IsExpired() {
		if _, err := c.session.Refresh(ctx); err != nil {
			return fmt.Errorf("consign: no usable session: %w", err)
		}
	}
	return nil
}

// Close releases resources held by the client: it flushes the audit logger
// and closes the backend and verifier when they implement io.Closer. The
// session itself stays persisted.
func (c *Client) Close() error {
	var closers []any
	if c.audit != nil {
		closers = append(closers, c.audit)
	}
	closers = append(closers, c.backend, c.verifier)

	var errs []error
	for _, svc := range closers {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
