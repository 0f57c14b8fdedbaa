// Package authclient implements consign.Authenticator against the shop
// authentication server's JSON HTTP API.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	consign "github.com/chimerakang/consign-go"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// Client calls the authentication server. Responses are returned raw; the
// session manager normalises them.
type Client struct {
	baseURL     string
	loginPath   string
	refreshPath string
	socialPath  string
	httpClient  *http.Client
	logger      *slog.Logger
}

// compile-time check
var _ consign.Authenticator = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. It must not be a client built
// by the transport package: authentication calls are never retried.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithPaths overrides the endpoint paths. Empty values keep the default.
func WithPaths(login, refresh, social string) Option {
	return func(cl *Client) {
		if login != "" {
			cl.loginPath = login
		}
		if refresh != "" {
			cl.refreshPath = refresh
		}
		if social != "" {
			cl.socialPath = social
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		loginPath:   consign.DefaultLoginPath,
		refreshPath: consign.DefaultRefreshPath,
		socialPath:  consign.DefaultSocialPath,
		httpClient:  &http.Client{Timeout: consign.DefaultHTTPTimeout},
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Login posts {email, password}.
func (c *Client) Login(ctx context.Context, email, password string) ([]byte, error) {
	return c.post(ctx, "login", c.loginPath, "", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Refresh posts {refreshToken}, authenticated with the current access token
// when there is one.
func (c *Client) Refresh(ctx context.Context, req consign.RefreshRequest) ([]byte, error) {
	body := map[string]string{}
	if req.RefreshToken != "" {
		body["refreshToken"] = req.RefreshToken
	}
	return c.post(ctx, "refresh", c.refreshPath, req.AccessToken, body)
}

// Exchange posts {provider, credential}.
func (c *Client) Exchange(ctx context.Context, cred consign.SocialCredential) ([]byte, error) {
	return c.post(ctx, "social login", c.socialPath, "", map[string]string{
		"provider":   cred.Provider,
		"credential": cred.Credential,
	})
}

func (c *Client) post(ctx context.Context, op, path, bearer string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("consign/authclient: %s: encode request: %w", op, err)
	}

	// Authentication calls must never carry or refresh the session token
	// through the request pipeline.
	ctx = consign.WithoutAuth(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("consign/authclient: %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("consign/authclient: %s: request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("consign/authclient: %s: read response: %w", op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		c.logger.Debug("consign/authclient: rejected", "op", op, "status", resp.StatusCode)
		return nil, &consign.AuthError{Op: op, Kind: consign.ErrAuthRejected, Message: serverMessage(body), Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &consign.AuthError{Op: op, Kind: consign.ErrValidation, Message: serverMessage(body), Status: resp.StatusCode}
	default:
		c.logger.Warn("consign/authclient: unexpected status", "op", op, "status", resp.StatusCode)
		return nil, fmt.Errorf("consign/authclient: %s: server returned %d: %s", op, resp.StatusCode, snippet(body))
	}
}

// serverMessage extracts {"message"} or {"error"} from an error body.
func serverMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	if m.Message != "" {
		return m.Message
	}
	switch e := m.Error.(type) {
	case string:
		return e
	case map[string]any:
		if s, ok := e["message"].(string); ok {
			return s
		}
	}
	return ""
}

func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
