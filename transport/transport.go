// Package transport provides the authenticated request pipeline: an
// http.RoundTripper that attaches the session's bearer token to outbound
// requests and recovers from an expired credential by refreshing it once.
//
// Every request goes through the same steps:
//
//  1. Requests whose context was marked with consign.WithoutAuth go out
//     untouched.
//  2. A current, unexpired token is attached as "Authorization: Bearer".
//     Without one the request goes out anonymously.
//  3. A 401 for a request that carried a token triggers one refresh through
//     the session, shared with every other request that failed at the same
//     time, and the request is resent once with the new token. Whatever the
//     resend returns, including another 401, is final.
//  4. If the refresh fails the session is ended and the caller gets a
//     *consign.AuthError wrapping consign.ErrSessionEnded.
//
// The caller's *http.Request is never modified; each attempt sends a clone.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/audit"
	"github.com/chimerakang/consign-go/metrics"
)

// Retry outcomes recorded in metrics.
const (
	outcomeOK           = "ok"
	outcomeUnauthorized = "unauthorized"
	outcomeEnded        = "session_ended"
	outcomeError        = "error"
)

// Transport is the authenticating http.RoundTripper.
type Transport struct {
	src          consign.SessionSource
	base         http.RoundTripper
	logger       *slog.Logger
	metrics      *metrics.Metrics
	audit        *audit.Logger
	proactive    bool
	unauthorized func(*http.Response) bool
}

// compile-time check
var _ http.RoundTripper = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the RoundTripper that actually sends requests.
// Default: http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics records retry outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithAudit emits a session_ended event when a failed refresh ends the session.
func WithAudit(a *audit.Logger) Option {
	return func(t *Transport) { t.audit = a }
}

// WithProactiveRefresh refreshes an expired credential before sending
// instead of sending the request without a token.
func WithProactiveRefresh(enabled bool) Option {
	return func(t *Transport) { t.proactive = enabled }
}

// WithUnauthorizedFunc overrides what counts as an authentication failure.
// Default: status 401.
func WithUnauthorizedFunc(fn func(*http.Response) bool) Option {
	return func(t *Transport) {
		if fn != nil {
			t.unauthorized = fn
		}
	}
}

// New wraps the session src in an authenticating RoundTripper.
func New(src consign.SessionSource, opts ...Option) *Transport {
	t := &Transport{
		src:    src,
		base:   http.DefaultTransport,
		logger: slog.Default(),
		unauthorized: func(resp *http.Response) bool {
			return resp.StatusCode == http.StatusUnauthorized
		},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewClient returns an *http.Client whose requests go through a Transport.
func NewClient(src consign.SessionSource, opts ...Option) *http.Client {
	return &http.Client{Transport: New(src, opts...)}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if consign.AuthSkipped(ctx) {
		return t.base.RoundTrip(req)
	}

	token := t.tokenFor(ctx)
	if token == "" {
		return t.base.RoundTrip(req)
	}

	hadGetBody := req.GetBody != nil
	replay, err := bodyReplay(req)
	if err != nil {
		return nil, err
	}
	send := func(token string, first bool) (*http.Response, error) {
		out := req.Clone(ctx)
		if replay != nil && (!first || !hadGetBody) {
			body, err := replay()
			if err != nil {
				return nil, fmt.Errorf("consign/transport: rewind body: %w", err)
			}
			out.Body = body
			out.GetBody = replay
		}
		out.Header.Set("Authorization", "Bearer "+token)
		return t.base.RoundTrip(out)
	}

	resp, err := send(token, true)
	if err != nil || !t.unauthorized(resp) {
		return resp, err
	}
	discard(resp)

	next, loggedOut, err := Renew(ctx, t.src, token)
	if err != nil {
		if !errors.Is(err, consign.ErrSessionEnded) {
			t.metrics.RecordRetry(outcomeError)
			return nil, err
		}
		t.metrics.RecordRetry(outcomeEnded)
		if loggedOut {
			t.logger.Warn("consign/transport: session ended after failed refresh",
				"method", req.Method, "url", req.URL.Redacted(), "error", err)
			t.audit.LogContext(ctx, audit.Event{
				Action: audit.ActionSessionEnded,
				Result: audit.ResultFailure,
				Reason: "refresh_failed",
				Error:  err.Error(),
			})
		}
		return nil, err
	}

	resp, err = send(next, false)
	switch {
	case err != nil:
		t.metrics.RecordRetry(outcomeError)
	case t.unauthorized(resp):
		t.metrics.RecordRetry(outcomeUnauthorized)
		t.logger.Warn("consign/transport: unauthorized after refresh", "method", req.Method, "url", req.URL.Redacted())
	default:
		t.metrics.RecordRetry(outcomeOK)
	}
	return resp, err
}

// tokenFor returns the token to attach, or "" to send anonymously.
func (t *Transport) tokenFor(ctx context.Context) string {
	token := t.src.Token()
	if token == "" {
		return ""
	}
	if !t.src.IsExpired() {
		return token
	}
	if !t.proactive {
		return ""
	}
	cred, err := t.src.Refresh(ctx)
	if err != nil {
		t.logger.Debug("consign/transport: proactive refresh failed, sending anonymously", "error", err)
		return ""
	}
	return cred.Token
}

// Renew returns the token to resend a request with after the server
// rejected attached. When another caller already replaced attached its
// token is reused; otherwise the session refreshes, sharing the call with
// concurrent callers.
//
// If the refresh fails, the session that issued attached is ended and err
// is a *consign.AuthError wrapping consign.ErrSessionEnded and the cause.
// loggedOut reports whether this call was the one that ended it, so
// however many callers observe the failure, one does. A caller whose ctx is
// already done gets its context error and never ends the session.
func Renew(ctx context.Context, src consign.SessionSource, attached string) (token string, loggedOut bool, err error) {
	if cur := src.Token(); cur != "" && cur != attached && !src.IsExpired() {
		return cur, false, nil
	}
	cred, err := src.Refresh(ctx)
	if err == nil {
		return cred.Token, false, nil
	}
	if ctx.Err() != nil {
		return "", false, fmt.Errorf("consign/transport: %w", err)
	}

	loggedOut = src.LogoutToken(context.WithoutCancel(ctx), attached)

	var ae *consign.AuthError
	msg := ""
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	return "", loggedOut, &consign.AuthError{
		Op:      "request",
		Kind:    consign.ErrSessionEnded,
		Message: msg,
		Status:  http.StatusUnauthorized,
		Err:     err,
	}
}

// bodyReplay returns a function producing fresh copies of the request body,
// or nil when there is no body. Bodies without GetBody are read into memory
// and the original is closed.
func bodyReplay(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("consign/transport: read body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}, nil
}

// discard drains a little of the body so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}
