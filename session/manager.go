// Package session implements the session manager: the single owner of the
// current credential and user profile, in memory and in the credential store.
//
// A Manager is constructed once at application start and injected into
// everything that needs the current user or token; it is never torn down.
// Only its methods write session state. Request pipelines and UI code read
// through it and trigger its operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/audit"
	"github.com/chimerakang/consign-go/metrics"
)

// Manager owns the session. It is safe for concurrent use.
type Manager struct {
	auth     consign.Authenticator
	store    consign.CredentialStore
	verifier consign.TokenVerifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger

	now            func() time.Time
	leeway         time.Duration
	refreshTimeout time.Duration
	fallback       consign.Role

	// writeMu orders store writes with state updates so persisted and
	// in-memory state change in the same sequence.
	writeMu sync.Mutex

	mu    sync.RWMutex
	state consign.Session

	sf    singleflight.Group
	bcast *broadcaster
}

// compile-time check
var _ consign.SessionSource = (*Manager)(nil)

// New creates a logged-out Manager. Call Restore once to load a persisted
// session.
func New(auth consign.Authenticator, store consign.CredentialStore, opts ...Option) *Manager {
	m := &Manager{
		auth:           auth,
		store:          store,
		logger:         slog.Default(),
		now:            time.Now,
		refreshTimeout: consign.DefaultRefreshTimeout,
		fallback:       consign.RoleOwner,
		bcast:          newBroadcaster(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Login authenticates with email and password. On success the credential
// and profile are persisted, then published. On failure nothing changes.
func (m *Manager) Login(ctx context.Context, email, password string) (*consign.UserProfile, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, &consign.AuthError{Op: "login", Kind: consign.ErrValidation, Message: "email and password are required"}
	}

	body, err := m.auth.Login(ctx, email, password)
	if err != nil {
		m.loginFailed(ctx, "password", email, err)
		return nil, wrapCall("login", err)
	}
	return m.establish(ctx, "password", audit.ActionLogin, email, body)
}

// LoginWithSocial trades an external provider's credential for a session.
func (m *Manager) LoginWithSocial(ctx context.Context, cred consign.SocialCredential) (*consign.UserProfile, error) {
	if cred.Provider == "" || cred.Credential == "" {
		return nil, &consign.AuthError{Op: "social login", Kind: consign.ErrValidation, Message: "provider credential is required"}
	}

	body, err := m.auth.Exchange(ctx, cred)
	if err != nil {
		m.loginFailed(ctx, cred.Provider, "", err)
		return nil, wrapCall("social login", err)
	}
	return m.establish(ctx, cred.Provider, audit.ActionSocialLogin, "", body)
}

func (m *Manager) establish(ctx context.Context, method, action, email string, body []byte) (*consign.UserProfile, error) {
	res, err := Normalize(body, m.now(), m.fallback)
	if err == nil && res.User == nil {
		err = malformed("missing user profile")
	}
	if err != nil {
		m.loginFailed(ctx, method, email, err)
		return nil, err
	}
	m.logFallback(res)

	if err := m.commit(ctx, res.Credential, *res.User, ""); err != nil {
		m.loginFailed(ctx, method, email, err)
		return nil, err
	}

	m.metrics.RecordLogin(method, audit.ResultSuccess)
	m.audit.LogContext(ctx, audit.Event{
		Action:         action,
		Result:         audit.ResultSuccess,
		UserID:         res.User.ID,
		Email:          res.User.Email,
		OrganizationID: res.User.OrganizationID,
	})
	m.logger.Info("consign/session: signed in", "user_id", res.User.ID, "role", res.User.Role.String(), "method", method)
	return copyProfile(res.User), nil
}

func (m *Manager) logFallback(res *Result) {
	if res.RoleFallback {
		m.logger.Debug("consign/session: role not recognised, using fallback",
			"role", res.RawRole, "fallback", res.User.Role.String(), "user_id", res.User.ID)
	}
}

func (m *Manager) loginFailed(ctx context.Context, method, email string, err error) {
	m.metrics.RecordLogin(method, audit.ResultFailure)
	m.audit.LogContext(ctx, audit.Event{
		Action: audit.ActionLogin,
		Result: audit.ResultFailure,
		Email:  email,
		Reason: method,
		Error:  err.Error(),
	})
	m.logger.Warn("consign/session: sign-in failed", "method", method, "error", err)
}

// Logout clears the store, then the in-memory session. It is idempotent and
// never fails; storage errors are logged.
func (m *Manager) Logout(ctx context.Context) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.logoutLocked(ctx, "user")
}

// LogoutToken logs out only if token is still the current token, and
// reports whether it did. Callers that observed a failure for a specific
// credential use it so that a newer session is never ended by a stale one.
func (m *Manager) LogoutToken(ctx context.Context, token string) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	current := m.state.Credential != nil && m.state.Credential.Token == token
	m.mu.RUnlock()
	if !current {
		return false
	}
	m.logoutLocked(ctx, "refresh_failed")
	return true
}

// logoutLocked requires writeMu.
func (m *Manager) logoutLocked(ctx context.Context, reason string) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("consign/session: clearing credential store", "error", err)
	}

	m.mu.Lock()
	wasEmpty := m.state.Empty()
	m.state = consign.Session{}
	if !wasEmpty {
		m.bcast.publish(nil)
	}
	m.mu.Unlock()

	if wasEmpty {
		return
	}
	m.metrics.RecordLogout(reason)
	m.metrics.SetSessionActive(false)
	m.audit.LogContext(ctx, audit.Event{Action: audit.ActionLogout, Result: audit.ResultSuccess, Reason: reason})
	m.logger.Info("consign/session: signed out", "reason", reason)
}

// Restore loads the persisted session. Missing, partial, expired or
// unverifiable data is cleared and Restore reports false.
func (m *Manager) Restore(ctx context.Context) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cred, user := m.store.Read(ctx)
	reason := ""
	switch {
	case cred == nil || user == nil:
		reason = "empty"
	case m.expired(*cred):
		reason = "expired"
	case m.verifier != nil:
		claims, err := m.verifier.Verify(ctx, cred.Token)
		if err == nil && claims == nil {
			err = errors.New("verifier returned no claims")
		}
		if err != nil {
			m.logger.Warn("consign/session: persisted token rejected", "error", err)
			reason = "unverified"
		} else if claims.Subject != "" && user.ID != "" && claims.Subject != user.ID {
			reason = "subject_mismatch"
		}
	}

	if reason != "" {
		m.logoutLocked(ctx, "restore_"+reason)
		if reason != "empty" {
			m.audit.LogContext(ctx, audit.Event{Action: audit.ActionRestore, Result: audit.ResultFailure, Reason: reason})
		}
		return false
	}

	m.setState(cred, user)
	m.metrics.SetSessionActive(true)
	m.audit.LogContext(ctx, audit.Event{Action: audit.ActionRestore, Result: audit.ResultSuccess, UserID: user.ID, Email: user.Email})
	m.logger.Info("consign/session: restored", "user_id", user.ID)
	return true
}

// Refresh obtains a new credential from the server. Concurrent callers share
// a single server call. The shared call is detached from any one caller's
// context and bounded by the refresh timeout; each caller stops waiting when
// its own ctx ends. On failure the session is left as it was.
func (m *Manager) Refresh(ctx context.Context) (*consign.Credential, error) {
	// started is only written by the flight this caller launched, and read
	// after the result is received.
	started := false
	ch := m.sf.DoChan("refresh", func() (any, error) {
		started = true
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(rctx)
	})

	select {
	case r := <-ch:
		if r.Shared && !started {
			m.metrics.RecordRefreshCoalesced()
		}
		if r.Err != nil {
			return nil, r.Err
		}
		cred := r.Val.(consign.Credential)
		return &cred, nil
	case <-ctx.Done():
		return nil, &consign.AuthError{Op: "refresh", Kind: consign.ErrRefreshFailed, Err: ctx.Err()}
	}
}

func (m *Manager) refresh(ctx context.Context) (consign.Credential, error) {
	m.mu.RLock()
	cur, user := m.state.Credential, m.state.User
	m.mu.RUnlock()
	if cur == nil || user == nil {
		return consign.Credential{}, &consign.AuthError{Op: "refresh", Kind: consign.ErrNoSession}
	}

	start := time.Now()
	fail := func(err error) (consign.Credential, error) {
		m.metrics.RecordRefresh(audit.ResultFailure, time.Since(start))
		m.audit.LogContext(ctx, audit.Event{Action: audit.ActionRefresh, Result: audit.ResultFailure, UserID: user.ID, Error: err.Error()})
		m.logger.Warn("consign/session: refresh failed", "user_id", user.ID, "error", err)
		var ae *consign.AuthError
		if errors.As(err, &ae) && errors.Is(ae.Kind, consign.ErrRefreshFailed) {
			return consign.Credential{}, err
		}
		return consign.Credential{}, &consign.AuthError{Op: "refresh", Kind: consign.ErrRefreshFailed, Err: err}
	}

	body, err := m.auth.Refresh(ctx, consign.RefreshRequest{RefreshToken: cur.RefreshToken, AccessToken: cur.Token})
	if err != nil {
		return fail(err)
	}
	res, err := Normalize(body, m.now(), m.fallback)
	if err != nil {
		return fail(err)
	}

	cred := res.Credential
	if cred.RefreshToken == "" {
		cred.RefreshToken = cur.RefreshToken
	}
	next := *user
	if res.User != nil {
		next = *res.User
		m.logFallback(res)
	}

	if err := m.commit(ctx, cred, next, cur.Token); err != nil {
		return fail(err)
	}

	m.metrics.RecordRefresh(audit.ResultSuccess, time.Since(start))
	m.audit.LogContext(ctx, audit.Event{Action: audit.ActionRefresh, Result: audit.ResultSuccess, UserID: next.ID})
	m.logger.Debug("consign/session: refreshed", "user_id", next.ID, "expires_at", cred.ExpiresAt)
	return cred, nil
}

// commit persists then publishes a new session. A non-empty expectToken
// makes the commit conditional on the session still holding that token, so
// a refresh that finishes after a logout or a new login does not overwrite it.
func (m *Manager) commit(ctx context.Context, cred consign.Credential, user consign.UserProfile, expectToken string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if expectToken != "" {
		m.mu.RLock()
		same := m.state.Credential != nil && m.state.Credential.Token == expectToken
		m.mu.RUnlock()
		if !same {
			return &consign.AuthError{Op: "refresh", Kind: consign.ErrRefreshFailed, Message: "session changed while refreshing"}
		}
	}

	if err := m.store.Write(ctx, cred, user); err != nil {
		return fmt.Errorf("consign/session: persist: %w", err)
	}
	m.setState(&cred, &user)
	m.metrics.SetSessionActive(true)
	return nil
}

// setState installs a session and publishes it. Both halves are required;
// a half-populated session collapses to logged-out.
func (m *Manager) setState(cred *consign.Credential, user *consign.UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred == nil || user == nil {
		m.state = consign.Session{}
		m.bcast.publish(nil)
		return
	}
	c, u := *cred, *user
	m.state = consign.Session{Credential: &c, User: &u}
	m.bcast.publish(&u)
}

// CurrentUser returns the signed-in user, or nil when there is no session
// or its credential has expired.
func (m *Manager) CurrentUser() *consign.UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLocked()
}

func (m *Manager) currentLocked() *consign.UserProfile {
	if m.state.Credential == nil || m.state.User == nil || m.expired(*m.state.Credential) {
		return nil
	}
	return copyProfile(m.state.User)
}

// Token returns the current bearer token, or "". It does not check expiry;
// use IsExpired.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Credential == nil {
		return ""
	}
	return m.state.Credential.Token
}

// Credential returns a copy of the current credential, or nil.
func (m *Manager) Credential() *consign.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Credential == nil {
		return nil
	}
	c := *m.state.Credential
	return &c
}

// IsExpired reports whether the current credential is missing or expired.
func (m *Manager) IsExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Credential == nil {
		return true
	}
	return m.expired(*m.state.Credential)
}

func (m *Manager) expired(c consign.Credential) bool {
	return !c.Valid(m.now().Add(m.leeway))
}

// Snapshot returns a copy of the whole session.
func (m *Manager) Snapshot() consign.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s consign.Session
	if m.state.Credential != nil {
		c := *m.state.Credential
		s.Credential = &c
	}
	s.User = copyProfile(m.state.User)
	return s
}

// Subscribe returns a channel that receives the current user immediately
// and after every transition (nil after logout). Call cancel to stop; the
// channel is then closed.
func (m *Manager) Subscribe() (<-chan *consign.UserProfile, func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bcast.subscribe(m.currentLocked())
}

func wrapCall(op string, err error) error {
	var ae *consign.AuthError
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("consign/session: %s: %w", op, err)
}
