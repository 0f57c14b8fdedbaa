// Package fake provides in-memory implementations of the consign
// collaborators for testing.
//
// Use NewAuthenticator in unit tests to drive a session.Manager without a
// network, and NewServer when the code under test speaks HTTP.
package fake

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	consign "github.com/chimerakang/consign-go"
)

// Authenticator is an in-memory consign.Authenticator. It keeps accounts,
// issues opaque tokens, rotates refresh tokens and counts calls.
type Authenticator struct {
	mu       sync.Mutex
	now      func() time.Time
	ttl      time.Duration
	shape    Shape
	mint     func(user consign.UserProfile, exp time.Time) string
	accounts map[string]*account // email → account
	social   map[string]string   // provider + "\x00" + credential → email
	refresh  map[string]string   // refresh token → email
	issued   map[string]time.Time
	seq      int

	refreshErr  error
	refreshHook func(ctx context.Context) error

	loginCalls    atomic.Int64
	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64
}

type account struct {
	password string
	user     consign.UserProfile
}

// compile-time check
var _ consign.Authenticator = (*Authenticator)(nil)

// Option configures the fake Authenticator.
type Option func(*Authenticator)

// WithAccount adds an account. An empty user.ID gets a generated one.
func WithAccount(password string, user consign.UserProfile) Option {
	return func(a *Authenticator) {
		if user.ID == "" {
			user.ID = uuid.NewString()
		}
		a.accounts[user.Email] = &account{password: password, user: user}
	}
}

// WithSocialAccount links a provider credential to an existing account email.
func WithSocialAccount(provider, credential, email string) Option {
	return func(a *Authenticator) {
		a.social[provider+"\x00"+credential] = email
	}
}

// WithTokenTTL sets the lifetime of issued credentials. Default: 1 hour.
func WithTokenTTL(d time.Duration) Option {
	return func(a *Authenticator) { a.ttl = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithShape selects the response layout. Default: ShapeBare.
func WithShape(s Shape) Option {
	return func(a *Authenticator) { a.shape = s }
}

func withMinter(mint func(consign.UserProfile, time.Time) string) Option {
	return func(a *Authenticator) { a.mint = mint }
}

// NewAuthenticator creates a fake authentication server.
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		now:      time.Now,
		ttl:      time.Hour,
		accounts: make(map[string]*account),
		social:   make(map[string]string),
		refresh:  make(map[string]string),
		issued:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(a)
	}
	if a.mint == nil {
		a.mint = func(consign.UserProfile, time.Time) string {
			a.seq++
			return fmt.Sprintf("tok-%d", a.seq)
		}
	}
	return a
}

// Login checks the password and issues a credential with the profile.
func (a *Authenticator) Login(ctx context.Context, email, password string) ([]byte, error) {
	a.loginCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	acct, ok := a.accounts[email]
	if !ok || acct.password != password {
		return nil, rejected("login", "Invalid email or password")
	}
	cred := a.issueLocked(acct.user)
	return Body(a.shape, cred, &acct.user), nil
}

// Refresh rotates the refresh token and issues a credential without a
// profile. Hooks installed with OnRefresh run first, outside the lock.
func (a *Authenticator) Refresh(ctx context.Context, req consign.RefreshRequest) ([]byte, error) {
	a.refreshCalls.Add(1)

	a.mu.Lock()
	hook, failure := a.refreshHook, a.refreshErr
	a.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if failure != nil {
		return nil, failure
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	email, ok := a.refresh[req.RefreshToken]
	if !ok {
		return nil, rejected("refresh", "Invalid refresh token")
	}
	delete(a.refresh, req.RefreshToken)
	cred := a.issueLocked(a.accounts[email].user)
	return Body(a.shape, cred, nil), nil
}

// Exchange signs in a linked social account.
func (a *Authenticator) Exchange(ctx context.Context, sc consign.SocialCredential) ([]byte, error) {
	a.exchangeCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	email, ok := a.social[sc.Provider+"\x00"+sc.Credential]
	if !ok {
		return nil, rejected("social login", "Account not linked")
	}
	acct := a.accounts[email]
	cred := a.issueLocked(acct.user)
	return Body(a.shape, cred, &acct.user), nil
}

func (a *Authenticator) issueLocked(user consign.UserProfile) consign.Credential {
	exp := a.now().Add(a.ttl)
	cred := consign.Credential{
		Token:        a.mint(user, exp),
		ExpiresAt:    exp,
		RefreshToken: "ref-" + uuid.NewString(),
	}
	a.refresh[cred.RefreshToken] = user.Email
	a.issued[cred.Token] = exp
	return cred
}

// FailRefresh makes every Refresh return err. Pass nil to restore.
func (a *Authenticator) FailRefresh(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshErr = err
}

// OnRefresh installs a hook run at the start of every Refresh; a non-nil
// return fails the call. Tests use it to hold refreshes in flight.
func (a *Authenticator) OnRefresh(hook func(ctx context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshHook = hook
}

// TokenValid reports whether token was issued, not revoked and not expired.
func (a *Authenticator) TokenValid(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.issued[token]
	return ok && a.now().Before(exp)
}

// Revoke invalidates an issued access token.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.issued, token)
}

// RevokeAll invalidates every issued access token. Refresh tokens survive.
func (a *Authenticator) RevokeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.issued)
}

// LoginCalls returns how many times Login was called.
func (a *Authenticator) LoginCalls() int { return int(a.loginCalls.Load()) }

// RefreshCalls returns how many times Refresh was called.
func (a *Authenticator) RefreshCalls() int { return int(a.refreshCalls.Load()) }

// ExchangeCalls returns how many times Exchange was called.
func (a *Authenticator) ExchangeCalls() int { return int(a.exchangeCalls.Load()) }

func rejected(op, msg string) error {
	return &consign.AuthError{Op: op, Kind: consign.ErrAuthRejected, Message: msg, Status: http.StatusUnauthorized}
}
