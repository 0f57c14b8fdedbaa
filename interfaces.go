package consign

import "context"

// CredentialStore persists the session across restarts.
// Implementations: store/ (slot-based, pluggable backends).
type CredentialStore interface {
	// Write overwrites the persisted credential and profile.
	Write(ctx context.Context, cred Credential, user UserProfile) error

	// Read returns the persisted pair, or nil, nil when nothing usable is
	// stored. Partial or corrupt data reads as empty; Read never fails.
	Read(ctx context.Context) (*Credential, *UserProfile)

	// Clear removes everything Write stored.
	Clear(ctx context.Context) error
}

// Authenticator is the authentication server. It returns raw response
// bodies; the session manager normalises them.
// Implementations: authclient/ (HTTP), fake/ (testing).
type Authenticator interface {
	// Login exchanges email and password for a credential and profile.
	Login(ctx context.Context, email, password string) ([]byte, error)

	// Refresh exchanges a refresh token (or the current access token) for a
	// new credential.
	Refresh(ctx context.Context, req RefreshRequest) ([]byte, error)

	// Exchange trades an external provider credential for a session.
	Exchange(ctx context.Context, cred SocialCredential) ([]byte, error)
}

// TokenVerifier verifies tokens locally and extracts claims.
// Implementations: jwks/.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// SessionSource is what an outbound request pipeline needs from the session.
// It only reads session state; the two mutating hooks delegate back to the
// session manager, which remains the single writer.
type SessionSource interface {
	// Token returns the current bearer token, or "".
	Token() string

	// IsExpired reports whether the current credential is missing or expired.
	IsExpired() bool

	// Refresh obtains a new credential. Concurrent callers share one call.
	Refresh(ctx context.Context) (*Credential, error)

	// LogoutToken ends the session only if token is still its current token.
	LogoutToken(ctx context.Context, token string) bool
}
