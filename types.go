package consign

import "time"

// Credential is a bearer token with its absolute expiry and an optional
// refresh token.
type Credential struct {
	Token        string
	ExpiresAt    time.Time
	RefreshToken string
}

// Valid reports whether the credential can still be presented at now.
// An expired credential is invalid even if it is still persisted.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// UserProfile describes the signed-in user. It is built once from a server
// response and replaced wholesale; callers always receive copies.
type UserProfile struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Role             Role   `json:"role"`
	OrganizationID   string `json:"organizationId,omitempty"`
	OrganizationName string `json:"organizationName,omitempty"`
}

// Session pairs at most one Credential with at most one UserProfile.
// Either both are set or neither is.
type Session struct {
	Credential *Credential
	User       *UserProfile
}

// LoggedIn reports whether the session carries both a credential and a profile.
func (s Session) LoggedIn() bool {
	return s.Credential != nil && s.User != nil
}

// Empty reports whether the session is the logged-out session.
func (s Session) Empty() bool {
	return s.Credential == nil && s.User == nil
}

// Claims are the fields a TokenVerifier extracts from a verified token.
type Claims struct {
	Subject        string
	Email          string
	Role           Role
	OrganizationID string
	ExpiresAt      time.Time
	IssuedAt       time.Time
	Issuer         string
	Extra          map[string]any
}

// SocialCredential is the opaque credential an external identity provider
// hands back after its own sign-in flow.
type SocialCredential struct {
	Provider   string
	Credential string
}

// RefreshRequest carries what the authentication server needs to mint a new
// credential. RefreshToken may be empty, in which case the server
// re-authenticates from AccessToken.
type RefreshRequest struct {
	RefreshToken string
	AccessToken  string
}
