package consign

import "context"

type ctxKey string

const (
	ctxKeySkipAuth ctxKey = "consign_skip_auth"
	ctxKeyProfile  ctxKey = "consign_profile"
)

// WithoutAuth marks outbound requests made with ctx as public: the request
// pipeline sends them without a bearer token and never refreshes for them.
func WithoutAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeySkipAuth, true)
}

// AuthSkipped reports whether ctx was marked with WithoutAuth.
func AuthSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeySkipAuth).(bool)
	return v
}

// WithProfile stores the signed-in user's profile in the context.
func WithProfile(ctx context.Context, p *UserProfile) context.Context {
	return context.WithValue(ctx, ctxKeyProfile, p)
}

// ProfileFromContext extracts the profile stored by WithProfile.
func ProfileFromContext(ctx context.Context) *UserProfile {
	v, _ := ctx.Value(ctxKeyProfile).(*UserProfile)
	return v
}
