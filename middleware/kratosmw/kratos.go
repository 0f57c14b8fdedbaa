// Package kratosmw provides Kratos framework middleware for consign sessions.
//
// Client is the client-side request pipeline for Kratos HTTP and gRPC
// clients: it attaches the session token and refreshes and retries once when
// the server answers Unauthorized. Auth and RequireRole are the server side.
package kratosmw

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"

	consign "github.com/chimerakang/consign-go"
	consigntransport "github.com/chimerakang/consign-go/transport"
)

// Error reasons returned by this package.
const (
	ReasonUnauthorized = "UNAUTHORIZED"
	ReasonSessionEnded = "SESSION_ENDED"
	ReasonForbidden    = "FORBIDDEN"
)

// Option configures middleware behavior.
type Option func(*config)

type config struct {
	excludedOperations map[string]bool
	logger             *slog.Logger
}

func newConfig(opts []Option) *config {
	cfg := &config{excludedOperations: make(map[string]bool), logger: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithExcludedOperations sets operations that skip authentication (e.g. health checks).
// Operations are matched by transport.Operation() (gRPC method or HTTP route pattern).
func WithExcludedOperations(ops ...string) Option {
	return func(cfg *config) {
		for _, op := range ops {
			cfg.excludedOperations[op] = true
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// Client returns Kratos client middleware that sends the session token as
// "Authorization: Bearer". A request that carried a token and came back
// Unauthorized is sent again once after the session refreshes. If the
// refresh fails the session ends and the request fails with an Unauthorized
// error (reason SESSION_ENDED) whose cause is the *consign.AuthError.
func Client(src consign.SessionSource, opts ...Option) middleware.Middleware {
	cfg := newConfig(opts)

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			tr, ok := transport.FromClientContext(ctx)
			if !ok || consign.AuthSkipped(ctx) || cfg.excludedOperations[tr.Operation()] {
				return handler(ctx, req)
			}

			token := ""
			if !src.IsExpired() {
				token = src.Token()
			}
			if token == "" {
				return handler(ctx, req)
			}

			tr.RequestHeader().Set("Authorization", "Bearer "+token)
			reply, err := handler(ctx, req)
			if !errors.IsUnauthorized(err) {
				return reply, err
			}

			next, loggedOut, rerr := consigntransport.Renew(ctx, src, token)
			if rerr != nil {
				if ctx.Err() != nil {
					return nil, rerr
				}
				if loggedOut {
					cfg.logger.Warn("consign/kratosmw: session ended after failed refresh",
						"operation", tr.Operation(), "error", rerr)
				}
				return nil, errors.Unauthorized(ReasonSessionEnded, consign.UserMessage(rerr)).WithCause(rerr)
			}

			tr.RequestHeader().Set("Authorization", "Bearer "+next)
			return handler(ctx, req)
		}
	}
}

// Auth returns Kratos server middleware that verifies bearer tokens and
// stores the caller's profile in the context (consign.ProfileFromContext).
// Returns kratos errors.Unauthorized if the token is missing or invalid.
func Auth(verifier consign.TokenVerifier, opts ...Option) middleware.Middleware {
	cfg := newConfig(opts)

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}

			if cfg.excludedOperations[tr.Operation()] {
				return handler(ctx, req)
			}

			tokenStr := extractBearerToken(tr.RequestHeader().Get("Authorization"))
			if tokenStr == "" {
				return nil, errors.Unauthorized(ReasonUnauthorized, "missing authorization token")
			}

			claims, err := verifier.Verify(ctx, tokenStr)
			if err != nil {
				cfg.logger.Debug("consign/kratosmw: token rejected", "operation", tr.Operation(), "error", err)
				return nil, errors.Unauthorized(ReasonUnauthorized, "invalid token")
			}

			ctx = consign.WithProfile(ctx, &consign.UserProfile{
				ID:             claims.Subject,
				Email:          claims.Email,
				Role:           claims.Role,
				OrganizationID: claims.OrganizationID,
			})
			return handler(ctx, req)
		}
	}
}

// RequireRole returns Kratos server middleware that admits only callers
// whose profile has one of roles. Requires Auth to run first.
func RequireRole(roles ...consign.Role) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			p := consign.ProfileFromContext(ctx)
			if p == nil {
				return nil, errors.Unauthorized(ReasonUnauthorized, "missing user context")
			}
			if !slices.Contains(roles, p.Role) {
				return nil, errors.Forbidden(ReasonForbidden, "permission denied")
			}
			return handler(ctx, req)
		}
	}
}

func extractBearerToken(auth string) string {
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
