// Package grpcmw provides gRPC interceptors for consign sessions.
//
// The client interceptors are the gRPC form of the request pipeline: they
// attach the session token to outgoing metadata and, for unary calls,
// refresh and retry once on codes.Unauthenticated. The server interceptors
// verify those tokens with any consign.TokenVerifier.
//
// For Kratos clients use kratosmw instead.
package grpcmw

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/transport"
)

// Option configures interceptor behavior.
type Option func(*config)

type config struct {
	excludedMethods map[string]bool
	accept          func(token string) bool
	logger          *slog.Logger
}

func newConfig(opts []Option) *config {
	cfg := &config{excludedMethods: make(map[string]bool), logger: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithExcludedMethods sets gRPC methods that skip authentication.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) Option {
	return func(cfg *config) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

// WithRevocationCheck makes the server interceptors reject verified tokens
// for which accept returns false.
func WithRevocationCheck(accept func(token string) bool) Option {
	return func(cfg *config) { cfg.accept = accept }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// --- client ---

// UnaryClientInterceptor attaches the session token to unary calls. A call
// that carried a token and failed with codes.Unauthenticated is retried once
// after the session refreshes; the retry's result is final. If the refresh
// fails the session ends and the error has code Unauthenticated and wraps
// consign.ErrSessionEnded. If ctx ends while refreshing, the error carries
// the matching Canceled or DeadlineExceeded code.
func UnaryClientInterceptor(src consign.SessionSource, opts ...Option) grpc.UnaryClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		if cfg.excludedMethods[method] || consign.AuthSkipped(ctx) {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		token := currentToken(src)
		if token == "" {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		err := invoker(withBearer(ctx, token), method, req, reply, cc, callOpts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		next, loggedOut, rerr := transport.Renew(ctx, src, token)
		if rerr != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			if loggedOut {
				cfg.logger.Warn("consign/grpcmw: session ended after failed refresh", "method", method, "error", rerr)
			}
			return &sessionError{err: rerr}
		}
		return invoker(withBearer(ctx, next), method, req, reply, cc, callOpts...)
	}
}

// StreamClientInterceptor attaches the session token to streaming calls.
// Streams are not retried.
func StreamClientInterceptor(src consign.SessionSource, opts ...Option) grpc.StreamClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		if !cfg.excludedMethods[method] && !consign.AuthSkipped(ctx) {
			if token := currentToken(src); token != "" {
				ctx = withBearer(ctx, token)
			}
		}
		return streamer(ctx, desc, cc, method, callOpts...)
	}
}

func currentToken(src consign.SessionSource) string {
	if src.IsExpired() {
		return ""
	}
	return src.Token()
}

func withBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// sessionError carries a session failure as an Unauthenticated status while
// keeping the *consign.AuthError reachable through errors.As.
type sessionError struct{ err error }

func (e *sessionError) Error() string { return e.err.Error() }
func (e *sessionError) Unwrap() error { return e.err }

func (e *sessionError) GRPCStatus() *status.Status {
	return status.New(codes.Unauthenticated, consign.UserMessage(e.err))
}

// --- server ---

// UnaryAuth returns a unary server interceptor that verifies bearer tokens
// and stores the caller's profile in the context (consign.ProfileFromContext).
func UnaryAuth(verifier consign.TokenVerifier, opts ...Option) grpc.UnaryServerInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ctx, err := authenticate(ctx, verifier, cfg)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth returns a stream server interceptor that verifies bearer tokens.
func StreamAuth(verifier consign.TokenVerifier, opts ...Option) grpc.StreamServerInterceptor {
	cfg := newConfig(opts)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx, err := authenticate(ss.Context(), verifier, cfg)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, verifier consign.TokenVerifier, cfg *config) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokenStr := extractBearerFromMD(md)
	if tokenStr == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization token")
	}

	claims, err := verifier.Verify(ctx, tokenStr)
	if err != nil || (cfg.accept != nil && !cfg.accept(tokenStr)) {
		return ctx, status.Error(codes.Unauthenticated, "invalid token")
	}

	return consign.WithProfile(ctx, &consign.UserProfile{
		ID:             claims.Subject,
		Email:          claims.Email,
		Role:           claims.Role,
		OrganizationID: claims.OrganizationID,
	}), nil
}

func extractBearerFromMD(md metadata.MD) string {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	parts := strings.SplitN(vals[len(vals)-1], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// wrappedStream wraps grpc.ServerStream to override Context().
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
