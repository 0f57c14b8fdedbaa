package grpcmw_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/fake"
	"github.com/chimerakang/consign-go/middleware/grpcmw"
	"github.com/chimerakang/consign-go/session"
	"github.com/chimerakang/consign-go/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var owner = consign.UserProfile{ID: "u1", Email: "owner@x.com", Role: consign.RoleOwner, OrganizationID: "shop-1"}

type harness struct {
	srv    *fake.Server
	m      *session.Manager
	health healthpb.HealthClient
	seen   atomic.Pointer[consign.UserProfile]
}

// newHarness serves the gRPC health service behind UnaryAuth and dials it
// with a client signed in to the fake server.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{srv: fake.NewServer(fake.WithAccount("pw", owner))}
	t.Cleanup(h.srv.Close)

	h.m = session.New(h.srv.Authenticator(), store.New(store.NewMemoryBackend()), session.WithLogger(quiet))
	_, err := h.m.Login(context.Background(), "owner@x.com", "pw")
	require.NoError(t, err)

	capture := func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		h.seen.Store(consign.ProfileFromContext(ctx))
		return handler(ctx, req)
	}

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcmw.UnaryAuth(h.srv.Verifier(), grpcmw.WithRevocationCheck(h.srv.Authenticator().TokenValid)),
		capture,
	))
	healthpb.RegisterHealthServer(s, health.NewServer())
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpcmw.UnaryClientInterceptor(h.m, grpcmw.WithLogger(quiet))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	h.health = healthpb.NewHealthClient(conn)
	return h
}

func (h *harness) check(ctx context.Context) error {
	_, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{})
	return err
}

func TestUnaryClient_AttachesToken(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.check(context.Background()))

	seen := h.seen.Load()
	require.NotNil(t, seen)
	assert.Equal(t, "owner@x.com", seen.Email)
	assert.Equal(t, consign.RoleOwner, seen.Role)
	assert.Equal(t, "shop-1", seen.OrganizationID)
	assert.Equal(t, 0, h.srv.Authenticator().RefreshCalls())
}

func TestUnaryClient_RefreshesAndRetries(t *testing.T) {
	h := newHarness(t)
	old := h.m.Token()
	h.srv.Authenticator().Revoke(old)

	require.NoError(t, h.check(context.Background()))

	assert.Equal(t, 1, h.srv.Authenticator().RefreshCalls())
	assert.NotEqual(t, old, h.m.Token())
	assert.False(t, h.m.IsExpired())
}

func TestUnaryClient_RefreshFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.srv.Authenticator().Revoke(h.m.Token())
	h.srv.Authenticator().FailRefresh(errors.New("refresh backend down"))

	err := h.check(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.True(t, errors.Is(err, consign.ErrSessionEnded), "got %v", err)

	var ae *consign.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "request", ae.Op)

	assert.Empty(t, h.m.Token())
	assert.Nil(t, h.m.CurrentUser())
}

func TestUnaryClient_SecondUnauthenticatedIsFinal(t *testing.T) {
	h := newHarness(t)
	calls := 0
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		calls++
		return status.Error(codes.Unauthenticated, "nope")
	}

	icpt := grpcmw.UnaryClientInterceptor(h.m, grpcmw.WithLogger(quiet))
	err := icpt(context.Background(), "/svc/M", nil, nil, nil, invoker)

	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.False(t, errors.Is(err, consign.ErrSessionEnded))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, h.srv.Authenticator().RefreshCalls())
	assert.NotEmpty(t, h.m.Token())
}

func TestUnaryClient_NoTokenIsNotRetried(t *testing.T) {
	auth := fake.NewAuthenticator()
	m := session.New(auth, store.New(store.NewMemoryBackend()), session.WithLogger(quiet))

	calls := 0
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		calls++
		md, _ := metadata.FromOutgoingContext(ctx)
		assert.Empty(t, md.Get("authorization"))
		return status.Error(codes.Unauthenticated, "login required")
	}

	icpt := grpcmw.UnaryClientInterceptor(m, grpcmw.WithLogger(quiet))
	err := icpt(context.Background(), "/svc/M", nil, nil, nil, invoker)

	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, auth.RefreshCalls())
}

func TestUnaryClient_Skipped(t *testing.T) {
	h := newHarness(t)
	icpt := grpcmw.UnaryClientInterceptor(h.m, grpcmw.WithExcludedMethods("/svc/Public"))

	var got []string
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get("authorization")
		return nil
	}

	require.NoError(t, icpt(context.Background(), "/svc/Public", nil, nil, nil, invoker))
	assert.Empty(t, got)

	require.NoError(t, icpt(consign.WithoutAuth(context.Background()), "/svc/Private", nil, nil, nil, invoker))
	assert.Empty(t, got)

	require.NoError(t, icpt(context.Background(), "/svc/Private", nil, nil, nil, invoker))
	assert.Equal(t, []string{"Bearer " + h.m.Token()}, got)
}

func TestStreamClient_AttachesToken(t *testing.T) {
	h := newHarness(t)
	icpt := grpcmw.StreamClientInterceptor(h.m)

	var got []string
	streamer := func(ctx context.Context, _ *grpc.StreamDesc, _ *grpc.ClientConn, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get("authorization")
		return nil, nil
	}

	_, err := icpt(context.Background(), &grpc.StreamDesc{}, nil, "/svc/Watch", streamer)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer " + h.m.Token()}, got)
}

func TestUnaryAuth_Rejects(t *testing.T) {
	srv := fake.NewServer(fake.WithAccount("pw", owner))
	t.Cleanup(srv.Close)

	icpt := grpcmw.UnaryAuth(srv.Verifier(), grpcmw.WithExcludedMethods("/svc/Public"))
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Private"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"no metadata", context.Background()},
		{"no header", metadata.NewIncomingContext(context.Background(), metadata.MD{})},
		{"wrong scheme", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic abc"))},
		{"garbage token", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := icpt(tt.ctx, nil, info, handler)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}

	resp, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Public"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestUnaryClient_CallerCancelDuringRefresh(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.srv.Authenticator().OnRefresh(func(context.Context) error {
		cancel()
		<-release
		return nil
	})

	invoker := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
		return status.Error(codes.Unauthenticated, "nope")
	}
	icpt := grpcmw.UnaryClientInterceptor(h.m, grpcmw.WithLogger(quiet))
	err := icpt(ctx, "/svc/M", nil, nil, nil, invoker)

	assert.Equal(t, codes.Canceled, status.Code(err))
	assert.False(t, errors.Is(err, consign.ErrSessionEnded))
	assert.NotNil(t, h.m.CurrentUser(), "session survives")
}
