package grpcmw_test

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/aegis-gateway/aegis/internal/kv/memstore"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/middleware/grpcmw"
	"github.com/aegis-gateway/aegis/ratelimit"
	"github.com/aegis-gateway/aegis/rules"

	testgrpc "google.golang.org/grpc/interop/grpc_testing"
)

// ─── Test Service ────────────────────────────────────────────────────────────

type testServer struct {
	testgrpc.UnimplementedTestServiceServer
}

func (s *testServer) EmptyCall(_ context.Context, _ *testgrpc.Empty) (*testgrpc.Empty, error) {
	return &testgrpc.Empty{}, nil
}

func (s *testServer) UnaryCall(_ context.Context, _ *testgrpc.SimpleRequest) (*testgrpc.SimpleResponse, error) {
	return &testgrpc.SimpleResponse{}, nil
}

func (s *testServer) StreamingOutputCall(_ *testgrpc.StreamingOutputCallRequest, stream testgrpc.TestService_StreamingOutputCallServer) error {
	return stream.Send(&testgrpc.StreamingOutputCallResponse{})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func startServer(t *testing.T, opts ...grpc.ServerOption) (testgrpc.TestServiceClient, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := grpc.NewServer(opts...)
	testgrpc.RegisterTestServiceServer(srv, &testServer{})

	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		srv.Stop()
		t.Fatal(err)
	}

	client := testgrpc.NewTestServiceClient(conn)
	cleanup := func() {
		conn.Close()
		srv.Stop()
	}
	return client, cleanup
}

func newGateway(anonymousLimit int64, ruleset []rules.Rule) *ratelimit.RateLimiter {
	return ratelimit.NewRateLimiter(ratelimit.Config{
		Store:                memstore.New(),
		KeyPrefix:            "test",
		Rules:                ruleset,
		Tiers:                ratelimit.TierLimits{reqctx.TierAnonymous: anonymousLimit},
		DefaultAlgorithm:     ratelimit.AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
}

// ─── Unary Tests ─────────────────────────────────────────────────────────────

func TestUnaryServerInterceptor_AllowsWithinLimit(t *testing.T) {
	client, cleanup := startServer(t,
		grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(newGateway(5, nil))),
	)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		var header metadata.MD
		_, err := client.EmptyCall(ctx, &testgrpc.Empty{}, grpc.Header(&header))
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}

		limit := header.Get("x-ratelimit-limit")
		if len(limit) == 0 || limit[0] != "5" {
			t.Errorf("request %d: expected x-ratelimit-limit=5, got %v", i+1, limit)
		}
	}
}

func TestUnaryServerInterceptor_DeniesExceedingLimit(t *testing.T) {
	client, cleanup := startServer(t,
		grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(newGateway(3, nil))),
	)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.EmptyCall(ctx, &testgrpc.Empty{})
		if err != nil {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	_, err := client.EmptyCall(ctx, &testgrpc.Empty{})
	if err == nil {
		t.Fatal("expected error on 4th request")
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected gRPC status error, got %v", err)
	}
	if st.Code() != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", st.Code())
	}
}

func TestUnaryServerInterceptor_MethodScopedRule(t *testing.T) {
	// The full method name is matched as the endpoint, so a rule can
	// pin one RPC without touching the rest of the service.
	ruleset := []rules.Rule{{
		ID:       "empty-call",
		Enabled:  true,
		Priority: 5,
		Match: rules.Match{
			Endpoint:          "/grpc.testing.TestService/EmptyCall",
			EndpointMatchType: rules.MatchExact,
		},
		RateLimit: rules.RateLimitSpec{
			Algorithm:     ratelimit.AlgoFixedWindow,
			Requests:      1,
			WindowSeconds: 60,
		},
	}}
	client, cleanup := startServer(t,
		grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(newGateway(100, ruleset))),
	)
	defer cleanup()

	ctx := context.Background()

	if _, err := client.EmptyCall(ctx, &testgrpc.Empty{}); err != nil {
		t.Fatal("first EmptyCall should be allowed")
	}
	if _, err := client.EmptyCall(ctx, &testgrpc.Empty{}); err == nil {
		t.Fatal("second EmptyCall should hit the rule limit of 1")
	}
	// UnaryCall is not matched by the rule, so the tier limit applies.
	if _, err := client.UnaryCall(ctx, &testgrpc.SimpleRequest{}); err != nil {
		t.Errorf("UnaryCall should fall back to the tier limit: %v", err)
	}
}

func TestUnaryServerInterceptor_ExcludeMethods(t *testing.T) {
	client, cleanup := startServer(t,
		grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptorWithConfig(grpcmw.Config{
			Gateway:        newGateway(1, nil),
			ExcludeMethods: map[string]bool{"/grpc.testing.TestService/EmptyCall": true},
		})),
	)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := client.EmptyCall(ctx, &testgrpc.Empty{}); err != nil {
			t.Fatalf("excluded method call %d should always succeed: %v", i+1, err)
		}
	}
}

func TestUnaryServerInterceptor_APIKeyIdentity(t *testing.T) {
	client, cleanup := startServer(t,
		grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(newGateway(2, nil))),
	)
	defer cleanup()

	ctxA := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "key-aaaaaaaa")
	ctxB := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "key-bbbbbbbb")

	for i := 0; i < 2; i++ {
		if _, err := client.EmptyCall(ctxA, &testgrpc.Empty{}); err != nil {
			t.Fatalf("key A call %d should be allowed: %v", i+1, err)
		}
	}
	if _, err := client.EmptyCall(ctxA, &testgrpc.Empty{}); err == nil {
		t.Fatal("key A should be exhausted")
	}
	if _, err := client.EmptyCall(ctxB, &testgrpc.Empty{}); err != nil {
		t.Errorf("key B should have its own allowance: %v", err)
	}
}

// ─── Stream Tests ────────────────────────────────────────────────────────────

func TestStreamServerInterceptor_DeniesExceedingLimit(t *testing.T) {
	client, cleanup := startServer(t,
		grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(newGateway(2, nil))),
	)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		stream, err := client.StreamingOutputCall(ctx, &testgrpc.StreamingOutputCallRequest{})
		if err != nil {
			t.Fatalf("stream %d open failed: %v", i+1, err)
		}
		if _, err := stream.Recv(); err != nil {
			t.Fatalf("stream %d should be allowed: %v", i+1, err)
		}
	}

	stream, err := client.StreamingOutputCall(ctx, &testgrpc.StreamingOutputCallRequest{})
	if err == nil {
		_, err = stream.Recv()
	}
	if err == nil {
		t.Fatal("third stream should be denied")
	}
	if st, ok := status.FromError(err); !ok || st.Code() != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
}
