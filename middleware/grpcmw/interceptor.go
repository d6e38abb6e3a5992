// Package grpcmw embeds the gateway's rate-limit decision pipeline in
// a gRPC server via unary and stream interceptors.
//
// Separated from the middleware package so that importing the net/http
// middleware does not pull in google.golang.org/grpc.
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(gw)),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(gw)),
//	)
package grpcmw

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/ratelimit"
)

// IdentityFunc resolves the caller's identity from an RPC context:
// user id, API key, and tier. Any field may be empty.
type IdentityFunc func(ctx context.Context) (userID, apiKey string, tier reqctx.Tier)

// DeniedHandler produces the gRPC error returned when a call is rate
// limited. Default: codes.ResourceExhausted.
type DeniedHandler func(ctx context.Context, d ratelimit.Decision) error

// Config holds full configuration for the interceptors.
type Config struct {
	// Gateway runs the full decision pipeline (required).
	Gateway *ratelimit.RateLimiter

	// Identity resolves userID/apiKey/tier. Default: API key from
	// x-api-key metadata, no user, anonymous tier.
	Identity IdentityFunc

	// DeniedHandler produces the error returned on denial.
	DeniedHandler DeniedHandler

	// ExcludeMethods are full method names (e.g. "/pkg.Service/Method")
	// that skip the limiter entirely.
	ExcludeMethods map[string]bool

	// Headers controls whether rate limit metadata is sent in response
	// headers. Default: true.
	Headers *bool
}

// ─── Unary Interceptors ──────────────────────────────────────────────────────

// UnaryServerInterceptor creates a unary server interceptor over gw
// with default settings.
func UnaryServerInterceptor(gw *ratelimit.RateLimiter) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorWithConfig(Config{Gateway: gw})
}

// UnaryServerInterceptorWithConfig creates a unary server interceptor
// with full configuration control.
func UnaryServerInterceptorWithConfig(cfg Config) grpc.UnaryServerInterceptor {
	cfg = withDefaults(cfg)
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		d := cfg.Gateway.Check(ctx, rpcContext(ctx, cfg, info.FullMethod))

		if sendHeaders {
			setRateLimitMetadata(ctx, d)
		}

		if !d.Allowed {
			return nil, cfg.DeniedHandler(ctx, d)
		}

		return handler(ctx, req)
	}
}

// ─── Stream Interceptors ─────────────────────────────────────────────────────

// StreamServerInterceptor creates a stream server interceptor over gw
// with default settings.
func StreamServerInterceptor(gw *ratelimit.RateLimiter) grpc.StreamServerInterceptor {
	return StreamServerInterceptorWithConfig(Config{Gateway: gw})
}

// StreamServerInterceptorWithConfig creates a stream server interceptor
// with full configuration control.
func StreamServerInterceptorWithConfig(cfg Config) grpc.StreamServerInterceptor {
	cfg = withDefaults(cfg)
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		d := cfg.Gateway.Check(ctx, rpcContext(ctx, cfg, info.FullMethod))

		if sendHeaders {
			if md := decisionMetadata(d); md.Len() > 0 {
				_ = ss.SetHeader(md)
			}
		}

		if !d.Allowed {
			return cfg.DeniedHandler(ctx, d)
		}

		return handler(srv, ss)
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func withDefaults(cfg Config) Config {
	if cfg.Gateway == nil {
		panic("grpcmw: Gateway is required")
	}
	if cfg.Identity == nil {
		cfg.Identity = identityFromMetadata
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	return cfg
}

// rpcContext assembles the request context for one RPC. The full
// method name stands in for the URL path so endpoint-scoped rules
// match on "/pkg.Service/Method".
func rpcContext(ctx context.Context, cfg Config, fullMethod string) reqctx.Context {
	userID, apiKey, tier := cfg.Identity(ctx)
	rc := reqctx.Context{
		IP:     peerAddr(ctx),
		UserID: userID,
		APIKey: apiKey,
		Tier:   tier,
		Path:   fullMethod,
		Method: "POST",
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		pairs := make(map[string]string, md.Len())
		for k, v := range md {
			if len(v) > 0 {
				pairs[k] = v[0]
			}
		}
		rc.Headers = reqctx.NewHeaderFromPairs(pairs)
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			rc.RequestID = ids[0]
		}
	}
	return rc
}

// identityFromMetadata reads the API key from x-api-key metadata and
// leaves the user and tier for the gateway to resolve.
func identityFromMetadata(ctx context.Context) (string, string, reqctx.Tier) {
	return "", metadataValue(ctx, "x-api-key"), ""
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

func metadataValue(ctx context.Context, header string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if vals := md.Get(header); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func setRateLimitMetadata(ctx context.Context, d ratelimit.Decision) {
	if md := decisionMetadata(d); md.Len() > 0 {
		_ = grpc.SetHeader(ctx, md)
	}
}

func decisionMetadata(d ratelimit.Decision) metadata.MD {
	pairs := make([]string, 0, len(d.Headers)*2)
	for k, v := range d.Headers {
		pairs = append(pairs, k, v)
	}
	return metadata.Pairs(pairs...)
}

func defaultDeniedHandler(_ context.Context, d ratelimit.Decision) error {
	msg := d.Message
	if msg == "" {
		msg = "rate limit exceeded"
	}
	return status.Error(codes.ResourceExhausted, msg)
}
