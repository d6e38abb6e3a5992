// Package middleware provides rate limiting middleware for HTTP and gRPC servers.
//
// # gRPC Interceptors
//
// The concrete gRPC interceptor implementation lives in the grpcmw sub-package
// so importing middleware alone does not pull google.golang.org/grpc
// into projects that only need net/http middleware.
//
// Import:
//
//	import "github.com/aegis-gateway/aegis/middleware/grpcmw"
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(gw)),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(gw)),
//	)
//
// The interceptors match endpoint-scoped rules against the RPC's full
// method name and read the API key from x-api-key metadata by default;
// Config.Identity overrides identity resolution.
//
// See package github.com/aegis-gateway/aegis/middleware/grpcmw for full API.
package middleware
