package rpc

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"mediaart.org/internal/audit"
	"mediaart.org/internal/auth"
	"mediaart.org/internal/ids"
	"mediaart.org/internal/obs"
)

// Metadata keys understood by the server.
const (
	MetadataAuthorization = "authorization"
	MetadataRequestID     = "x-request-id"
)

// AuthInterceptor verifies the bearer token, when present, and attaches the
// caller to the context. Anonymous calls reach only public methods; an
// invalid token is rejected even on public methods.
func AuthInterceptor(signer *auth.Signer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return next(ctx, req)
		}
		header := firstMetadata(ctx, MetadataAuthorization)
		if header == "" {
			if !IsPublic(info.FullMethod) {
				return nil, toStatus(errUnauthenticated)
			}
			return next(ctx, req)
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			return nil, toStatus(errUnauthenticated)
		}
		claims, err := signer.Verify(token)
		if err != nil {
			return nil, toStatus(errUnauthenticated)
		}
		ctx = auth.ContextWithCaller(ctx, claims.Address())
		ctx = auth.ContextWithToken(ctx, token)
		return next(ctx, req)
	}
}

// LoggingInterceptor assigns a request id and writes one JSON line per call.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		rid := firstMetadata(ctx, MetadataRequestID)
		if rid == "" {
			rid = ids.New()
		}
		ctx = audit.WithRequestID(ctx, rid)
		start := time.Now()

		resp, err := next(ctx, req)

		entry := map[string]any{
			"ts":          start.UTC().Format(time.RFC3339Nano),
			"level":       "info",
			"msg":         "grpc_request",
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  rid,
		}
		obs.LogRequest(entry)
		return resp, err
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
