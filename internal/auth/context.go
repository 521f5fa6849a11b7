package auth

import (
	"context"

	"mediaart.org/internal/protocol"
)

type callerContextKey struct{}
type tokenContextKey struct{}

// ContextWithCaller attaches the authenticated caller address to the context.
func ContextWithCaller(ctx context.Context, addr protocol.Address) context.Context {
	return context.WithValue(ctx, callerContextKey{}, addr)
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (protocol.Address, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(callerContextKey{}).(protocol.Address)
	if !ok || v.IsZero() {
		return "", false
	}
	return v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
