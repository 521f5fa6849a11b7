package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"mediaart.org/internal/audit"
	"mediaart.org/internal/auth"
	"mediaart.org/internal/protocol"
)

func outgoingMD(t *testing.T, s *Service, ctx context.Context, caller protocol.Address) metadata.MD {
	t.Helper()
	ctx, err := s.outgoing(ctx, caller)
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	return md
}

func TestOutgoingMetadata(t *testing.T) {
	t.Parallel()

	calls := 0
	s := NewService(nil, func(_ context.Context, caller protocol.Address) (string, error) {
		calls++
		return "tok-" + caller.String(), nil
	})

	md := outgoingMD(t, s, context.Background(), "alice")
	if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer tok-alice" {
		t.Fatalf("unexpected authorization: %v", got)
	}

	md = outgoingMD(t, s, context.Background(), "")
	if len(md.Get("authorization")) != 0 {
		t.Fatal("reads without a caller must stay anonymous")
	}

	ctx := auth.ContextWithToken(context.Background(), "forwarded")
	ctx = audit.WithRequestID(ctx, "req-1")
	md = outgoingMD(t, s, ctx, "alice")
	if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer forwarded" {
		t.Fatalf("context token must take precedence: %v", got)
	}
	if got := md.Get("x-request-id"); len(got) != 1 || got[0] != "req-1" {
		t.Fatalf("request id not forwarded: %v", got)
	}
	if calls != 1 {
		t.Fatalf("token source called %d times, want 1", calls)
	}
}

func TestOutgoingTokenSourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := NewService(nil, func(context.Context, protocol.Address) (string, error) { return "", boom })
	if _, err := s.outgoing(context.Background(), "alice"); !errors.Is(err, boom) {
		t.Fatalf("expected token source error, got %v", err)
	}
}

func TestSignerTokens(t *testing.T) {
	t.Parallel()

	signer, err := auth.NewSigner([]byte("s"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := SignerTokens(signer, time.Minute)(context.Background(), "bob")
	if err != nil {
		t.Fatalf("SignerTokens: %v", err)
	}
	claims, err := signer.Verify(token)
	if err != nil || claims.Address() != "bob" {
		t.Fatalf("Verify = %v, %v", claims, err)
	}
}
