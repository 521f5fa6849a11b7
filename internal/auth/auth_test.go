package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	s, err := NewSigner([]byte("test-secret"), WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, expires, err := s.Issue(" Alice ", 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiration, got %v", expires)
	}

	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Address() != "alice" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("expected jti to be set")
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, _ := NewSigner([]byte("secret"), WithClock(clock))
	other, _ := NewSigner([]byte("other-secret"))
	foreign, _ := NewSigner([]byte("secret"), WithIssuer("someone-else"))

	valid, _, err := s.Issue("alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	wrongKey, _, _ := other.Issue("alice", time.Minute)
	wrongIssuer, _, _ := foreign.Issue("alice", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
	} {
		if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Verify(valid); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(nil); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	t.Setenv(SecretEnv, "  ")
	if _, err := SecretFromEnv(); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	t.Setenv(SecretEnv, "abc")
	if got, err := SecretFromEnv(); err != nil || string(got) != "abc" {
		t.Fatalf("SecretFromEnv = %q, %v", got, err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer ":      "",
		"":             "",
	}
	for header, want := range cases {
		got, ok := BearerToken(header)
		if got != want || ok != (want != "") {
			t.Errorf("BearerToken(%q) = %q, %v", header, got, ok)
		}
	}
}

func TestCallerContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := CallerFromContext(ctx); ok {
		t.Fatal("expected no caller")
	}
	ctx = ContextWithCaller(ctx, "alice")
	if got, ok := CallerFromContext(ctx); !ok || got != "alice" {
		t.Fatalf("CallerFromContext = %q, %v", got, ok)
	}
	ctx = ContextWithToken(ctx, "tok")
	if got, ok := TokenFromContext(ctx); !ok || got != "tok" {
		t.Fatalf("TokenFromContext = %q, %v", got, ok)
	}
}
