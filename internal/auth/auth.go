// Package auth issues and verifies the bearer tokens that identify a caller
// address to the HTTP and gRPC transports.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mediaart.org/internal/protocol"
)

const (
	DefaultIssuer = "mediaart"

	// SecretEnv names the variable SecretFromEnv reads.
	SecretEnv = "MEDIAART_AUTH_SECRET"
)

// Claims carries the caller address in the subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Address returns the authenticated caller.
func (c *Claims) Address() protocol.Address {
	return protocol.NormalizeAddress(c.Subject)
}

// Signer signs and validates HS256 tokens with a shared secret.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

func WithIssuer(issuer string) Option {
	return func(s *Signer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock overrides the time source for issued-at and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	s := &Signer{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SecretFromEnv reads the signing secret from SecretEnv.
func SecretFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(SecretEnv))
	if raw == "" {
		return nil, ErrMissingSecret
	}
	return []byte(raw), nil
}

// Issue signs a token for addr valid for ttl.
func (s *Signer) Issue(addr protocol.Address, ttl time.Duration) (string, time.Time, error) {
	addr = protocol.NormalizeAddress(string(addr))
	if addr.IsZero() {
		return "", time.Time{}, errors.New("auth: address is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}

	now := s.now().UTC()
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   addr.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer and expiry and returns the claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Address().IsZero() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
