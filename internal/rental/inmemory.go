package rental

import (
	"context"
	"fmt"
	"time"

	"mediaart.org/internal/escrow"
	"mediaart.org/internal/handshake"
	"mediaart.org/internal/keys"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/stream"
	"mediaart.org/internal/tokens"
)

// InMemory implements Service with in-process concurrency safety. Every
// token-scoped mutation runs under that token's lock, which makes them
// linearizable per token; different tokens proceed in parallel.
type InMemory struct {
	registry *tokens.Registry
	operator *tokens.Operator
	keys     *keys.Directory
	hs       *handshake.Machine
	ledger   *escrow.Ledger
	settle   *escrow.Settlement
	log      *stream.Log

	locks *keyedMutex
}

// Option configures InMemory.
type Option func(*config)

type config struct {
	now   func() time.Time
	hooks []func()
}

// WithClock overrides the time source used for expiry and timestamps.
func WithClock(fn func() time.Time) Option {
	return func(c *config) { c.now = fn }
}

// WithCommitHook registers fn to run after each recorded event, typically
// stream.Hub.Notify. fn must not block.
func WithCommitHook(fn func()) Option {
	return func(c *config) { c.hooks = append(c.hooks, fn) }
}

// NewInMemory wires a fresh registry, key directory, handshake machine and
// escrow ledger. The privileged handles stay inside the coordinator.
func NewInMemory(opts ...Option) *InMemory {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := stream.NewLog(cfg.hooks...)
	registry, operator := tokens.NewRegistry(tokens.WithClock(cfg.now), tokens.WithRecorder(log))
	ledger, settle := escrow.NewLedger(escrow.WithClock(cfg.now))
	return &InMemory{
		registry: registry,
		operator: operator,
		keys:     keys.NewDirectory(),
		hs:       handshake.NewMachine(registry),
		ledger:   ledger,
		settle:   settle,
		log:      log,
		locks:    newKeyedMutex(),
	}
}

var (
	_ Service           = (*InMemory)(nil)
	_ SettlementHistory = (*InMemory)(nil)
	_ Clock             = (*InMemory)(nil)
)

// Now reports the coordinator's clock.
func (s *InMemory) Now() time.Time { return s.registry.Now() }

func (s *InMemory) Mint(ctx context.Context, owner protocol.Address, uri string) (protocol.TokenID, error) {
	return s.registry.Mint(ctx, owner, uri)
}

func (s *InMemory) Token(ctx context.Context, id protocol.TokenID) (protocol.Token, error) {
	return s.registry.Token(ctx, id)
}

func (s *InMemory) OwnerOf(ctx context.Context, id protocol.TokenID) (protocol.Address, error) {
	return s.registry.OwnerOf(ctx, id)
}

func (s *InMemory) RenterOf(ctx context.Context, id protocol.TokenID) (protocol.Address, bool, error) {
	return s.registry.RenterOf(ctx, id)
}

func (s *InMemory) TokensOf(ctx context.Context, owner protocol.Address) ([]protocol.TokenID, error) {
	return s.registry.TokensOf(ctx, owner)
}

// AssignRenter starts a new rental cycle: the renter is replaced and the
// handshake record is reset under the same token lock.
func (s *InMemory) AssignRenter(ctx context.Context, id protocol.TokenID, caller, renter protocol.Address, expiry time.Time) error {
	defer s.locks.Lock(id)()
	if err := s.registry.AssignRenter(ctx, id, caller, renter, expiry); err != nil {
		return err
	}
	s.hs.Reset(ctx, id)
	return nil
}

// TransferOwnership moves title from the owner to another address. Any
// renter is cleared and the handshake starts over.
func (s *InMemory) TransferOwnership(ctx context.Context, id protocol.TokenID, caller, to protocol.Address) error {
	defer s.locks.Lock(id)()
	tok, err := s.registry.Token(ctx, id)
	if err != nil {
		return err
	}
	if caller.IsZero() || caller != tok.Owner {
		return protocol.ErrUnauthorized
	}
	if to.IsZero() {
		return protocol.ErrInvalidInput
	}
	if err := s.operator.SetOwner(ctx, id, to); err != nil {
		return fmt.Errorf("set owner: %w", err)
	}
	s.hs.Reset(ctx, id)
	return nil
}

func (s *InMemory) SetPublicKey(ctx context.Context, caller protocol.Address, key []byte) error {
	return s.keys.SetPublicKey(ctx, caller, key)
}

func (s *InMemory) PublicKey(ctx context.Context, addr protocol.Address) ([]byte, error) {
	return s.keys.PublicKey(ctx, addr)
}

func (s *InMemory) SetEncryptedPhrase(ctx context.Context, id protocol.TokenID, caller protocol.Address, ciphertext []byte) error {
	defer s.locks.Lock(id)()
	return s.hs.SetEncryptedPhrase(ctx, id, caller, ciphertext)
}

func (s *InMemory) SetOwnerConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64) error {
	defer s.locks.Lock(id)()
	return s.hs.SetOwnerConfirm(ctx, id, caller, amount)
}

func (s *InMemory) SetProposedURIHash(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	defer s.locks.Lock(id)()
	return s.hs.SetProposedURIHash(ctx, id, caller, hash)
}

func (s *InMemory) SetUserConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	defer s.locks.Lock(id)()
	return s.hs.SetUserConfirm(ctx, id, caller, hash)
}

func (s *InMemory) Handshake(ctx context.Context, id protocol.TokenID) (protocol.HandshakeRecord, error) {
	return s.hs.Status(ctx, id), nil
}

func (s *InMemory) Deposit(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	return s.ledger.Deposit(ctx, caller, amount)
}

func (s *InMemory) Withdraw(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	return s.ledger.Withdraw(ctx, caller, amount)
}

func (s *InMemory) BalanceOf(ctx context.Context, addr protocol.Address) (int64, error) {
	return s.ledger.BalanceOf(ctx, addr)
}

// Finalize settles a rental cycle. All checks run before any mutation, and
// the escrow transfer is the only step that can still fail afterwards; it
// runs first so a failure leaves nothing to undo.
func (s *InMemory) Finalize(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64, finalURI string) (string, error) {
	defer s.locks.Lock(id)()

	tok, err := s.registry.Token(ctx, id)
	if err != nil {
		return "", err
	}
	now := s.registry.Now()
	renter, err := CheckFinalize(tok, s.hs.Status(ctx, id), caller, amount, now)
	if err != nil {
		return "", err
	}

	if _, err := s.settle.TransferOut(ctx, renter, tok.Owner, amount); err != nil {
		return "", err
	}
	if err := s.operator.SetPublicURI(ctx, id, finalURI); err != nil {
		// Tokens are never destroyed and id is locked, so this is a bug.
		return "", fmt.Errorf("publish uri after settlement: %w", err)
	}
	s.hs.Reset(ctx, id)
	s.log.Record(protocol.Event{
		Kind:      protocol.EventFinalized,
		TokenID:   id,
		From:      renter,
		To:        tok.Owner,
		Amount:    amount,
		URI:       finalURI,
		CreatedAt: now,
	})
	return finalURI, nil
}

func (s *InMemory) Events(ctx context.Context, afterSeq uint64, limit int) ([]protocol.Event, error) {
	return s.log.Since(afterSeq, limit), nil
}

func (s *InMemory) Settlements(ctx context.Context, afterSeq uint64, limit int) ([]escrow.Transfer, uint64, error) {
	return s.ledger.Transfers(ctx, afterSeq, limit)
}
