// Package rental coordinates tokens, keys, handshakes and escrow into the
// rental protocol. Service is the complete operation surface; every transport
// and storage backend implements or consumes it.
package rental

import (
	"context"
	"time"

	"mediaart.org/internal/escrow"
	"mediaart.org/internal/protocol"
)

// Service defines rental operations. Callers are identified by address;
// authentication happens at the transport.
type Service interface {
	Mint(ctx context.Context, owner protocol.Address, uri string) (protocol.TokenID, error)
	Token(ctx context.Context, id protocol.TokenID) (protocol.Token, error)
	OwnerOf(ctx context.Context, id protocol.TokenID) (protocol.Address, error)
	RenterOf(ctx context.Context, id protocol.TokenID) (protocol.Address, bool, error)
	TokensOf(ctx context.Context, owner protocol.Address) ([]protocol.TokenID, error)
	AssignRenter(ctx context.Context, id protocol.TokenID, caller, renter protocol.Address, expiry time.Time) error
	TransferOwnership(ctx context.Context, id protocol.TokenID, caller, to protocol.Address) error

	SetPublicKey(ctx context.Context, caller protocol.Address, key []byte) error
	PublicKey(ctx context.Context, addr protocol.Address) ([]byte, error)

	SetEncryptedPhrase(ctx context.Context, id protocol.TokenID, caller protocol.Address, ciphertext []byte) error
	SetOwnerConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64) error
	SetProposedURIHash(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error
	SetUserConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error
	Handshake(ctx context.Context, id protocol.TokenID) (protocol.HandshakeRecord, error)

	Deposit(ctx context.Context, caller protocol.Address, amount int64) (int64, error)
	Withdraw(ctx context.Context, caller protocol.Address, amount int64) (int64, error)
	BalanceOf(ctx context.Context, addr protocol.Address) (int64, error)

	// Finalize settles the cycle and returns the newly published URI.
	Finalize(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64, finalURI string) (string, error)

	// Events lists committed events with Sequence > afterSeq in order.
	Events(ctx context.Context, afterSeq uint64, limit int) ([]protocol.Event, error)
}

// SettlementHistory is implemented by backends that keep the escrow transfer
// history.
type SettlementHistory interface {
	Settlements(ctx context.Context, afterSeq uint64, limit int) ([]escrow.Transfer, uint64, error)
}

// Clock is implemented by backends that own their notion of the current
// time. Relative durations supplied by callers are resolved against it.
type Clock interface {
	Now() time.Time
}

// Now returns svc's current time, or the wall clock when svc has none.
func Now(svc Service) time.Time {
	if c, ok := svc.(Clock); ok {
		return c.Now()
	}
	return time.Now().UTC()
}
