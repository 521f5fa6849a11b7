// Package handshake holds the per-token confidential negotiation records.
//
// A record has no stored state field. Owner and renter write their halves
// independently and in any order; the negotiation state is derived from which
// fields are populated (see protocol.HandshakeRecord.State). Confirmation
// flags are monotone within a rental cycle and only Reset clears them.
package handshake

import (
	"context"
	"sync"

	"mediaart.org/internal/protocol"
)

// RoleResolver reports the caller's current role on a token.
type RoleResolver interface {
	Role(ctx context.Context, id protocol.TokenID, caller protocol.Address) (protocol.Role, error)
}

// Machine stores handshake records keyed by token id.
type Machine struct {
	roles RoleResolver

	mu      sync.RWMutex
	records map[protocol.TokenID]*protocol.HandshakeRecord
}

func NewMachine(roles RoleResolver) *Machine {
	return &Machine{
		roles:   roles,
		records: make(map[protocol.TokenID]*protocol.HandshakeRecord),
	}
}

// SetEncryptedPhrase writes the caller's phrase slot: the owner's slot holds
// ciphertext addressed to the renter, the renter's slot ciphertext addressed
// to the owner.
func (m *Machine) SetEncryptedPhrase(ctx context.Context, id protocol.TokenID, caller protocol.Address, ciphertext []byte) error {
	return m.apply(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return ApplyPhrase(rec, role, ciphertext)
	})
}

func (m *Machine) SetOwnerConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64) error {
	return m.apply(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return ApplyOwnerConfirm(rec, role, amount)
	})
}

func (m *Machine) SetProposedURIHash(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	return m.apply(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return ApplyProposedURIHash(rec, role, hash)
	})
}

func (m *Machine) SetUserConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	return m.apply(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return ApplyUserConfirm(rec, role, hash)
	})
}

// Status returns a snapshot. Untouched ids yield an all-default record.
func (m *Machine) Status(ctx context.Context, id protocol.TokenID) protocol.HandshakeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return protocol.HandshakeRecord{TokenID: id}
	}
	return rec.Clone()
}

// Reset discards the record so the next rental cycle starts clean.
func (m *Machine) Reset(ctx context.Context, id protocol.TokenID) {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

// apply resolves the caller's role afresh, runs fn on a working copy and
// stores it only if fn succeeds.
func (m *Machine) apply(ctx context.Context, id protocol.TokenID, caller protocol.Address, fn func(*protocol.HandshakeRecord, protocol.Role) error) error {
	role, err := m.roles.Role(ctx, id, caller)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := protocol.HandshakeRecord{TokenID: id}
	if rec, ok := m.records[id]; ok {
		next = rec.Clone()
	}
	if err := fn(&next, role); err != nil {
		return err
	}
	m.records[id] = &next
	return nil
}
