package handshake

import "mediaart.org/internal/protocol"

// The Apply functions hold the write rules for a record given the caller's
// freshly resolved role. The role is checked before the payload. They mutate
// rec only on success, so storage backends can load a record, apply a rule
// and persist the result.

// ApplyPhrase writes the caller's phrase slot unless that party already
// confirmed.
func ApplyPhrase(rec *protocol.HandshakeRecord, role protocol.Role, ciphertext []byte) error {
	if role != protocol.RoleOwner && role != protocol.RoleRenter {
		return protocol.ErrUnauthorized
	}
	if len(ciphertext) == 0 {
		return protocol.ErrInvalidInput
	}
	switch role {
	case protocol.RoleOwner:
		if rec.OwnerConfirm {
			return protocol.ErrAlreadyConfirmed
		}
		rec.EncryptedPhraseByOwner = append([]byte(nil), ciphertext...)
	case protocol.RoleRenter:
		if rec.UserConfirm {
			return protocol.ErrAlreadyConfirmed
		}
		rec.EncryptedPhraseByUser = append([]byte(nil), ciphertext...)
	}
	return nil
}

// ApplyOwnerConfirm sets the owner's flag and requested amount. Re-affirming
// keeps the first amount.
func ApplyOwnerConfirm(rec *protocol.HandshakeRecord, role protocol.Role, amount int64) error {
	if role != protocol.RoleOwner {
		return protocol.ErrUnauthorized
	}
	if amount < 0 {
		return protocol.ErrInvalidAmount
	}
	if rec.OwnerConfirm {
		return nil
	}
	rec.OwnerConfirm = true
	rec.RequestedAmount = amount
	return nil
}

// ApplyProposedURIHash stores the owner's commitment, before or after the
// owner confirms.
func ApplyProposedURIHash(rec *protocol.HandshakeRecord, role protocol.Role, hash []byte) error {
	if role != protocol.RoleOwner {
		return protocol.ErrUnauthorized
	}
	if len(hash) == 0 {
		return protocol.ErrInvalidInput
	}
	rec.ProposedURIHash = append([]byte(nil), hash...)
	return nil
}

// ApplyUserConfirm sets the renter's flag and records the submitted hash.
// A mismatching hash is accepted here; Finalize rejects it. A later call
// keeps the flag and replaces the hash so the renter can resubmit.
func ApplyUserConfirm(rec *protocol.HandshakeRecord, role protocol.Role, hash []byte) error {
	if role != protocol.RoleRenter {
		return protocol.ErrUnauthorized
	}
	if len(hash) == 0 {
		return protocol.ErrInvalidInput
	}
	rec.UserConfirm = true
	rec.UserURIHash = append([]byte(nil), hash...)
	return nil
}
