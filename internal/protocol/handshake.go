package protocol

import "bytes"

// HandshakeState is derived from which fields of a HandshakeRecord are set.
// There is no stored state field: owner and renter act independently.
type HandshakeState string

const (
	StateEmpty              HandshakeState = "empty"
	StatePhraseFromOwnerSet HandshakeState = "phrase_from_owner_set"
	StatePhraseFromUserSet  HandshakeState = "phrase_from_user_set"
	StateBothPhrasesSet     HandshakeState = "both_phrases_set"
	StateOwnerConfirmed     HandshakeState = "owner_confirmed"
	StateUserConfirmed      HandshakeState = "user_confirmed"
	StateBothConfirmed      HandshakeState = "both_confirmed"
)

// HandshakeRecord is the per-token negotiation record. Ciphertexts are opaque.
type HandshakeRecord struct {
	TokenID                TokenID `json:"token_id"`
	OwnerConfirm           bool    `json:"owner_confirm"`
	UserConfirm            bool    `json:"user_confirm"`
	EncryptedPhraseByOwner []byte  `json:"encrypted_phrase_by_owner,omitempty"`
	EncryptedPhraseByUser  []byte  `json:"encrypted_phrase_by_user,omitempty"`
	ProposedURIHash        []byte  `json:"proposed_uri_hash,omitempty"`
	UserURIHash            []byte  `json:"user_uri_hash,omitempty"`
	RequestedAmount        int64   `json:"requested_amount"`
}

// BothConfirmed reports whether owner and renter both confirmed.
func (h HandshakeRecord) BothConfirmed() bool { return h.OwnerConfirm && h.UserConfirm }

// CommitmentsMatch reports whether the renter's submitted hash equals the
// owner's proposal. An absent proposal never matches.
func (h HandshakeRecord) CommitmentsMatch() bool {
	return len(h.ProposedURIHash) > 0 && bytes.Equal(h.ProposedURIHash, h.UserURIHash)
}

// State derives the coarse negotiation state.
func (h HandshakeRecord) State() HandshakeState {
	switch {
	case h.OwnerConfirm && h.UserConfirm:
		return StateBothConfirmed
	case h.OwnerConfirm:
		return StateOwnerConfirmed
	case h.UserConfirm:
		return StateUserConfirmed
	}
	owner, user := len(h.EncryptedPhraseByOwner) > 0, len(h.EncryptedPhraseByUser) > 0
	switch {
	case owner && user:
		return StateBothPhrasesSet
	case owner:
		return StatePhraseFromOwnerSet
	case user:
		return StatePhraseFromUserSet
	}
	return StateEmpty
}

// Clone returns a deep copy so snapshots never alias stored slices.
func (h HandshakeRecord) Clone() HandshakeRecord {
	h.EncryptedPhraseByOwner = cloneBytes(h.EncryptedPhraseByOwner)
	h.EncryptedPhraseByUser = cloneBytes(h.EncryptedPhraseByUser)
	h.ProposedURIHash = cloneBytes(h.ProposedURIHash)
	h.UserURIHash = cloneBytes(h.UserURIHash)
	return h
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
