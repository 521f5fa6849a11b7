package rental

import (
	"time"

	"mediaart.org/internal/protocol"
)

// CheckFinalize validates a finalize request against snapshots taken under
// the token lock and returns the renter whose escrow will be debited. The
// caller's role is checked before the amount. The renter's balance is
// checked by the escrow transfer itself.
func CheckFinalize(tok protocol.Token, rec protocol.HandshakeRecord, caller protocol.Address, amount int64, now time.Time) (protocol.Address, error) {
	if protocol.ResolveRole(tok, caller, now) == protocol.RoleNeither {
		return "", protocol.ErrUnauthorized
	}
	if amount < 0 {
		return "", protocol.ErrInvalidAmount
	}
	renter, ok := tok.ActiveRenter(now)
	if !ok || !rec.BothConfirmed() {
		return "", protocol.ErrHandshakeIncomplete
	}
	if !rec.CommitmentsMatch() {
		return "", protocol.ErrCommitmentMismatch
	}
	return renter, nil
}
