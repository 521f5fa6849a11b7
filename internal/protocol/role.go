package protocol

import "time"

// Role is the caller's relation to a token at the moment of a call.
type Role int

const (
	RoleNeither Role = iota
	RoleOwner
	RoleRenter
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleRenter:
		return "renter"
	default:
		return "neither"
	}
}

// ResolveRole evaluates the caller's role against a token snapshot. Roles
// change when a renter is assigned or ownership moves, so the result must not
// be cached across calls. The owner role wins when owner and renter coincide.
func ResolveRole(t Token, caller Address, now time.Time) Role {
	if caller.IsZero() {
		return RoleNeither
	}
	if caller == t.Owner {
		return RoleOwner
	}
	if renter, ok := t.ActiveRenter(now); ok && caller == renter {
		return RoleRenter
	}
	return RoleNeither
}
