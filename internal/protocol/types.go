package protocol

import (
	"strings"
	"time"
)

// Address identifies a participant. Comparison is case-insensitive; use
// NormalizeAddress before storing or comparing.
type Address string

// NormalizeAddress trims and lower-cases an address.
func NormalizeAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

func (a Address) IsZero() bool   { return a == "" }
func (a Address) String() string { return string(a) }

// TokenID is a sequential token identifier. The first minted token is 1.
type TokenID uint64

// Token is a snapshot of a registry record.
type Token struct {
	ID         TokenID   `json:"id"`
	Owner      Address   `json:"owner"`
	Renter     Address   `json:"renter,omitempty"`
	RentExpiry time.Time `json:"rent_expiry,omitempty"`
	PublicURI  string    `json:"public_uri"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActiveRenter applies lazy expiry: a renter whose expiry lies in the past
// is reported as absent even if the stored field is stale.
func (t Token) ActiveRenter(now time.Time) (Address, bool) {
	if t.Renter.IsZero() || now.After(t.RentExpiry) {
		return "", false
	}
	return t.Renter, true
}

// View returns a copy with an expired renter cleared.
func (t Token) View(now time.Time) Token {
	if _, ok := t.ActiveRenter(now); !ok {
		t.Renter = ""
		t.RentExpiry = time.Time{}
	}
	return t
}
