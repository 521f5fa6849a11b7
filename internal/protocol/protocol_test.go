package protocol

import (
	"fmt"
	"testing"
	"time"
)

func TestActiveRenterLazyExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := Token{ID: 1, Owner: "a", Renter: "b", RentExpiry: now.Add(time.Hour)}

	if r, ok := tok.ActiveRenter(now); !ok || r != "b" {
		t.Fatalf("expected active renter b, got %q %v", r, ok)
	}
	if _, ok := tok.ActiveRenter(now.Add(2 * time.Hour)); ok {
		t.Fatal("expected renter to be absent after expiry")
	}
	view := tok.View(now.Add(2 * time.Hour))
	if !view.Renter.IsZero() || !view.RentExpiry.IsZero() {
		t.Fatalf("view should clear expired renter: %+v", view)
	}
}

func TestResolveRole(t *testing.T) {
	now := time.Now()
	tok := Token{ID: 1, Owner: "a", Renter: "b", RentExpiry: now.Add(time.Minute)}

	cases := []struct {
		caller Address
		at     time.Time
		want   Role
	}{
		{"a", now, RoleOwner},
		{"b", now, RoleRenter},
		{"c", now, RoleNeither},
		{"", now, RoleNeither},
		{"b", now.Add(time.Hour), RoleNeither},
	}
	for _, tc := range cases {
		if got := ResolveRole(tok, tc.caller, tc.at); got != tc.want {
			t.Fatalf("ResolveRole(%q)=%v, want %v", tc.caller, got, tc.want)
		}
	}

	self := Token{ID: 2, Owner: "a", Renter: "a", RentExpiry: now.Add(time.Minute)}
	if got := ResolveRole(self, "a", now); got != RoleOwner {
		t.Fatalf("owner must win when owner is also renter, got %v", got)
	}
}

func TestHandshakeState(t *testing.T) {
	var h HandshakeRecord
	if h.State() != StateEmpty {
		t.Fatalf("unexpected state %s", h.State())
	}
	h.EncryptedPhraseByUser = []byte("u")
	if h.State() != StatePhraseFromUserSet {
		t.Fatalf("unexpected state %s", h.State())
	}
	h.EncryptedPhraseByOwner = []byte("o")
	if h.State() != StateBothPhrasesSet {
		t.Fatalf("unexpected state %s", h.State())
	}
	h.UserConfirm = true
	if h.State() != StateUserConfirmed {
		t.Fatalf("unexpected state %s", h.State())
	}
	h.OwnerConfirm = true
	if h.State() != StateBothConfirmed || !h.BothConfirmed() {
		t.Fatalf("unexpected state %s", h.State())
	}
}

func TestCommitmentsMatch(t *testing.T) {
	h := HandshakeRecord{}
	if h.CommitmentsMatch() {
		t.Fatal("empty proposal must not match")
	}
	h.ProposedURIHash = []byte{1, 2}
	h.UserURIHash = []byte{1, 2}
	if !h.CommitmentsMatch() {
		t.Fatal("expected match")
	}
	h.UserURIHash = []byte{1, 3}
	if h.CommitmentsMatch() {
		t.Fatal("expected mismatch")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	h := HandshakeRecord{ProposedURIHash: []byte{1}}
	c := h.Clone()
	c.ProposedURIHash[0] = 9
	if h.ProposedURIHash[0] != 1 {
		t.Fatal("clone aliases the original slice")
	}
}

func TestKindRoundTrip(t *testing.T) {
	wrapped := fmt.Errorf("finalize token 1: %w", ErrCommitmentMismatch)
	if Kind(wrapped) != "commitment_mismatch" {
		t.Fatalf("unexpected kind %q", Kind(wrapped))
	}
	if FromKind("commitment_mismatch") != ErrCommitmentMismatch {
		t.Fatal("FromKind did not return the sentinel")
	}
	if Kind(fmt.Errorf("boom")) != "internal" {
		t.Fatal("unknown errors must map to internal")
	}
	if FromKind("internal") != nil {
		t.Fatal("internal has no sentinel")
	}
	if !IsPrecondition(ErrInsufficientFunds) || IsPrecondition(ErrNotFound) {
		t.Fatal("IsPrecondition misclassifies")
	}
}
