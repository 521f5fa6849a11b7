// Package participant drives one side of a rental handshake: it combines a
// wallet session, which holds the keys, with a rental.Service, which holds
// the shared state.
package participant

import (
	"context"
	"errors"
	"fmt"

	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
	"mediaart.org/internal/wallet"
)

// ErrNoCounterparty is returned when a phrase cannot be exchanged because the
// other side of the rental is missing.
var ErrNoCounterparty = errors.New("participant: no counterparty for token")

// ErrNoPhrase is returned by ReadPhrase when the counterparty has not written
// its slot yet.
var ErrNoPhrase = errors.New("participant: counterparty phrase not set")

// Participant acts for the account bound to its wallet session.
type Participant struct {
	svc     rental.Service
	keyring *wallet.Keyring
	sess    *wallet.Session
}

func New(svc rental.Service, keyring *wallet.Keyring, sess *wallet.Session) *Participant {
	return &Participant{svc: svc, keyring: keyring, sess: sess}
}

// Address is the account the participant acts as.
func (p *Participant) Address() protocol.Address { return p.sess.Account() }

// RegisterKey publishes the session account's encryption key.
func (p *Participant) RegisterKey(ctx context.Context) error {
	pub, err := p.keyring.PublicKey(ctx, p.sess)
	if err != nil {
		return err
	}
	return p.svc.SetPublicKey(ctx, p.Address(), pub)
}

// SendPhrase encrypts phrase to the counterparty's registered key and stores
// it in this participant's slot.
func (p *Participant) SendPhrase(ctx context.Context, id protocol.TokenID, phrase string) error {
	other, err := p.counterparty(ctx, id)
	if err != nil {
		return err
	}
	pub, err := p.svc.PublicKey(ctx, other)
	if err != nil {
		return fmt.Errorf("counterparty key: %w", err)
	}
	ct, err := p.keyring.Encrypt(ctx, p.sess, pub, []byte(phrase))
	if err != nil {
		return err
	}
	return p.svc.SetEncryptedPhrase(ctx, id, p.Address(), ct)
}

// ReadPhrase decrypts the phrase the counterparty sent.
func (p *Participant) ReadPhrase(ctx context.Context, id protocol.TokenID) (string, error) {
	role, err := p.role(ctx, id)
	if err != nil {
		return "", err
	}
	rec, err := p.svc.Handshake(ctx, id)
	if err != nil {
		return "", err
	}
	ct := rec.EncryptedPhraseByUser
	if role == protocol.RoleRenter {
		ct = rec.EncryptedPhraseByOwner
	}
	if len(ct) == 0 {
		return "", ErrNoPhrase
	}
	plain, err := p.keyring.Decrypt(ctx, p.sess, ct)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ConfirmRent is the owner's confirmation with the requested amount.
func (p *Participant) ConfirmRent(ctx context.Context, id protocol.TokenID, amount int64) error {
	return p.svc.SetOwnerConfirm(ctx, id, p.Address(), amount)
}

// ProposeURI commits the owner to the locator dir+name and returns the
// commitment.
func (p *Participant) ProposeURI(ctx context.Context, id protocol.TokenID, dir, name string) ([]byte, error) {
	hash := wallet.Commit(dir + name)
	if err := p.svc.SetProposedURIHash(ctx, id, p.Address(), hash); err != nil {
		return nil, err
	}
	return hash, nil
}

// ConfirmURI submits the renter's commitment to dir+name and reports whether
// it matches the owner's current proposal. A mismatch is not an error; the
// renter may resubmit.
func (p *Participant) ConfirmURI(ctx context.Context, id protocol.TokenID, dir, name string) (bool, error) {
	if err := p.svc.SetUserConfirm(ctx, id, p.Address(), wallet.Commit(dir+name)); err != nil {
		return false, err
	}
	rec, err := p.svc.Handshake(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.CommitmentsMatch(), nil
}

// Settle finalizes the cycle and returns the published URI.
func (p *Participant) Settle(ctx context.Context, id protocol.TokenID, amount int64, finalURI string) (string, error) {
	return p.svc.Finalize(ctx, id, p.Address(), amount, finalURI)
}

func (p *Participant) role(ctx context.Context, id protocol.TokenID) (protocol.Role, error) {
	tok, err := p.svc.Token(ctx, id)
	if err != nil {
		return protocol.RoleNeither, err
	}
	// Token views already drop an expired renter.
	switch p.Address() {
	case tok.Owner:
		return protocol.RoleOwner, nil
	case tok.Renter:
		if !tok.Renter.IsZero() {
			return protocol.RoleRenter, nil
		}
	}
	return protocol.RoleNeither, protocol.ErrUnauthorized
}

func (p *Participant) counterparty(ctx context.Context, id protocol.TokenID) (protocol.Address, error) {
	role, err := p.role(ctx, id)
	if err != nil {
		return "", err
	}
	if role == protocol.RoleRenter {
		return p.svc.OwnerOf(ctx, id)
	}
	renter, ok, err := p.svc.RenterOf(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoCounterparty
	}
	return renter, nil
}
