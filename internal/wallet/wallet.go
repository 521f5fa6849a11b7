// Package wallet is an in-process stand-in for a browser key-management
// wallet: it holds x25519 encryption keys per account and gates every use of
// them behind an explicit session and a user approval.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"
	"lukechampine.com/frand"

	"mediaart.org/internal/ids"
	"mediaart.org/internal/protocol"
)

var (
	// ErrUserCancelled reports that the user declined a request.
	ErrUserCancelled = errors.New("wallet: user cancelled")
	// ErrSessionClosed reports use of a session after disconnect or an
	// account switch.
	ErrSessionClosed = errors.New("wallet: session closed")

	ErrUnknownAccount = errors.New("wallet: unknown account")
)

// Action names what a request asks the user to allow.
type Action string

const (
	ActionConnect   Action = "connect"
	ActionPublicKey Action = "get_encryption_public_key"
	ActionEncrypt   Action = "encrypt"
	ActionDecrypt   Action = "decrypt"
)

// Request is shown to the user for approval.
type Request struct {
	Account protocol.Address
	Action  Action
	Session string
}

// Approver decides requests on the user's behalf. Approve may block; it
// returns false to decline.
type Approver interface {
	Approve(ctx context.Context, req Request) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req Request) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req Request) (bool, error) { return f(ctx, req) }

// AutoApprove accepts every request.
var AutoApprove = ApproverFunc(func(context.Context, Request) (bool, error) { return true, nil })

// Keyring holds encryption keys and the single active session.
type Keyring struct {
	approver Approver

	mu      sync.Mutex
	keys    map[protocol.Address]keyPair
	current *Session
}

type keyPair struct {
	pub, priv *[KeySize]byte
}

func NewKeyring(approver Approver) *Keyring {
	if approver == nil {
		approver = AutoApprove
	}
	return &Keyring{approver: approver, keys: make(map[protocol.Address]keyPair)}
}

// AddAccount generates a fresh key pair for addr. Existing keys are kept.
func (k *Keyring) AddAccount(addr protocol.Address) error {
	if addr.IsZero() {
		return protocol.ErrInvalidInput
	}
	pub, priv, err := box.GenerateKey(frand.Reader)
	if err != nil {
		return fmt.Errorf("wallet: generate key: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[addr]; !ok {
		k.keys[addr] = keyPair{pub: pub, priv: priv}
	}
	return nil
}

// Connect opens a session for addr after user approval. A wallet serves one
// account at a time, so any previous session is invalidated.
func (k *Keyring) Connect(ctx context.Context, addr protocol.Address) (*Session, error) {
	k.mu.Lock()
	_, ok := k.keys[addr]
	k.mu.Unlock()
	if !ok {
		return nil, ErrUnknownAccount
	}
	sess := &Session{k: k, account: addr, id: ids.New()}
	if err := k.approve(ctx, sess, ActionConnect); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != nil {
		k.current.invalidate()
	}
	k.current = sess
	return sess, nil
}

// SwitchAccount invalidates the active session and connects addr.
func (k *Keyring) SwitchAccount(ctx context.Context, addr protocol.Address) (*Session, error) {
	k.mu.Lock()
	if k.current != nil {
		k.current.invalidate()
		k.current = nil
	}
	k.mu.Unlock()
	return k.Connect(ctx, addr)
}

// PublicKey returns the session account's x25519 public key.
func (k *Keyring) PublicKey(ctx context.Context, sess *Session) ([]byte, error) {
	kp, err := k.keyFor(sess)
	if err != nil {
		return nil, err
	}
	if err := k.approve(ctx, sess, ActionPublicKey); err != nil {
		return nil, err
	}
	return append([]byte(nil), kp.pub[:]...), nil
}

// Encrypt seals plaintext to a counterparty's public key.
func (k *Keyring) Encrypt(ctx context.Context, sess *Session, pub, plaintext []byte) ([]byte, error) {
	if _, err := k.keyFor(sess); err != nil {
		return nil, err
	}
	if err := k.approve(ctx, sess, ActionEncrypt); err != nil {
		return nil, err
	}
	return Seal(pub, plaintext)
}

// Decrypt opens an envelope addressed to the session account.
func (k *Keyring) Decrypt(ctx context.Context, sess *Session, ciphertext []byte) ([]byte, error) {
	kp, err := k.keyFor(sess)
	if err != nil {
		return nil, err
	}
	if err := k.approve(ctx, sess, ActionDecrypt); err != nil {
		return nil, err
	}
	return open(kp.priv, ciphertext)
}

func (k *Keyring) keyFor(sess *Session) (keyPair, error) {
	if sess == nil || sess.k != k || !sess.Active() {
		return keyPair{}, ErrSessionClosed
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	kp, ok := k.keys[sess.account]
	if !ok {
		return keyPair{}, ErrUnknownAccount
	}
	return kp, nil
}

// approve asks the approver and honours ctx even if the approver does not.
func (k *Keyring) approve(ctx context.Context, sess *Session, action Action) error {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	req := Request{Account: sess.account, Action: action, Session: sess.id}
	go func() {
		ok, err := k.approver.Approve(ctx, req)
		done <- result{ok, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUserCancelled, ctx.Err())
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUserCancelled, ctx.Err())
		}
		if res.err != nil {
			return fmt.Errorf("wallet: approval: %w", res.err)
		}
		if !res.ok {
			return ErrUserCancelled
		}
	}
	if action != ActionConnect && !sess.Active() {
		return ErrSessionClosed
	}
	return nil
}

// Session is one connection between a participant and the wallet. Pass it
// explicitly to every call; it is never reused implicitly.
type Session struct {
	k       *Keyring
	account protocol.Address
	id      string

	mu     sync.Mutex
	closed bool
}

func (s *Session) Account() protocol.Address { return s.account }

// ID identifies the session in approval prompts and logs.
func (s *Session) ID() string { return s.id }

// Active reports whether the session can still be used.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close disconnects the session.
func (s *Session) Close() {
	s.invalidate()
	s.k.mu.Lock()
	if s.k.current == s {
		s.k.current = nil
	}
	s.k.mu.Unlock()
}

func (s *Session) invalidate() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
