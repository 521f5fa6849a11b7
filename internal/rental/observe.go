package rental

import (
	"context"
	"time"

	"mediaart.org/internal/escrow"
	"mediaart.org/internal/protocol"
)

// Op describes one completed state-mutating call.
type Op struct {
	Name     string
	Caller   protocol.Address
	TokenID  protocol.TokenID
	Target   protocol.Address // renter, new owner or key holder, when relevant
	Amount   int64
	URI      string
	Err      error
	Duration time.Duration
}

// Observer is notified after every mutation, successful or not.
type Observer interface {
	Observe(ctx context.Context, op Op)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, op Op)

func (f ObserverFunc) Observe(ctx context.Context, op Op) { f(ctx, op) }

// Observed wraps svc so each mutation is reported to observers. Reads pass
// through. The result implements SettlementHistory when svc does.
func Observed(svc Service, observers ...Observer) Service {
	o := &observed{Service: svc, observers: observers}
	if h, ok := svc.(SettlementHistory); ok {
		return observedHistory{observed: o, history: h}
	}
	return o
}

type observed struct {
	Service
	observers []Observer
}

type observedHistory struct {
	*observed
	history SettlementHistory
}

func (o observedHistory) Settlements(ctx context.Context, afterSeq uint64, limit int) ([]escrow.Transfer, uint64, error) {
	return o.history.Settlements(ctx, afterSeq, limit)
}

func (o *observed) Now() time.Time { return Now(o.Service) }

func (o *observed) report(ctx context.Context, op Op, start time.Time) {
	op.Duration = time.Since(start)
	for _, obs := range o.observers {
		obs.Observe(ctx, op)
	}
}

func (o *observed) Mint(ctx context.Context, owner protocol.Address, uri string) (protocol.TokenID, error) {
	start := time.Now()
	id, err := o.Service.Mint(ctx, owner, uri)
	o.report(ctx, Op{Name: "mint", Caller: owner, TokenID: id, URI: uri, Err: err}, start)
	return id, err
}

func (o *observed) AssignRenter(ctx context.Context, id protocol.TokenID, caller, renter protocol.Address, expiry time.Time) error {
	start := time.Now()
	err := o.Service.AssignRenter(ctx, id, caller, renter, expiry)
	o.report(ctx, Op{Name: "assign_renter", Caller: caller, TokenID: id, Target: renter, Err: err}, start)
	return err
}

func (o *observed) TransferOwnership(ctx context.Context, id protocol.TokenID, caller, to protocol.Address) error {
	start := time.Now()
	err := o.Service.TransferOwnership(ctx, id, caller, to)
	o.report(ctx, Op{Name: "transfer_ownership", Caller: caller, TokenID: id, Target: to, Err: err}, start)
	return err
}

func (o *observed) SetPublicKey(ctx context.Context, caller protocol.Address, key []byte) error {
	start := time.Now()
	err := o.Service.SetPublicKey(ctx, caller, key)
	o.report(ctx, Op{Name: "set_public_key", Caller: caller, Target: caller, Err: err}, start)
	return err
}

func (o *observed) SetEncryptedPhrase(ctx context.Context, id protocol.TokenID, caller protocol.Address, ciphertext []byte) error {
	start := time.Now()
	err := o.Service.SetEncryptedPhrase(ctx, id, caller, ciphertext)
	o.report(ctx, Op{Name: "set_encrypted_phrase", Caller: caller, TokenID: id, Err: err}, start)
	return err
}

func (o *observed) SetOwnerConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64) error {
	start := time.Now()
	err := o.Service.SetOwnerConfirm(ctx, id, caller, amount)
	o.report(ctx, Op{Name: "set_owner_confirm", Caller: caller, TokenID: id, Amount: amount, Err: err}, start)
	return err
}

func (o *observed) SetProposedURIHash(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	start := time.Now()
	err := o.Service.SetProposedURIHash(ctx, id, caller, hash)
	o.report(ctx, Op{Name: "set_proposed_uri_hash", Caller: caller, TokenID: id, Err: err}, start)
	return err
}

func (o *observed) SetUserConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	start := time.Now()
	err := o.Service.SetUserConfirm(ctx, id, caller, hash)
	o.report(ctx, Op{Name: "set_user_confirm", Caller: caller, TokenID: id, Err: err}, start)
	return err
}

func (o *observed) Deposit(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	start := time.Now()
	bal, err := o.Service.Deposit(ctx, caller, amount)
	o.report(ctx, Op{Name: "deposit", Caller: caller, Amount: amount, Err: err}, start)
	return bal, err
}

func (o *observed) Withdraw(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	start := time.Now()
	bal, err := o.Service.Withdraw(ctx, caller, amount)
	o.report(ctx, Op{Name: "withdraw", Caller: caller, Amount: amount, Err: err}, start)
	return bal, err
}

func (o *observed) Finalize(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64, finalURI string) (string, error) {
	start := time.Now()
	uri, err := o.Service.Finalize(ctx, id, caller, amount, finalURI)
	o.report(ctx, Op{Name: OpFinalize, Caller: caller, TokenID: id, Amount: amount, URI: finalURI, Err: err}, start)
	return uri, err
}

// OpFinalize is the Op name of a settlement.
const OpFinalize = "finalize"
