// Package tokens is the ownership and time-boxed usage-rights registry.
package tokens

import (
	"context"
	"sort"
	"sync"
	"time"

	"mediaart.org/internal/protocol"
)

// Registry owns Token records. It is safe for concurrent use; callers that
// need linearizable multi-step updates of a token serialize them externally.
type Registry struct {
	mu     sync.RWMutex
	tokens map[protocol.TokenID]*protocol.Token
	last   protocol.TokenID
	now    func() time.Time
	events protocol.Recorder
}

// Operator carries the privileged mutations reserved to the transfer
// coordinator. It is handed out once, by NewRegistry.
type Operator struct {
	r *Registry
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithRecorder sets the sink for transfer and renter-assignment events.
func WithRecorder(rec protocol.Recorder) Option {
	return func(r *Registry) { r.events = rec }
}

// NewRegistry returns an empty registry and its operator handle.
func NewRegistry(opts ...Option) (*Registry, *Operator) {
	r := &Registry{
		tokens: make(map[protocol.TokenID]*protocol.Token),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, &Operator{r: r}
}

// Now exposes the registry clock so collaborators judge expiry identically.
func (r *Registry) Now() time.Time { return r.now().UTC() }

// Mint allocates the next sequential id for owner.
func (r *Registry) Mint(ctx context.Context, owner protocol.Address, uri string) (protocol.TokenID, error) {
	if owner.IsZero() {
		return 0, protocol.ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last++
	id := r.last
	now := r.Now()
	r.tokens[id] = &protocol.Token{ID: id, Owner: owner, PublicURI: uri, CreatedAt: now}
	r.record(protocol.Event{Kind: protocol.EventTransfer, TokenID: id, To: owner, URI: uri, CreatedAt: now})
	return id, nil
}

// Token returns a snapshot with lazy renter expiry applied.
func (r *Registry) Token(ctx context.Context, id protocol.TokenID) (protocol.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return protocol.Token{}, protocol.ErrNotFound
	}
	return t.View(r.Now()), nil
}

func (r *Registry) OwnerOf(ctx context.Context, id protocol.TokenID) (protocol.Address, error) {
	t, err := r.Token(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Owner, nil
}

// RenterOf returns the active renter, if any.
func (r *Registry) RenterOf(ctx context.Context, id protocol.TokenID) (protocol.Address, bool, error) {
	t, err := r.Token(ctx, id)
	if err != nil {
		return "", false, err
	}
	return t.Renter, !t.Renter.IsZero(), nil
}

func (r *Registry) TokenURI(ctx context.Context, id protocol.TokenID) (string, error) {
	t, err := r.Token(ctx, id)
	if err != nil {
		return "", err
	}
	return t.PublicURI, nil
}

// TokensOf lists the ids owned by owner in ascending order.
func (r *Registry) TokensOf(ctx context.Context, owner protocol.Address) ([]protocol.TokenID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []protocol.TokenID
	for id, t := range r.tokens {
		if t.Owner == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Role resolves the caller's role on a token afresh.
func (r *Registry) Role(ctx context.Context, id protocol.TokenID, caller protocol.Address) (protocol.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return protocol.RoleNeither, protocol.ErrNotFound
	}
	return protocol.ResolveRole(*t, caller, r.Now()), nil
}

// AssignRenter grants usage rights until expiry. Only the owner may call it.
func (r *Registry) AssignRenter(ctx context.Context, id protocol.TokenID, caller, renter protocol.Address, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return protocol.ErrNotFound
	}
	if caller.IsZero() || caller != t.Owner {
		return protocol.ErrUnauthorized
	}
	if renter.IsZero() {
		return protocol.ErrInvalidInput
	}
	now := r.Now()
	if !expiry.After(now) {
		return protocol.ErrInvalidExpiry
	}
	t.Renter = renter
	t.RentExpiry = expiry.UTC()
	r.record(protocol.Event{Kind: protocol.EventRenterAssigned, TokenID: id, Renter: renter, Expiry: expiry.UTC(), CreatedAt: now})
	return nil
}

// SetOwner moves title to newOwner and clears any renter.
func (o *Operator) SetOwner(ctx context.Context, id protocol.TokenID, newOwner protocol.Address) error {
	if o == nil || o.r == nil {
		return protocol.ErrUnauthorized
	}
	if newOwner.IsZero() {
		return protocol.ErrInvalidInput
	}
	r := o.r
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return protocol.ErrNotFound
	}
	prev := t.Owner
	t.Owner = newOwner
	t.Renter = ""
	t.RentExpiry = time.Time{}
	r.record(protocol.Event{Kind: protocol.EventTransfer, TokenID: id, From: prev, To: newOwner, CreatedAt: r.Now()})
	return nil
}

// SetPublicURI publishes a new resource pointer for the token.
func (o *Operator) SetPublicURI(ctx context.Context, id protocol.TokenID, uri string) error {
	if o == nil || o.r == nil {
		return protocol.ErrUnauthorized
	}
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	t, ok := o.r.tokens[id]
	if !ok {
		return protocol.ErrNotFound
	}
	t.PublicURI = uri
	return nil
}

// record is called with r.mu held so events follow mutation order.
func (r *Registry) record(evt protocol.Event) {
	if r.events != nil {
		r.events.Record(evt)
	}
}
