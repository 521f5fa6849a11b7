// Package escrow holds per-address deposits that back rental settlements.
package escrow

import (
	"context"
	"math"
	"sync"
	"time"

	"mediaart.org/internal/protocol"
)

// Ledger keeps one balance per address. Each account has its own lock, so
// operations on unrelated addresses do not contend.
type Ledger struct {
	mu    sync.Mutex // guards accts and locks
	accts map[protocol.Address]*account
	locks map[protocol.Address]*sync.Mutex

	txMu sync.RWMutex
	seq  uint64
	txs  []Transfer

	now func() time.Time
}

// Settlement moves funds between accounts on behalf of the coordinator.
// Only NewLedger hands one out.
type Settlement struct {
	l *Ledger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger creates an empty ledger and its settlement handle.
func NewLedger(opts ...Option) (*Ledger, *Settlement) {
	l := &Ledger{
		accts: make(map[protocol.Address]*account),
		locks: make(map[protocol.Address]*sync.Mutex),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, &Settlement{l: l}
}

// Deposit credits the caller's own account and returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	if caller.IsZero() {
		return 0, protocol.ErrInvalidInput
	}
	if amount <= 0 {
		return 0, protocol.ErrInvalidAmount
	}
	mu, acc := l.entry(caller)
	mu.Lock()
	defer mu.Unlock()
	if acc.balance > math.MaxInt64-amount {
		return 0, protocol.ErrInvalidAmount
	}
	acc.balance += amount
	return acc.balance, nil
}

// Withdraw returns funds to their depositor. Nobody can withdraw on behalf of
// another address.
func (l *Ledger) Withdraw(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	if caller.IsZero() {
		return 0, protocol.ErrInvalidInput
	}
	if amount <= 0 {
		return 0, protocol.ErrInvalidAmount
	}
	mu, acc := l.entry(caller)
	mu.Lock()
	defer mu.Unlock()
	if acc.balance < amount {
		return 0, protocol.ErrInsufficientFunds
	}
	acc.balance -= amount
	return acc.balance, nil
}

// BalanceOf returns zero for addresses that never deposited.
func (l *Ledger) BalanceOf(ctx context.Context, addr protocol.Address) (int64, error) {
	l.mu.Lock()
	mu, ok := l.locks[addr]
	acc := l.accts[addr]
	l.mu.Unlock()
	if !ok {
		return 0, nil
	}
	mu.Lock()
	defer mu.Unlock()
	return acc.balance, nil
}

// Transfers lists settlements after afterSeq, returning the last sequence seen.
func (l *Ledger) Transfers(ctx context.Context, afterSeq uint64, limit int) ([]Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	l.txMu.RLock()
	defer l.txMu.RUnlock()
	var res []Transfer
	var last uint64
	for _, tx := range l.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// TransferOut debits from and credits to. Both accounts are locked in address
// order, and funds are checked under those locks.
func (s *Settlement) TransferOut(ctx context.Context, from, to protocol.Address, amount int64) (Transfer, error) {
	if s == nil || s.l == nil {
		return Transfer{}, protocol.ErrUnauthorized
	}
	if from.IsZero() || to.IsZero() {
		return Transfer{}, protocol.ErrInvalidInput
	}
	if amount < 0 {
		return Transfer{}, protocol.ErrInvalidAmount
	}
	l := s.l
	fromMu, fromAcc := l.entry(from)
	toMu, toAcc := l.entry(to)

	first, second := fromMu, toMu
	if to < from {
		first, second = toMu, fromMu
	}
	first.Lock()
	defer first.Unlock()
	if second != first {
		second.Lock()
		defer second.Unlock()
	}

	if fromAcc.balance < amount {
		return Transfer{}, protocol.ErrInsufficientFunds
	}
	if toAcc.balance > math.MaxInt64-amount && from != to {
		return Transfer{}, protocol.ErrInvalidAmount
	}
	fromAcc.balance -= amount
	toAcc.balance += amount

	return l.appendTransfer(from, to, amount), nil
}

func (l *Ledger) appendTransfer(from, to protocol.Address, amount int64) Transfer {
	now := l.now().UTC()
	l.txMu.Lock()
	defer l.txMu.Unlock()
	l.seq++
	tx := Transfer{
		ID:        newID(now),
		Sequence:  l.seq,
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: now,
	}
	l.txs = append(l.txs, tx)
	return tx
}

// entry returns the lock and account for addr, creating both on first use.
func (l *Ledger) entry(addr protocol.Address) (*sync.Mutex, *account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[addr]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[addr] = mu
		l.accts[addr] = &account{}
	}
	return mu, l.accts[addr]
}
