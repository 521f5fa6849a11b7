// Package pg is the PostgreSQL backend of rental.Service.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"mediaart.org/internal/escrow"
	"mediaart.org/internal/handshake"
	"mediaart.org/internal/ids"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations, named NNNN_name.up.sql and
// NNNN_name.down.sql at the root of the returned FS.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// eventsLockKey serializes event appends. Holding it until commit makes the
// events.sequence order equal to commit order, so a reader that resumes from
// the last sequence it saw never skips a row committed later with a lower
// sequence.
const eventsLockKey int64 = 0x6d65646961617274

const maxTxAttempts = 3

type Store struct {
	db    *sql.DB
	now   func() time.Time
	hooks []func()
}

var (
	_ rental.Service           = (*Store)(nil)
	_ rental.SettlementHistory = (*Store)(nil)
	_ rental.Clock             = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCommitHook registers fn to run after each committed write that
// appended events. fn must not block.
func WithCommitHook(fn func()) Option {
	return func(s *Store) { s.hooks = append(s.hooks, fn) }
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- tokens ---

func (s *Store) Mint(ctx context.Context, owner protocol.Address, uri string) (protocol.TokenID, error) {
	if owner.IsZero() {
		return 0, protocol.ErrInvalidInput
	}
	now := s.clock()
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Ids come from max+1 under the events lock so a rolled back mint
		// never leaves a gap.
		if err := lockEvents(ctx, tx); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			insert into tokens(id, owner, public_uri, created_at)
			select coalesce(max(id), 0) + 1, $1, $2, $3 from tokens
			returning id
		`, string(owner), uri, now).Scan(&id); err != nil {
			return err
		}
		return insertEvent(ctx, tx, protocol.Event{
			Kind:      protocol.EventTransfer,
			TokenID:   protocol.TokenID(id),
			To:        owner,
			URI:       uri,
			CreatedAt: now,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("mint: %w", err)
	}
	s.notify()
	return protocol.TokenID(id), nil
}

func (s *Store) Token(ctx context.Context, id protocol.TokenID) (protocol.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from tokens where id=$1`, int64(id)))
	if err != nil {
		return protocol.Token{}, err
	}
	return t.View(s.clock()), nil
}

func (s *Store) OwnerOf(ctx context.Context, id protocol.TokenID) (protocol.Address, error) {
	t, err := s.Token(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Owner, nil
}

func (s *Store) RenterOf(ctx context.Context, id protocol.TokenID) (protocol.Address, bool, error) {
	t, err := s.Token(ctx, id)
	if err != nil {
		return "", false, err
	}
	return t.Renter, !t.Renter.IsZero(), nil
}

func (s *Store) TokensOf(ctx context.Context, owner protocol.Address) ([]protocol.TokenID, error) {
	rows, err := s.db.QueryContext(ctx, `select id from tokens where owner=$1 order by id asc`, string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.TokenID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, protocol.TokenID(id))
	}
	return out, rows.Err()
}

func (s *Store) AssignRenter(ctx context.Context, id protocol.TokenID, caller, renter protocol.Address, expiry time.Time) error {
	now := s.clock()
	expiry = expiry.UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tok, err := lockToken(ctx, tx, id)
		if err != nil {
			return err
		}
		if caller.IsZero() || caller != tok.Owner {
			return protocol.ErrUnauthorized
		}
		if renter.IsZero() {
			return protocol.ErrInvalidInput
		}
		if !expiry.After(now) {
			return protocol.ErrInvalidExpiry
		}
		if _, err := tx.ExecContext(ctx, `update tokens set renter=$2, rent_expiry=$3 where id=$1`,
			int64(id), string(renter), expiry); err != nil {
			return err
		}
		if err := deleteHandshake(ctx, tx, id); err != nil {
			return err
		}
		return insertEvent(ctx, tx, protocol.Event{
			Kind:      protocol.EventRenterAssigned,
			TokenID:   id,
			Renter:    renter,
			Expiry:    expiry,
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) TransferOwnership(ctx context.Context, id protocol.TokenID, caller, to protocol.Address) error {
	now := s.clock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tok, err := lockToken(ctx, tx, id)
		if err != nil {
			return err
		}
		if caller.IsZero() || caller != tok.Owner {
			return protocol.ErrUnauthorized
		}
		if to.IsZero() {
			return protocol.ErrInvalidInput
		}
		if _, err := tx.ExecContext(ctx, `update tokens set owner=$2, renter='', rent_expiry=null where id=$1`,
			int64(id), string(to)); err != nil {
			return err
		}
		if err := deleteHandshake(ctx, tx, id); err != nil {
			return err
		}
		return insertEvent(ctx, tx, protocol.Event{
			Kind:      protocol.EventTransfer,
			TokenID:   id,
			From:      tok.Owner,
			To:        to,
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// --- keys ---

func (s *Store) SetPublicKey(ctx context.Context, caller protocol.Address, key []byte) error {
	if caller.IsZero() || len(key) == 0 {
		return protocol.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		insert into public_keys(address, key, updated_at) values ($1, $2, $3)
		on conflict (address) do update set key = excluded.key, updated_at = excluded.updated_at
	`, string(caller), key, s.clock())
	return err
}

func (s *Store) PublicKey(ctx context.Context, addr protocol.Address) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `select key from public_keys where address=$1`, string(addr)).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// --- handshake ---

func (s *Store) SetEncryptedPhrase(ctx context.Context, id protocol.TokenID, caller protocol.Address, ciphertext []byte) error {
	return s.applyHandshake(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return handshake.ApplyPhrase(rec, role, ciphertext)
	})
}

func (s *Store) SetOwnerConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64) error {
	return s.applyHandshake(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return handshake.ApplyOwnerConfirm(rec, role, amount)
	})
}

func (s *Store) SetProposedURIHash(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	return s.applyHandshake(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return handshake.ApplyProposedURIHash(rec, role, hash)
	})
}

func (s *Store) SetUserConfirm(ctx context.Context, id protocol.TokenID, caller protocol.Address, hash []byte) error {
	return s.applyHandshake(ctx, id, caller, func(rec *protocol.HandshakeRecord, role protocol.Role) error {
		return handshake.ApplyUserConfirm(rec, role, hash)
	})
}

func (s *Store) Handshake(ctx context.Context, id protocol.TokenID) (protocol.HandshakeRecord, error) {
	return loadHandshake(ctx, s.db, id, false)
}

// applyHandshake locks the token row, so handshake writes on one token are
// linearizable, and resolves the caller's role from that fresh row.
func (s *Store) applyHandshake(ctx context.Context, id protocol.TokenID, caller protocol.Address, fn func(*protocol.HandshakeRecord, protocol.Role) error) error {
	now := s.clock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		tok, err := lockToken(ctx, tx, id)
		if err != nil {
			return err
		}
		rec, err := loadHandshake(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(&rec, protocol.ResolveRole(tok.View(now), caller, now)); err != nil {
			return err
		}
		return saveHandshake(ctx, tx, rec)
	})
}

// --- escrow ---

func (s *Store) Deposit(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	if caller.IsZero() {
		return 0, protocol.ErrInvalidInput
	}
	if amount <= 0 {
		return 0, protocol.ErrInvalidAmount
	}
	var bal int64
	err := s.db.QueryRowContext(ctx, `
		insert into deposits(address, balance) values ($1, $2)
		on conflict (address) do update set balance = deposits.balance + excluded.balance
		returning balance
	`, string(caller), amount).Scan(&bal)
	return bal, err
}

func (s *Store) Withdraw(ctx context.Context, caller protocol.Address, amount int64) (int64, error) {
	if caller.IsZero() {
		return 0, protocol.ErrInvalidInput
	}
	if amount <= 0 {
		return 0, protocol.ErrInvalidAmount
	}
	var bal int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `select balance from deposits where address=$1 for update`, string(caller)).Scan(&bal)
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		if bal < amount {
			return protocol.ErrInsufficientFunds
		}
		return tx.QueryRowContext(ctx, `update deposits set balance = balance - $2 where address=$1 returning balance`,
			string(caller), amount).Scan(&bal)
	})
	return bal, err
}

func (s *Store) BalanceOf(ctx context.Context, addr protocol.Address) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `select balance from deposits where address=$1`, string(addr)).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

// --- settlement ---

// Finalize runs every check and every mutation in one transaction: the token
// row, the handshake row and both deposit rows stay locked until commit.
func (s *Store) Finalize(ctx context.Context, id protocol.TokenID, caller protocol.Address, amount int64, finalURI string) (string, error) {
	now := s.clock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tok, err := lockToken(ctx, tx, id)
		if err != nil {
			return err
		}
		rec, err := loadHandshake(ctx, tx, id, true)
		if err != nil {
			return err
		}
		renter, err := rental.CheckFinalize(tok.View(now), rec, caller, amount, now)
		if err != nil {
			return err
		}
		// Settlement and event sequences must both follow commit order.
		if err := lockEvents(ctx, tx); err != nil {
			return err
		}
		if err := transferOut(ctx, tx, id, renter, tok.Owner, amount, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update tokens set public_uri=$2 where id=$1`, int64(id), finalURI); err != nil {
			return err
		}
		if err := deleteHandshake(ctx, tx, id); err != nil {
			return err
		}
		return insertEvent(ctx, tx, protocol.Event{
			Kind:      protocol.EventFinalized,
			TokenID:   id,
			From:      renter,
			To:        tok.Owner,
			Amount:    amount,
			URI:       finalURI,
			CreatedAt: now,
		})
	})
	if err != nil {
		return "", err
	}
	s.notify()
	return finalURI, nil
}

func (s *Store) Settlements(ctx context.Context, afterSeq uint64, limit int) ([]escrow.Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, from_address, to_address, amount, created_at
		from settlements
		where sequence > $1
		order by sequence asc
		limit $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []escrow.Transfer
	var last uint64
	for rows.Next() {
		var (
			tr       escrow.Transfer
			seq      int64
			from, to string
		)
		if err := rows.Scan(&seq, &tr.ID, &from, &to, &tr.Amount, &tr.CreatedAt); err != nil {
			return nil, 0, err
		}
		tr.Sequence = uint64(seq)
		tr.From, tr.To = protocol.Address(from), protocol.Address(to)
		res = append(res, tr)
		last = tr.Sequence
	}
	return res, last, rows.Err()
}

// --- events ---

func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]protocol.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, kind, token_id, from_address, to_address, renter, expiry, amount, uri, created_at
		from events
		where sequence > $1
		order by sequence asc
		limit $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []protocol.Event
	for rows.Next() {
		var (
			e                      protocol.Event
			seq, tokenID           int64
			kind, from, to, renter string
			expiry                 sql.NullTime
		)
		if err := rows.Scan(&seq, &e.ID, &kind, &tokenID, &from, &to, &renter, &expiry, &e.Amount, &e.URI, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Kind = protocol.EventKind(kind)
		e.TokenID = protocol.TokenID(tokenID)
		e.From, e.To, e.Renter = protocol.Address(from), protocol.Address(to), protocol.Address(renter)
		if expiry.Valid {
			e.Expiry = expiry.Time.UTC()
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func (s *Store) clock() time.Time { return s.now().UTC() }

// Now reports the clock used to stamp rows and judge expiry.
func (s *Store) Now() time.Time { return s.clock() }

func (s *Store) notify() {
	for _, fn := range s.hooks {
		fn()
	}
}

// withTx runs fn in a read committed transaction. Every statement after a
// row lock sees the latest committed data, which the explicit locks rely on.
// Deadlocks and serialization failures are retried.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !retryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func retryable(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const tokenColumns = `id, owner, renter, rent_expiry, public_uri, created_at`

func scanToken(row rowScanner) (protocol.Token, error) {
	var (
		t             protocol.Token
		id            int64
		owner, renter string
		expiry        sql.NullTime
	)
	if err := row.Scan(&id, &owner, &renter, &expiry, &t.PublicURI, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Token{}, protocol.ErrNotFound
		}
		return protocol.Token{}, err
	}
	t.ID = protocol.TokenID(id)
	t.Owner = protocol.Address(owner)
	t.Renter = protocol.Address(renter)
	if expiry.Valid {
		t.RentExpiry = expiry.Time.UTC()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func lockToken(ctx context.Context, tx *sql.Tx, id protocol.TokenID) (protocol.Token, error) {
	return scanToken(tx.QueryRowContext(ctx, `select `+tokenColumns+` from tokens where id=$1 for update`, int64(id)))
}

func loadHandshake(ctx context.Context, q queryer, id protocol.TokenID, forUpdate bool) (protocol.HandshakeRecord, error) {
	query := `
		select owner_confirm, user_confirm, phrase_by_owner, phrase_by_user, proposed_uri_hash, user_uri_hash, requested_amount
		from handshakes where token_id=$1`
	if forUpdate {
		query += ` for update`
	}
	rec := protocol.HandshakeRecord{TokenID: id}
	err := q.QueryRowContext(ctx, query, int64(id)).Scan(
		&rec.OwnerConfirm, &rec.UserConfirm,
		&rec.EncryptedPhraseByOwner, &rec.EncryptedPhraseByUser,
		&rec.ProposedURIHash, &rec.UserURIHash,
		&rec.RequestedAmount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.HandshakeRecord{TokenID: id}, nil
	}
	if err != nil {
		return protocol.HandshakeRecord{}, err
	}
	return rec, nil
}

func saveHandshake(ctx context.Context, tx *sql.Tx, rec protocol.HandshakeRecord) error {
	_, err := tx.ExecContext(ctx, `
		insert into handshakes(token_id, owner_confirm, user_confirm, phrase_by_owner, phrase_by_user,
			proposed_uri_hash, user_uri_hash, requested_amount)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (token_id) do update set
			owner_confirm = excluded.owner_confirm,
			user_confirm = excluded.user_confirm,
			phrase_by_owner = excluded.phrase_by_owner,
			phrase_by_user = excluded.phrase_by_user,
			proposed_uri_hash = excluded.proposed_uri_hash,
			user_uri_hash = excluded.user_uri_hash,
			requested_amount = excluded.requested_amount
	`, int64(rec.TokenID), rec.OwnerConfirm, rec.UserConfirm,
		rec.EncryptedPhraseByOwner, rec.EncryptedPhraseByUser,
		rec.ProposedURIHash, rec.UserURIHash, rec.RequestedAmount)
	return err
}

func deleteHandshake(ctx context.Context, tx *sql.Tx, id protocol.TokenID) error {
	_, err := tx.ExecContext(ctx, `delete from handshakes where token_id=$1`, int64(id))
	return err
}

// transferOut moves amount between deposit rows locked in address order.
func transferOut(ctx context.Context, tx *sql.Tx, id protocol.TokenID, from, to protocol.Address, amount int64, now time.Time) error {
	balances := make(map[protocol.Address]int64, 2)
	for _, addr := range sortedAddrs(from, to) {
		if _, err := tx.ExecContext(ctx, `insert into deposits(address, balance) values ($1, 0) on conflict (address) do nothing`,
			string(addr)); err != nil {
			return err
		}
		var bal int64
		if err := tx.QueryRowContext(ctx, `select balance from deposits where address=$1 for update`,
			string(addr)).Scan(&bal); err != nil {
			return err
		}
		balances[addr] = bal
	}
	if balances[from] < amount {
		return protocol.ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx, `update deposits set balance = balance - $2 where address=$1`, string(from), amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update deposits set balance = balance + $2 where address=$1`, string(to), amount); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		insert into settlements(id, token_id, from_address, to_address, amount, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, ids.At(now), int64(id), string(from), string(to), amount, now)
	return err
}

func lockEvents(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, eventsLockKey)
	return err
}

func insertEvent(ctx context.Context, tx *sql.Tx, e protocol.Event) error {
	if err := lockEvents(ctx, tx); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = ids.At(e.CreatedAt)
	}
	expiry := sql.NullTime{Time: e.Expiry, Valid: !e.Expiry.IsZero()}
	_, err := tx.ExecContext(ctx, `
		insert into events(id, kind, token_id, from_address, to_address, renter, expiry, amount, uri, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, string(e.Kind), int64(e.TokenID), string(e.From), string(e.To), string(e.Renter),
		expiry, e.Amount, e.URI, e.CreatedAt)
	return err
}

func sortedAddrs(a, b protocol.Address) []protocol.Address {
	if a == b {
		return []protocol.Address{a}
	}
	out := []protocol.Address{a, b}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
