// Package migrate applies the rental schema and optional seed data.
//
// Scripts are read from an fs.FS so the schema can ship embedded in the
// binary. Each script runs in its own transaction together with the row that
// records it, and a session advisory lock keeps concurrently starting API
// replicas from applying the same script twice.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultLockKey is the advisory lock held while scripts run.
const DefaultLockKey int64 = 0x6d6967726174 // "migrat"

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Record is one applied script.
type Record struct {
	Name      string
	AppliedAt time.Time
}

// scriptSet is a directory of scripts and the table that remembers which
// of them ran.
type scriptSet struct {
	kind   string
	fsys   fs.FS
	table  string
	suffix string
}

func (s scriptSet) ident() string { return pgx.Identifier{s.table}.Sanitize() }

// pending lists scripts not yet recorded, in name order.
func (s scriptSet) pending(done map[string]bool) ([]string, error) {
	if s.fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(s.fsys, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.kind, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), s.suffix) || done[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Manager runs up migrations (NNNN_name.up.sql), their optional down
// counterparts (NNNN_name.down.sql), and seed scripts (*.sql).
type Manager struct {
	db         *sql.DB
	migrations scriptSet
	seeds      scriptSet
	lockKey    int64
}

type Option func(*Manager)

// WithMigrationsTable renames the table recording applied migrations.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrations.table = name
		}
	}
}

// WithSeedsTable renames the table recording applied seeds.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

func WithLockKey(key int64) Option { return func(m *Manager) { m.lockKey = key } }

// NewManager returns a Manager over the given script trees. seeds may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: scriptSet{kind: "migration", fsys: migrations, table: "schema_migrations", suffix: ".up.sql"},
		seeds:      scriptSet{kind: "seed", fsys: seeds, table: "schema_seeds", suffix: ".sql"},
		lockKey:    DefaultLockKey,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error { return m.applyAll(ctx, conn, m.migrations) })
}

// Seed applies every seed script that has not run before.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error { return m.applyAll(ctx, conn, m.seeds) })
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn, m.migrations)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return ErrNothingApplied
		}
		last := applied[len(applied)-1].Name
		down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		script, err := fs.ReadFile(m.migrations.fsys, down)
		if err != nil {
			return fmt.Errorf("revert %s: %w", last, err)
		}
		err = runScript(ctx, conn, string(script), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `delete from `+m.migrations.ident()+` where name = $1`, last)
			return err
		})
		if err != nil {
			return fmt.Errorf("revert %s: %w", last, err)
		}
		return nil
	})
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Record, error) {
	var out []Record
	err := m.locked(ctx, func(conn *sql.Conn) error {
		var err error
		out, err = m.applied(ctx, conn, m.migrations)
		return err
	})
	return out, err
}

// locked pins one connection, takes the advisory lock on it and makes sure
// both bookkeeping tables exist before fn runs.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, m.lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, m.lockKey)
	}()

	for _, set := range []scriptSet{m.migrations, m.seeds} {
		if _, err := conn.ExecContext(ctx, `create table if not exists `+set.ident()+` (
			name text primary key,
			applied_at timestamptz not null default now()
		)`); err != nil {
			return fmt.Errorf("create %s: %w", set.table, err)
		}
	}
	return fn(conn)
}

func (m *Manager) applyAll(ctx context.Context, conn *sql.Conn, set scriptSet) error {
	applied, err := m.applied(ctx, conn, set)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Name] = true
	}
	names, err := set.pending(done)
	if err != nil {
		return err
	}
	for _, name := range names {
		script, err := fs.ReadFile(set.fsys, name)
		if err != nil {
			return fmt.Errorf("read %s %s: %w", set.kind, name, err)
		}
		err = runScript(ctx, conn, string(script), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `insert into `+set.ident()+`(name) values ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", set.kind, name, err)
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, conn *sql.Conn, set scriptSet) ([]Record, error) {
	rows, err := conn.QueryContext(ctx, `select name, applied_at from `+set.ident()+` order by applied_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// runScript executes every statement of script and then record inside one
// transaction.
func runScript(ctx context.Context, conn *sql.Conn, script string, record func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements cuts a script at top-level semicolons. Semicolons inside
// quoted strings, $$ bodies and -- comments do not end a statement.
// Statements holding only whitespace or comments are dropped.
func splitStatements(script string) []string {
	var (
		out     []string
		start   int
		content bool
		quoted  bool
		dollar  bool
	)
	flush := func(end int) {
		if content {
			out = append(out, strings.TrimSpace(script[start:end]))
		}
		start, content = end, false
	}
	pair := func(i int, c byte) bool { return i+1 < len(script) && script[i+1] == c }

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case quoted:
			quoted = c != '\''
		case dollar:
			if c == '$' && pair(i, '$') {
				dollar = false
				i++
			}
		case c == '-' && pair(i, '-'):
			if nl := strings.IndexByte(script[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(script)
			}
		case c == '\'':
			quoted, content = true, true
		case c == '$' && pair(i, '$'):
			dollar, content = true, true
			i++
		case c == ';':
			flush(i + 1)
		case c != ' ' && c != '\t' && c != '\n' && c != '\r':
			content = true
		}
	}
	flush(len(script))
	return out
}
