// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/unclebandit/shotqueue/internal/config"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Querier is satisfied by *DB and *Tx. Queries are written with "?"
// placeholders and rebound for the active dialect.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *Row
}

type DB struct {
	conn    *sql.DB
	dialect Dialect
	timeout time.Duration
}

// Open connects using the configured driver and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dialect := Dialect(cfg.Driver)
	switch dialect {
	case Postgres, SQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == SQLite {
		// Single writer; also keeps in-memory databases on one connection.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	d := New(conn, dialect)
	d.SetQueryTimeout(cfg.QueryTimeout)
	if dialect == SQLite {
		_, _ = conn.ExecContext(ctx, "PRAGMA foreign_keys = ON")
		_, _ = conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	}
	return d, nil
}

func New(conn *sql.DB, dialect Dialect) *DB {
	return &DB{conn: conn, dialect: dialect}
}

func (d *DB) Dialect() Dialect { return d.dialect }

// SetQueryTimeout bounds each statement, and each transaction as a whole.
// Zero or less disables the bound.
func (d *DB) SetQueryTimeout(t time.Duration) { d.timeout = t }

func (d *DB) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *DB) Ping(ctx context.Context) error { return d.conn.PingContext(ctx) }

// Migrate applies the embedded schema for the active dialect. The schema is
// idempotent so it runs on every start.
func (d *DB) Migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + string(d.dialect) + ".sql")
	if err != nil {
		return err
	}
	if _, err := d.conn.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", d.dialect, err)
	}
	return nil
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	return d.conn.ExecContext(ctx, Rebind(d.dialect, query), args...)
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	ctx, cancel := d.bound(ctx)
	rows, err := d.conn.QueryContext(ctx, Rebind(d.dialect, query), args...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Rows{Rows: rows, cancel: cancel}, nil
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *Row {
	ctx, cancel := d.bound(ctx)
	return &Row{Row: d.conn.QueryRowContext(ctx, Rebind(d.dialect, query), args...), cancel: cancel}
}

// Rows holds the statement deadline until Close.
type Rows struct {
	*sql.Rows
	cancel context.CancelFunc
}

func (r *Rows) Close() error {
	err := r.Rows.Close()
	r.cancel()
	return err
}

// Row holds the statement deadline until Scan.
type Row struct {
	*sql.Row
	cancel context.CancelFunc
}

func (r *Row) Scan(dest ...any) error {
	defer r.cancel()
	return r.Row.Scan(dest...)
}

func noCancel() {}

// txAttempts bounds how often InTx replays fn after a Retryable failure.
const txAttempts = 3

// InTx runs fn inside a transaction, replaying it when postgres aborts the
// transaction for a Retryable reason. fn may therefore run more than once.
// With SQLite the pool holds one connection, so fn must only use tx.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if err = d.inTx(ctx, fn); !Retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Retryable reports postgres failures where replaying the same transaction
// can succeed: serialization failures, deadlocks and dropped connections.
func Retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return pqErr.Code.Class() == "08"
}

func (d *DB) inTx(ctx context.Context, fn func(tx *Tx) error) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &Tx{tx: sqlTx, dialect: d.dialect}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, Rebind(t.dialect, query), args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	rows, err := t.tx.QueryContext(ctx, Rebind(t.dialect, query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{Rows: rows, cancel: noCancel}, nil
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *Row {
	return &Row{Row: t.tx.QueryRowContext(ctx, Rebind(t.dialect, query), args...), cancel: noCancel}
}

// Rebind turns "?" placeholders into "$1..$n" for postgres. Question marks
// inside single-quoted literals are left alone.
func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// MaxParams is the bind-parameter budget for one statement: SQLite's limit,
// which is below postgres' 65535.
const MaxParams = 32766

// RowsPerStatement is how many rows of width parameters fit in one
// multi-row statement.
func RowsPerStatement(width int) int {
	if width <= 0 {
		return MaxParams
	}
	return MaxParams / width
}

// Placeholders returns "?, ?, ?" with n markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Int64Args converts ids for use as variadic query args.
func Int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
