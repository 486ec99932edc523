// Package database manages the SQL connection shared by the definition
// catalog and the history store. SQLite (modernc) and PostgreSQL (pgx) are
// supported through database/sql.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // CGO-free SQLite driver
)

// Driver names a supported database engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ErrUniqueViolation wraps driver errors for duplicate keys.
var ErrUniqueViolation = errors.New("unique constraint violation")

// Querier is implemented by both *DB and *Tx. Queries use '?' placeholders
// and are rebound for the active driver.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a connection pool bound to one driver.
type DB struct {
	db     *sql.DB
	driver Driver
}

// Open connects to the database. For SQLite, dsn is a file path or
// ":memory:"; the pool is limited to a single connection.
func Open(ctx context.Context, driver Driver, dsn string) (*DB, error) {
	var driverName string
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		driverName = "sqlite"
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == DriverSQLite {
		// single writer; also keeps ":memory:" databases alive across calls
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close() //nolint:errcheck // best-effort cleanup
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			db.Close() //nolint:errcheck // best-effort cleanup
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{db: db, driver: driver}, nil
}

// New wraps an existing *sql.DB, for example a sqlmock connection in tests.
func New(db *sql.DB, driver Driver) *DB {
	return &DB{db: db, driver: driver}
}

// Driver returns the active driver.
func (d *DB) Driver() Driver { return d.driver }

// Close closes the pool.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// ExecContext implements Querier.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, Rebind(d.driver, query), args...)
}

// QueryContext implements Querier.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, Rebind(d.driver, query), args...)
}

// QueryRowContext implements Querier.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, Rebind(d.driver, query), args...)
}

// Tx is a transaction bound to the pool's driver.
type Tx struct {
	tx     *sql.Tx
	driver Driver
}

// ExecContext implements Querier.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, Rebind(t.driver, query), args...)
}

// QueryContext implements Querier.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, Rebind(t.driver, query), args...)
}

// QueryRowContext implements Querier.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, Rebind(t.driver, query), args...)
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // commit below; rollback is no-op after commit

	if err := fn(&Tx{tx: tx, driver: d.driver}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// Classify maps driver-specific constraint errors onto ErrUniqueViolation.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") ||
		strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime encodes t for storage, always in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime decodes a timestamp written by FormatTime. RFC 3339 values are
// accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// IsDuplicateColumn reports an idempotent ALTER TABLE ... ADD COLUMN.
func IsDuplicateColumn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
