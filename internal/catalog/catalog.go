// Package catalog persists Rule, Condition Group, Action, Action Group,
// Trigger and Trigger Association definitions and validates them before
// they are written.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/store"
)

// Definition errors.
var (
	ErrNotFound = errors.New("not found")
	ErrInUse    = errors.New("still referenced")
	ErrConflict = errors.New("already exists")
	ErrInvalid  = errors.New("invalid definition")
)

// ValidationError lists every problem found in one definition.
type ValidationError struct {
	Kind     string
	Name     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Name, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Catalog is the definitions store.
type Catalog struct {
	db           *database.DB
	groups       *cache[*store.ConditionGroup]
	rules        *cache[*store.Rule]
	actions      *cache[*store.Action]
	actionGroups *cache[*store.ActionGroup]
	triggers     *cache[*store.Trigger]
	now          func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// New runs migrations and returns a Catalog over db. Definitions read during
// dispatch are cached for ttl (0 = until the next authoring write).
func New(ctx context.Context, db *database.DB, ttl time.Duration, opts ...Option) (*Catalog, error) {
	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("running catalog migrations: %w", err)
	}
	c := &Catalog{
		db:           db,
		groups:       newCache[*store.ConditionGroup](ttl),
		rules:        newCache[*store.Rule](ttl),
		actions:      newCache[*store.Action](ttl),
		actionGroups: newCache[*store.ActionGroup](ttl),
		triggers:     newCache[*store.Trigger](ttl),
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Invalidate drops every cached definition.
func (c *Catalog) Invalidate() {
	c.groups.invalidate()
	c.rules.invalidate()
	c.actions.invalidate()
	c.actionGroups.invalidate()
	c.triggers.invalidate()
}

// write runs fn in a transaction and invalidates caches afterwards.
func (c *Catalog) write(ctx context.Context, fn func(*database.Tx) error) error {
	err := c.db.WithTx(ctx, fn)
	c.Invalidate()
	if err != nil {
		if errors.Is(database.Classify(err), database.ErrUniqueViolation) {
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return err
	}
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// exists reports whether a row with the given uuid exists in table.
func exists(ctx context.Context, q database.Querier, table, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE uuid = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking %s %s: %w", table, id, err)
	}
	return n > 0, nil
}

// count runs a COUNT(*) query.
func count(ctx context.Context, q database.Querier, query string, args ...any) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// lookupName resolves a definition name to its uuid.
func lookupName(ctx context.Context, q database.Querier, table, name string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, "SELECT uuid FROM "+table+" WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s named %q: %w", table, name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("looking up %s %q: %w", table, name, err)
	}
	return id, nil
}

// Summary is a compact listing entry.
type Summary struct {
	UUID     string         `json:"uuid"`
	Name     string         `json:"name"`
	Resource store.Resource `json:"resource"`
}

func (c *Catalog) summaries(ctx context.Context, table string) ([]Summary, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT uuid, name, resource FROM "+table+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.UUID, &s.Name, &s.Resource); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
