// Package history persists the append-only audit trail of trigger
// dispatches and serves read-only queries over it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/store"
)

// Recording errors.
var (
	ErrUnlinked     = errors.New("history row is not linked to a trigger and object")
	ErrInconsistent = errors.New("inconsistent history row")
	ErrDuplicate    = errors.New("history row already recorded")
	ErrNotFound     = errors.New("history row not found")
)

// Filter selects history rows. Zero fields do not filter.
type Filter struct {
	From        time.Time
	To          time.Time
	ObjectUUID  string
	TriggerUUID string
	Limit       int
	WithRecords bool
}

// Store persists Trigger History rows and their records.
type Store struct {
	db *database.DB
}

// New runs migrations and returns a Store over db.
func New(ctx context.Context, db *database.DB) (*Store, error) {
	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("running history migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps db without running migrations.
func NewWithDB(db *database.DB) *Store {
	return &Store{db: db}
}

// check enforces the linkage and flag invariants of a row.
func check(h *store.TriggerHistory) error {
	if h.TriggerUUID == "" || h.ObjectUUID == "" {
		return ErrUnlinked
	}
	if h.TriggeredAt.IsZero() {
		return fmt.Errorf("%w: triggered_at is not set", ErrInconsistent)
	}
	if h.ConditionsMatched && h.ActionsPerformed == nil {
		return fmt.Errorf("%w: matched row without actions_performed", ErrInconsistent)
	}
	if !h.ConditionsMatched && h.ActionsPerformed != nil {
		return fmt.Errorf("%w: actions_performed set on a row that did not match", ErrInconsistent)
	}
	for i := range h.Records {
		if h.Records[i].Subject.IsZero() {
			return fmt.Errorf("%w: record %d has no subject", ErrInconsistent, i)
		}
	}
	return nil
}

// Record writes h and all its records in one transaction. UUIDs are
// assigned where missing. A row is never overwritten.
func (s *Store) Record(ctx context.Context, h *store.TriggerHistory) error {
	if err := check(h); err != nil {
		return err
	}
	if h.UUID == "" {
		h.UUID = uuid.New().String()
	}
	for i := range h.Records {
		if h.Records[i].UUID == "" {
			h.Records[i].UUID = uuid.New().String()
		}
		h.Records[i].HistoryUUID = h.UUID
	}

	var performed sql.NullBool
	if h.ActionsPerformed != nil {
		performed = sql.NullBool{Bool: *h.ActionsPerformed, Valid: true}
	}

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO trigger_history
			(uuid, trigger_uuid, association_uuid, object_uuid, resource, event_name,
			 conditions_matched, actions_performed, triggered_at, message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.UUID, h.TriggerUUID, h.AssociationUUID, h.ObjectUUID, h.Resource, h.Event,
			h.ConditionsMatched, performed, database.FormatTime(h.TriggeredAt), h.Message)
		if err != nil {
			return fmt.Errorf("inserting history row: %w", err)
		}
		for i := range h.Records {
			r := &h.Records[i]
			_, err := tx.ExecContext(ctx, `INSERT INTO trigger_history_records
				(uuid, history_uuid, position, subject_kind, subject_uuid, status, message)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.UUID, h.UUID, i, r.Subject.Kind(), r.Subject.UUID(), r.Status, r.Message)
			if err != nil {
				return fmt.Errorf("inserting history record %d: %w", i, err)
			}
		}
		return nil
	})
	if errors.Is(database.Classify(err), database.ErrUniqueViolation) {
		return fmt.Errorf("%w: %s", ErrDuplicate, h.UUID)
	}
	return err
}

// List returns history rows matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]store.TriggerHistory, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	var where []string
	var args []any
	if f.ObjectUUID != "" {
		where = append(where, "object_uuid = ?")
		args = append(args, f.ObjectUUID)
	}
	if f.TriggerUUID != "" {
		where = append(where, "trigger_uuid = ?")
		args = append(args, f.TriggerUUID)
	}
	if !f.From.IsZero() {
		where = append(where, "triggered_at >= ?")
		args = append(args, database.FormatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "triggered_at < ?")
		args = append(args, database.FormatTime(f.To))
	}

	query := `SELECT uuid, trigger_uuid, association_uuid, object_uuid, resource, event_name,
		conditions_matched, actions_performed, triggered_at, message FROM trigger_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, uuid LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var out []store.TriggerHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.WithRecords {
		for i := range out {
			if out[i].Records, err = s.records(ctx, out[i].UUID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Get returns one history row with its records.
func (s *Store) Get(ctx context.Context, id string) (*store.TriggerHistory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uuid, trigger_uuid, association_uuid, object_uuid, resource, event_name,
		conditions_matched, actions_performed, triggered_at, message FROM trigger_history WHERE uuid = ?`, id)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if h.Records, err = s.records(ctx, id); err != nil {
		return nil, err
	}
	return &h, nil
}

// Purge deletes rows triggered before the cutoff, with their records, and
// returns how many rows were removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	cutoff := database.FormatTime(before)
	var n int64
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM trigger_history_records WHERE history_uuid IN
			(SELECT uuid FROM trigger_history WHERE triggered_at < ?)`, cutoff)
		if err != nil {
			return fmt.Errorf("purging history records: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM trigger_history WHERE triggered_at < ?", cutoff)
		if err != nil {
			return fmt.Errorf("purging history: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *Store) records(ctx context.Context, historyUUID string) ([]store.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, subject_kind, subject_uuid, status, message
		FROM trigger_history_records WHERE history_uuid = ? ORDER BY position`, historyUUID)
	if err != nil {
		return nil, fmt.Errorf("querying history records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var out []store.HistoryRecord
	for rows.Next() {
		r := store.HistoryRecord{HistoryUUID: historyUUID}
		var kind store.SubjectKind
		var subject string
		if err := rows.Scan(&r.UUID, &kind, &subject, &r.Status, &r.Message); err != nil {
			return nil, fmt.Errorf("scanning history record: %w", err)
		}
		switch kind {
		case store.SubjectCondition:
			r.Subject = store.ConditionSubject(subject)
		case store.SubjectAction:
			r.Subject = store.ActionSubject(subject)
		default:
			return nil, fmt.Errorf("history record %s: unknown subject kind %q", r.UUID, kind)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(sc scanner) (store.TriggerHistory, error) {
	var h store.TriggerHistory
	var performed sql.NullBool
	var at string
	err := sc.Scan(&h.UUID, &h.TriggerUUID, &h.AssociationUUID, &h.ObjectUUID, &h.Resource, &h.Event,
		&h.ConditionsMatched, &performed, &at, &h.Message)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, err
		}
		return h, fmt.Errorf("scanning history row: %w", err)
	}
	if performed.Valid {
		v := performed.Bool
		h.ActionsPerformed = &v
	}
	if h.TriggeredAt, err = database.ParseTime(at); err != nil {
		return h, err
	}
	return h, nil
}
