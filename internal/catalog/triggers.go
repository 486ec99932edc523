package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/store"
)

// CreateTrigger validates and persists t, stamping CreatedAt.
func (c *Catalog) CreateTrigger(ctx context.Context, t *store.Trigger) error {
	if t.UUID == "" {
		t.UUID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = c.now().UTC()
	}
	return c.write(ctx, func(tx *database.Tx) error {
		if err := validateTrigger(ctx, tx, t); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO triggers
			(uuid, name, description, trigger_type, event_name, resource, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.UUID, t.Name, t.Description, t.Type, t.Event, t.Resource, database.FormatTime(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting trigger %s: %w", t.Name, err)
		}
		return writeTriggerChildren(ctx, tx, t)
	})
}

// UpdateTrigger replaces the stored definition of t.UUID. CreatedAt is kept.
func (c *Catalog) UpdateTrigger(ctx context.Context, t *store.Trigger) error {
	return c.write(ctx, func(tx *database.Tx) error {
		var created string
		err := tx.QueryRowContext(ctx, "SELECT created_at FROM triggers WHERE uuid = ?", t.UUID).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("trigger", t.UUID)
		}
		if err != nil {
			return fmt.Errorf("loading trigger %s: %w", t.UUID, err)
		}
		if t.CreatedAt, err = database.ParseTime(created); err != nil {
			return err
		}
		if err := validateTrigger(ctx, tx, t); err != nil {
			return err
		}
		n, err := count(ctx, tx, "SELECT COUNT(*) FROM trigger_associations WHERE trigger_uuid = ? AND resource <> ?",
			t.UUID, t.Resource)
		if err != nil {
			return err
		}
		if n > 0 {
			return &ValidationError{Kind: "trigger", Name: t.Name, Problems: []string{
				fmt.Sprintf("resource %s conflicts with %d existing association(s)", t.Resource, n),
			}}
		}
		_, err = tx.ExecContext(ctx, `UPDATE triggers SET
			name = ?, description = ?, trigger_type = ?, event_name = ?, resource = ?
			WHERE uuid = ?`, t.Name, t.Description, t.Type, t.Event, t.Resource, t.UUID)
		if err != nil {
			return fmt.Errorf("updating trigger %s: %w", t.Name, err)
		}
		if err := clearTriggerChildren(ctx, tx, t.UUID); err != nil {
			return err
		}
		return writeTriggerChildren(ctx, tx, t)
	})
}

func writeTriggerChildren(ctx context.Context, tx *database.Tx, t *store.Trigger) error {
	for i, rid := range t.RuleUUIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO trigger_rules (trigger_uuid, rule_uuid, position) VALUES (?, ?, ?)", t.UUID, rid, i)
		if err != nil {
			return fmt.Errorf("linking trigger %s to rule %s: %w", t.Name, rid, err)
		}
	}
	for _, e := range t.Effects {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO trigger_effects (trigger_uuid, effect_kind, effect_uuid, item_order) VALUES (?, ?, ?, ?)",
			t.UUID, e.Kind, e.UUID, e.Order)
		if err != nil {
			return fmt.Errorf("linking trigger %s to %s %s: %w", t.Name, e.Kind, e.UUID, err)
		}
	}
	return nil
}

func clearTriggerChildren(ctx context.Context, tx *database.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM trigger_rules WHERE trigger_uuid = ?", id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM trigger_effects WHERE trigger_uuid = ?", id)
	return err
}

// DeleteTrigger removes a Trigger together with its associations.
func (c *Catalog) DeleteTrigger(ctx context.Context, id string) error {
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "triggers", id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("trigger", id)
		}
		if err := clearTriggerChildren(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM trigger_associations WHERE trigger_uuid = ?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM triggers WHERE uuid = ?", id)
		return err
	})
}

// Trigger loads one Trigger with its rule and effect lists. Results are cached.
func (c *Catalog) Trigger(ctx context.Context, id string) (*store.Trigger, error) {
	cached, gen, ok := c.triggers.get(id)
	if ok {
		return cached, nil
	}
	t := &store.Trigger{UUID: id}
	var created string
	err := c.db.QueryRowContext(ctx, `SELECT name, description, trigger_type, event_name, resource, created_at
		FROM triggers WHERE uuid = ?`, id).
		Scan(&t.Name, &t.Description, &t.Type, &t.Event, &t.Resource, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("trigger", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading trigger %s: %w", id, err)
	}
	if t.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, "SELECT rule_uuid FROM trigger_rules WHERE trigger_uuid = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("loading rules of trigger %s: %w", id, err)
	}
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			rows.Close() //nolint:errcheck,gosec // scan error wins
			return nil, err
		}
		t.RuleUUIDs = append(t.RuleUUIDs, rid)
	}
	rows.Close() //nolint:errcheck,gosec // drained above
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.db.QueryContext(ctx,
		"SELECT effect_kind, effect_uuid, item_order FROM trigger_effects WHERE trigger_uuid = ? ORDER BY item_order", id)
	if err != nil {
		return nil, fmt.Errorf("loading effects of trigger %s: %w", id, err)
	}
	defer rows.Close() //nolint:errcheck // read-only query
	for rows.Next() {
		var e store.Effect
		if err := rows.Scan(&e.Kind, &e.UUID, &e.Order); err != nil {
			return nil, err
		}
		t.Effects = append(t.Effects, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	c.triggers.set(id, gen, t)
	return t, nil
}

// Triggers loads every Trigger, ordered by name.
func (c *Catalog) Triggers(ctx context.Context) ([]*store.Trigger, error) {
	list, err := c.summaries(ctx, "triggers")
	if err != nil {
		return nil, err
	}
	out := make([]*store.Trigger, 0, len(list))
	for _, s := range list {
		t, err := c.Trigger(ctx, s.UUID)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// FindTrigger resolves a trigger by uuid or by name.
func (c *Catalog) FindTrigger(ctx context.Context, ref string) (*store.Trigger, error) {
	t, err := c.Trigger(ctx, ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return t, err
	}
	id, err := lookupName(ctx, c.db, "triggers", ref)
	if err != nil {
		return nil, err
	}
	return c.Trigger(ctx, id)
}

// Associate attaches a Trigger to an object (or to every object of the
// resource when ObjectUUID is empty).
func (c *Catalog) Associate(ctx context.Context, a *store.TriggerAssociation) error {
	if a.UUID == "" {
		a.UUID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now().UTC()
	}
	return c.write(ctx, func(tx *database.Tx) error {
		var res store.Resource
		err := tx.QueryRowContext(ctx, "SELECT resource FROM triggers WHERE uuid = ?", a.TriggerUUID).Scan(&res)
		if errors.Is(err, sql.ErrNoRows) {
			return &ValidationError{Kind: "trigger association", Name: a.ObjectUUID, Problems: []string{
				fmt.Sprintf("trigger %s does not exist", a.TriggerUUID),
			}}
		}
		if err != nil {
			return fmt.Errorf("loading trigger %s: %w", a.TriggerUUID, err)
		}
		if a.Resource == "" {
			a.Resource = res
		}
		if a.Resource != res {
			return &ValidationError{Kind: "trigger association", Name: a.ObjectUUID, Problems: []string{
				fmt.Sprintf("resource %s does not match trigger resource %s", a.Resource, res),
			}}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO trigger_associations
			(uuid, resource, object_uuid, trigger_uuid, trigger_order, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.UUID, a.Resource, a.ObjectUUID, a.TriggerUUID, a.Order, database.FormatTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("associating trigger %s with %s: %w", a.TriggerUUID, a.ObjectUUID, err)
		}
		return nil
	})
}

// Dissociate removes one association.
func (c *Catalog) Dissociate(ctx context.Context, id string) error {
	return c.write(ctx, func(tx *database.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM trigger_associations WHERE uuid = ?", id)
		if err != nil {
			return fmt.Errorf("deleting association %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("trigger association", id)
		}
		return nil
	})
}

// DeleteObjectAssociations detaches every Trigger from a deleted object and
// returns how many associations were removed.
func (c *Catalog) DeleteObjectAssociations(ctx context.Context, resource store.Resource, objectUUID string) (int64, error) {
	if objectUUID == "" {
		return 0, fmt.Errorf("object uuid is required")
	}
	var n int64
	err := c.write(ctx, func(tx *database.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM trigger_associations WHERE resource = ? AND object_uuid = ?", resource, objectUUID)
		if err != nil {
			return fmt.Errorf("deleting associations of %s/%s: %w", resource, objectUUID, err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// Associations returns the associations that apply to one object: those
// bound to it and those bound to every object of the resource. The result
// is ordered by trigger order, then creation time, then uuid.
func (c *Catalog) Associations(ctx context.Context, resource store.Resource, objectUUID string) ([]store.TriggerAssociation, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT uuid, resource, object_uuid, trigger_uuid, trigger_order, created_at
		FROM trigger_associations WHERE resource = ? AND (object_uuid = ? OR object_uuid = '')`, resource, objectUUID)
	if err != nil {
		return nil, fmt.Errorf("loading associations of %s/%s: %w", resource, objectUUID, err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var out []store.TriggerAssociation
	for rows.Next() {
		var a store.TriggerAssociation
		var created string
		if err := rows.Scan(&a.UUID, &a.Resource, &a.ObjectUUID, &a.TriggerUUID, &a.Order, &created); err != nil {
			return nil, fmt.Errorf("scanning association: %w", err)
		}
		if a.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortAssociations(out)
	return out, nil
}

// SortAssociations orders associations by trigger order, creation time and uuid.
func SortAssociations(list []store.TriggerAssociation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.UUID < b.UUID
	})
}
