package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/store"
)

// CreateAction validates and persists a.
func (c *Catalog) CreateAction(ctx context.Context, a *store.Action) error {
	if a.UUID == "" {
		a.UUID = uuid.New().String()
	}
	if err := validateAction(a); err != nil {
		return err
	}
	return c.write(ctx, func(tx *database.Tx) error {
		args, err := actionColumns(a)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO actions
			(name, description, action_type, resource, grouping_key, field_source, field_identifier, value, params, uuid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return fmt.Errorf("inserting action %s: %w", a.Name, err)
		}
		return nil
	})
}

// UpdateAction replaces the stored definition of a.UUID.
func (c *Catalog) UpdateAction(ctx context.Context, a *store.Action) error {
	if err := validateAction(a); err != nil {
		return err
	}
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "actions", a.UUID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("action", a.UUID)
		}
		if a.Resource != store.ResourceAny {
			n, err := count(ctx, tx, `SELECT COUNT(*) FROM action_group_members m
				JOIN action_groups g ON g.uuid = m.group_uuid
				WHERE m.action_uuid = ? AND g.resource <> ?`, a.UUID, a.Resource)
			if err != nil {
				return err
			}
			k, err := count(ctx, tx, `SELECT COUNT(*) FROM trigger_effects e
				JOIN triggers t ON t.uuid = e.trigger_uuid
				WHERE e.effect_kind = ? AND e.effect_uuid = ? AND t.resource <> ?`,
				store.EffectAction, a.UUID, a.Resource)
			if err != nil {
				return err
			}
			if n+k > 0 {
				return &ValidationError{Kind: "action", Name: a.Name, Problems: []string{
					fmt.Sprintf("resource %s conflicts with %d referencing group(s) or trigger(s)", a.Resource, n+k),
				}}
			}
		}
		args, err := actionColumns(a)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE actions SET
			name = ?, description = ?, action_type = ?, resource = ?, grouping_key = ?,
			field_source = ?, field_identifier = ?, value = ?, params = ?
			WHERE uuid = ?`, args...)
		if err != nil {
			return fmt.Errorf("updating action %s: %w", a.Name, err)
		}
		return nil
	})
}

// actionColumns returns insert/update arguments with the uuid last.
func actionColumns(a *store.Action) ([]any, error) {
	value, err := json.Marshal(a.Value)
	if err != nil {
		return nil, fmt.Errorf("encoding action value: %w", err)
	}
	params := []byte("{}")
	if len(a.Params) > 0 {
		if params, err = json.Marshal(a.Params); err != nil {
			return nil, fmt.Errorf("encoding action params: %w", err)
		}
	}
	var src store.FieldSource
	var ident string
	if a.Field != nil {
		src, ident = a.Field.Source, a.Field.Identifier
	}
	return []any{a.Name, a.Description, a.Type, a.Resource, a.GroupingKey,
		src, ident, string(value), string(params), a.UUID}, nil
}

// DeleteAction removes an Action that no group or trigger references.
func (c *Catalog) DeleteAction(ctx context.Context, id string) error {
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "actions", id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("action", id)
		}
		n, err := count(ctx, tx, "SELECT COUNT(*) FROM action_group_members WHERE action_uuid = ?", id)
		if err != nil {
			return err
		}
		k, err := count(ctx, tx, "SELECT COUNT(*) FROM trigger_effects WHERE effect_kind = ? AND effect_uuid = ?",
			store.EffectAction, id)
		if err != nil {
			return err
		}
		if n+k > 0 {
			return fmt.Errorf("action %s used by %d group(s) and %d trigger(s): %w", id, n, k, ErrInUse)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM actions WHERE uuid = ?", id)
		return err
	})
}

// Action loads one Action. Results are cached.
func (c *Catalog) Action(ctx context.Context, id string) (*store.Action, error) {
	cached, gen, ok := c.actions.get(id)
	if ok {
		return cached, nil
	}
	a := &store.Action{UUID: id}
	var src store.FieldSource
	var ident, value, params string
	err := c.db.QueryRowContext(ctx, `SELECT name, description, action_type, resource, grouping_key,
		field_source, field_identifier, value, params FROM actions WHERE uuid = ?`, id).
		Scan(&a.Name, &a.Description, &a.Type, &a.Resource, &a.GroupingKey, &src, &ident, &value, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("action", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading action %s: %w", id, err)
	}
	if src != "" {
		a.Field = &store.FieldReference{Source: src, Identifier: ident}
	}
	if err := json.Unmarshal([]byte(value), &a.Value); err != nil {
		return nil, fmt.Errorf("decoding value of action %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(params), &a.Params); err != nil {
		return nil, fmt.Errorf("decoding params of action %s: %w", id, err)
	}
	if len(a.Params) == 0 {
		a.Params = nil
	}
	c.actions.set(id, gen, a)
	return a, nil
}

// Actions lists every Action.
func (c *Catalog) Actions(ctx context.Context) ([]Summary, error) {
	return c.summaries(ctx, "actions")
}

// CreateActionGroup validates and persists g.
func (c *Catalog) CreateActionGroup(ctx context.Context, g *store.ActionGroup) error {
	if g.UUID == "" {
		g.UUID = uuid.New().String()
	}
	return c.write(ctx, func(tx *database.Tx) error {
		if err := validateActionGroup(ctx, tx, g); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO action_groups (uuid, name, description, resource) VALUES (?, ?, ?, ?)",
			g.UUID, g.Name, g.Description, g.Resource)
		if err != nil {
			return fmt.Errorf("inserting action group %s: %w", g.Name, err)
		}
		return writeMembers(ctx, tx, g)
	})
}

// UpdateActionGroup replaces the stored definition of g.UUID.
func (c *Catalog) UpdateActionGroup(ctx context.Context, g *store.ActionGroup) error {
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "action_groups", g.UUID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("action group", g.UUID)
		}
		if err := validateActionGroup(ctx, tx, g); err != nil {
			return err
		}
		if g.Resource != store.ResourceAny {
			n, err := count(ctx, tx, `SELECT COUNT(*) FROM trigger_effects e
				JOIN triggers t ON t.uuid = e.trigger_uuid
				WHERE e.effect_kind = ? AND e.effect_uuid = ? AND t.resource <> ?`,
				store.EffectActionGroup, g.UUID, g.Resource)
			if err != nil {
				return err
			}
			if n > 0 {
				return &ValidationError{Kind: "action group", Name: g.Name, Problems: []string{
					fmt.Sprintf("resource %s conflicts with %d referencing trigger(s)", g.Resource, n),
				}}
			}
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE action_groups SET name = ?, description = ?, resource = ? WHERE uuid = ?",
			g.Name, g.Description, g.Resource, g.UUID)
		if err != nil {
			return fmt.Errorf("updating action group %s: %w", g.Name, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM action_group_members WHERE group_uuid = ?", g.UUID); err != nil {
			return err
		}
		return writeMembers(ctx, tx, g)
	})
}

func writeMembers(ctx context.Context, tx *database.Tx, g *store.ActionGroup) error {
	for _, m := range g.Members {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO action_group_members (group_uuid, action_uuid, item_order) VALUES (?, ?, ?)",
			g.UUID, m.ActionUUID, m.Order)
		if err != nil {
			return fmt.Errorf("adding action %s to group %s: %w", m.ActionUUID, g.Name, err)
		}
	}
	return nil
}

// DeleteActionGroup removes a group no trigger references. Member Actions are kept.
func (c *Catalog) DeleteActionGroup(ctx context.Context, id string) error {
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "action_groups", id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("action group", id)
		}
		n, err := count(ctx, tx, "SELECT COUNT(*) FROM trigger_effects WHERE effect_kind = ? AND effect_uuid = ?",
			store.EffectActionGroup, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("action group %s used by %d trigger(s): %w", id, n, ErrInUse)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM action_group_members WHERE group_uuid = ?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM action_groups WHERE uuid = ?", id)
		return err
	})
}

// ActionGroup loads a group with its members ordered by Order. Results are cached.
func (c *Catalog) ActionGroup(ctx context.Context, id string) (*store.ActionGroup, error) {
	cached, gen, ok := c.actionGroups.get(id)
	if ok {
		return cached, nil
	}
	g := &store.ActionGroup{UUID: id}
	err := c.db.QueryRowContext(ctx,
		"SELECT name, description, resource FROM action_groups WHERE uuid = ?", id).
		Scan(&g.Name, &g.Description, &g.Resource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("action group", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading action group %s: %w", id, err)
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT action_uuid, item_order FROM action_group_members WHERE group_uuid = ? ORDER BY item_order", id)
	if err != nil {
		return nil, fmt.Errorf("loading members of action group %s: %w", id, err)
	}
	defer rows.Close() //nolint:errcheck // read-only query
	for rows.Next() {
		var m store.GroupMember
		if err := rows.Scan(&m.ActionUUID, &m.Order); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	c.actionGroups.set(id, gen, g)
	return g, nil
}

// ActionGroups lists every Action Group.
func (c *Catalog) ActionGroups(ctx context.Context) ([]Summary, error) {
	return c.summaries(ctx, "action_groups")
}
