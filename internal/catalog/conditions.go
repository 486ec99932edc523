package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/store"
)

// CreateConditionGroup validates and persists g, assigning UUIDs where missing.
func (c *Catalog) CreateConditionGroup(ctx context.Context, g *store.ConditionGroup) error {
	if g.UUID == "" {
		g.UUID = uuid.New().String()
	}
	if err := validateConditionGroup(g); err != nil {
		return err
	}
	return c.write(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO condition_groups (uuid, name, description, resource) VALUES (?, ?, ?, ?)",
			g.UUID, g.Name, g.Description, g.Resource)
		if err != nil {
			return fmt.Errorf("inserting condition group %s: %w", g.Name, err)
		}
		return replaceConditions(ctx, tx, store.OfGroup(g.UUID), g.Conditions)
	})
}

// UpdateConditionGroup replaces the stored definition of g.UUID.
func (c *Catalog) UpdateConditionGroup(ctx context.Context, g *store.ConditionGroup) error {
	if err := validateConditionGroup(g); err != nil {
		return err
	}
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "condition_groups", g.UUID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("condition group", g.UUID)
		}
		n, err := count(ctx, tx, `SELECT COUNT(*) FROM rule_condition_groups rg
			JOIN rules r ON r.uuid = rg.rule_uuid
			WHERE rg.group_uuid = ? AND r.resource <> ?`, g.UUID, g.Resource)
		if err != nil {
			return fmt.Errorf("checking rules of condition group %s: %w", g.UUID, err)
		}
		if n > 0 {
			return &ValidationError{Kind: "condition group", Name: g.Name, Problems: []string{
				fmt.Sprintf("resource %s conflicts with %d referencing rule(s)", g.Resource, n),
			}}
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE condition_groups SET name = ?, description = ?, resource = ? WHERE uuid = ?",
			g.Name, g.Description, g.Resource, g.UUID)
		if err != nil {
			return fmt.Errorf("updating condition group %s: %w", g.Name, err)
		}
		return replaceConditions(ctx, tx, store.OfGroup(g.UUID), g.Conditions)
	})
}

// DeleteConditionGroup removes a group that no Rule references.
func (c *Catalog) DeleteConditionGroup(ctx context.Context, id string) error {
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "condition_groups", id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("condition group", id)
		}
		n, err := count(ctx, tx, "SELECT COUNT(*) FROM rule_condition_groups WHERE group_uuid = ?", id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("condition group %s used by %d rule(s): %w", id, n, ErrInUse)
		}
		if err := deleteConditions(ctx, tx, store.OfGroup(id)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM condition_groups WHERE uuid = ?", id)
		return err
	})
}

// ConditionGroup loads a group with its Conditions. Results are cached.
func (c *Catalog) ConditionGroup(ctx context.Context, id string) (*store.ConditionGroup, error) {
	cached, gen, ok := c.groups.get(id)
	if ok {
		return cached, nil
	}
	g := &store.ConditionGroup{UUID: id}
	err := c.db.QueryRowContext(ctx,
		"SELECT name, description, resource FROM condition_groups WHERE uuid = ?", id).
		Scan(&g.Name, &g.Description, &g.Resource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("condition group", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading condition group %s: %w", id, err)
	}
	if g.Conditions, err = loadConditions(ctx, c.db, store.OfGroup(id)); err != nil {
		return nil, err
	}
	c.groups.set(id, gen, g)
	return g, nil
}

// ConditionGroups lists every group.
func (c *Catalog) ConditionGroups(ctx context.Context) ([]Summary, error) {
	return c.summaries(ctx, "condition_groups")
}

// CreateRule validates and persists r.
func (c *Catalog) CreateRule(ctx context.Context, r *store.Rule) error {
	if r.UUID == "" {
		r.UUID = uuid.New().String()
	}
	return c.write(ctx, func(tx *database.Tx) error {
		if err := validateRule(ctx, tx, r); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO rules (uuid, name, description, resource, connector_uuid) VALUES (?, ?, ?, ?, ?)",
			r.UUID, r.Name, r.Description, r.Resource, r.ConnectorUUID)
		if err != nil {
			return fmt.Errorf("inserting rule %s: %w", r.Name, err)
		}
		return writeRuleChildren(ctx, tx, r)
	})
}

// UpdateRule replaces the stored definition of r.UUID.
func (c *Catalog) UpdateRule(ctx context.Context, r *store.Rule) error {
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "rules", r.UUID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("rule", r.UUID)
		}
		if err := validateRule(ctx, tx, r); err != nil {
			return err
		}
		n, err := count(ctx, tx, `SELECT COUNT(*) FROM trigger_rules tr
			JOIN triggers t ON t.uuid = tr.trigger_uuid
			WHERE tr.rule_uuid = ? AND t.resource <> ?`, r.UUID, r.Resource)
		if err != nil {
			return fmt.Errorf("checking triggers of rule %s: %w", r.UUID, err)
		}
		if n > 0 {
			return &ValidationError{Kind: "rule", Name: r.Name, Problems: []string{
				fmt.Sprintf("resource %s conflicts with %d referencing trigger(s)", r.Resource, n),
			}}
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE rules SET name = ?, description = ?, resource = ?, connector_uuid = ? WHERE uuid = ?",
			r.Name, r.Description, r.Resource, r.ConnectorUUID, r.UUID)
		if err != nil {
			return fmt.Errorf("updating rule %s: %w", r.Name, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM rule_condition_groups WHERE rule_uuid = ?", r.UUID); err != nil {
			return err
		}
		return writeRuleChildren(ctx, tx, r)
	})
}

func writeRuleChildren(ctx context.Context, tx *database.Tx, r *store.Rule) error {
	if err := replaceConditions(ctx, tx, store.OfRule(r.UUID), r.Conditions); err != nil {
		return err
	}
	for i, gid := range r.GroupUUIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO rule_condition_groups (rule_uuid, group_uuid, position) VALUES (?, ?, ?)",
			r.UUID, gid, i)
		if err != nil {
			return fmt.Errorf("linking rule %s to group %s: %w", r.UUID, gid, err)
		}
	}
	return nil
}

// DeleteRule removes a Rule that no Trigger references, with its direct Conditions.
func (c *Catalog) DeleteRule(ctx context.Context, id string) error {
	return c.write(ctx, func(tx *database.Tx) error {
		ok, err := exists(ctx, tx, "rules", id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("rule", id)
		}
		n, err := count(ctx, tx, "SELECT COUNT(*) FROM trigger_rules WHERE rule_uuid = ?", id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("rule %s used by %d trigger(s): %w", id, n, ErrInUse)
		}
		if err := deleteConditions(ctx, tx, store.OfRule(id)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM rule_condition_groups WHERE rule_uuid = ?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM rules WHERE uuid = ?", id)
		return err
	})
}

// Rule loads a Rule with its direct Conditions and group references.
func (c *Catalog) Rule(ctx context.Context, id string) (*store.Rule, error) {
	cached, gen, ok := c.rules.get(id)
	if ok {
		return cached, nil
	}
	r := &store.Rule{UUID: id}
	err := c.db.QueryRowContext(ctx,
		"SELECT name, description, resource, connector_uuid FROM rules WHERE uuid = ?", id).
		Scan(&r.Name, &r.Description, &r.Resource, &r.ConnectorUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading rule %s: %w", id, err)
	}
	if r.Conditions, err = loadConditions(ctx, c.db, store.OfRule(id)); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT group_uuid FROM rule_condition_groups WHERE rule_uuid = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("loading groups of rule %s: %w", id, err)
	}
	defer rows.Close() //nolint:errcheck // read-only query
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, err
		}
		r.GroupUUIDs = append(r.GroupUUIDs, gid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	c.rules.set(id, gen, r)
	return r, nil
}

// Rules lists every Rule.
func (c *Catalog) Rules(ctx context.Context) ([]Summary, error) {
	return c.summaries(ctx, "rules")
}

// replaceConditions rewrites the Conditions of owner. Incoming UUIDs are
// kept when they already belong to the same owner; others are regenerated.
func replaceConditions(ctx context.Context, tx *database.Tx, owner store.Owner, conds []store.Condition) error {
	prev := make(map[string]bool)
	rows, err := tx.QueryContext(ctx,
		"SELECT uuid FROM conditions WHERE owner_kind = ? AND owner_uuid = ?", owner.Kind(), owner.UUID())
	if err != nil {
		return fmt.Errorf("loading conditions of %s %s: %w", owner.Kind(), owner.UUID(), err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck,gosec // scan error wins
			return err
		}
		prev[id] = true
	}
	rows.Close() //nolint:errcheck,gosec // drained above
	if err := rows.Err(); err != nil {
		return err
	}

	if err := deleteConditions(ctx, tx, owner); err != nil {
		return err
	}
	for i := range conds {
		cond := &conds[i]
		if cond.UUID == "" || (!prev[cond.UUID] && !isFresh(ctx, tx, cond.UUID)) {
			cond.UUID = uuid.New().String()
		}
		cond.Owner = owner
		operand, err := json.Marshal(cond.Operand)
		if err != nil {
			return fmt.Errorf("encoding operand: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO conditions
			(uuid, owner_kind, owner_uuid, resource, field_source, field_identifier, operator, operand, item_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cond.UUID, owner.Kind(), owner.UUID(), cond.Resource, cond.Field.Source, cond.Field.Identifier,
			cond.Operator, string(operand), cond.Order)
		if err != nil {
			return fmt.Errorf("inserting condition %d of %s %s: %w", i, owner.Kind(), owner.UUID(), err)
		}
	}
	return nil
}

// isFresh reports whether a caller-supplied condition UUID is unused.
func isFresh(ctx context.Context, q database.Querier, id string) bool {
	ok, err := exists(ctx, q, "conditions", id)
	return err == nil && !ok
}

func deleteConditions(ctx context.Context, tx *database.Tx, owner store.Owner) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM conditions WHERE owner_kind = ? AND owner_uuid = ?", owner.Kind(), owner.UUID())
	if err != nil {
		return fmt.Errorf("deleting conditions of %s %s: %w", owner.Kind(), owner.UUID(), err)
	}
	return nil
}

func loadConditions(ctx context.Context, q database.Querier, owner store.Owner) ([]store.Condition, error) {
	rows, err := q.QueryContext(ctx, `SELECT uuid, resource, field_source, field_identifier, operator, operand, item_order
		FROM conditions WHERE owner_kind = ? AND owner_uuid = ?`, owner.Kind(), owner.UUID())
	if err != nil {
		return nil, fmt.Errorf("loading conditions of %s %s: %w", owner.Kind(), owner.UUID(), err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var out []store.Condition
	for rows.Next() {
		cond := store.Condition{Owner: owner}
		var operand string
		if err := rows.Scan(&cond.UUID, &cond.Resource, &cond.Field.Source, &cond.Field.Identifier,
			&cond.Operator, &operand, &cond.Order); err != nil {
			return nil, fmt.Errorf("scanning condition: %w", err)
		}
		if err := json.Unmarshal([]byte(operand), &cond.Operand); err != nil {
			return nil, fmt.Errorf("decoding operand of condition %s: %w", cond.UUID, err)
		}
		out = append(out, cond)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
