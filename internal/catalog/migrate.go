package catalog

import (
	"context"
	"strings"

	"github.com/ppiankov/trustflow/internal/database"
)

// References between definitions are plain columns; integrity is checked
// in code before writes and deletes.
const schema = `
CREATE TABLE IF NOT EXISTS condition_groups (
    uuid        TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    resource    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
    uuid           TEXT PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    description    TEXT NOT NULL DEFAULT '',
    resource       TEXT NOT NULL,
    connector_uuid TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conditions (
    uuid             TEXT PRIMARY KEY,
    owner_kind       TEXT NOT NULL,
    owner_uuid       TEXT NOT NULL,
    resource         TEXT NOT NULL DEFAULT '',
    field_source     TEXT NOT NULL,
    field_identifier TEXT NOT NULL,
    operator         TEXT NOT NULL,
    operand          TEXT NOT NULL DEFAULT 'null',
    item_order       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rule_condition_groups (
    rule_uuid  TEXT NOT NULL,
    group_uuid TEXT NOT NULL,
    position   INTEGER NOT NULL,
    PRIMARY KEY (rule_uuid, group_uuid)
);

CREATE TABLE IF NOT EXISTS actions (
    uuid             TEXT PRIMARY KEY,
    name             TEXT NOT NULL UNIQUE,
    description      TEXT NOT NULL DEFAULT '',
    action_type      TEXT NOT NULL,
    resource         TEXT NOT NULL,
    grouping_key     TEXT NOT NULL DEFAULT '',
    field_source     TEXT NOT NULL DEFAULT '',
    field_identifier TEXT NOT NULL DEFAULT '',
    value            TEXT NOT NULL DEFAULT 'null',
    params           TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS action_groups (
    uuid        TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    resource    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS action_group_members (
    group_uuid  TEXT NOT NULL,
    action_uuid TEXT NOT NULL,
    item_order  INTEGER NOT NULL,
    PRIMARY KEY (group_uuid, action_uuid)
);

CREATE TABLE IF NOT EXISTS triggers (
    uuid         TEXT PRIMARY KEY,
    name         TEXT NOT NULL UNIQUE,
    description  TEXT NOT NULL DEFAULT '',
    trigger_type TEXT NOT NULL,
    event_name   TEXT NOT NULL DEFAULT '',
    resource     TEXT NOT NULL,
    created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trigger_rules (
    trigger_uuid TEXT NOT NULL,
    rule_uuid    TEXT NOT NULL,
    position     INTEGER NOT NULL,
    PRIMARY KEY (trigger_uuid, rule_uuid)
);

CREATE TABLE IF NOT EXISTS trigger_effects (
    trigger_uuid TEXT NOT NULL,
    effect_kind  TEXT NOT NULL,
    effect_uuid  TEXT NOT NULL,
    item_order   INTEGER NOT NULL,
    PRIMARY KEY (trigger_uuid, item_order)
);

CREATE TABLE IF NOT EXISTS trigger_associations (
    uuid          TEXT PRIMARY KEY,
    resource      TEXT NOT NULL,
    object_uuid   TEXT NOT NULL DEFAULT '',
    trigger_uuid  TEXT NOT NULL,
    trigger_order INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    UNIQUE (trigger_uuid, object_uuid)
);

CREATE INDEX IF NOT EXISTS idx_conditions_owner ON conditions(owner_kind, owner_uuid);
CREATE INDEX IF NOT EXISTS idx_rule_groups_group ON rule_condition_groups(group_uuid);
CREATE INDEX IF NOT EXISTS idx_members_action ON action_group_members(action_uuid);
CREATE INDEX IF NOT EXISTS idx_trigger_rules_rule ON trigger_rules(rule_uuid);
CREATE INDEX IF NOT EXISTS idx_trigger_effects_effect ON trigger_effects(effect_kind, effect_uuid);
CREATE INDEX IF NOT EXISTS idx_assoc_object ON trigger_associations(resource, object_uuid);
`

func migrate(ctx context.Context, db *database.DB) error {
	// pgx executes one statement per call
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
