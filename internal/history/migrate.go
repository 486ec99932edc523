package history

import (
	"context"
	"strings"

	"github.com/ppiankov/trustflow/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS trigger_history (
    uuid               TEXT PRIMARY KEY,
    trigger_uuid       TEXT NOT NULL,
    association_uuid   TEXT NOT NULL DEFAULT '',
    object_uuid        TEXT NOT NULL,
    conditions_matched BOOLEAN NOT NULL,
    actions_performed  BOOLEAN,
    triggered_at       TEXT NOT NULL,
    message            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trigger_history_records (
    uuid         TEXT PRIMARY KEY,
    history_uuid TEXT NOT NULL REFERENCES trigger_history(uuid),
    position     INTEGER NOT NULL,
    subject_kind TEXT NOT NULL,
    subject_uuid TEXT NOT NULL,
    status       TEXT NOT NULL,
    message      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_history_object ON trigger_history(object_uuid, triggered_at);
CREATE INDEX IF NOT EXISTS idx_history_trigger ON trigger_history(trigger_uuid, triggered_at);
CREATE INDEX IF NOT EXISTS idx_history_time ON trigger_history(triggered_at);
CREATE INDEX IF NOT EXISTS idx_records_history ON trigger_history_records(history_uuid)
`

func migrate(ctx context.Context, db *database.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// v2: resource and event columns (idempotent)
	for _, stmt := range []string{
		"ALTER TABLE trigger_history ADD COLUMN resource TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE trigger_history ADD COLUMN event_name TEXT NOT NULL DEFAULT ''",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !database.IsDuplicateColumn(err) {
			return err
		}
	}
	return nil
}
