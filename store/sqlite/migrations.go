package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	Version string
	Name    string
	Up      string
}

// Migrations is the ordered schema history of the Herald SQLite store.
var Migrations = []migration{
	{
		Version: "20260101000001",
		Name:    "create_herald_events",
		Up: `
CREATE TABLE IF NOT EXISTS herald_events (
    sequence         INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type       TEXT NOT NULL,
    occurred_at      TEXT NOT NULL,
    payload          TEXT,
    source_entity_id TEXT NOT NULL DEFAULT '',
    tenant_id        TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_herald_events_type ON herald_events (event_type);
`,
	},
	{
		Version: "20260101000002",
		Name:    "create_herald_subscriptions",
		Up: `
CREATE TABLE IF NOT EXISTS herald_subscriptions (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    filter      TEXT NOT NULL DEFAULT '[]',
    endpoint    TEXT NOT NULL DEFAULT '',
    secret      TEXT NOT NULL DEFAULT '',
    active      INTEGER NOT NULL DEFAULT 1,
    tenant_id   TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    headers     TEXT NOT NULL DEFAULT '{}',
    rate_limit  INTEGER NOT NULL DEFAULT 0,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_herald_subscriptions_active ON herald_subscriptions (active);
`,
	},
	{
		Version: "20260101000003",
		Name:    "create_herald_tasks",
		Up: `
CREATE TABLE IF NOT EXISTS herald_tasks (
    id               TEXT PRIMARY KEY,
    event_sequence   INTEGER NOT NULL,
    subscription_id  TEXT NOT NULL,
    state            TEXT NOT NULL DEFAULT 'pending',
    attempt_count    INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL DEFAULT 0,
    next_attempt_at  TEXT NOT NULL,
    claimed_at       TEXT,
    version          INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    last_status_code INTEGER NOT NULL DEFAULT 0,
    last_latency_ms  INTEGER NOT NULL DEFAULT 0,
    completed_at     TEXT,
    archived_at      TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    UNIQUE (event_sequence, subscription_id)
);

CREATE INDEX IF NOT EXISTS idx_herald_tasks_due ON herald_tasks (next_attempt_at) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS idx_herald_tasks_claimed ON herald_tasks (claimed_at) WHERE state IN ('in_flight', 'failed');
CREATE INDEX IF NOT EXISTS idx_herald_tasks_subscription ON herald_tasks (subscription_id, state);
`,
	},
	{
		Version: "20260101000004",
		Name:    "create_herald_audit",
		Up: `
CREATE TABLE IF NOT EXISTS herald_audit (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    task_id         TEXT NOT NULL,
    event_sequence  INTEGER NOT NULL,
    subscription_id TEXT NOT NULL,
    attempt_number  INTEGER NOT NULL,
    outcome         TEXT NOT NULL,
    timestamp       TEXT NOT NULL,
    detail          TEXT NOT NULL DEFAULT '',
    status_code     INTEGER NOT NULL DEFAULT 0,
    latency_ms      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_herald_audit_task ON herald_audit (task_id);
CREATE INDEX IF NOT EXISTS idx_herald_audit_subscription ON herald_audit (subscription_id);
`,
	},
	{
		Version: "20260101000005",
		Name:    "create_herald_event_types",
		Up: `
CREATE TABLE IF NOT EXISTS herald_event_types (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    description   TEXT NOT NULL DEFAULT '',
    group_name    TEXT NOT NULL DEFAULT '',
    schema        TEXT,
    example       TEXT,
    is_deprecated INTEGER NOT NULL DEFAULT 0,
    deprecated_at TEXT,
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_herald_event_types_group ON herald_event_types (group_name);
`,
	},
	{
		Version: "20260101000006",
		Name:    "create_herald_cursors",
		Up: `
CREATE TABLE IF NOT EXISTS herald_cursors (
    name       TEXT PRIMARY KEY,
    position   INTEGER NOT NULL DEFAULT 0,
    version    INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
`,
	},
}

// migrate applies every migration not yet recorded in herald_migrations,
// each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS herald_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range Migrations {
		var n int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM herald_migrations WHERE version = ?`, m.Version,
		).Scan(&n); err != nil {
			return fmt.Errorf("check %s: %w", m.Name, err)
		}
		if n > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO herald_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, formatTime(now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.Name, err)
		}
	}
	return nil
}
