package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is one forward-only schema step.
type migration struct {
	Version string
	Name    string
	Up      string
}

// migrationLock keys the advisory lock that serialises concurrent Migrate
// calls from several nodes.
const migrationLock int64 = 0x68657261_6c64

// Migrations is the ordered schema history of the Herald Postgres store.
var Migrations = []migration{
	{
		Version: "20260101000001",
		Name:    "create_herald_events",
		Up: `
CREATE TABLE IF NOT EXISTS herald_events (
    sequence         BIGINT PRIMARY KEY,
    event_type       TEXT NOT NULL,
    occurred_at      TIMESTAMPTZ NOT NULL,
    payload          JSONB,
    source_entity_id TEXT NOT NULL DEFAULT '',
    tenant_id        TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_herald_events_type ON herald_events (event_type);
CREATE INDEX IF NOT EXISTS idx_herald_events_tenant ON herald_events (tenant_id);
`,
	},
	{
		Version: "20260101000002",
		Name:    "create_herald_subscriptions",
		Up: `
CREATE TABLE IF NOT EXISTS herald_subscriptions (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    filter      JSONB NOT NULL DEFAULT '[]',
    endpoint    TEXT NOT NULL DEFAULT '',
    secret      TEXT NOT NULL DEFAULT '',
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    tenant_id   TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    headers     JSONB NOT NULL DEFAULT '{}',
    rate_limit  INTEGER NOT NULL DEFAULT 0,
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    event_sequence   BIGINT NOT NULL,
    subscription_id  TEXT NOT NULL,
    state            TEXT NOT NULL DEFAULT 'pending',
    attempt_count    INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL DEFAULT 0,
    next_attempt_at  TIMESTAMPTZ NOT NULL,
    claimed_at       TIMESTAMPTZ,
    version          BIGINT NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    last_status_code INTEGER NOT NULL DEFAULT 0,
    last_latency_ms  INTEGER NOT NULL DEFAULT 0,
    completed_at     TIMESTAMPTZ,
    archived_at      TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
    seq             BIGSERIAL PRIMARY KEY,
    id              TEXT NOT NULL UNIQUE,
    task_id         TEXT NOT NULL,
    event_sequence  BIGINT NOT NULL,
    subscription_id TEXT NOT NULL,
    attempt_number  INTEGER NOT NULL,
    outcome         TEXT NOT NULL,
    timestamp       TIMESTAMPTZ NOT NULL,
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
    schema        JSONB,
    example       JSONB,
    is_deprecated BOOLEAN NOT NULL DEFAULT FALSE,
    deprecated_at TIMESTAMPTZ,
    metadata      JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    position   BIGINT NOT NULL DEFAULT 0,
    version    BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	},
}

// migrate applies pending migrations while holding a session advisory lock.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() { _, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLock) }()

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS herald_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range Migrations {
		var applied bool
		if err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM herald_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check %s: %w", m.Name, err)
		}
		if applied {
			continue
		}

		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO herald_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
	}
	return nil
}
