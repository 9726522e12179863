// Package sqlite implements store.Store on SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. It suits single-node deployments
// and local development.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/storeerr"
	heraldstore "github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// compile-time interface check
var _ heraldstore.Store = (*Store)(nil)

const backend = "sqlite"

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. The caller keeps ownership of pool
// settings; SQLite allows a single writer, so one open connection is
// recommended.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the database at dsn with WAL journaling and a busy timeout.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeerr.Unavailable(backend, "open", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, storeerr.Unavailable(backend, "open", err)
		}
	}
	return New(db), nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := migrate(ctx, s.db); err != nil {
		return fmt.Errorf("herald/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.wrap("ping", s.db.PingContext(ctx))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// wrap maps driver errors onto storeerr. A closed handle reports ErrClosed.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("herald/sqlite: %s: %w", op, storeerr.ErrClosed)
	}
	return storeerr.Unavailable(backend, op, err)
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// ==================== Event Store ====================

func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	err := s.db.QueryRowContext(ctx, `
INSERT INTO herald_events (event_type, occurred_at, payload, source_entity_id, tenant_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING sequence`,
		evt.Type, formatTime(evt.OccurredAt), rawOrNull(evt.Payload), evt.SourceEntityID, evt.TenantID,
		formatTime(evt.CreatedAt), formatTime(evt.UpdatedAt),
	).Scan(&evt.Sequence)
	return s.wrap("append event", err)
}

func (s *Store) GetEvent(ctx context.Context, seq int64) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM herald_events WHERE sequence = ?`, seq)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, event.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get event", err)
	}
	return evt, nil
}

func (s *Store) ReadEvents(ctx context.Context, after int64, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM herald_events WHERE sequence > ? ORDER BY sequence LIMIT ?`,
		after, limitOrAll(limit))
	if err != nil {
		return nil, s.wrap("read events", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, s.wrap("read events", err)
		}
		out = append(out, evt)
	}
	return out, s.wrap("read events", rows.Err())
}

func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM herald_events`).Scan(&seq)
	return seq, s.wrap("last sequence", err)
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO herald_subscriptions (`+subscriptionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, string(sub.Kind), marshalJSON(sub.Filter), sub.Endpoint, sub.Secret, sub.Active,
		sub.TenantID, sub.Description, marshalJSON(sub.Headers), sub.RateLimit, marshalJSON(sub.Metadata),
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	return s.wrap("create subscription", err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM herald_subscriptions WHERE id = ?`, subID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get subscription", err)
	}
	return sub, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	sub.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx, `
UPDATE herald_subscriptions
SET kind = ?, filter = ?, endpoint = ?, secret = ?, active = ?, tenant_id = ?, description = ?,
    headers = ?, rate_limit = ?, metadata = ?, updated_at = ?
WHERE id = ?`,
		string(sub.Kind), marshalJSON(sub.Filter), sub.Endpoint, sub.Secret, sub.Active, sub.TenantID, sub.Description,
		marshalJSON(sub.Headers), sub.RateLimit, marshalJSON(sub.Metadata), formatTime(sub.UpdatedAt),
		sub.ID,
	)
	return s.expectOne("update subscription", res, err, subscription.ErrNotFound)
}

func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM herald_subscriptions WHERE id = ?`, subID)
	return s.expectOne("delete subscription", res, err, subscription.ErrNotFound)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var (
		where []string
		args  []any
	)
	if opts.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *opts.Active)
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	q := `SELECT ` + subscriptionColumns + ` FROM herald_subscriptions` + whereClause(where) +
		` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limitOrAll(opts.Limit), opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap("list subscriptions", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, s.wrap("list subscriptions", err)
		}
		out = append(out, sub)
	}
	return out, s.wrap("list subscriptions", rows.Err())
}

func (s *Store) SetActive(ctx context.Context, subID id.ID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE herald_subscriptions SET active = ?, updated_at = ? WHERE id = ?`,
		active, formatTime(now()), subID)
	return s.expectOne("set active", res, err, subscription.ErrNotFound)
}

// ==================== Task Store ====================

func (s *Store) CreateTasks(ctx context.Context, tasks []*task.Task) ([]*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap("create tasks", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		res, err := tx.ExecContext(ctx, `
INSERT INTO herald_tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
			t.ID, t.EventSequence, t.SubscriptionID, string(t.State), t.AttemptCount, t.MaxAttempts,
			formatTime(t.NextAttemptAt), formatTimePtr(t.ClaimedAt), t.Version, t.LastError, t.LastStatusCode,
			t.LastLatencyMs, formatTimePtr(t.CompletedAt), formatTimePtr(t.ArchivedAt),
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		)
		if err != nil {
			return nil, s.wrap("create tasks", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, s.wrap("create tasks", err)
		}
		if n == 1 {
			created = append(created, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap("create tasks", err)
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, taskID id.ID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM herald_tasks WHERE id = ?`, taskID)
	return s.oneTask("get task", row)
}

func (s *Store) GetTaskByKey(ctx context.Context, seq int64, subID id.ID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM herald_tasks WHERE event_sequence = ? AND subscription_id = ?`, seq, subID)
	return s.oneTask("get task by key", row)
}

func (s *Store) ClaimTask(ctx context.Context, taskID id.ID, at time.Time) (*task.Task, error) {
	claimed := formatTime(at)
	row := s.db.QueryRowContext(ctx, `
UPDATE herald_tasks
SET state = 'in_flight', claimed_at = ?, updated_at = ?, version = version + 1
WHERE id = ? AND state = 'pending' AND next_attempt_at <= ?
RETURNING `+taskColumns,
		claimed, claimed, taskID, claimed)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, s.wrap("claim task", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM herald_tasks WHERE id = ?`, taskID).Scan(&n); err != nil {
		return nil, s.wrap("claim task", err)
	}
	if n == 0 {
		return nil, task.ErrNotFound
	}
	return nil, task.ErrConflict
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	updated := now()
	res, err := s.db.ExecContext(ctx, `
UPDATE herald_tasks
SET state = ?, attempt_count = ?, max_attempts = ?, next_attempt_at = ?, claimed_at = ?, version = version + 1,
    last_error = ?, last_status_code = ?, last_latency_ms = ?, completed_at = ?, archived_at = ?, updated_at = ?
WHERE id = ? AND version = ?`,
		string(t.State), t.AttemptCount, t.MaxAttempts, formatTime(t.NextAttemptAt), formatTimePtr(t.ClaimedAt),
		t.LastError, t.LastStatusCode, t.LastLatencyMs, formatTimePtr(t.CompletedAt), formatTimePtr(t.ArchivedAt),
		formatTime(updated), t.ID, t.Version,
	)
	if err != nil {
		return s.wrap("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("update task", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM herald_tasks WHERE id = ?`, t.ID).Scan(&exists); err != nil {
			return s.wrap("update task", err)
		}
		if exists == 0 {
			return task.ErrNotFound
		}
		return task.ErrConflict
	}
	t.Version++
	t.UpdatedAt = updated
	return nil
}

func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]*task.Task, error) {
	return s.queryTasks(ctx, "list due", `
SELECT `+taskColumns+` FROM herald_tasks
WHERE state = 'pending' AND next_attempt_at <= ?
ORDER BY next_attempt_at, event_sequence, subscription_id
LIMIT ?`, formatTime(before), limitOrAll(limit))
}

func (s *Store) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*task.Task, error) {
	return s.queryTasks(ctx, "list stale", `
SELECT `+taskColumns+` FROM herald_tasks
WHERE state IN ('in_flight', 'failed') AND claimed_at IS NOT NULL AND claimed_at < ?
ORDER BY event_sequence, subscription_id
LIMIT ?`, formatTime(claimedBefore), limitOrAll(limit))
}

func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if opts.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*opts.State))
	}
	if !opts.SubscriptionID.IsNil() {
		where = append(where, "subscription_id = ?")
		args = append(args, opts.SubscriptionID)
	}
	if opts.EventSequence != 0 {
		where = append(where, "event_sequence = ?")
		args = append(args, opts.EventSequence)
	}
	args = append(args, limitOrAll(opts.Limit), opts.Offset)
	return s.queryTasks(ctx, "list tasks", `SELECT `+taskColumns+` FROM herald_tasks`+whereClause(where)+
		` ORDER BY event_sequence, subscription_id LIMIT ? OFFSET ?`, args...)
}

func (s *Store) CountByState(ctx context.Context, subID id.ID) (map[task.State]int64, error) {
	q := `SELECT state, COUNT(*) FROM herald_tasks`
	var args []any
	if !subID.IsNil() {
		q += ` WHERE subscription_id = ?`
		args = append(args, subID)
	}
	q += ` GROUP BY state`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap("count by state", err)
	}
	defer rows.Close()

	counts := make(map[task.State]int64)
	for rows.Next() {
		var (
			state task.State
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, s.wrap("count by state", err)
		}
		counts[state] = n
	}
	return counts, s.wrap("count by state", rows.Err())
}

func (s *Store) oneTask(op string, row *sql.Row) (*task.Task, error) {
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, op, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.wrap(op, err)
		}
		out = append(out, t)
	}
	return out, s.wrap(op, rows.Err())
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, rec *audit.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO herald_audit (`+auditColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.EventSequence, rec.SubscriptionID, rec.AttemptNumber, string(rec.Outcome),
		formatTime(rec.Timestamp), rec.Detail, rec.StatusCode, rec.LatencyMs,
	)
	return s.wrap("append audit", err)
}

func (s *Store) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Record, error) {
	var (
		where []string
		args  []any
	)
	if !opts.TaskID.IsNil() {
		where = append(where, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if !opts.SubscriptionID.IsNil() {
		where = append(where, "subscription_id = ?")
		args = append(args, opts.SubscriptionID)
	}
	if opts.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(opts.Outcome))
	}
	args = append(args, limitOrAll(opts.Limit), opts.Offset)

	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM herald_audit`+whereClause(where)+
		` ORDER BY seq LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, s.wrap("list audit", err)
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, s.wrap("list audit", err)
		}
		out = append(out, r)
	}
	return out, s.wrap("list audit", rows.Err())
}

// ==================== Catalog Store ====================

// RegisterType upserts by name. Re-registration clears deprecation and keeps
// the original ID and creation time.
func (s *Store) RegisterType(ctx context.Context, et *catalog.EventType) error {
	err := s.db.QueryRowContext(ctx, `
INSERT INTO herald_event_types (`+eventTypeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    description = excluded.description,
    group_name = excluded.group_name,
    schema = excluded.schema,
    example = excluded.example,
    is_deprecated = 0,
    deprecated_at = NULL,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at
RETURNING id`,
		et.ID, et.Definition.Name, et.Definition.Description, et.Definition.Group,
		rawOrNull(et.Definition.Schema), rawOrNull(et.Definition.Example),
		marshalJSON(et.Metadata), formatTime(et.CreatedAt), formatTime(et.UpdatedAt),
	).Scan(&et.ID)
	if err != nil {
		return s.wrap("register type", err)
	}
	et.IsDeprecated = false
	et.DeprecatedAt = nil
	return nil
}

func (s *Store) GetType(ctx context.Context, name string) (*catalog.EventType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventTypeColumns+` FROM herald_event_types WHERE name = ?`, name)
	et, err := scanEventType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get type", err)
	}
	return et, nil
}

func (s *Store) ListTypes(ctx context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	var (
		where []string
		args  []any
	)
	if !opts.IncludeDeprecated {
		where = append(where, "is_deprecated = 0")
	}
	if opts.Group != "" {
		where = append(where, "group_name = ?")
		args = append(args, opts.Group)
	}
	args = append(args, limitOrAll(opts.Limit), opts.Offset)

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventTypeColumns+` FROM herald_event_types`+whereClause(where)+
		` ORDER BY name LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, s.wrap("list types", err)
	}
	defer rows.Close()

	var out []*catalog.EventType
	for rows.Next() {
		et, err := scanEventType(rows)
		if err != nil {
			return nil, s.wrap("list types", err)
		}
		out = append(out, et)
	}
	return out, s.wrap("list types", rows.Err())
}

// DeleteType marks the type deprecated. Rows are never removed.
func (s *Store) DeleteType(ctx context.Context, name string) error {
	t := formatTime(now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE herald_event_types SET is_deprecated = 1, deprecated_at = ?, updated_at = ? WHERE name = ?`,
		t, t, name)
	return s.expectOne("delete type", res, err, catalog.ErrNotFound)
}

// ==================== Cursor Store ====================

func (s *Store) GetCursor(ctx context.Context, name string) (*dispatch.Cursor, error) {
	c := &dispatch.Cursor{Name: name}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT position, version, updated_at FROM herald_cursors WHERE name = ?`, name,
	).Scan(&c.Position, &c.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, s.wrap("get cursor", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, s.wrap("get cursor", err)
	}
	return c, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, name string, expectedVersion, position int64) (*dispatch.Cursor, error) {
	updated := now()
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO herald_cursors (name, position, version, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT (name) DO NOTHING`, name, position, formatTime(updated))
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE herald_cursors SET position = ?, version = version + 1, updated_at = ?
WHERE name = ? AND version = ?`, position, formatTime(updated), name, expectedVersion)
	}
	if err := s.expectOne("advance cursor", res, err, dispatch.ErrCursorConflict); err != nil {
		return nil, err
	}
	return &dispatch.Cursor{Name: name, Position: position, Version: expectedVersion + 1, UpdatedAt: updated}, nil
}

// ==================== Helpers ====================

// expectOne turns a zero-row write into miss.
func (s *Store) expectOne(op string, res sql.Result, err, miss error) error {
	if err != nil {
		return s.wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(op, err)
	}
	if n == 0 {
		return miss
	}
	return nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
