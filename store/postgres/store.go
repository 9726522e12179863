// Package postgres implements store.Store on PostgreSQL using pgx. It is the
// backend for multi-node deployments: task claims are row-level
// compare-and-set updates, so any number of Herald processes may share one
// database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

const backend = "postgres"

// appendLock keys the transaction advisory lock taken by AppendEvent so that
// sequences commit in the order they are assigned.
const appendLock int64 = 0x68657261_6c65

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeerr.Unavailable(backend, "open", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := migrate(ctx, s.pool); err != nil {
		return fmt.Errorf("herald/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storeerr.ErrClosed
	}
	return s.wrap("ping", s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	s.closed.Store(true)
	s.pool.Close()
	return nil
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.closed.Load() {
		return fmt.Errorf("herald/postgres: %s: %w", op, storeerr.ErrClosed)
	}
	return storeerr.Unavailable(backend, op, err)
}

// ==================== Event Store ====================

// AppendEvent assigns MAX(sequence)+1 under a transaction advisory lock.
// Readers therefore never observe a gap that is later filled.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLock); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
INSERT INTO herald_events (sequence, event_type, occurred_at, payload, source_entity_id, tenant_id, created_at, updated_at)
SELECT COALESCE(MAX(sequence), 0) + 1, $1, $2, $3, $4, $5, $6, $7 FROM herald_events
RETURNING sequence`,
			evt.Type, evt.OccurredAt.UTC(), jsonOrNull(evt.Payload), evt.SourceEntityID, evt.TenantID,
			evt.CreatedAt.UTC(), evt.UpdatedAt.UTC(),
		).Scan(&evt.Sequence)
	})
	return s.wrap("append event", err)
}

const eventColumns = `sequence, event_type, occurred_at, payload, source_entity_id, tenant_id, created_at, updated_at`

func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		evt     event.Event
		payload []byte
	)
	if err := row.Scan(&evt.Sequence, &evt.Type, &evt.OccurredAt, &payload, &evt.SourceEntityID,
		&evt.TenantID, &evt.CreatedAt, &evt.UpdatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		evt.Payload = json.RawMessage(payload)
	}
	return &evt, nil
}

func (s *Store) GetEvent(ctx context.Context, seq int64) (*event.Event, error) {
	evt, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM herald_events WHERE sequence = $1`, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, event.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get event", err)
	}
	return evt, nil
}

func (s *Store) ReadEvents(ctx context.Context, after int64, limit int) ([]*event.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM herald_events WHERE sequence > $1 ORDER BY sequence`
	args := []any{after}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return collect(ctx, s, "read events", scanEvent, q, args...)
}

func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM herald_events`).Scan(&seq)
	return seq, s.wrap("last sequence", err)
}

// ==================== Subscription Store ====================

const subscriptionColumns = `id, kind, filter, endpoint, secret, active, tenant_id, description, headers, rate_limit, metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		sub                       subscription.Subscription
		filter, headers, metadata []byte
	)
	if err := row.Scan(&sub.ID, &sub.Kind, &filter, &sub.Endpoint, &sub.Secret, &sub.Active, &sub.TenantID,
		&sub.Description, &headers, &sub.RateLimit, &metadata, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filter, &sub.Filter); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	if err := json.Unmarshal(headers, &sub.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO herald_subscriptions (`+subscriptionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID.String(), string(sub.Kind), marshalJSON(sub.Filter), sub.Endpoint, sub.Secret, sub.Active,
		sub.TenantID, sub.Description, marshalJSON(sub.Headers), sub.RateLimit, marshalJSON(sub.Metadata),
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	return s.wrap("create subscription", err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM herald_subscriptions WHERE id = $1`, subID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get subscription", err)
	}
	return sub, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE herald_subscriptions
SET kind = $2, filter = $3, endpoint = $4, secret = $5, active = $6, tenant_id = $7, description = $8,
    headers = $9, rate_limit = $10, metadata = $11, updated_at = $12
WHERE id = $1`,
		sub.ID.String(), string(sub.Kind), marshalJSON(sub.Filter), sub.Endpoint, sub.Secret, sub.Active,
		sub.TenantID, sub.Description, marshalJSON(sub.Headers), sub.RateLimit, marshalJSON(sub.Metadata),
		sub.UpdatedAt,
	)
	if err != nil {
		return s.wrap("update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM herald_subscriptions WHERE id = $1`, subID.String())
	if err != nil {
		return s.wrap("delete subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var w where
	if opts.Active != nil {
		w.add("active = $%d", *opts.Active)
	}
	if opts.Kind != "" {
		w.add("kind = $%d", string(opts.Kind))
	}
	if opts.TenantID != "" {
		w.add("tenant_id = $%d", opts.TenantID)
	}
	q := `SELECT ` + subscriptionColumns + ` FROM herald_subscriptions` + w.String() + ` ORDER BY id` +
		w.page(opts.Limit, opts.Offset)
	return collect(ctx, s, "list subscriptions", scanSubscription, q, w.args...)
}

func (s *Store) SetActive(ctx context.Context, subID id.ID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE herald_subscriptions SET active = $2, updated_at = NOW() WHERE id = $1`, subID.String(), active)
	if err != nil {
		return s.wrap("set active", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

// ==================== Task Store ====================

const taskColumns = `id, event_sequence, subscription_id, state, attempt_count, max_attempts, next_attempt_at,
    claimed_at, version, last_error, last_status_code, last_latency_ms, completed_at, archived_at, created_at, updated_at`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	if err := row.Scan(&t.ID, &t.EventSequence, &t.SubscriptionID, &t.State, &t.AttemptCount, &t.MaxAttempts,
		&t.NextAttemptAt, &t.ClaimedAt, &t.Version, &t.LastError, &t.LastStatusCode, &t.LastLatencyMs,
		&t.CompletedAt, &t.ArchivedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateTasks(ctx context.Context, tasks []*task.Task) ([]*task.Task, error) {
	created := make([]*task.Task, 0, len(tasks))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		created = created[:0]
		for _, t := range tasks {
			tag, err := tx.Exec(ctx, `
INSERT INTO herald_tasks (`+taskColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT DO NOTHING`,
				t.ID.String(), t.EventSequence, t.SubscriptionID.String(), string(t.State), t.AttemptCount,
				t.MaxAttempts, t.NextAttemptAt.UTC(), t.ClaimedAt, t.Version, t.LastError, t.LastStatusCode,
				t.LastLatencyMs, t.CompletedAt, t.ArchivedAt, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 1 {
				created = append(created, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("create tasks", err)
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, taskID id.ID) (*task.Task, error) {
	return s.oneTask(ctx, "get task", `SELECT `+taskColumns+` FROM herald_tasks WHERE id = $1`, taskID.String())
}

func (s *Store) GetTaskByKey(ctx context.Context, seq int64, subID id.ID) (*task.Task, error) {
	return s.oneTask(ctx, "get task by key",
		`SELECT `+taskColumns+` FROM herald_tasks WHERE event_sequence = $1 AND subscription_id = $2`,
		seq, subID.String())
}

// ClaimTask is a conditional UPDATE; the row lock makes exactly one
// concurrent caller win.
func (s *Store) ClaimTask(ctx context.Context, taskID id.ID, now time.Time) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
UPDATE herald_tasks
SET state = 'in_flight', claimed_at = $2, updated_at = $2, version = version + 1
WHERE id = $1 AND state = 'pending' AND next_attempt_at <= $2
RETURNING `+taskColumns, taskID.String(), now.UTC()))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, s.wrap("claim task", err)
	}
	return nil, s.missOrConflict(ctx, "claim task", taskID)
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	updated := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE herald_tasks
SET state = $3, attempt_count = $4, max_attempts = $5, next_attempt_at = $6, claimed_at = $7,
    version = version + 1, last_error = $8, last_status_code = $9, last_latency_ms = $10,
    completed_at = $11, archived_at = $12, updated_at = $13
WHERE id = $1 AND version = $2`,
		t.ID.String(), t.Version, string(t.State), t.AttemptCount, t.MaxAttempts, t.NextAttemptAt.UTC(), t.ClaimedAt,
		t.LastError, t.LastStatusCode, t.LastLatencyMs, t.CompletedAt, t.ArchivedAt, updated,
	)
	if err != nil {
		return s.wrap("update task", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "update task", t.ID)
	}
	t.Version++
	t.UpdatedAt = updated
	return nil
}

func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM herald_tasks
WHERE state = 'pending' AND next_attempt_at <= $1
ORDER BY next_attempt_at, event_sequence, subscription_id`
	args := []any{before.UTC()}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return collect(ctx, s, "list due", scanTask, q, args...)
}

func (s *Store) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM herald_tasks
WHERE state IN ('in_flight', 'failed') AND claimed_at < $1
ORDER BY event_sequence, subscription_id`
	args := []any{claimedBefore.UTC()}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return collect(ctx, s, "list stale", scanTask, q, args...)
}

func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	var w where
	if opts.State != nil {
		w.add("state = $%d", string(*opts.State))
	}
	if !opts.SubscriptionID.IsNil() {
		w.add("subscription_id = $%d", opts.SubscriptionID.String())
	}
	if opts.EventSequence != 0 {
		w.add("event_sequence = $%d", opts.EventSequence)
	}
	q := `SELECT ` + taskColumns + ` FROM herald_tasks` + w.String() +
		` ORDER BY event_sequence, subscription_id` + w.page(opts.Limit, opts.Offset)
	return collect(ctx, s, "list tasks", scanTask, q, w.args...)
}

func (s *Store) CountByState(ctx context.Context, subID id.ID) (map[task.State]int64, error) {
	var w where
	if !subID.IsNil() {
		w.add("subscription_id = $%d", subID.String())
	}
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM herald_tasks`+w.String()+` GROUP BY state`, w.args...)
	if err != nil {
		return nil, s.wrap("count by state", err)
	}
	defer rows.Close()

	counts := make(map[task.State]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, s.wrap("count by state", err)
		}
		counts[task.State(state)] = n
	}
	return counts, s.wrap("count by state", rows.Err())
}

func (s *Store) oneTask(ctx context.Context, op, q string, args ...any) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return t, nil
}

func (s *Store) missOrConflict(ctx context.Context, op string, taskID id.ID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM herald_tasks WHERE id = $1)`, taskID.String(),
	).Scan(&exists); err != nil {
		return s.wrap(op, err)
	}
	if !exists {
		return task.ErrNotFound
	}
	return task.ErrConflict
}

// ==================== Audit Store ====================

const auditColumns = `id, task_id, event_sequence, subscription_id, attempt_number, outcome, timestamp, detail, status_code, latency_ms`

func scanAudit(row pgx.Row) (*audit.Record, error) {
	var r audit.Record
	if err := row.Scan(&r.ID, &r.TaskID, &r.EventSequence, &r.SubscriptionID, &r.AttemptNumber, &r.Outcome,
		&r.Timestamp, &r.Detail, &r.StatusCode, &r.LatencyMs); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) AppendAudit(ctx context.Context, rec *audit.Record) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO herald_audit (`+auditColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID.String(), rec.TaskID.String(), rec.EventSequence, rec.SubscriptionID.String(), rec.AttemptNumber,
		string(rec.Outcome), rec.Timestamp.UTC(), rec.Detail, rec.StatusCode, rec.LatencyMs,
	)
	return s.wrap("append audit", err)
}

func (s *Store) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Record, error) {
	var w where
	if !opts.TaskID.IsNil() {
		w.add("task_id = $%d", opts.TaskID.String())
	}
	if !opts.SubscriptionID.IsNil() {
		w.add("subscription_id = $%d", opts.SubscriptionID.String())
	}
	if opts.Outcome != "" {
		w.add("outcome = $%d", string(opts.Outcome))
	}
	q := `SELECT ` + auditColumns + ` FROM herald_audit` + w.String() + ` ORDER BY seq` + w.page(opts.Limit, opts.Offset)
	return collect(ctx, s, "list audit", scanAudit, q, w.args...)
}

// ==================== Catalog Store ====================

const eventTypeColumns = `id, name, description, group_name, schema, example, is_deprecated, deprecated_at, metadata, created_at, updated_at`

func scanEventType(row pgx.Row) (*catalog.EventType, error) {
	var (
		et                        catalog.EventType
		schema, example, metadata []byte
	)
	if err := row.Scan(&et.ID, &et.Definition.Name, &et.Definition.Description, &et.Definition.Group,
		&schema, &example, &et.IsDeprecated, &et.DeprecatedAt, &metadata, &et.CreatedAt, &et.UpdatedAt); err != nil {
		return nil, err
	}
	if len(schema) > 0 {
		et.Definition.Schema = json.RawMessage(schema)
	}
	if len(example) > 0 {
		et.Definition.Example = json.RawMessage(example)
	}
	if err := json.Unmarshal(metadata, &et.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &et, nil
}

// RegisterType upserts by name and clears any deprecation.
func (s *Store) RegisterType(ctx context.Context, et *catalog.EventType) error {
	var etID string
	err := s.pool.QueryRow(ctx, `
INSERT INTO herald_event_types (`+eventTypeColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL, $7, $8, $9)
ON CONFLICT (name) DO UPDATE SET
    description = EXCLUDED.description,
    group_name = EXCLUDED.group_name,
    schema = EXCLUDED.schema,
    example = EXCLUDED.example,
    is_deprecated = FALSE,
    deprecated_at = NULL,
    metadata = EXCLUDED.metadata,
    updated_at = EXCLUDED.updated_at
RETURNING id`,
		et.ID.String(), et.Definition.Name, et.Definition.Description, et.Definition.Group,
		jsonOrNull(et.Definition.Schema), jsonOrNull(et.Definition.Example), marshalJSON(et.Metadata),
		et.CreatedAt.UTC(), et.UpdatedAt.UTC(),
	).Scan(&etID)
	if err != nil {
		return s.wrap("register type", err)
	}
	if et.ID, err = id.Parse(etID); err != nil {
		return s.wrap("register type", err)
	}
	et.IsDeprecated = false
	et.DeprecatedAt = nil
	return nil
}

func (s *Store) GetType(ctx context.Context, name string) (*catalog.EventType, error) {
	et, err := scanEventType(s.pool.QueryRow(ctx,
		`SELECT `+eventTypeColumns+` FROM herald_event_types WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get type", err)
	}
	return et, nil
}

func (s *Store) ListTypes(ctx context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	var w where
	if !opts.IncludeDeprecated {
		w.conds = append(w.conds, "NOT is_deprecated")
	}
	if opts.Group != "" {
		w.add("group_name = $%d", opts.Group)
	}
	q := `SELECT ` + eventTypeColumns + ` FROM herald_event_types` + w.String() + ` ORDER BY name` +
		w.page(opts.Limit, opts.Offset)
	return collect(ctx, s, "list types", scanEventType, q, w.args...)
}

// DeleteType marks the type deprecated.
func (s *Store) DeleteType(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE herald_event_types SET is_deprecated = TRUE, deprecated_at = NOW(), updated_at = NOW() WHERE name = $1`,
		name)
	if err != nil {
		return s.wrap("delete type", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// ==================== Cursor Store ====================

func (s *Store) GetCursor(ctx context.Context, name string) (*dispatch.Cursor, error) {
	c := &dispatch.Cursor{Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT position, version, updated_at FROM herald_cursors WHERE name = $1`, name,
	).Scan(&c.Position, &c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, s.wrap("get cursor", err)
	}
	return c, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, name string, expectedVersion, position int64) (*dispatch.Cursor, error) {
	c := &dispatch.Cursor{Name: name}
	var err error
	if expectedVersion == 0 {
		err = s.pool.QueryRow(ctx, `
INSERT INTO herald_cursors (name, position, version, updated_at) VALUES ($1, $2, 1, NOW())
ON CONFLICT (name) DO NOTHING
RETURNING position, version, updated_at`, name, position,
		).Scan(&c.Position, &c.Version, &c.UpdatedAt)
	} else {
		err = s.pool.QueryRow(ctx, `
UPDATE herald_cursors SET position = $2, version = version + 1, updated_at = NOW()
WHERE name = $1 AND version = $3
RETURNING position, version, updated_at`, name, position, expectedVersion,
		).Scan(&c.Position, &c.Version, &c.UpdatedAt)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrCursorConflict
	}
	if err != nil {
		return nil, s.wrap("advance cursor", err)
	}
	return c, nil
}

// ==================== Helpers ====================

// where accumulates numbered-placeholder predicates.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// page appends LIMIT/OFFSET placeholders and their arguments.
func (w *where) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(w.args))
	}
	return b.String()
}

func collect[T any](ctx context.Context, s *Store, op string, scan func(pgx.Row) (*T, error), q string, args ...any) ([]*T, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, s.wrap(op, err)
		}
		out = append(out, v)
	}
	return out, s.wrap(op, rows.Err())
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
