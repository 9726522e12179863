package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// timeFormat is fixed-width so that text comparison orders timestamps.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func now() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil //nolint:nilnil // NULL column
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawFrom(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Events ---

const eventColumns = `sequence, event_type, occurred_at, payload, source_entity_id, tenant_id, created_at, updated_at`

func scanEvent(sc scanner) (*event.Event, error) {
	var (
		evt                        event.Event
		occurred, created, updated string
		payload                    sql.NullString
	)
	if err := sc.Scan(&evt.Sequence, &evt.Type, &occurred, &payload, &evt.SourceEntityID, &evt.TenantID, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if evt.OccurredAt, err = parseTime(occurred); err != nil {
		return nil, err
	}
	if evt.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if evt.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	evt.Payload = rawFrom(payload)
	return &evt, nil
}

// --- Subscriptions ---

const subscriptionColumns = `id, kind, filter, endpoint, secret, active, tenant_id, description, headers, rate_limit, metadata, created_at, updated_at`

func scanSubscription(sc scanner) (*subscription.Subscription, error) {
	var (
		sub                       subscription.Subscription
		filter, headers, metadata string
		created, updated          string
	)
	if err := sc.Scan(&sub.ID, &sub.Kind, &filter, &sub.Endpoint, &sub.Secret, &sub.Active,
		&sub.TenantID, &sub.Description, &headers, &sub.RateLimit, &metadata, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filter), &sub.Filter); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &sub.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sub.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var err error
	if sub.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &sub, nil
}

// --- Tasks ---

const taskColumns = `id, event_sequence, subscription_id, state, attempt_count, max_attempts, next_attempt_at,
    claimed_at, version, last_error, last_status_code, last_latency_ms, completed_at, archived_at, created_at, updated_at`

func scanTask(sc scanner) (*task.Task, error) {
	var (
		t                            task.Task
		next, created, updated       string
		claimed, completed, archived sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.EventSequence, &t.SubscriptionID, &t.State, &t.AttemptCount, &t.MaxAttempts, &next,
		&claimed, &t.Version, &t.LastError, &t.LastStatusCode, &t.LastLatencyMs, &completed, &archived, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if t.NextAttemptAt, err = parseTime(next); err != nil {
		return nil, err
	}
	if t.ClaimedAt, err = parseTimePtr(claimed); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	if t.ArchivedAt, err = parseTimePtr(archived); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Audit ---

const auditColumns = `id, task_id, event_sequence, subscription_id, attempt_number, outcome, timestamp, detail, status_code, latency_ms`

func scanAudit(sc scanner) (*audit.Record, error) {
	var (
		r  audit.Record
		ts string
	)
	if err := sc.Scan(&r.ID, &r.TaskID, &r.EventSequence, &r.SubscriptionID, &r.AttemptNumber, &r.Outcome,
		&ts, &r.Detail, &r.StatusCode, &r.LatencyMs); err != nil {
		return nil, err
	}
	var err error
	if r.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Event types ---

const eventTypeColumns = `id, name, description, group_name, schema, example, is_deprecated, deprecated_at, metadata, created_at, updated_at`

func scanEventType(sc scanner) (*catalog.EventType, error) {
	var (
		et               catalog.EventType
		schema, example  sql.NullString
		deprecatedAt     sql.NullString
		metadata         string
		created, updated string
	)
	if err := sc.Scan(&et.ID, &et.Definition.Name, &et.Definition.Description, &et.Definition.Group,
		&schema, &example, &et.IsDeprecated, &deprecatedAt, &metadata, &created, &updated); err != nil {
		return nil, err
	}
	et.Definition.Schema = rawFrom(schema)
	et.Definition.Example = rawFrom(example)
	if err := json.Unmarshal([]byte(metadata), &et.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var err error
	if et.DeprecatedAt, err = parseTimePtr(deprecatedAt); err != nil {
		return nil, err
	}
	if et.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if et.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &et, nil
}
