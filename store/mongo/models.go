package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// --- Event models ---

type eventModel struct {
	Sequence       int64     `bson:"_id"`
	Type           string    `bson:"event_type"`
	OccurredAt     time.Time `bson:"occurred_at"`
	Payload        string    `bson:"payload,omitempty"`
	SourceEntityID string    `bson:"source_entity_id"`
	TenantID       string    `bson:"tenant_id"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		Sequence:       evt.Sequence,
		Type:           evt.Type,
		OccurredAt:     evt.OccurredAt,
		Payload:        string(evt.Payload),
		SourceEntityID: evt.SourceEntityID,
		TenantID:       evt.TenantID,
		CreatedAt:      evt.CreatedAt,
		UpdatedAt:      evt.UpdatedAt,
	}
}

func fromEventModel(m *eventModel) *event.Event {
	evt := &event.Event{
		Entity:         entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Sequence:       m.Sequence,
		Type:           m.Type,
		OccurredAt:     m.OccurredAt,
		SourceEntityID: m.SourceEntityID,
		TenantID:       m.TenantID,
	}
	if m.Payload != "" {
		evt.Payload = json.RawMessage(m.Payload)
	}
	return evt
}

// --- Subscription models ---

type subscriptionModel struct {
	ID          string            `bson:"_id"`
	Kind        string            `bson:"kind"`
	Filter      []string          `bson:"filter"`
	Endpoint    string            `bson:"endpoint"`
	Secret      string            `bson:"secret"`
	Active      bool              `bson:"active"`
	TenantID    string            `bson:"tenant_id"`
	Description string            `bson:"description"`
	Headers     map[string]string `bson:"headers,omitempty"`
	RateLimit   int               `bson:"rate_limit"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:          sub.ID.String(),
		Kind:        string(sub.Kind),
		Filter:      sub.Filter,
		Endpoint:    sub.Endpoint,
		Secret:      sub.Secret,
		Active:      sub.Active,
		TenantID:    sub.TenantID,
		Description: sub.Description,
		Headers:     sub.Headers,
		RateLimit:   sub.RateLimit,
		Metadata:    sub.Metadata,
		CreatedAt:   sub.CreatedAt,
		UpdatedAt:   sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	return &subscription.Subscription{
		Entity:      entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          subID,
		Kind:        subscription.Kind(m.Kind),
		Filter:      m.Filter,
		Endpoint:    m.Endpoint,
		Secret:      m.Secret,
		Active:      m.Active,
		TenantID:    m.TenantID,
		Description: m.Description,
		Headers:     m.Headers,
		RateLimit:   m.RateLimit,
		Metadata:    m.Metadata,
	}, nil
}

// --- Task models ---

type taskModel struct {
	ID             string     `bson:"_id"`
	EventSequence  int64      `bson:"event_sequence"`
	SubscriptionID string     `bson:"subscription_id"`
	State          string     `bson:"state"`
	AttemptCount   int        `bson:"attempt_count"`
	MaxAttempts    int        `bson:"max_attempts"`
	NextAttemptAt  time.Time  `bson:"next_attempt_at"`
	ClaimedAt      *time.Time `bson:"claimed_at,omitempty"`
	Version        int64      `bson:"version"`
	LastError      string     `bson:"last_error"`
	LastStatusCode int        `bson:"last_status_code"`
	LastLatencyMs  int        `bson:"last_latency_ms"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
	ArchivedAt     *time.Time `bson:"archived_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toTaskModel(t *task.Task) *taskModel {
	return &taskModel{
		ID:             t.ID.String(),
		EventSequence:  t.EventSequence,
		SubscriptionID: t.SubscriptionID.String(),
		State:          string(t.State),
		AttemptCount:   t.AttemptCount,
		MaxAttempts:    t.MaxAttempts,
		NextAttemptAt:  t.NextAttemptAt,
		ClaimedAt:      t.ClaimedAt,
		Version:        t.Version,
		LastError:      t.LastError,
		LastStatusCode: t.LastStatusCode,
		LastLatencyMs:  t.LastLatencyMs,
		CompletedAt:    t.CompletedAt,
		ArchivedAt:     t.ArchivedAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func fromTaskModel(m *taskModel) (*task.Task, error) {
	taskID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse task ID %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	return &task.Task{
		Entity:         entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:             taskID,
		EventSequence:  m.EventSequence,
		SubscriptionID: subID,
		State:          task.State(m.State),
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		NextAttemptAt:  m.NextAttemptAt,
		ClaimedAt:      m.ClaimedAt,
		Version:        m.Version,
		LastError:      m.LastError,
		LastStatusCode: m.LastStatusCode,
		LastLatencyMs:  m.LastLatencyMs,
		CompletedAt:    m.CompletedAt,
		ArchivedAt:     m.ArchivedAt,
	}, nil
}

// --- Audit models ---

type auditModel struct {
	ID             string    `bson:"_id"`
	Seq            int64     `bson:"seq"`
	TaskID         string    `bson:"task_id"`
	EventSequence  int64     `bson:"event_sequence"`
	SubscriptionID string    `bson:"subscription_id"`
	AttemptNumber  int       `bson:"attempt_number"`
	Outcome        string    `bson:"outcome"`
	Timestamp      time.Time `bson:"timestamp"`
	Detail         string    `bson:"detail,omitempty"`
	StatusCode     int       `bson:"status_code"`
	LatencyMs      int       `bson:"latency_ms"`
}

func toAuditModel(r *audit.Record, seq int64) *auditModel {
	return &auditModel{
		ID:             r.ID.String(),
		Seq:            seq,
		TaskID:         r.TaskID.String(),
		EventSequence:  r.EventSequence,
		SubscriptionID: r.SubscriptionID.String(),
		AttemptNumber:  r.AttemptNumber,
		Outcome:        string(r.Outcome),
		Timestamp:      r.Timestamp,
		Detail:         r.Detail,
		StatusCode:     r.StatusCode,
		LatencyMs:      r.LatencyMs,
	}
}

func fromAuditModel(m *auditModel) (*audit.Record, error) {
	recID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse audit ID %q: %w", m.ID, err)
	}
	taskID, err := id.ParseTaskID(m.TaskID)
	if err != nil {
		return nil, fmt.Errorf("parse task ID %q: %w", m.TaskID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	return &audit.Record{
		ID:             recID,
		TaskID:         taskID,
		EventSequence:  m.EventSequence,
		SubscriptionID: subID,
		AttemptNumber:  m.AttemptNumber,
		Outcome:        audit.Outcome(m.Outcome),
		Timestamp:      m.Timestamp,
		Detail:         m.Detail,
		StatusCode:     m.StatusCode,
		LatencyMs:      m.LatencyMs,
	}, nil
}

// --- Event type models ---

type eventTypeModel struct {
	ID           string            `bson:"_id"`
	Name         string            `bson:"name"`
	Description  string            `bson:"description"`
	GroupName    string            `bson:"group_name"`
	Schema       string            `bson:"schema,omitempty"`
	Example      string            `bson:"example,omitempty"`
	IsDeprecated bool              `bson:"is_deprecated"`
	DeprecatedAt *time.Time        `bson:"deprecated_at,omitempty"`
	Metadata     map[string]string `bson:"metadata,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at"`
}

func fromEventTypeModel(m *eventTypeModel) (*catalog.EventType, error) {
	etID, err := id.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event type ID %q: %w", m.ID, err)
	}
	et := &catalog.EventType{
		Entity: entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:     etID,
		Definition: catalog.Definition{
			Name:        m.Name,
			Description: m.Description,
			Group:       m.GroupName,
		},
		IsDeprecated: m.IsDeprecated,
		DeprecatedAt: m.DeprecatedAt,
		Metadata:     m.Metadata,
	}
	if m.Schema != "" {
		et.Definition.Schema = json.RawMessage(m.Schema)
	}
	if m.Example != "" {
		et.Definition.Example = json.RawMessage(m.Example)
	}
	return et, nil
}
