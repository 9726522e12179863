// Package dlq is the administrative view of dead-lettered tasks: listing,
// redrive and per-subscription delivery health.
package dlq

import (
	"errors"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/task"
)

// ErrNotDeadLettered is returned when redriving a task that is not
// dead-lettered.
var ErrNotDeadLettered = errors.New("herald: task is not dead-lettered")

// Entry is a dead-lettered task with the context an operator needs.
type Entry struct {
	// TaskID references the dead-lettered task.
	TaskID id.ID `json:"task_id"`

	// EventSequence references the undelivered event.
	EventSequence int64 `json:"event_sequence"`

	// SubscriptionID references the target subscription.
	SubscriptionID id.ID `json:"subscription_id"`

	// EventType is the event type name for filtering.
	EventType string `json:"event_type"`

	// TenantID identifies the tenant that owns the event.
	TenantID string `json:"tenant_id,omitempty"`

	// Error is the detail of the final attempt.
	Error string `json:"error"`

	// AttemptCount is the total number of attempts made.
	AttemptCount int `json:"attempt_count"`

	// LastStatusCode is the HTTP status code from the final attempt.
	LastStatusCode int `json:"last_status_code,omitempty"`

	// FailedAt is when the task was dead-lettered.
	FailedAt time.Time `json:"failed_at"`
}

func newEntry(t *task.Task) *Entry {
	e := &Entry{
		TaskID:         t.ID,
		EventSequence:  t.EventSequence,
		SubscriptionID: t.SubscriptionID,
		Error:          t.LastError,
		AttemptCount:   t.AttemptCount,
		LastStatusCode: t.LastStatusCode,
		FailedAt:       t.UpdatedAt,
	}
	if t.CompletedAt != nil {
		e.FailedAt = *t.CompletedAt
	}
	return e
}

// Health summarises delivery outcomes for one subscription, or for all
// subscriptions when SubscriptionID is nil.
type Health struct {
	SubscriptionID id.ID `json:"subscription_id,omitzero"`
	Succeeded      int64 `json:"succeeded"`
	DeadLettered   int64 `json:"dead_lettered"`
	Pending        int64 `json:"pending"`
	InFlight       int64 `json:"in_flight"`

	// SuccessRate is Succeeded over all finished tasks, or 1 when none
	// have finished.
	SuccessRate float64 `json:"success_rate"`
}
