// Package task models the per-(event, subscription) delivery obligation and
// its compare-and-set persistence contract.
package task

import (
	"errors"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

var (
	// ErrNotFound is returned when a task cannot be found.
	ErrNotFound = errors.New("herald: task not found")

	// ErrConflict is returned when a claim or update lost a
	// compare-and-set race against another writer.
	ErrConflict = errors.New("herald: task version conflict")
)

// State is the lifecycle state of a delivery task.
type State string

const (
	// StatePending waits for NextAttemptAt.
	StatePending State = "pending"

	// StateInFlight is held by exactly one worker.
	StateInFlight State = "in_flight"

	// StateSucceeded is terminal: the sink accepted the event.
	StateSucceeded State = "succeeded"

	// StateFailed marks a task whose attempt was declared failed by the
	// reaper and is being rescheduled.
	StateFailed State = "failed"

	// StateDeadLettered is terminal: retries exhausted or permanently rejected.
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeadLettered
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateSucceeded, StateFailed, StateDeadLettered:
		return true
	}
	return false
}

// Task is the obligation to deliver one event to one subscription. There is
// at most one task per (EventSequence, SubscriptionID).
type Task struct {
	entity.Entity

	ID             id.ID `json:"id"`
	EventSequence  int64 `json:"event_sequence"`
	SubscriptionID id.ID `json:"subscription_id"`
	State          State `json:"state"`

	// AttemptCount is the number of attempts made so far.
	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`

	// Version is bumped by every successful claim or update.
	Version int64 `json:"version"`

	LastError      string `json:"last_error,omitempty"`
	LastStatusCode int    `json:"last_status_code,omitempty"`
	LastLatencyMs  int    `json:"last_latency_ms,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ArchivedAt is set once the terminal audit record is durable.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Key is the uniqueness key of a task.
type Key struct {
	EventSequence  int64
	SubscriptionID string
}

// Key returns the task's uniqueness key.
func (t *Task) Key() Key {
	return Key{EventSequence: t.EventSequence, SubscriptionID: t.SubscriptionID.String()}
}

// Clone returns a copy that shares no pointers with t.
func (t *Task) Clone() *Task {
	cp := *t
	cp.ClaimedAt = cloneTime(t.ClaimedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.ArchivedAt = cloneTime(t.ArchivedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ListOpts configures filtering and pagination for task listing.
type ListOpts struct {
	Offset         int
	Limit          int
	State          *State
	SubscriptionID id.ID
	EventSequence  int64
}
