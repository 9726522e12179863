// Package audit records an immutable trail of every delivery attempt and
// terminal transition.
package audit

import (
	"context"
	"time"

	"github.com/xraph/herald/id"
)

// Outcome is the result of one delivery attempt or terminal transition.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
	OutcomeDeadLettered     Outcome = "dead_lettered"
)

// Record is one append-only audit entry. Never mutated or deleted.
type Record struct {
	ID             id.ID     `json:"id"`
	TaskID         id.ID     `json:"task_id"`
	EventSequence  int64     `json:"event_sequence"`
	SubscriptionID id.ID     `json:"subscription_id"`
	AttemptNumber  int       `json:"attempt_number"`
	Outcome        Outcome   `json:"outcome"`
	Timestamp      time.Time `json:"timestamp"`

	// Detail is the HTTP status line or error text.
	Detail string `json:"detail,omitempty"`

	StatusCode int `json:"status_code,omitempty"`
	LatencyMs  int `json:"latency_ms,omitempty"`
}

// ListOpts configures filtering and pagination for audit listing.
type ListOpts struct {
	Offset         int
	Limit          int
	TaskID         id.ID
	SubscriptionID id.ID
	Outcome        Outcome
}

// Store defines the persistence contract for the audit log.
type Store interface {
	// AppendAudit durably appends rec. It must not return before the
	// record survives a restart.
	AppendAudit(ctx context.Context, rec *Record) error

	// ListAudit returns records in append order.
	ListAudit(ctx context.Context, opts ListOpts) ([]*Record, error)
}
