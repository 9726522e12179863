package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/task"
)

// Attempt carries the sink-level details of one delivery attempt.
type Attempt struct {
	Detail     string
	StatusCode int
	LatencyMs  int
}

// Recorder writes audit records for task transitions.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder appending to store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends one entry for t. The task's state must not change until
// Record has returned nil.
func (r *Recorder) Record(ctx context.Context, t *task.Task, attemptNumber int, outcome Outcome, a Attempt) error {
	rec := &Record{
		ID:             id.NewAuditID(),
		TaskID:         t.ID,
		EventSequence:  t.EventSequence,
		SubscriptionID: t.SubscriptionID,
		AttemptNumber:  attemptNumber,
		Outcome:        outcome,
		Timestamp:      r.now().UTC(),
		Detail:         a.Detail,
		StatusCode:     a.StatusCode,
		LatencyMs:      a.LatencyMs,
	}
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "audit write failed",
			"task_id", t.ID,
			"outcome", outcome,
			"error", err,
		)
		return fmt.Errorf("herald: append audit: %w", err)
	}
	return nil
}

// History returns the audit trail of one task in append order.
func (r *Recorder) History(ctx context.Context, taskID id.ID) ([]*Record, error) {
	return r.store.ListAudit(ctx, ListOpts{TaskID: taskID})
}
