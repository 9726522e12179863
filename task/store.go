package task

import (
	"context"
	"time"

	"github.com/xraph/herald/id"
)

// Store defines the persistence contract for delivery tasks.
//
// Every mutation after creation is a compare-and-set so that several
// processes can share one store.
type Store interface {
	// CreateTasks inserts tasks in order, silently skipping any whose key
	// already exists, and returns the ones actually inserted.
	CreateTasks(ctx context.Context, tasks []*Task) ([]*Task, error)

	GetTask(ctx context.Context, taskID id.ID) (*Task, error)
	GetTaskByKey(ctx context.Context, seq int64, subID id.ID) (*Task, error)

	// ClaimTask moves a pending task whose NextAttemptAt is not after now
	// to in-flight, stamping ClaimedAt. Returns ErrConflict otherwise.
	ClaimTask(ctx context.Context, taskID id.ID, now time.Time) (*Task, error)

	// UpdateTask writes t if the stored version equals t.Version, then
	// increments t.Version. Returns ErrConflict otherwise.
	UpdateTask(ctx context.Context, t *Task) error

	// ListDue returns pending tasks with NextAttemptAt <= before, earliest
	// first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Task, error)

	// ListStale returns in-flight or failed tasks whose ClaimedAt is before
	// claimedBefore.
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*Task, error)

	// ListTasks returns tasks ordered by (EventSequence, SubscriptionID).
	ListTasks(ctx context.Context, opts ListOpts) ([]*Task, error)

	// CountByState counts tasks per state, for one subscription or, with
	// a nil ID, for all.
	CountByState(ctx context.Context, subID id.ID) (map[State]int64, error)
}
