package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/task"
)

// DefaultRedriveFloor is the attempt count a redriven task restarts from.
const DefaultRedriveFloor = 5

// Store is what the service needs from persistence.
type Store interface {
	GetTask(ctx context.Context, taskID id.ID) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error)
	CountByState(ctx context.Context, subID id.ID) (map[task.State]int64, error)
	GetEvent(ctx context.Context, seq int64) (*event.Event, error)
}

// Scheduler receives redriven tasks.
type Scheduler interface {
	Schedule(taskID id.ID, at time.Time)
}

// Config configures redrive.
type Config struct {
	// RedriveFloor is the AttemptCount a redriven task is reset to,
	// clamped to [0, MaxAttempts-1].
	RedriveFloor int

	// MaxAttempts applies to tasks without their own ceiling.
	MaxAttempts int

	Metrics *observability.Metrics
}

// Service manages dead-lettered tasks.
type Service struct {
	store     Store
	scheduler Scheduler
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new dead-letter service.
func NewService(store Store, scheduler Scheduler, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &Service{
		store:     store,
		scheduler: scheduler,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListDeadLettered returns dead-lettered tasks, optionally restricted to
// one subscription, in (sequence, subscription) order.
func (svc *Service) ListDeadLettered(ctx context.Context, subID *id.ID) ([]*Entry, error) {
	state := task.StateDeadLettered
	opts := task.ListOpts{State: &state}
	if subID != nil {
		opts.SubscriptionID = *subID
	}
	tasks, err := svc.store.ListTasks(ctx, opts)
	if err != nil {
		return nil, err
	}

	types := make(map[int64]*event.Event)
	out := make([]*Entry, 0, len(tasks))
	for _, t := range tasks {
		e := newEntry(t)
		evt, ok := types[t.EventSequence]
		if !ok {
			evt, err = svc.store.GetEvent(ctx, t.EventSequence)
			if err != nil {
				svc.logger.ErrorContext(ctx, "dead-lettered task without event",
					"task_id", t.ID, "sequence", t.EventSequence, "error", err)
			}
			types[t.EventSequence] = evt
		}
		if evt != nil {
			e.EventType = evt.Type
			e.TenantID = evt.TenantID
		}
		out = append(out, e)
	}
	return out, nil
}

// Redrive returns a dead-lettered task to pending, due now, with its
// AttemptCount reset to the redrive floor.
func (svc *Service) Redrive(ctx context.Context, taskID id.ID) (*task.Task, error) {
	t, err := svc.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State != task.StateDeadLettered {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, taskID, t.State)
	}

	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = svc.config.MaxAttempts
	}

	now := svc.now()
	t.State = task.StatePending
	t.AttemptCount = min(max(svc.config.RedriveFloor, 0), max(maxAttempts-1, 0))
	t.NextAttemptAt = now
	t.ClaimedAt = nil
	t.CompletedAt = nil
	t.ArchivedAt = nil
	if err := svc.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("herald: redrive %s: %w", taskID, err)
	}

	svc.scheduler.Schedule(t.ID, t.NextAttemptAt)
	svc.config.Metrics.Redriven()
	svc.logger.InfoContext(ctx, "task redriven",
		"task_id", t.ID,
		"subscription_id", t.SubscriptionID,
		"sequence", t.EventSequence,
		"attempt_count", t.AttemptCount,
	)
	return t, nil
}

// Health reports delivery health for subID, or for every subscription
// when subID is nil.
func (svc *Service) Health(ctx context.Context, subID id.ID) (*Health, error) {
	counts, err := svc.store.CountByState(ctx, subID)
	if err != nil {
		return nil, err
	}

	h := &Health{
		SubscriptionID: subID,
		Succeeded:      counts[task.StateSucceeded],
		DeadLettered:   counts[task.StateDeadLettered],
		Pending:        counts[task.StatePending],
		InFlight:       counts[task.StateInFlight] + counts[task.StateFailed],
		SuccessRate:    1,
	}
	if done := h.Succeeded + h.DeadLettered; done > 0 {
		h.SuccessRate = float64(h.Succeeded) / float64(done)
	}
	return h, nil
}

// Stats reports delivery health across all subscriptions.
func (svc *Service) Stats(ctx context.Context) (*Health, error) {
	return svc.Health(ctx, id.Nil)
}
