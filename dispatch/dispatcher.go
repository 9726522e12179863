// Package dispatch turns appended events into delivery tasks, one per
// matching subscription, in event sequence order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/internal/storeerr"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// Store is what the dispatcher needs from persistence.
type Store interface {
	event.Reader
	subscription.Lister
	CursorStore
	CreateTasks(ctx context.Context, tasks []*task.Task) ([]*task.Task, error)
}

// Scheduler receives newly created tasks.
type Scheduler interface {
	Schedule(taskID id.ID, at time.Time)
}

// Config holds dispatcher configuration.
type Config struct {
	// Cursor names the durable position. Defaults to DefaultCursor.
	Cursor string

	// PollInterval is how often the log is checked without a Notify.
	PollInterval time.Duration

	// BatchSize bounds the events handled in one cycle.
	BatchSize int

	// MaxAttempts is stamped on every created task.
	MaxAttempts int

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Dispatcher reads the event log from its cursor and creates tasks.
// Several dispatchers may share a cursor; the compare-and-set advance
// and idempotent task creation keep the result free of duplicates.
type Dispatcher struct {
	store     Store
	registry  *subscription.Registry
	scheduler Scheduler
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	notify chan struct{}
}

// NewDispatcher creates a dispatcher. Call Run to start it.
func NewDispatcher(store Store, scheduler Scheduler, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cursor == "" {
		cfg.Cursor = DefaultCursor
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{
		store:     store,
		registry:  subscription.NewRegistry(store),
		scheduler: scheduler,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		notify:    make(chan struct{}, 1),
	}
}

// Notify wakes the dispatcher for an immediate cycle.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := d.Cycle(ctx)
			if err != nil {
				d.logger.ErrorContext(ctx, "dispatch cycle failed", "error", err)
				break
			}
			if n < d.config.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.notify:
		}
	}
}

// Cycle handles up to BatchSize events after the cursor and returns how
// many were dispatched. The cursor is advanced past each event once all of
// its tasks exist. Losing the cursor to another dispatcher ends the cycle
// without error.
func (d *Dispatcher) Cycle(ctx context.Context) (n int, err error) {
	cur, err := d.store.GetCursor(ctx, d.config.Cursor)
	if err != nil {
		return 0, unavailable("get cursor", err)
	}

	if d.config.Tracer != nil {
		var span trace.Span
		ctx, span = d.config.Tracer.StartDispatchSpan(ctx, cur.Position)
		defer span.End()
	}

	snap, err := d.registry.Snapshot(ctx)
	if err != nil {
		return 0, unavailable("snapshot subscriptions", err)
	}

	for evt, readErr := range event.ReadFrom(ctx, d.store, cur.Position+1, d.config.BatchSize) {
		if readErr != nil {
			return n, unavailable("read events", readErr)
		}

		if err := d.dispatch(ctx, evt, snap); err != nil {
			return n, err
		}

		next, err := d.store.AdvanceCursor(ctx, d.config.Cursor, cur.Version, evt.Sequence)
		if errors.Is(err, ErrCursorConflict) {
			d.logger.DebugContext(ctx, "dispatch cursor taken by another dispatcher", "sequence", evt.Sequence)
			return n, nil
		}
		if err != nil {
			return n, unavailable("advance cursor", err)
		}
		cur = next
		n++

		if n >= d.config.BatchSize {
			break
		}
	}

	if last, err := d.store.LastSequence(ctx); err == nil {
		d.config.Metrics.SetDispatchLag(last - cur.Position)
	}
	return n, nil
}

// dispatch creates the tasks for one event and hands new ones to the
// scheduler.
func (d *Dispatcher) dispatch(ctx context.Context, evt *event.Event, snap *subscription.Snapshot) error {
	matched := snap.Match(evt)
	if len(matched) == 0 {
		return nil
	}

	now := d.now()
	tasks := make([]*task.Task, len(matched))
	for i, sub := range matched {
		tasks[i] = &task.Task{
			Entity:         entity.New(),
			ID:             id.NewTaskID(),
			EventSequence:  evt.Sequence,
			SubscriptionID: sub.ID,
			State:          task.StatePending,
			MaxAttempts:    d.config.MaxAttempts,
			NextAttemptAt:  now,
		}
	}

	created, err := d.store.CreateTasks(ctx, tasks)
	if err != nil {
		return unavailable("create tasks", err)
	}
	for _, t := range created {
		d.scheduler.Schedule(t.ID, t.NextAttemptAt)
	}

	d.config.Metrics.TasksCreated(len(created))
	if len(created) > 0 {
		d.logger.DebugContext(ctx, "tasks created",
			"sequence", evt.Sequence,
			"event_type", evt.Type,
			"tasks", len(created),
		)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, storeerr.ErrUnavailable) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("herald: dispatch: %s: %w", op, err)
	}
	return fmt.Errorf("herald: dispatch: %s: %w: %w", op, storeerr.ErrUnavailable, err)
}
