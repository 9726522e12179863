package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/retry"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// PoolStore is what the workers need from persistence.
type PoolStore interface {
	ClaimTask(ctx context.Context, taskID id.ID, now time.Time) (*task.Task, error)
	GetEvent(ctx context.Context, seq int64) (*event.Event, error)
	GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error)
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Concurrency int
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
}

// Pool is a fixed set of workers taking due tasks from the scheduler.
// Each worker claims a task, performs one attempt through the sink for the
// subscription's kind and settles the outcome.
type Pool struct {
	store     PoolStore
	scheduler *retry.Scheduler
	sinks     map[subscription.Kind]Sink
	config    PoolConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewPool creates a worker pool. sinks maps each subscription kind to the
// sink that serves it.
func NewPool(store PoolStore, scheduler *retry.Scheduler, sinks map[subscription.Kind]Sink, cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pool{
		store:     store,
		scheduler: scheduler,
		sinks:     sinks,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// attempt already started has been settled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range p.config.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) work(ctx context.Context) {
	ready := p.scheduler.Ready()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-ready:
			// A claimed attempt runs to completion even during shutdown.
			p.Process(context.WithoutCancel(ctx), taskID)
		}
	}
}

// Process performs one attempt of taskID if it can be claimed.
func (p *Pool) Process(ctx context.Context, taskID id.ID) {
	t, err := p.store.ClaimTask(ctx, taskID, p.now())
	if err != nil {
		if !errors.Is(err, task.ErrConflict) && !errors.Is(err, task.ErrNotFound) {
			p.logger.WarnContext(ctx, "claim task failed", "task_id", taskID, "error", err)
		}
		return
	}
	t.AttemptCount++

	evt, err := p.store.GetEvent(ctx, t.EventSequence)
	if err != nil {
		p.logger.ErrorContext(ctx, "get event failed",
			"task_id", t.ID, "sequence", t.EventSequence, "error", err)
		p.release(ctx, t, false)
		return
	}

	sub, err := p.store.GetSubscription(ctx, t.SubscriptionID)
	var res Result
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		res = Result{Outcome: audit.OutcomePermanentFailure, Detail: "subscription deleted"}
	case err != nil:
		p.logger.ErrorContext(ctx, "get subscription failed",
			"task_id", t.ID, "subscription_id", t.SubscriptionID, "error", err)
		p.release(ctx, t, false)
		return
	case !sub.Active:
		res = Result{Outcome: audit.OutcomePermanentFailure, Detail: "subscription inactive"}
	default:
		res = p.attempt(ctx, t, evt, sub)
	}

	d, err := p.scheduler.Settle(ctx, t, res.Outcome, audit.Attempt{
		Detail:     res.Detail,
		StatusCode: res.StatusCode,
		LatencyMs:  res.LatencyMs,
	})
	if err != nil {
		if errors.Is(err, task.ErrConflict) {
			p.logger.WarnContext(ctx, "task reclaimed before settle", "task_id", t.ID)
			return
		}
		p.logger.ErrorContext(ctx, "settle task failed", "task_id", t.ID, "error", err)
		p.release(ctx, t, errors.Is(err, retry.ErrUnsettled))
		return
	}

	p.config.Metrics.RecordDelivery(string(res.Outcome), float64(res.LatencyMs)/1000.0)

	switch d.State {
	case task.StateSucceeded:
		p.logger.DebugContext(ctx, "delivered",
			"task_id", t.ID, "status", res.StatusCode, "latency_ms", res.LatencyMs)
	case task.StatePending:
		p.logger.DebugContext(ctx, "retry scheduled",
			"task_id", t.ID, "attempt", t.AttemptCount, "next_at", d.NextAttemptAt, "detail", res.Detail)
	case task.StateDeadLettered:
		p.logger.WarnContext(ctx, "task dead-lettered",
			"task_id", t.ID,
			"subscription_id", t.SubscriptionID,
			"sequence", t.EventSequence,
			"attempt", t.AttemptCount,
			"detail", res.Detail,
		)
	}
}

func (p *Pool) attempt(ctx context.Context, t *task.Task, evt *event.Event, sub *subscription.Subscription) Result {
	sink, ok := p.sinks[sub.Kind]
	if !ok {
		return Result{Outcome: audit.OutcomePermanentFailure, Detail: "no sink for kind " + string(sub.Kind)}
	}

	if p.config.Tracer == nil {
		return sink.Deliver(ctx, evt, sub)
	}
	spanCtx, span := p.config.Tracer.StartDeliverySpan(ctx, t.ID.String(), sub.ID.String(), evt.Sequence, t.AttemptCount)
	res := sink.Deliver(spanCtx, evt, sub)
	p.config.Tracer.EndDeliverySpan(span, string(res.Outcome), res.StatusCode, res.LatencyMs, res.Detail)
	return res
}

func (p *Pool) release(ctx context.Context, t *task.Task, recorded bool) {
	if err := p.scheduler.Release(ctx, t, recorded); err != nil && !errors.Is(err, task.ErrConflict) {
		p.logger.ErrorContext(ctx, "release task failed", "task_id", t.ID, "error", err)
	}
}
