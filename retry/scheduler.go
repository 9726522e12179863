package retry

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// Store is what the scheduler and reaper need from persistence.
type Store interface {
	GetTask(ctx context.Context, taskID id.ID) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]*task.Task, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*task.Task, error)
	GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error)
}

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	Policy Policy

	// ResyncInterval is how often pending tasks are reloaded from the
	// store, picking up work from restarts and other processes.
	ResyncInterval time.Duration

	// ResyncBatch bounds one resync query.
	ResyncBatch int

	// QueueSize is the buffer of the ready channel feeding workers.
	QueueSize int

	// Limiter throttles releases per subscription by its RateLimit. A task
	// over the limit stays pending and is not claimed.
	Limiter *ratelimit.Limiter

	Metrics *observability.Metrics
}

// ErrUnsettled wraps a Settle failure that happened after the attempt's
// audit record was written. The attempt stays counted.
var ErrUnsettled = errors.New("herald: attempt recorded but task not settled")

type entry struct {
	at     time.Time
	taskID id.ID
	key    string
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].key < h[j].key
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler holds pending tasks in a time-ordered queue and hands each task
// to the workers no earlier than its NextAttemptAt. It sleeps on a single
// timer set to the earliest entry.
type Scheduler struct {
	store    Store
	recorder *audit.Recorder
	cfg      SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	queue  entryHeap
	latest map[string]time.Time

	wake  chan struct{}
	ready chan id.ID
}

// NewScheduler creates a scheduler. Call Run to start it.
func NewScheduler(store Store, recorder *audit.Recorder, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 5 * time.Second
	}
	if cfg.ResyncBatch <= 0 {
		cfg.ResyncBatch = 500
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	return &Scheduler{
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		latest:   make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
		ready:    make(chan id.ID, cfg.QueueSize),
	}
}

// Policy returns the retry policy in use.
func (s *Scheduler) Policy() Policy { return s.cfg.Policy }

// Ready delivers IDs of due tasks to workers. A task may appear more than
// once; the claim compare-and-set filters duplicates.
func (s *Scheduler) Ready() <-chan id.ID { return s.ready }

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latest)
}

// Schedule queues taskID to be released at at. Scheduling a task that is
// already queued keeps the earlier time.
func (s *Scheduler) Schedule(taskID id.ID, at time.Time) {
	key := taskID.String()

	s.mu.Lock()
	if cur, ok := s.latest[key]; ok && !at.Before(cur) {
		s.mu.Unlock()
		return
	}
	s.latest[key] = at
	heap.Push(&s.queue, entry{at: at, taskID: taskID, key: key})
	n := len(s.latest)
	s.mu.Unlock()

	s.cfg.Metrics.SetScheduled(n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run releases due tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Resync(ctx)

	resync := time.NewTicker(s.cfg.ResyncInterval)
	defer resync.Stop()
	timer := time.NewTimer(s.cfg.ResyncInterval)
	defer timer.Stop()

	for {
		s.releaseDue(ctx)
		if ctx.Err() != nil {
			return nil
		}
		timer.Reset(s.untilNext())

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		case <-resync.C:
			s.Resync(ctx)
		}
	}
}

// Resync loads pending tasks due within the next resync interval.
func (s *Scheduler) Resync(ctx context.Context) {
	due, err := s.store.ListDue(ctx, s.now().Add(s.cfg.ResyncInterval), s.cfg.ResyncBatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler resync failed", "error", err)
		return
	}
	for _, t := range due {
		s.Schedule(t.ID, t.NextAttemptAt)
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return s.cfg.ResyncInterval
	}
	d := s.queue[0].at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) releaseDue(ctx context.Context) {
	for ctx.Err() == nil {
		now := s.now()

		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.queue).(entry)
		if at, ok := s.latest[e.key]; !ok || !at.Equal(e.at) {
			s.mu.Unlock()
			continue
		}
		delete(s.latest, e.key)
		n := len(s.latest)
		s.mu.Unlock()

		s.cfg.Metrics.SetScheduled(n)
		s.release(ctx, e.taskID, now)
	}
}

// release hands a due task to the workers, or discards it when its
// subscription is no longer active. A task over its subscription's rate
// limit is queued again for when a token is free.
func (s *Scheduler) release(ctx context.Context, taskID id.ID, now time.Time) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			s.logger.WarnContext(ctx, "scheduler load task failed", "task_id", taskID, "error", err)
		}
		return
	}
	if t.State != task.StatePending {
		return
	}
	if t.NextAttemptAt.After(now) {
		s.Schedule(t.ID, t.NextAttemptAt)
		return
	}

	sub, err := s.store.GetSubscription(ctx, t.SubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		s.discard(ctx, t, "subscription deleted")
		return
	case err != nil:
		s.logger.WarnContext(ctx, "scheduler load subscription failed", "task_id", t.ID, "error", err)
		return
	case !sub.Active:
		s.discard(ctx, t, "subscription inactive")
		return
	}

	if s.cfg.Limiter != nil {
		if wait := s.cfg.Limiter.Delay(sub.ID.String(), sub.RateLimit, now); wait > 0 {
			s.Schedule(t.ID, now.Add(wait))
			return
		}
	}

	select {
	case s.ready <- t.ID:
	case <-ctx.Done():
	}
}

// discard dead-letters a pending task without attempting it.
func (s *Scheduler) discard(ctx context.Context, t *task.Task, reason string) {
	if err := s.recorder.Record(ctx, t, t.AttemptCount, audit.OutcomeDeadLettered, audit.Attempt{Detail: reason}); err != nil {
		return
	}

	now := s.now()
	t.State = task.StateDeadLettered
	t.LastError = reason
	t.CompletedAt = &now
	t.ArchivedAt = &now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "discard pending task failed", "task_id", t.ID, "error", err)
		return
	}

	s.cfg.Metrics.DeadLettered()
	s.logger.InfoContext(ctx, "pending task discarded",
		"task_id", t.ID,
		"subscription_id", t.SubscriptionID,
		"reason", reason,
	)
}

// Settle records the outcome of the attempt t.AttemptCount and moves t out
// of in-flight in one compare-and-set: to a terminal state, or back to
// pending after backoff. Audit records are written before the transition.
// Once the attempt is recorded, a failure is wrapped in ErrUnsettled.
func (s *Scheduler) Settle(ctx context.Context, t *task.Task, outcome audit.Outcome, a audit.Attempt) (Decision, error) {
	now := s.now()
	if err := s.recorder.Record(ctx, t, t.AttemptCount, outcome, a); err != nil {
		return Decision{}, err
	}

	d := s.cfg.Policy.Next(t, outcome, now)
	if d.Exhausted {
		detail := fmt.Sprintf("retries exhausted after %d attempts", t.AttemptCount)
		if err := s.recorder.Record(ctx, t, t.AttemptCount, audit.OutcomeDeadLettered, audit.Attempt{Detail: detail}); err != nil {
			return d, fmt.Errorf("%w: %w", ErrUnsettled, err)
		}
	}

	t.State = d.State
	t.ClaimedAt = nil
	t.LastStatusCode = a.StatusCode
	t.LastLatencyMs = a.LatencyMs
	t.LastError = ""
	if outcome != audit.OutcomeSent {
		t.LastError = a.Detail
	}
	if d.State.Terminal() {
		t.CompletedAt = &now
		t.ArchivedAt = &now
	} else {
		t.NextAttemptAt = d.NextAttemptAt
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return d, fmt.Errorf("%w: %w", ErrUnsettled, err)
	}

	switch d.State {
	case task.StatePending:
		s.Schedule(t.ID, t.NextAttemptAt)
	case task.StateDeadLettered:
		s.cfg.Metrics.DeadLettered()
	}
	return d, nil
}

// Release returns an in-flight task to pending, retrying after one base
// delay. Unless recorded, the attempt is taken back out of t.AttemptCount.
// Terminal fields left by a failed Settle are cleared.
func (s *Scheduler) Release(ctx context.Context, t *task.Task, recorded bool) error {
	if !recorded {
		t.AttemptCount = max(t.AttemptCount-1, 0)
	}
	t.State = task.StatePending
	t.ClaimedAt = nil
	t.CompletedAt = nil
	t.ArchivedAt = nil
	t.NextAttemptAt = s.now().Add(s.cfg.Policy.BaseDelay)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.Schedule(t.ID, t.NextAttemptAt)
	return nil
}
