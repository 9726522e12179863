package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/task"
)

// ReaperConfig configures the reaper.
type ReaperConfig struct {
	// ReclaimAfter is how long a task may stay in flight before it is
	// treated as abandoned.
	ReclaimAfter time.Duration

	// Interval is how often the reaper scans.
	Interval time.Duration

	// BatchSize bounds one scan.
	BatchSize int

	Metrics *observability.Metrics
}

// Reaper returns tasks abandoned in flight (a crashed worker) to the retry
// cycle, counting the lost attempt as a transient failure.
type Reaper struct {
	store     Store
	scheduler *Scheduler
	cfg       ReaperConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewReaper creates a reaper that settles reclaimed tasks through scheduler.
func NewReaper(store Store, scheduler *Scheduler, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 20 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.ReclaimAfter / 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{
		store:     store,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run scans on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reap failed", "error", err)
			}
		}
	}
}

// Reap reclaims every task held longer than ReclaimAfter and returns how
// many were settled.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.store.ListStale(ctx, now.Add(-r.cfg.ReclaimAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, t := range stale {
		since := now
		if t.ClaimedAt != nil {
			since = *t.ClaimedAt
		}

		// A worker finishing late now fails its compare-and-set.
		if t.State == task.StateInFlight {
			t.AttemptCount++
		}
		t.State = task.StateFailed
		t.ClaimedAt = &now
		if err := r.store.UpdateTask(ctx, t); err != nil {
			if !errors.Is(err, task.ErrConflict) {
				r.logger.WarnContext(ctx, "reclaim task failed", "task_id", t.ID, "error", err)
			}
			continue
		}

		detail := fmt.Sprintf("reclaimed: in flight since %s", since.Format(time.RFC3339))
		d, err := r.scheduler.Settle(ctx, t, audit.OutcomeTransientFailure, audit.Attempt{Detail: detail})
		if err != nil {
			r.logger.WarnContext(ctx, "settle reclaimed task failed", "task_id", t.ID, "error", err)
			continue
		}

		reclaimed++
		r.cfg.Metrics.Reclaimed()
		r.logger.WarnContext(ctx, "abandoned task reclaimed",
			"task_id", t.ID,
			"attempt", t.AttemptCount,
			"state", d.State,
		)
	}
	return reclaimed, nil
}
