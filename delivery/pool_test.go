package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/retry"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

type poolFixture struct {
	store *memory.Store
	task  *task.Task
}

// startPool wires a store, scheduler and pool around one webhook
// subscription pointing at handler, with one pending task.
func startPool(t *testing.T, handler http.Handler, maxAttempts int) *poolFixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	s := memory.New()

	sub := newTestSubscription(srv.URL)
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	evt := &event.Event{
		Entity:     entity.New(),
		Type:       "opportunity.stage_changed",
		OccurredAt: time.Now().UTC(),
		Payload:    json.RawMessage(`{"opportunityId":"opp_1"}`),
	}
	if err := s.AppendEvent(ctx, evt); err != nil {
		t.Fatal(err)
	}
	tk := &task.Task{
		Entity:         entity.New(),
		ID:             id.NewTaskID(),
		EventSequence:  evt.Sequence,
		SubscriptionID: sub.ID,
		State:          task.StatePending,
		MaxAttempts:    maxAttempts,
		NextAttemptAt:  time.Now().UTC(),
	}
	if _, err := s.CreateTasks(ctx, []*task.Task{tk}); err != nil {
		t.Fatal(err)
	}

	sched := retry.NewScheduler(s, audit.NewRecorder(s, nil), retry.SchedulerConfig{
		Policy: retry.Policy{
			MaxAttempts: maxAttempts,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
		},
		ResyncInterval: time.Hour,
	}, nil)
	pool := delivery.NewPool(s, sched, map[subscription.Kind]delivery.Sink{
		subscription.KindWebhook: delivery.NewWebhookSink(time.Second),
	}, delivery.PoolConfig{Concurrency: 2}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 2)
	go func() { _ = sched.Run(runCtx); done <- struct{}{} }()
	go func() { _ = pool.Run(runCtx); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	return &poolFixture{store: s, task: tk}
}

func (f *poolFixture) waitTerminal(t *testing.T) *task.Task {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		got, err := f.store.GetTask(context.Background(), f.task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State.Terminal() {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for terminal state, task is %s after %d attempts", got.State, got.AttemptCount)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (f *poolFixture) outcomes(t *testing.T) []audit.Outcome {
	t.Helper()
	recs, err := f.store.ListAudit(context.Background(), audit.ListOpts{TaskID: f.task.ID})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]audit.Outcome, len(recs))
	for i, r := range recs {
		out[i] = r.Outcome
		if r.AttemptNumber < 1 {
			t.Errorf("record %d has attempt number %d", i, r.AttemptNumber)
		}
	}
	return out
}

func equalOutcomes(a, b []audit.Outcome) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPoolRetriesUntilSent(t *testing.T) {
	var calls atomic.Int32
	f := startPool(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), 8)

	got := f.waitTerminal(t)
	if got.State != task.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", got.State)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempts = %d, want 3", got.AttemptCount)
	}
	if got.ArchivedAt == nil || got.CompletedAt == nil {
		t.Error("terminal task should be completed and archived")
	}

	want := []audit.Outcome{audit.OutcomeTransientFailure, audit.OutcomeTransientFailure, audit.OutcomeSent}
	if outs := f.outcomes(t); !equalOutcomes(outs, want) {
		t.Errorf("audit = %v, want %v", outs, want)
	}
}

func TestPoolPermanentFailureDeadLettersImmediately(t *testing.T) {
	var calls atomic.Int32
	f := startPool(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}), 8)

	got := f.waitTerminal(t)
	if got.State != task.StateDeadLettered {
		t.Fatalf("state = %s, want dead_lettered", got.State)
	}
	if got.LastStatusCode != 404 {
		t.Errorf("last status = %d", got.LastStatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if outs := f.outcomes(t); !equalOutcomes(outs, []audit.Outcome{audit.OutcomePermanentFailure}) {
		t.Errorf("audit = %v", outs)
	}
}

func TestPoolExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	f := startPool(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), 3)

	got := f.waitTerminal(t)
	if got.State != task.StateDeadLettered {
		t.Fatalf("state = %s, want dead_lettered", got.State)
	}
	if got.AttemptCount != 3 || calls.Load() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", got.AttemptCount, calls.Load())
	}

	want := []audit.Outcome{
		audit.OutcomeTransientFailure,
		audit.OutcomeTransientFailure,
		audit.OutcomeTransientFailure,
		audit.OutcomeDeadLettered,
	}
	if outs := f.outcomes(t); !equalOutcomes(outs, want) {
		t.Errorf("audit = %v, want %v", outs, want)
	}
}

func TestPoolProcessSkipsUnclaimableTask(t *testing.T) {
	s := memory.New()
	sched := retry.NewScheduler(s, audit.NewRecorder(s, nil), retry.SchedulerConfig{}, nil)
	pool := delivery.NewPool(s, sched, nil, delivery.PoolConfig{}, nil)

	// Unknown task: nothing to claim, nothing recorded.
	pool.Process(context.Background(), id.NewTaskID())

	recs, err := s.ListAudit(context.Background(), audit.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("audit records = %d, want 0", len(recs))
	}
}

// failingStore fails the first UpdateTask that would mark a task succeeded.
type failingStore struct {
	*memory.Store
	failed atomic.Bool
}

func (s *failingStore) UpdateTask(ctx context.Context, t *task.Task) error {
	if t.State == task.StateSucceeded && s.failed.CompareAndSwap(false, true) {
		return errors.New("connection reset by peer")
	}
	return s.Store.UpdateTask(ctx, t)
}

func TestPoolSettleFailureKeepsRecordedAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	s := &failingStore{Store: memory.New()}
	sub := newTestSubscription(srv.URL)
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	evt := &event.Event{Entity: entity.New(), Type: "opportunity.won", OccurredAt: time.Now().UTC()}
	if err := s.AppendEvent(ctx, evt); err != nil {
		t.Fatal(err)
	}
	tk := &task.Task{
		Entity:         entity.New(),
		ID:             id.NewTaskID(),
		EventSequence:  evt.Sequence,
		SubscriptionID: sub.ID,
		State:          task.StatePending,
		MaxAttempts:    5,
		NextAttemptAt:  time.Now().UTC(),
	}
	if _, err := s.CreateTasks(ctx, []*task.Task{tk}); err != nil {
		t.Fatal(err)
	}

	sched := retry.NewScheduler(s, audit.NewRecorder(s, nil), retry.SchedulerConfig{
		Policy:         retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		ResyncInterval: time.Hour,
	}, nil)
	pool := delivery.NewPool(s, sched, map[subscription.Kind]delivery.Sink{
		subscription.KindWebhook: delivery.NewWebhookSink(time.Second),
	}, delivery.PoolConfig{Concurrency: 1}, nil)

	pool.Process(ctx, tk.ID)

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StatePending {
		t.Fatalf("state = %s, want pending", got.State)
	}
	if got.CompletedAt != nil || got.ArchivedAt != nil {
		t.Errorf("pending task kept terminal timestamps: completed=%v archived=%v", got.CompletedAt, got.ArchivedAt)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want the recorded attempt kept", got.AttemptCount)
	}

	time.Sleep(5 * time.Millisecond)
	pool.Process(ctx, tk.ID)

	got, err = s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateSucceeded || got.ArchivedAt == nil {
		t.Fatalf("task after retry = %s archived=%v", got.State, got.ArchivedAt)
	}
	recs, err := s.ListAudit(ctx, audit.ListOpts{TaskID: tk.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].AttemptNumber != 1 || recs[1].AttemptNumber != 2 {
		t.Fatalf("audit = %d records, want attempts 1 and 2", len(recs))
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}
