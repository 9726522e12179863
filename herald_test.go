package herald_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/retry"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func ctx() context.Context { return context.Background() }

func setup(t *testing.T, opts ...herald.Option) (*herald.Herald, *memory.Store) {
	t.Helper()
	s := memory.New()
	base := []herald.Option{
		herald.WithStore(s),
		herald.WithConcurrency(2),
		herald.WithPollInterval(10 * time.Millisecond),
		herald.WithRetryPolicy(retry.Policy{MaxAttempts: 4, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}),
	}
	h, err := herald.New(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return h, s
}

func start(t *testing.T, h *herald.Herald) {
	t.Helper()
	if err := h.Start(ctx()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := h.Stop(ctx()); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func onlyTask(t *testing.T, s *memory.Store, subID id.ID) *task.Task {
	t.Helper()
	tasks, err := s.ListTasks(ctx(), task.ListOpts{SubscriptionID: subID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		return nil
	}
	return tasks[0]
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := herald.New(); !errors.Is(err, herald.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestEmitAssignsIncreasingSequences(t *testing.T) {
	h, s := setup(t)

	first, err := h.Emit(ctx(), "contact.created", mustJSON(map[string]any{"id": "c1"}), "c1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.Emit(ctx(), "contact.updated", mustJSON(map[string]any{"id": "c1"}), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if second <= first {
		t.Fatalf("sequences not increasing: %d then %d", first, second)
	}

	evt, err := s.GetEvent(ctx(), second)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Type != "contact.updated" || evt.SourceEntityID != "c1" || evt.OccurredAt.IsZero() {
		t.Fatalf("stored event = %+v", evt)
	}
}

func TestEmitValidation(t *testing.T) {
	h, _ := setup(t)

	if _, err := h.Emit(ctx(), "", nil, ""); !errors.Is(err, herald.ErrEmptyEventType) {
		t.Fatalf("empty type: %v", err)
	}

	_, err := h.RegisterEventType(ctx(), catalog.Definition{
		Name:   "deal.won",
		Schema: json.RawMessage(`{"type":"object","required":["amount"]}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Emit(ctx(), "deal.won", mustJSON(map[string]any{"name": "x"}), ""); !errors.Is(err, herald.ErrPayloadValidationFailed) {
		t.Fatalf("invalid payload: %v", err)
	}
	if _, err := h.Emit(ctx(), "deal.won", mustJSON(map[string]any{"amount": 10}), ""); err != nil {
		t.Fatalf("valid payload: %v", err)
	}

	if err := h.Catalog().DeleteType(ctx(), "deal.won"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Emit(ctx(), "deal.won", mustJSON(map[string]any{"amount": 10}), ""); !errors.Is(err, herald.ErrEventTypeDeprecated) {
		t.Fatalf("deprecated: %v", err)
	}
}

func TestEmitRejectsMalformedJSON(t *testing.T) {
	h, s := setup(t)

	seq, err := h.Emit(ctx(), "contact.created", json.RawMessage("not json"), "c1")
	if !errors.Is(err, herald.ErrPayloadValidationFailed) {
		t.Fatalf("expected ErrPayloadValidationFailed, got %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d on rejected payload", seq)
	}
	if last, _ := s.LastSequence(ctx()); last != 0 {
		t.Fatalf("rejected event was appended at %d", last)
	}

	if _, err := h.Emit(ctx(), "contact.created", nil, "c1"); err != nil {
		t.Fatalf("empty payload: %v", err)
	}
}

func TestEmitStrictRejectsUnknownType(t *testing.T) {
	h, _ := setup(t, herald.WithStrictEventTypes(true))
	if _, err := h.Emit(ctx(), "does.not.exist", nil, ""); !errors.Is(err, herald.ErrEventTypeNotFound) {
		t.Fatalf("expected ErrEventTypeNotFound, got %v", err)
	}
}

func TestEmitOnClosedStore(t *testing.T) {
	h, s := setup(t)
	_ = s.Close()

	seq, err := h.Emit(ctx(), "contact.created", nil, "")
	if !errors.Is(err, herald.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d on failure", seq)
	}
}

// An opportunity stage change delivered to a flaky webhook: two 503s then
// a 200 leave three audit records and a succeeded task.
func TestWebhookRetriedUntilDelivered(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, s := setup(t)
	sub, err := h.AddSubscription(ctx(), subscription.Input{
		Filter:   []string{"opportunity.*"},
		Endpoint: srv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	start(t, h)

	if _, err := h.Emit(ctx(), "opportunity.stage_changed", mustJSON(map[string]any{"opportunityId": "o1"}), "o1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Emit(ctx(), "contact.created", nil, "c1"); err != nil {
		t.Fatal(err)
	}

	var tk *task.Task
	waitFor(t, "task to succeed", func() bool {
		tk = onlyTask(t, s, sub.ID)
		return tk != nil && tk.State == task.StateSucceeded
	})

	recs, err := h.History(ctx(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []audit.Outcome{audit.OutcomeTransientFailure, audit.OutcomeTransientFailure, audit.OutcomeSent}
	if len(recs) != len(want) {
		t.Fatalf("got %d audit records, want %d", len(recs), len(want))
	}
	for i, r := range recs {
		if r.Outcome != want[i] || r.AttemptNumber != i+1 {
			t.Errorf("record %d = %s/#%d", i, r.Outcome, r.AttemptNumber)
		}
	}

	health, err := h.Health(ctx(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if health.Succeeded != 1 || health.SuccessRate != 1 {
		t.Fatalf("health = %+v", health)
	}
}

// A rate-limited subscription waits for tokens without holding tasks in
// flight: every task is delivered once and none is reclaimed.
func TestRateLimitedSubscriptionDeliversEachTaskOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, s := setup(t,
		herald.WithConcurrency(4),
		herald.WithCallTimeout(150*time.Millisecond),
	)
	sub, err := h.AddSubscription(ctx(), subscription.Input{
		Filter:    []string{"opportunity.*"},
		Endpoint:  srv.URL,
		RateLimit: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	start(t, h)

	const events = 4
	for i := range events {
		if _, err := h.Emit(ctx(), "opportunity.created", mustJSON(map[string]any{"n": i}), ""); err != nil {
			t.Fatal(err)
		}
	}

	var tasks []*task.Task
	waitFor(t, "all tasks to succeed", func() bool {
		tasks, err = s.ListTasks(ctx(), task.ListOpts{SubscriptionID: sub.ID})
		if err != nil || len(tasks) != events {
			return false
		}
		for _, tk := range tasks {
			if tk.State != task.StateSucceeded {
				return false
			}
		}
		return true
	})

	if got := calls.Load(); got != events {
		t.Errorf("endpoint calls = %d, want %d", got, events)
	}
	for _, tk := range tasks {
		recs, err := h.History(ctx(), tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 || recs[0].Outcome != audit.OutcomeSent || recs[0].AttemptNumber != 1 {
			t.Errorf("task %s audit = %d records", tk.ID, len(recs))
		}
	}
}

// A 404 dead-letters at once; after the endpoint is fixed a redrive
// delivers it.
func TestDeadLetterAndRedrive(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h, s := setup(t)
	sub, err := h.AddSubscription(ctx(), subscription.Input{Filter: []string{"*"}, Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	start(t, h)

	if _, err := h.Emit(ctx(), "lead.converted", nil, "l1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "dead letter", func() bool {
		tk := onlyTask(t, s, sub.ID)
		return tk != nil && tk.State == task.StateDeadLettered
	})

	dead, err := h.ListDeadLettered(ctx(), &sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].LastStatusCode != 404 || dead[0].EventType != "lead.converted" {
		t.Fatalf("dead letters = %+v", dead)
	}

	healthy.Store(true)
	if err := h.Redrive(ctx(), dead[0].TaskID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "redriven task to succeed", func() bool {
		tk := onlyTask(t, s, sub.ID)
		return tk != nil && tk.State == task.StateSucceeded
	})

	if err := h.Redrive(ctx(), dead[0].TaskID); !errors.Is(err, herald.ErrNotDeadLettered) {
		t.Fatalf("second redrive: %v", err)
	}
}

func TestInProcessSubscriberReceivesTenantEvents(t *testing.T) {
	h, _ := setup(t)

	var (
		mu  sync.Mutex
		got []int64
	)
	acme := scope.Restore(ctx(), "acme")
	subID, err := h.SubscribeInProcess(acme, []string{"contact.*"}, func(_ context.Context, evt *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Sequence)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	start(t, h)

	mine, err := h.Emit(acme, "contact.created", nil, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Emit(scope.Restore(ctx(), "globex"), "contact.created", nil, "c2"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Emit(acme, "lead.created", nil, "l1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "in-process delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if len(got) != 1 || got[0] != mine {
		t.Fatalf("received %v, want [%d]", got, mine)
	}
	mu.Unlock()

	if err := h.UnsubscribeInProcess(ctx(), subID); err != nil {
		t.Fatal(err)
	}
	sub, err := h.Subscriptions().Get(ctx(), subID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Active {
		t.Fatal("subscription still active after unsubscribe")
	}
}

// Deactivating a subscription discards its pending retry instead of
// delivering it.
func TestDeactivationDiscardsPendingRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, s := setup(t, herald.WithRetryPolicy(retry.Policy{
		MaxAttempts: 8,
		BaseDelay:   150 * time.Millisecond,
		MaxDelay:    time.Second,
	}))
	sub, err := h.AddSubscription(ctx(), subscription.Input{Filter: []string{"*"}, Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	start(t, h)

	if _, err := h.Emit(ctx(), "opportunity.created", nil, "o1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first attempt", func() bool { return calls.Load() >= 1 })

	if err := h.DeactivateSubscription(ctx(), sub.ID); err != nil {
		t.Fatal(err)
	}

	var tk *task.Task
	waitFor(t, "discard", func() bool {
		tk = onlyTask(t, s, sub.ID)
		return tk != nil && tk.State == task.StateDeadLettered
	})

	recs, err := h.History(ctx(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := recs[len(recs)-1]
	if last.Detail != "subscription inactive" {
		t.Fatalf("last audit record = %s %q", last.Outcome, last.Detail)
	}
	if calls.Load() > 2 {
		t.Fatalf("webhook called %d times after deactivation", calls.Load())
	}
}

func TestStartTwice(t *testing.T) {
	h, _ := setup(t)
	start(t, h)
	if err := h.Start(ctx()); !errors.Is(err, herald.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}
