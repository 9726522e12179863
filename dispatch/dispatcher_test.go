package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/internal/storeerr"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []id.ID
}

func (r *recordingScheduler) Schedule(taskID id.ID, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, taskID)
}

func (r *recordingScheduler) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// flakyStore fails CreateTasks while failing is set.
type flakyStore struct {
	*memory.Store
	failing bool
}

func (f *flakyStore) CreateTasks(ctx context.Context, tasks []*task.Task) ([]*task.Task, error) {
	if f.failing {
		return nil, errors.New("disk full")
	}
	return f.Store.CreateTasks(ctx, tasks)
}

func addSub(t *testing.T, s *memory.Store, active bool, filter ...string) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		Entity:   entity.New(),
		ID:       id.NewSubscriptionID(),
		Kind:     subscription.KindInProcess,
		Filter:   filter,
		Endpoint: "handle",
		Active:   active,
	}
	if err := s.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func emit(t *testing.T, s *memory.Store, types ...string) {
	t.Helper()
	for _, typ := range types {
		evt := &event.Event{
			Entity:     entity.New(),
			Type:       typ,
			OccurredAt: time.Now().UTC(),
			Payload:    json.RawMessage(`{}`),
		}
		if err := s.AppendEvent(context.Background(), evt); err != nil {
			t.Fatal(err)
		}
	}
}

func listTasks(t *testing.T, s *memory.Store, subID id.ID) []*task.Task {
	t.Helper()
	tasks, err := s.ListTasks(context.Background(), task.ListOpts{SubscriptionID: subID})
	if err != nil {
		t.Fatal(err)
	}
	return tasks
}

func TestCycleCreatesTasksInSequenceOrder(t *testing.T) {
	s := memory.New()
	opp := addSub(t, s, true, "opportunity.*")
	all := addSub(t, s, true, "*")
	addSub(t, s, false, "*")

	emit(t, s, "opportunity.created", "contact.created", "opportunity.stage_changed")

	sched := &recordingScheduler{}
	d := dispatch.NewDispatcher(s, sched, dispatch.Config{MaxAttempts: 8}, nil)

	n, err := d.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("dispatched %d events, want 3", n)
	}

	oppTasks := listTasks(t, s, opp.ID)
	if len(oppTasks) != 2 || oppTasks[0].EventSequence != 1 || oppTasks[1].EventSequence != 3 {
		t.Fatalf("opportunity subscription tasks = %+v", oppTasks)
	}
	allTasks := listTasks(t, s, all.ID)
	if len(allTasks) != 3 {
		t.Fatalf("catch-all subscription has %d tasks, want 3", len(allTasks))
	}
	for _, tk := range allTasks {
		if tk.State != task.StatePending || tk.MaxAttempts != 8 || tk.AttemptCount != 0 {
			t.Errorf("task %d: state=%s max=%d attempts=%d", tk.EventSequence, tk.State, tk.MaxAttempts, tk.AttemptCount)
		}
	}
	if sched.len() != 5 {
		t.Errorf("scheduled %d tasks, want 5", sched.len())
	}

	// Per-subscription creation order follows sequence order.
	var seqs []int64
	for _, taskID := range sched.ids {
		tk, err := s.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatal(err)
		}
		if tk.SubscriptionID.String() == all.ID.String() {
			seqs = append(seqs, tk.EventSequence)
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("catch-all tasks scheduled out of order: %v", seqs)
		}
	}

	cur, err := s.GetCursor(context.Background(), dispatch.DefaultCursor)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Position != 3 {
		t.Errorf("cursor = %d, want 3", cur.Position)
	}
}

func TestCycleIsIdempotent(t *testing.T) {
	s := memory.New()
	sub := addSub(t, s, true, "*")
	emit(t, s, "lead.created", "lead.converted")

	d := dispatch.NewDispatcher(s, &recordingScheduler{}, dispatch.Config{}, nil)
	if _, err := d.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n, err := d.Cycle(context.Background()); err != nil || n != 0 {
		t.Fatalf("second cycle: n=%d err=%v", n, err)
	}

	// A second dispatcher replaying from zero under another cursor name
	// creates no duplicates.
	replay := dispatch.NewDispatcher(s, &recordingScheduler{}, dispatch.Config{Cursor: "replay"}, nil)
	if _, err := replay.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := len(listTasks(t, s, sub.ID)); got != 2 {
		t.Fatalf("tasks = %d, want 2", got)
	}
}

func TestCycleRespectsBatchSize(t *testing.T) {
	s := memory.New()
	addSub(t, s, true, "*")
	emit(t, s, "a.x", "a.y", "a.z")

	d := dispatch.NewDispatcher(s, &recordingScheduler{}, dispatch.Config{BatchSize: 2}, nil)
	if n, _ := d.Cycle(context.Background()); n != 2 {
		t.Fatalf("first cycle = %d, want 2", n)
	}
	if n, _ := d.Cycle(context.Background()); n != 1 {
		t.Fatalf("second cycle = %d, want 1", n)
	}
}

func TestCycleStoreFailureLeavesCursor(t *testing.T) {
	mem := memory.New()
	sub := addSub(t, mem, true, "*")
	emit(t, mem, "contact.created")

	s := &flakyStore{Store: mem, failing: true}
	d := dispatch.NewDispatcher(s, &recordingScheduler{}, dispatch.Config{}, nil)

	_, err := d.Cycle(context.Background())
	if !errors.Is(err, storeerr.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	cur, _ := mem.GetCursor(context.Background(), dispatch.DefaultCursor)
	if cur.Position != 0 {
		t.Fatalf("cursor moved to %d on failure", cur.Position)
	}

	s.failing = false
	if n, err := d.Cycle(context.Background()); err != nil || n != 1 {
		t.Fatalf("retry cycle: n=%d err=%v", n, err)
	}
	if got := len(listTasks(t, mem, sub.ID)); got != 1 {
		t.Fatalf("tasks = %d, want 1", got)
	}
}

func TestRunDispatchesOnNotify(t *testing.T) {
	s := memory.New()
	addSub(t, s, true, "*")

	sched := &recordingScheduler{}
	d := dispatch.NewDispatcher(s, sched, dispatch.Config{PollInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	emit(t, s, "opportunity.created")
	d.Notify()

	deadline := time.After(2 * time.Second)
	for sched.len() == 0 {
		select {
		case <-deadline:
			t.Fatal("notify did not trigger a cycle")
		case <-time.After(5 * time.Millisecond):
		}
		d.Notify()
	}
}
