package dlq_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/task"
)

func ctx() context.Context { return context.Background() }

type scheduled struct {
	ids []id.ID
}

func (s *scheduled) Schedule(taskID id.ID, _ time.Time) { s.ids = append(s.ids, taskID) }

func newService(floor int) (*dlq.Service, *memory.Store, *scheduled) {
	store := memory.New()
	sched := &scheduled{}
	svc := dlq.NewService(store, sched, dlq.Config{RedriveFloor: floor, MaxAttempts: 8}, nil)
	return svc, store, sched
}

func addTask(t *testing.T, store *memory.Store, subID id.ID, state task.State, attempts int) *task.Task {
	t.Helper()
	evt := &event.Event{
		Entity:   entity.New(),
		Type:     "invoice.created",
		TenantID: "tenant-1",
		Payload:  json.RawMessage(`{"amount":100}`),
	}
	if err := store.AppendEvent(ctx(), evt); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	tk := &task.Task{
		Entity:         entity.New(),
		ID:             id.NewTaskID(),
		EventSequence:  evt.Sequence,
		SubscriptionID: subID,
		State:          state,
		AttemptCount:   attempts,
		MaxAttempts:    8,
		NextAttemptAt:  now,
		LastError:      "500 Internal Server Error",
		LastStatusCode: 500,
	}
	if state.Terminal() {
		tk.CompletedAt = &now
		tk.ArchivedAt = &now
	}
	if _, err := store.CreateTasks(ctx(), []*task.Task{tk}); err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestListDeadLettered(t *testing.T) {
	svc, store, _ := newService(dlq.DefaultRedriveFloor)
	subA, subB := id.NewSubscriptionID(), id.NewSubscriptionID()

	dead := addTask(t, store, subA, task.StateDeadLettered, 8)
	addTask(t, store, subA, task.StateSucceeded, 1)
	addTask(t, store, subB, task.StateDeadLettered, 1)

	all, err := svc.ListDeadLettered(ctx(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	onlyA, err := svc.ListDeadLettered(ctx(), &subA)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 1 {
		t.Fatalf("expected 1 entry for subscription A, got %d", len(onlyA))
	}

	e := onlyA[0]
	if e.TaskID.String() != dead.ID.String() {
		t.Fatalf("task ID mismatch: got %v, want %v", e.TaskID, dead.ID)
	}
	if e.EventType != "invoice.created" {
		t.Fatalf("event type: got %q", e.EventType)
	}
	if e.TenantID != "tenant-1" {
		t.Fatalf("tenant: got %q", e.TenantID)
	}
	if e.AttemptCount != 8 || e.LastStatusCode != 500 || e.Error == "" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestRedriveResetsToFloor(t *testing.T) {
	svc, store, sched := newService(dlq.DefaultRedriveFloor)
	tk := addTask(t, store, id.NewSubscriptionID(), task.StateDeadLettered, 8)

	got, err := svc.Redrive(ctx(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StatePending {
		t.Fatalf("state = %s, want pending", got.State)
	}
	if got.AttemptCount != 5 {
		t.Fatalf("attempt count = %d, want 5", got.AttemptCount)
	}
	if got.ArchivedAt != nil || got.CompletedAt != nil {
		t.Fatal("redriven task should be un-archived")
	}
	if len(sched.ids) != 1 || sched.ids[0].String() != tk.ID.String() {
		t.Fatalf("scheduled = %v", sched.ids)
	}

	stored, err := store.GetTask(ctx(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != task.StatePending || stored.AttemptCount != 5 {
		t.Fatalf("stored task = %s/%d", stored.State, stored.AttemptCount)
	}
}

func TestRedriveFloorIsClamped(t *testing.T) {
	svc, store, _ := newService(50)
	tk := addTask(t, store, id.NewSubscriptionID(), task.StateDeadLettered, 8)

	got, err := svc.Redrive(ctx(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptCount != 7 {
		t.Fatalf("attempt count = %d, want MaxAttempts-1 = 7", got.AttemptCount)
	}

	svc, store, _ = newService(-3)
	tk = addTask(t, store, id.NewSubscriptionID(), task.StateDeadLettered, 8)
	got, err = svc.Redrive(ctx(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0", got.AttemptCount)
	}
}

func TestRedriveRejectsOtherStates(t *testing.T) {
	svc, store, _ := newService(dlq.DefaultRedriveFloor)
	subID := id.NewSubscriptionID()

	for _, state := range []task.State{task.StatePending, task.StateSucceeded} {
		tk := addTask(t, store, subID, state, 1)
		if _, err := svc.Redrive(ctx(), tk.ID); !errors.Is(err, dlq.ErrNotDeadLettered) {
			t.Fatalf("%s: err = %v, want ErrNotDeadLettered", state, err)
		}
	}

	if _, err := svc.Redrive(ctx(), id.NewTaskID()); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("unknown task: err = %v", err)
	}
}

func TestHealth(t *testing.T) {
	svc, store, _ := newService(dlq.DefaultRedriveFloor)
	subA, subB := id.NewSubscriptionID(), id.NewSubscriptionID()

	addTask(t, store, subA, task.StateSucceeded, 1)
	addTask(t, store, subA, task.StateSucceeded, 2)
	addTask(t, store, subA, task.StateSucceeded, 1)
	addTask(t, store, subA, task.StateDeadLettered, 8)
	addTask(t, store, subA, task.StatePending, 0)
	addTask(t, store, subB, task.StateDeadLettered, 1)

	h, err := svc.Health(ctx(), subA)
	if err != nil {
		t.Fatal(err)
	}
	if h.Succeeded != 3 || h.DeadLettered != 1 || h.Pending != 1 {
		t.Fatalf("health = %+v", h)
	}
	if math.Abs(h.SuccessRate-0.75) > 1e-9 {
		t.Fatalf("success rate = %v, want 0.75", h.SuccessRate)
	}

	stats, err := svc.Stats(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if stats.DeadLettered != 2 || stats.Succeeded != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	empty, err := svc.Health(ctx(), id.NewSubscriptionID())
	if err != nil {
		t.Fatal(err)
	}
	if empty.SuccessRate != 1 {
		t.Fatalf("empty success rate = %v, want 1", empty.SuccessRate)
	}
}
