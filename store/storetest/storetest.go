// Package storetest is the behavioural contract every store.Store backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// Factory returns an empty, migrated store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run runs the whole contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, factory) })
	t.Run("Events", func(t *testing.T) { testEvents(t, factory) })
	t.Run("EventsConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, factory) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, factory) })
	t.Run("TasksCreateIdempotent", func(t *testing.T) { testCreateTasks(t, factory) })
	t.Run("TasksClaimAndUpdate", func(t *testing.T) { testClaimAndUpdate(t, factory) })
	t.Run("TasksConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, factory) })
	t.Run("TasksListing", func(t *testing.T) { testTaskListing(t, factory) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, factory) })
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, factory) })
	t.Run("Cursor", func(t *testing.T) { testCursor(t, factory) })
}

func open(t *testing.T, factory Factory) store.Store {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ctx() context.Context { return context.Background() }

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func newEvent(typ string) *event.Event {
	return &event.Event{
		Entity:         entity.New(),
		Type:           typ,
		OccurredAt:     now(),
		Payload:        json.RawMessage(`{"id":"x1","amount":1200}`),
		SourceEntityID: "x1",
		TenantID:       "acme",
	}
}

func newSub(filter ...string) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		Kind:        subscription.KindWebhook,
		Filter:      filter,
		Endpoint:    "https://example.com/hook",
		Secret:      "whsec_abc",
		Active:      true,
		TenantID:    "acme",
		Description: "crm hook",
		Headers:     map[string]string{"X-Team": "sales"},
		RateLimit:   5,
		Metadata:    map[string]string{"owner": "ops"},
	}
}

func newTask(seq int64, subID id.ID, at time.Time) *task.Task {
	return &task.Task{
		Entity:         entity.New(),
		ID:             id.NewTaskID(),
		EventSequence:  seq,
		SubscriptionID: subID,
		State:          task.StatePending,
		MaxAttempts:    8,
		NextAttemptAt:  at,
	}
}

func testLifecycle(t *testing.T, factory Factory) {
	s := open(t, factory)
	require.NoError(t, s.Migrate(ctx()), "migrate is idempotent")
	require.NoError(t, s.Ping(ctx()))
}

func testEvents(t *testing.T, factory Factory) {
	s := open(t, factory)

	last, err := s.LastSequence(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	types := []string{"contact.created", "lead.converted", "opportunity.stage_changed"}
	for i, typ := range types {
		evt := newEvent(typ)
		require.NoError(t, s.AppendEvent(ctx(), evt))
		assert.Equal(t, int64(i+1), evt.Sequence)
	}

	last, err = s.LastSequence(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	got, err := s.GetEvent(ctx(), 2)
	require.NoError(t, err)
	assert.Equal(t, "lead.converted", got.Type)
	assert.Equal(t, "x1", got.SourceEntityID)
	assert.Equal(t, "acme", got.TenantID)
	assert.JSONEq(t, `{"id":"x1","amount":1200}`, string(got.Payload))
	assert.False(t, got.OccurredAt.IsZero())

	_, err = s.GetEvent(ctx(), 99)
	assert.ErrorIs(t, err, event.ErrNotFound)

	page, err := s.ReadEvents(ctx(), 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Sequence)
	assert.Equal(t, int64(3), page[1].Sequence)

	page, err = s.ReadEvents(ctx(), 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].Sequence)

	page, err = s.ReadEvents(ctx(), 3, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testConcurrentAppend(t *testing.T, factory Factory) {
	s := open(t, factory)

	const writers, each = 4, 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				evt := newEvent(fmt.Sprintf("writer.%d", w))
				if !assert.NoError(t, s.AppendEvent(ctx(), evt)) {
					return
				}
				mu.Lock()
				assert.False(t, seen[evt.Sequence], "sequence %d reused", evt.Sequence)
				seen[evt.Sequence] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, writers*each)
	last, err := s.LastSequence(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(writers*each), last)
}

func testSubscriptions(t *testing.T, factory Factory) {
	s := open(t, factory)

	a := newSub("opportunity.*")
	b := newSub("*")
	b.Kind = subscription.KindInProcess
	b.Endpoint = "hnd_live"
	b.Secret = ""
	require.NoError(t, s.CreateSubscription(ctx(), a))
	require.NoError(t, s.CreateSubscription(ctx(), b))

	got, err := s.GetSubscription(ctx(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID.String(), got.ID.String())
	assert.Equal(t, []string{"opportunity.*"}, got.Filter)
	assert.Equal(t, "whsec_abc", got.Secret)
	assert.Equal(t, map[string]string{"X-Team": "sales"}, got.Headers)
	assert.Equal(t, 5, got.RateLimit)
	assert.True(t, got.Active)

	_, err = s.GetSubscription(ctx(), id.NewSubscriptionID())
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	got.Filter = []string{"opportunity.*", "lead.*"}
	got.Description = "updated"
	require.NoError(t, s.UpdateSubscription(ctx(), got))
	got, err = s.GetSubscription(ctx(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"opportunity.*", "lead.*"}, got.Filter)
	assert.Equal(t, "updated", got.Description)

	require.NoError(t, s.SetActive(ctx(), a.ID, false))
	active := true
	list, err := s.ListSubscriptions(ctx(), subscription.ListOpts{Active: &active})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID.String(), list[0].ID.String())

	list, err = s.ListSubscriptions(ctx(), subscription.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Negative(t, list[0].ID.Compare(list[1].ID), "ordered by ID")

	list, err = s.ListSubscriptions(ctx(), subscription.ListOpts{Kind: subscription.KindInProcess})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSubscription(ctx(), a.ID))
	_, err = s.GetSubscription(ctx(), a.ID)
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSubscription(ctx(), a.ID), subscription.ErrNotFound)
	assert.ErrorIs(t, s.SetActive(ctx(), a.ID, true), subscription.ErrNotFound)
}

func testCreateTasks(t *testing.T, factory Factory) {
	s := open(t, factory)
	subA, subB := id.NewSubscriptionID(), id.NewSubscriptionID()
	at := now()

	created, err := s.CreateTasks(ctx(), []*task.Task{newTask(1, subA, at), newTask(1, subB, at)})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	dup := newTask(1, subA, at)
	fresh := newTask(2, subA, at)
	created, err = s.CreateTasks(ctx(), []*task.Task{dup, fresh})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, fresh.ID.String(), created[0].ID.String())

	_, err = s.GetTask(ctx(), dup.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)

	got, err := s.GetTaskByKey(ctx(), 1, subA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.EventSequence)
	assert.Equal(t, task.StatePending, got.State)
	assert.Equal(t, 8, got.MaxAttempts)
	assert.WithinDuration(t, at, got.NextAttemptAt, time.Millisecond)

	_, err = s.GetTaskByKey(ctx(), 3, subA)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, factory Factory) {
	s := open(t, factory)
	at := now()
	tk := newTask(1, id.NewSubscriptionID(), at.Add(-time.Second))
	_, err := s.CreateTasks(ctx(), []*task.Task{tk})
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ClaimTask(ctx(), tk.ID, at)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, task.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, winners, "exactly one claim wins")
	assert.Equal(t, workers-1, conflicts)

	got, err := s.GetTask(ctx(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateInFlight, got.State)
	assert.Equal(t, int64(1), got.Version)
}

func testClaimAndUpdate(t *testing.T, factory Factory) {
	s := open(t, factory)
	subID := id.NewSubscriptionID()
	at := now()

	due := newTask(1, subID, at.Add(-time.Second))
	later := newTask(2, subID, at.Add(time.Hour))
	_, err := s.CreateTasks(ctx(), []*task.Task{due, later})
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx(), later.ID, at)
	assert.ErrorIs(t, err, task.ErrConflict, "not yet due")

	claimed, err := s.ClaimTask(ctx(), due.ID, at)
	require.NoError(t, err)
	assert.Equal(t, task.StateInFlight, claimed.State)
	require.NotNil(t, claimed.ClaimedAt)
	assert.Equal(t, int64(1), claimed.Version)

	_, err = s.ClaimTask(ctx(), due.ID, at)
	assert.ErrorIs(t, err, task.ErrConflict, "second claim loses")
	_, err = s.ClaimTask(ctx(), id.NewTaskID(), at)
	assert.ErrorIs(t, err, task.ErrNotFound)

	stale := claimed.Clone()

	done := at.Add(time.Second)
	claimed.State = task.StateSucceeded
	claimed.AttemptCount = 1
	claimed.ClaimedAt = nil
	claimed.LastStatusCode = 200
	claimed.LastLatencyMs = 12
	claimed.CompletedAt = &done
	claimed.ArchivedAt = &done
	require.NoError(t, s.UpdateTask(ctx(), claimed))
	assert.Equal(t, int64(2), claimed.Version)

	stale.State = task.StatePending
	assert.ErrorIs(t, s.UpdateTask(ctx(), stale), task.ErrConflict)

	got, err := s.GetTask(ctx(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateSucceeded, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 200, got.LastStatusCode)
	assert.Equal(t, 12, got.LastLatencyMs)
	assert.Nil(t, got.ClaimedAt)
	require.NotNil(t, got.ArchivedAt)
	assert.WithinDuration(t, done, *got.ArchivedAt, time.Millisecond)
	assert.Equal(t, int64(2), got.Version)
}

func testTaskListing(t *testing.T, factory Factory) {
	s := open(t, factory)
	subA, subB := id.NewSubscriptionID(), id.NewSubscriptionID()
	at := now()

	t1 := newTask(1, subA, at.Add(-3*time.Second))
	t2 := newTask(2, subA, at.Add(-1*time.Second))
	t3 := newTask(3, subB, at.Add(-2*time.Second))
	t4 := newTask(4, subB, at.Add(time.Hour))
	_, err := s.CreateTasks(ctx(), []*task.Task{t2, t1, t4, t3})
	require.NoError(t, err)

	due, err := s.ListDue(ctx(), at, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, int64(1), due[0].EventSequence, "earliest first")
	assert.Equal(t, int64(3), due[1].EventSequence)
	assert.Equal(t, int64(2), due[2].EventSequence)

	due, err = s.ListDue(ctx(), at, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	claimed, err := s.ClaimTask(ctx(), t1.ID, at)
	require.NoError(t, err)

	due, err = s.ListDue(ctx(), at, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2, "in-flight tasks are not due")

	stale, err := s.ListStale(ctx(), at.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, claimed.ID.String(), stale[0].ID.String())

	stale, err = s.ListStale(ctx(), at.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	all, err := s.ListTasks(ctx(), task.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, tk := range all {
		assert.Equal(t, int64(i+1), tk.EventSequence, "ordered by sequence")
	}

	bOnly, err := s.ListTasks(ctx(), task.ListOpts{SubscriptionID: subB})
	require.NoError(t, err)
	assert.Len(t, bOnly, 2)

	pending := task.StatePending
	pend, err := s.ListTasks(ctx(), task.ListOpts{State: &pending, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, pend, 2)
	assert.Equal(t, int64(3), pend[0].EventSequence)

	bySeq, err := s.ListTasks(ctx(), task.ListOpts{EventSequence: 4})
	require.NoError(t, err)
	require.Len(t, bySeq, 1)

	counts, err := s.CountByState(ctx(), id.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[task.StatePending])
	assert.Equal(t, int64(1), counts[task.StateInFlight])

	counts, err = s.CountByState(ctx(), subA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[task.StatePending])
	assert.Equal(t, int64(1), counts[task.StateInFlight])
}

func testAudit(t *testing.T, factory Factory) {
	s := open(t, factory)
	taskA, taskB := id.NewTaskID(), id.NewTaskID()
	subID := id.NewSubscriptionID()

	outcomes := []audit.Outcome{audit.OutcomeTransientFailure, audit.OutcomeTransientFailure, audit.OutcomeSent}
	for i, o := range outcomes {
		require.NoError(t, s.AppendAudit(ctx(), &audit.Record{
			ID:             id.NewAuditID(),
			TaskID:         taskA,
			EventSequence:  7,
			SubscriptionID: subID,
			AttemptNumber:  i + 1,
			Outcome:        o,
			Timestamp:      now(),
			Detail:         fmt.Sprintf("attempt %d", i+1),
			StatusCode:     503,
			LatencyMs:      40,
		}))
	}
	require.NoError(t, s.AppendAudit(ctx(), &audit.Record{
		ID:             id.NewAuditID(),
		TaskID:         taskB,
		EventSequence:  8,
		SubscriptionID: subID,
		AttemptNumber:  1,
		Outcome:        audit.OutcomePermanentFailure,
		Timestamp:      now(),
	}))

	recs, err := s.ListAudit(ctx(), audit.ListOpts{TaskID: taskA})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i+1, r.AttemptNumber, "append order")
		assert.Equal(t, outcomes[i], r.Outcome)
		assert.Equal(t, int64(7), r.EventSequence)
		assert.Equal(t, 503, r.StatusCode)
	}
	assert.Equal(t, "attempt 1", recs[0].Detail)

	recs, err = s.ListAudit(ctx(), audit.ListOpts{SubscriptionID: subID})
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	recs, err = s.ListAudit(ctx(), audit.ListOpts{Outcome: audit.OutcomePermanentFailure})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, taskB.String(), recs[0].TaskID.String())
}

func testCatalog(t *testing.T, factory Factory) {
	s := open(t, factory)

	et := &catalog.EventType{
		Entity: entity.New(),
		ID:     id.NewEventTypeID(),
		Definition: catalog.Definition{
			Name:        "opportunity.created",
			Description: "An opportunity was created",
			Group:       "opportunity",
			Schema:      json.RawMessage(`{"type":"object"}`),
		},
		Metadata: map[string]string{"since": "v1"},
	}
	require.NoError(t, s.RegisterType(ctx(), et))
	require.NoError(t, s.RegisterType(ctx(), &catalog.EventType{
		Entity:     entity.New(),
		ID:         id.NewEventTypeID(),
		Definition: catalog.Definition{Name: "contact.created", Group: "contact"},
	}))

	got, err := s.GetType(ctx(), "opportunity.created")
	require.NoError(t, err)
	assert.Equal(t, "opportunity", got.Definition.Group)
	assert.JSONEq(t, `{"type":"object"}`, string(got.Definition.Schema))
	assert.Equal(t, "v1", got.Metadata["since"])

	_, err = s.GetType(ctx(), "missing.type")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, s.DeleteType(ctx(), "opportunity.created"))
	got, err = s.GetType(ctx(), "opportunity.created")
	require.NoError(t, err)
	assert.True(t, got.IsDeprecated)
	assert.ErrorIs(t, s.DeleteType(ctx(), "missing.type"), catalog.ErrNotFound)

	list, err := s.ListTypes(ctx(), catalog.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "contact.created", list[0].Definition.Name)

	list, err = s.ListTypes(ctx(), catalog.ListOpts{IncludeDeprecated: true})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "contact.created", list[0].Definition.Name, "ordered by name")

	// Re-registering clears deprecation and keeps one row per name.
	et.Definition.Description = "changed"
	require.NoError(t, s.RegisterType(ctx(), et))
	got, err = s.GetType(ctx(), "opportunity.created")
	require.NoError(t, err)
	assert.False(t, got.IsDeprecated)
	assert.Equal(t, "changed", got.Definition.Description)

	list, err = s.ListTypes(ctx(), catalog.ListOpts{Group: "opportunity"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testCursor(t *testing.T, factory Factory) {
	s := open(t, factory)

	c, err := s.GetCursor(ctx(), dispatch.DefaultCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Position)
	assert.Equal(t, int64(0), c.Version)

	c, err = s.AdvanceCursor(ctx(), dispatch.DefaultCursor, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Position)
	assert.Equal(t, int64(1), c.Version)

	_, err = s.AdvanceCursor(ctx(), dispatch.DefaultCursor, 0, 6)
	assert.ErrorIs(t, err, dispatch.ErrCursorConflict)

	c, err = s.AdvanceCursor(ctx(), dispatch.DefaultCursor, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Version)

	c, err = s.GetCursor(ctx(), dispatch.DefaultCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.Position)

	other, err := s.GetCursor(ctx(), "replay")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Position)
}
