package crm_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/crm"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/store/memory"
)

type emitted struct {
	tenant  string
	typ     string
	payload json.RawMessage
}

type fakeEngine struct {
	mu      sync.Mutex
	emits   []emitted
	failing bool
}

func (f *fakeEngine) Emit(ctx context.Context, eventType string, payload json.RawMessage, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, herald.ErrStoreUnavailable
	}
	f.emits = append(f.emits, emitted{tenant: scope.Capture(ctx), typ: eventType, payload: payload})
	return int64(len(f.emits)), nil
}

func (f *fakeEngine) SubscribeInProcess(context.Context, []string, delivery.Handler) (id.ID, error) {
	return id.NewSubscriptionID(), nil
}

func (f *fakeEngine) UnsubscribeInProcess(context.Context, id.ID) error { return nil }

func oppEvent(seq int64, tenant, typ string, opp crm.Opportunity) *event.Event {
	b, _ := json.Marshal(opp)
	return &event.Event{Sequence: seq, Type: typ, TenantID: tenant, Payload: b}
}

func TestBigDealFiresOnceOnCrossing(t *testing.T) {
	eng := &fakeEngine{}
	w := crm.NewBigDealWatcher(eng, nil)
	rule := crm.NewAlertRule("Enterprise", 50000, 60)
	rule.NotifyEmails = crm.SplitEmails("sales@acme.test, ,vp@acme.test")
	rule.NotifyOpportunityOwner = true
	w.PutRule(rule)

	ctx := context.Background()
	steps := []crm.Opportunity{
		{ID: "opp1", Amount: 80000, Probability: 40},
		{ID: "opp1", Amount: 80000, Probability: 70, OwnerEmail: "rep@acme.test"},
		{ID: "opp1", Amount: 90000, Probability: 90, OwnerEmail: "rep@acme.test"},
	}
	for i, opp := range steps {
		if err := w.Observe(ctx, oppEvent(int64(i+1), "acme", crm.OpportunityStageChanged, opp)); err != nil {
			t.Fatal(err)
		}
	}

	if len(eng.emits) != 1 {
		t.Fatalf("expected one big deal, got %d", len(eng.emits))
	}
	got := eng.emits[0]
	if got.typ != crm.OpportunityBigDeal || got.tenant != "acme" {
		t.Fatalf("unexpected emit %s for tenant %q", got.typ, got.tenant)
	}
	var deal crm.BigDeal
	if err := json.Unmarshal(got.payload, &deal); err != nil {
		t.Fatal(err)
	}
	if deal.TriggerSequence != 2 || deal.Probability != 70 || deal.RuleID != rule.ID.String() {
		t.Fatalf("unexpected deal %+v", deal)
	}
	want := []string{"sales@acme.test", "vp@acme.test", "rep@acme.test"}
	if len(deal.Notify) != len(want) {
		t.Fatalf("notify = %v, want %v", deal.Notify, want)
	}
	for i := range want {
		if deal.Notify[i] != want[i] {
			t.Fatalf("notify = %v, want %v", deal.Notify, want)
		}
	}
}

func TestBigDealRespectsRuleScope(t *testing.T) {
	eng := &fakeEngine{}
	w := crm.NewBigDealWatcher(eng, nil)

	inactive := crm.NewAlertRule("off", 1, 0)
	inactive.Active = false
	w.PutRule(inactive)

	acmeOnly := crm.NewAlertRule("acme", 1000, 10)
	acmeOnly.TenantID = "acme"
	w.PutRule(acmeOnly)

	opp := crm.Opportunity{ID: "o", Amount: 5000, Probability: 50}
	if err := w.Observe(context.Background(), oppEvent(1, "globex", crm.OpportunityCreated, opp)); err != nil {
		t.Fatal(err)
	}
	if len(eng.emits) != 0 {
		t.Fatalf("rule fired for wrong tenant or while inactive: %d emits", len(eng.emits))
	}

	if err := w.Observe(context.Background(), oppEvent(2, "acme", crm.OpportunityCreated, opp)); err != nil {
		t.Fatal(err)
	}
	if len(eng.emits) != 1 {
		t.Fatalf("expected one emit for acme, got %d", len(eng.emits))
	}
}

func TestBigDealDeletedOpportunityForgotten(t *testing.T) {
	eng := &fakeEngine{}
	w := crm.NewBigDealWatcher(eng, nil)
	w.PutRule(crm.NewAlertRule("any", 100, 0))

	ctx := context.Background()
	big := crm.Opportunity{ID: "o", Amount: 500}
	_ = w.Observe(ctx, oppEvent(1, "", crm.OpportunityCreated, big))
	_ = w.Observe(ctx, oppEvent(2, "", crm.OpportunityDeleted, crm.Opportunity{ID: "o"}))
	_ = w.Observe(ctx, oppEvent(3, "", crm.OpportunityCreated, big))

	if len(eng.emits) != 2 {
		t.Fatalf("expected re-announcement after delete, got %d emits", len(eng.emits))
	}
}

func TestBigDealFiredSetIsBounded(t *testing.T) {
	eng := &fakeEngine{}
	w := crm.NewBigDealWatcher(eng, nil, crm.WithFiredCapacity(2))
	w.PutRule(crm.NewAlertRule("any", 100, 0))

	ctx := context.Background()
	for i, oppID := range []string{"o1", "o2", "o3"} {
		_ = w.Observe(ctx, oppEvent(int64(i+1), "acme", crm.OpportunityCreated, crm.Opportunity{ID: oppID, Amount: 500}))
	}
	if got := w.Tracked(); got != 2 {
		t.Fatalf("Tracked() = %d, want capacity 2", got)
	}

	_ = w.Observe(ctx, oppEvent(4, "acme", crm.OpportunityUpdated, crm.Opportunity{ID: "o3", Amount: 600}))
	if len(eng.emits) != 3 {
		t.Fatalf("recent opportunity announced again: %d emits", len(eng.emits))
	}
	_ = w.Observe(ctx, oppEvent(5, "acme", crm.OpportunityUpdated, crm.Opportunity{ID: "o1", Amount: 600}))
	if len(eng.emits) != 4 {
		t.Fatalf("evicted opportunity not announced again: %d emits", len(eng.emits))
	}
}

func TestBigDealEmitFailureRetries(t *testing.T) {
	eng := &fakeEngine{failing: true}
	w := crm.NewBigDealWatcher(eng, nil)
	w.PutRule(crm.NewAlertRule("any", 100, 0))

	evt := oppEvent(1, "acme", crm.OpportunityUpdated, crm.Opportunity{ID: "o", Amount: 500})
	if err := w.Observe(context.Background(), evt); !errors.Is(err, herald.ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}

	eng.failing = false
	if err := w.Observe(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if len(eng.emits) != 1 {
		t.Fatalf("expected the redelivered event to announce, got %d", len(eng.emits))
	}
}

func TestBigDealIgnoresBadPayload(t *testing.T) {
	eng := &fakeEngine{}
	w := crm.NewBigDealWatcher(eng, nil)
	w.PutRule(crm.NewAlertRule("any", 0, 0))

	evt := &event.Event{Sequence: 1, Type: crm.OpportunityUpdated, Payload: json.RawMessage(`"nope"`)}
	if err := w.Observe(context.Background(), evt); err != nil {
		t.Fatalf("bad payload should be dropped, got %v", err)
	}
	if len(eng.emits) != 0 {
		t.Fatal("unexpected emit")
	}
}

func TestRules(t *testing.T) {
	w := crm.NewBigDealWatcher(&fakeEngine{}, nil)
	a := crm.NewAlertRule("a", 1, 1)
	b := crm.NewAlertRule("b", 2, 2)
	w.PutRule(b)
	w.PutRule(a)

	rules := w.Rules()
	if len(rules) != 2 || rules[0].ID.Compare(rules[1].ID) >= 0 {
		t.Fatalf("rules not ordered by id: %v", rules)
	}
	if err := w.RemoveRule(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := w.RemoveRule(a.ID); !errors.Is(err, crm.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestRegisterDefaults(t *testing.T) {
	cat := catalog.NewCatalog(memory.New(), catalog.Config{}, nil)
	ctx := context.Background()
	if err := crm.RegisterDefaults(ctx, cat); err != nil {
		t.Fatal(err)
	}

	types, err := cat.ListTypes(ctx, catalog.ListOpts{Group: crm.GroupOpportunity})
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 7 {
		t.Fatalf("expected 7 opportunity types, got %d", len(types))
	}

	if err := cat.Check(ctx, crm.OpportunityUpdated, json.RawMessage(`{"id":"o","probability":150}`)); !errors.Is(err, catalog.ErrInvalidPayload) {
		t.Fatalf("expected schema rejection, got %v", err)
	}
	if err := cat.Check(ctx, crm.ContactCreated, json.RawMessage(`{"id":"c1"}`)); err != nil {
		t.Fatal(err)
	}
}

func TestBigDealEndToEnd(t *testing.T) {
	s := memory.New()
	h, err := herald.New(
		herald.WithStore(s),
		herald.WithPollInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := crm.RegisterDefaults(ctx, h.Catalog()); err != nil {
		t.Fatal(err)
	}

	w := crm.NewBigDealWatcher(h, nil)
	w.PutRule(crm.NewAlertRule("Enterprise", 10000, 50))
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = w.Stop(ctx)
		_ = h.Stop(ctx)
	})

	acme := scope.Restore(ctx, "acme")
	opp, _ := json.Marshal(crm.Opportunity{ID: "opp9", Amount: 25000, Probability: 80})
	for range 2 {
		if _, err := h.Emit(acme, crm.OpportunityUpdated, opp, "opp9"); err != nil {
			t.Fatal(err)
		}
	}

	bigDeals := func() []*event.Event {
		events, err := s.ReadEvents(ctx, 0, 100)
		if err != nil {
			t.Fatal(err)
		}
		var out []*event.Event
		for _, e := range events {
			if e.Type == crm.OpportunityBigDeal {
				out = append(out, e)
			}
		}
		return out
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(bigDeals()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for big deal event")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	deals := bigDeals()
	if len(deals) != 1 {
		t.Fatalf("expected exactly one big deal, got %d", len(deals))
	}
	if deals[0].TenantID != "acme" || deals[0].SourceEntityID != "opp9" {
		t.Fatalf("unexpected big deal event %+v", deals[0])
	}
}
