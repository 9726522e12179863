package subscription_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/subscription"
)

func ctx() context.Context { return context.Background() }

func newService() (*subscription.Service, *memory.Store) {
	s := memory.New()
	return subscription.NewService(s, nil), s
}

func TestServiceAddWebhook(t *testing.T) {
	svc, _ := newService()

	sub, err := svc.Add(ctx(), subscription.Input{
		Kind:     subscription.KindWebhook,
		Endpoint: "https://crm-hooks.example.com/in",
		Filter:   []string{"opportunity.*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID.Prefix() != id.PrefixSubscription {
		t.Errorf("prefix = %q", sub.ID.Prefix())
	}
	if !strings.HasPrefix(sub.Secret, "whsec_") {
		t.Errorf("expected generated secret, got %q", sub.Secret)
	}
	if !sub.Active {
		t.Error("expected active by default")
	}
}

func TestServiceAddInProcessHasNoSecret(t *testing.T) {
	svc, _ := newService()

	sub, err := svc.Add(ctx(), subscription.Input{
		Kind:     subscription.KindInProcess,
		Endpoint: "live-ui",
		Filter:   []string{"*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Secret != "" {
		t.Errorf("in-process subscription got secret %q", sub.Secret)
	}
}

func TestServiceAddValidation(t *testing.T) {
	svc, _ := newService()

	cases := map[string]subscription.Input{
		"bad kind":      {Kind: "smtp", Endpoint: "https://x.test", Filter: []string{"*"}},
		"bad url":       {Kind: subscription.KindWebhook, Endpoint: "not a url", Filter: []string{"*"}},
		"ftp url":       {Kind: subscription.KindWebhook, Endpoint: "ftp://x.test/in", Filter: []string{"*"}},
		"no handle":     {Kind: subscription.KindInProcess, Filter: []string{"*"}},
		"no filter":     {Kind: subscription.KindWebhook, Endpoint: "https://x.test"},
		"empty pattern": {Kind: subscription.KindWebhook, Endpoint: "https://x.test", Filter: []string{""}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Add(ctx(), in)
			var ve *subscription.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestServiceAddRejectsWireHeaders(t *testing.T) {
	svc, _ := newService()

	for _, name := range []string{"x-signature", "X-Event-Sequence", "X-Event-Type", "content-type"} {
		_, err := svc.Add(ctx(), subscription.Input{
			Endpoint: "https://x.test/hook",
			Filter:   []string{"*"},
			Headers:  map[string]string{name: "forged"},
		})
		var ve *subscription.ValidationError
		if !errors.As(err, &ve) || ve.Field != "headers" {
			t.Errorf("%s: expected headers ValidationError, got %v", name, err)
		}
	}

	if _, err := svc.Add(ctx(), subscription.Input{
		Endpoint: "https://x.test/hook",
		Filter:   []string{"*"},
		Headers:  map[string]string{"X-Tenant": "acme"},
	}); err != nil {
		t.Fatalf("custom header rejected: %v", err)
	}
}

func TestServiceDeactivateAndRotate(t *testing.T) {
	svc, _ := newService()

	sub, _ := svc.Add(ctx(), subscription.Input{
		Endpoint: "https://x.test/hook",
		Filter:   []string{"lead.*"},
	})

	if err := svc.Deactivate(ctx(), sub.ID); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(ctx(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("expected inactive after Deactivate")
	}

	secret, err := svc.RotateSecret(ctx(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if secret == sub.Secret {
		t.Error("RotateSecret returned the old secret")
	}

	if err := svc.Deactivate(ctx(), id.NewSubscriptionID()); !errors.Is(err, subscription.ErrNotFound) {
		t.Errorf("Deactivate(unknown) = %v, want ErrNotFound", err)
	}
}

func TestServiceUpdate(t *testing.T) {
	svc, _ := newService()

	sub, _ := svc.Add(ctx(), subscription.Input{
		Endpoint:  "https://x.test/hook",
		Filter:    []string{"lead.*"},
		RateLimit: 5,
	})

	updated, err := svc.Update(ctx(), sub.ID, subscription.Input{
		Filter:    []string{"contact.created"},
		RateLimit: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Filter) != 1 || updated.Filter[0] != "contact.created" {
		t.Errorf("filter = %v", updated.Filter)
	}
	if updated.RateLimit != 5 {
		t.Errorf("rate limit = %d, want unchanged 5", updated.RateLimit)
	}
	if updated.Endpoint != "https://x.test/hook" {
		t.Errorf("endpoint changed to %q", updated.Endpoint)
	}

	cleared, err := svc.Update(ctx(), sub.ID, subscription.Input{})
	if err != nil {
		t.Fatal(err)
	}
	if cleared.RateLimit != 0 {
		t.Errorf("rate limit = %d, want 0 removing the limit", cleared.RateLimit)
	}
	if len(cleared.Filter) != 1 || cleared.Filter[0] != "contact.created" {
		t.Errorf("empty update changed filter to %v", cleared.Filter)
	}

	_, err = svc.Update(ctx(), sub.ID, subscription.Input{Headers: map[string]string{"Content-Type": "text/plain"}})
	var ve *subscription.ValidationError
	if !errors.As(err, &ve) || ve.Field != "headers" {
		t.Errorf("reserved header update = %v, want headers ValidationError", err)
	}
}

func TestRegistrySnapshotIsOrderedAndImmutable(t *testing.T) {
	svc, store := newService()
	reg := subscription.NewRegistry(store)

	var ids []id.ID
	for range 3 {
		sub, err := svc.Add(ctx(), subscription.Input{
			Endpoint: "https://x.test/hook",
			Filter:   []string{"opportunity.*"},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sub.ID)
	}
	if err := svc.Deactivate(ctx(), ids[1]); err != nil {
		t.Fatal(err)
	}

	snap, err := reg.Snapshot(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Len() != 2 {
		t.Fatalf("snapshot len = %d, want 2 active", snap.Len())
	}
	all := snap.All()
	if all[0].ID.String() != ids[0].String() || all[1].ID.String() != ids[2].String() {
		t.Errorf("snapshot order = [%s %s], want [%s %s]", all[0].ID, all[1].ID, ids[0], ids[2])
	}

	// Changes after the snapshot do not leak into it.
	if err := svc.Deactivate(ctx(), ids[0]); err != nil {
		t.Fatal(err)
	}
	evt := &event.Event{Type: "opportunity.stage_changed"}
	if got := snap.Match(evt); len(got) != 2 {
		t.Errorf("snapshot matched %d subscriptions, want 2", len(got))
	}
}
