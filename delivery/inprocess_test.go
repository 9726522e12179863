package delivery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/subscription"
)

func inProcessSub(handle string) *subscription.Subscription {
	sub := newTestSubscription(handle)
	sub.Kind = subscription.KindInProcess
	return sub
}

func TestInProcessDeliversToHandler(t *testing.T) {
	sink := delivery.NewInProcessSink()
	var got *event.Event
	if err := sink.Register("analytics", func(_ context.Context, evt *event.Event) error {
		got = evt
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res := sink.Deliver(context.Background(), newTestEvent(), inProcessSub("analytics"))
	if res.Outcome != audit.OutcomeSent {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Detail)
	}
	if got == nil || got.Sequence != 42 {
		t.Fatalf("handler received %+v", got)
	}
}

func TestInProcessFailuresAreTransient(t *testing.T) {
	sink := delivery.NewInProcessSink()
	_ = sink.Register("erroring", func(context.Context, *event.Event) error {
		return errors.New("downstream busy")
	})
	_ = sink.Register("panicking", func(context.Context, *event.Event) error {
		panic("boom")
	})

	for _, handle := range []string{"erroring", "panicking", "unregistered"} {
		res := sink.Deliver(context.Background(), newTestEvent(), inProcessSub(handle))
		if res.Outcome != audit.OutcomeTransientFailure {
			t.Errorf("%s: outcome = %s, want transient_failure", handle, res.Outcome)
		}
		if res.Detail == "" {
			t.Errorf("%s: empty detail", handle)
		}
	}
}

func TestInProcessRegisterTwice(t *testing.T) {
	sink := delivery.NewInProcessSink()
	fn := func(context.Context, *event.Event) error { return nil }
	if err := sink.Register("h", fn); err != nil {
		t.Fatal(err)
	}
	if err := sink.Register("h", fn); !errors.Is(err, delivery.ErrHandlerExists) {
		t.Fatalf("err = %v, want ErrHandlerExists", err)
	}

	sink.Unregister("h")
	if sink.Registered("h") {
		t.Fatal("handle still registered")
	}
	if err := sink.Register("h", fn); err != nil {
		t.Fatal(err)
	}
}
