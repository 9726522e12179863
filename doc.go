// Package herald distributes CRM domain events to in-process live-update
// subscribers and external HTTP webhooks.
//
// Herald is a library. Producers call Emit; the event is appended to a
// durable log and a dispatcher creates one delivery task per matching
// subscription. Workers deliver each task at least once, retrying with
// exponential backoff and jitter, and dead-letter it when retries run out
// or the failure is permanent. Every attempt is written to an append-only
// audit log.
//
// Key features:
//   - Ordered, replayable event log with a durable dispatcher cursor
//   - Pattern subscriptions ("opportunity.*", "*.created") with tenant scoping
//   - HMAC-SHA256 signed webhooks with per-subscription rate limiting
//   - Dead-letter listing, redrive and per-subscription health
//   - Pluggable stores (Memory, SQLite, Postgres, Redis, MongoDB)
//
// Quick start:
//
//	h, err := herald.New(herald.WithStore(memory.New()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop(ctx)
//
//	h.AddSubscription(ctx, subscription.Input{
//	    Filter:   []string{"opportunity.*"},
//	    Endpoint: "https://example.com/hooks/crm",
//	})
//
//	h.Emit(ctx, "opportunity.stage_changed", payload, "opp_123")
package herald
