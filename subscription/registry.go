package subscription

import (
	"context"
	"slices"

	"github.com/xraph/herald/event"
)

// Registry produces immutable snapshots of the active subscriptions.
type Registry struct {
	store Lister
}

// NewRegistry returns a Registry reading from store.
func NewRegistry(store Lister) *Registry {
	return &Registry{store: store}
}

// Snapshot loads every active subscription, ordered by ID. Later registry
// changes do not affect a snapshot already taken.
func (r *Registry) Snapshot(ctx context.Context) (*Snapshot, error) {
	active := true
	subs, err := r.store.ListSubscriptions(ctx, ListOpts{Active: &active})
	if err != nil {
		return nil, err
	}
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Active {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int { return a.ID.Compare(b.ID) })
	return &Snapshot{subs: out}, nil
}

// Snapshot is a point-in-time, read-only view of active subscriptions.
type Snapshot struct {
	subs []*Subscription
}

// Len returns the number of active subscriptions.
func (s *Snapshot) Len() int { return len(s.subs) }

// All returns the subscriptions in ID order.
func (s *Snapshot) All() []*Subscription {
	return slices.Clone(s.subs)
}

// Match returns the subscriptions that evt should be delivered to, in ID
// order.
func (s *Snapshot) Match(evt *event.Event) []*Subscription {
	var out []*Subscription
	for _, sub := range s.subs {
		if Matches(evt, sub) {
			out = append(out, sub)
		}
	}
	return out
}
