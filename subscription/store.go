package subscription

import (
	"context"

	"github.com/xraph/herald/id"
)

// ListOpts configures filtering and pagination for subscription listing.
type ListOpts struct {
	Offset   int
	Limit    int
	Active   *bool
	Kind     Kind
	TenantID string
}

// Lister is the read side used to build registry snapshots.
type Lister interface {
	// ListSubscriptions returns subscriptions ordered by ID.
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)
}

// Store defines the persistence contract for subscriptions.
type Store interface {
	Lister

	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, subID id.ID) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, subID id.ID) error

	// SetActive flips the active flag without touching anything else.
	SetActive(ctx context.Context, subID id.ID, active bool) error
}
