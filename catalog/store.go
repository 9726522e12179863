package catalog

import "context"

// Store defines the persistence contract for the event type catalog.
type Store interface {
	// RegisterType creates the type, or replaces the definition of an
	// existing type with the same name and clears its deprecation.
	RegisterType(ctx context.Context, et *EventType) error

	// GetType returns an event type by name, deprecated or not.
	GetType(ctx context.Context, name string) (*EventType, error)

	// ListTypes returns registered types ordered by name.
	ListTypes(ctx context.Context, opts ListOpts) ([]*EventType, error)

	// DeleteType deprecates an event type.
	DeleteType(ctx context.Context, name string) error
}
