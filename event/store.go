package event

import "context"

// Reader is the read side of the event log.
type Reader interface {
	// ReadEvents returns up to limit events with Sequence > after,
	// ascending by Sequence.
	ReadEvents(ctx context.Context, after int64, limit int) ([]*Event, error)

	// LastSequence returns the highest assigned sequence, or 0 when empty.
	LastSequence(ctx context.Context) (int64, error)
}

// Store defines the persistence contract for the event log.
type Store interface {
	Reader

	// AppendEvent assigns evt.Sequence and durably records the event.
	// Concurrent appends are linearizable: no gaps, no duplicates.
	AppendEvent(ctx context.Context, evt *Event) error

	// GetEvent returns an event by sequence.
	GetEvent(ctx context.Context, seq int64) (*Event, error)
}
