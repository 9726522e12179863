package dispatch

import (
	"context"
	"errors"
	"time"
)

// ErrCursorConflict is returned when another dispatcher advanced the cursor
// first.
var ErrCursorConflict = errors.New("herald: dispatcher cursor conflict")

// DefaultCursor names the cursor used when a single dispatcher group runs.
const DefaultCursor = "default"

// Cursor is the durable position of a dispatcher: the last event sequence
// whose tasks are all created.
type Cursor struct {
	Name      string    `json:"name"`
	Position  int64     `json:"position"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CursorStore persists dispatcher cursors with compare-and-set semantics.
type CursorStore interface {
	// GetCursor returns the named cursor, or a zero-position, zero-version
	// cursor if none was ever stored.
	GetCursor(ctx context.Context, name string) (*Cursor, error)

	// AdvanceCursor sets the position if the stored version equals
	// expectedVersion (0 for a cursor never stored) and returns the new
	// cursor. Returns ErrCursorConflict otherwise.
	AdvanceCursor(ctx context.Context, name string, expectedVersion, position int64) (*Cursor, error)
}
