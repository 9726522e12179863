package herald

import (
	"errors"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/internal/storeerr"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// Sentinel errors returned by Herald operations. Most alias the sentinel of
// the package that produces them so errors.Is works from either side.
var (
	// ErrNoStore is returned when Herald is created without a store.
	ErrNoStore = errors.New("herald: store is required")

	// ErrEmptyEventType is returned when emitting an event without a type.
	ErrEmptyEventType = errors.New("herald: event type is required")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("herald: already started")

	// ErrStoreUnavailable means the durable medium rejected a read or
	// write. A failed Emit recorded nothing.
	ErrStoreUnavailable = storeerr.ErrUnavailable

	// ErrStoreClosed is returned when the store was closed.
	ErrStoreClosed = storeerr.ErrClosed

	ErrSubscriptionNotFound = subscription.ErrNotFound
	ErrTaskNotFound         = task.ErrNotFound
	ErrEventNotFound        = event.ErrNotFound

	// ErrTaskConflict is returned when another worker or admin changed a
	// task first.
	ErrTaskConflict = task.ErrConflict

	ErrCursorConflict  = dispatch.ErrCursorConflict
	ErrNotDeadLettered = dlq.ErrNotDeadLettered

	ErrEventTypeNotFound       = catalog.ErrNotFound
	ErrEventTypeDeprecated     = catalog.ErrDeprecated
	ErrPayloadValidationFailed = catalog.ErrInvalidPayload

	ErrHandlerExists = delivery.ErrHandlerExists
)
