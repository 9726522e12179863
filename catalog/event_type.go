package catalog

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

var (
	// ErrNotFound is returned when an event type is not registered.
	ErrNotFound = errors.New("herald: event type not found")

	// ErrDeprecated is returned when emitting a deprecated event type.
	ErrDeprecated = errors.New("herald: event type is deprecated")

	// ErrInvalidPayload is returned when a payload fails schema validation.
	ErrInvalidPayload = errors.New("herald: payload validation failed")
)

// Definition describes one CRM event type.
type Definition struct {
	// Name is "<entity>.<action>", e.g. "opportunity.stage_changed".
	Name string `json:"name"`

	Description string `json:"description"`

	// Group organizes types by CRM entity (contact, lead, opportunity...).
	Group string `json:"group,omitempty"`

	// Schema is an optional JSON Schema for the payload. When set, Emit
	// validates payloads against it.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Example is a sample payload for documentation.
	Example json.RawMessage `json:"example,omitempty"`
}

// EventType is a registered Definition with identity and lifecycle state.
type EventType struct {
	entity.Entity

	ID         id.ID      `json:"id"`
	Definition Definition `json:"definition"`

	// IsDeprecated marks a soft-deleted type. Emitting it is rejected.
	IsDeprecated bool       `json:"deprecated"`
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ListOpts configures filtering and pagination for event type listing.
type ListOpts struct {
	Offset            int
	Limit             int
	Group             string
	IncludeDeprecated bool
}
