// Package event defines the immutable domain event envelope and the
// append-only log that stores it.
package event

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/xraph/herald/internal/entity"
)

// ErrNotFound is returned when no event has the requested sequence.
var ErrNotFound = errors.New("herald: event not found")

// Event is a fact about a CRM state change. Once appended it is never
// mutated, and its Sequence is never reused.
type Event struct {
	entity.Entity

	// Sequence is assigned by the store on append. Strictly increasing.
	Sequence int64 `json:"sequence"`

	// Type is the dot-separated event type, e.g. "opportunity.stage_changed".
	Type string `json:"event_type"`

	// OccurredAt is when the state change happened in the CRM.
	OccurredAt time.Time `json:"occurred_at"`

	// Payload is opaque structured data specific to Type.
	Payload json.RawMessage `json:"payload"`

	// SourceEntityID identifies the CRM record that changed.
	SourceEntityID string `json:"source_entity_id,omitempty"`

	// TenantID is the CRM company the event belongs to.
	TenantID string `json:"tenant_id,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &cp
}
