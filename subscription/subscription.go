// Package subscription holds the registry of sinks interested in CRM events:
// external webhook endpoints and in-process live-update callbacks.
package subscription

import (
	"errors"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

// ErrNotFound is returned when a subscription cannot be found.
var ErrNotFound = errors.New("herald: subscription not found")

// Kind selects the sink a subscription delivers to.
type Kind string

const (
	// KindWebhook delivers by signed HTTP POST to Endpoint.
	KindWebhook Kind = "webhook"
	// KindInProcess invokes the callback registered under handle Endpoint.
	KindInProcess Kind = "inprocess"
)

// Valid reports whether k is a known sink kind.
func (k Kind) Valid() bool {
	return k == KindWebhook || k == KindInProcess
}

// Subscription is one interested sink and the event types it cares about.
type Subscription struct {
	entity.Entity

	// ID orders subscriptions by creation time.
	ID id.ID `json:"id"`

	Kind Kind `json:"kind"`

	// Filter holds event type patterns: exact names, "*", or
	// wildcard forms such as "opportunity.*" and "*.created".
	Filter []string `json:"filter"`

	// Endpoint is the URL for webhooks or the callback handle for
	// in-process sinks.
	Endpoint string `json:"endpoint"`

	// Secret signs webhook bodies. Never serialized.
	Secret string `json:"-"`

	Active bool `json:"active"`

	// TenantID restricts the subscription to one CRM company. Empty
	// means events of every tenant.
	TenantID string `json:"tenant_id,omitempty"`

	Description string `json:"description,omitempty"`

	// Headers are custom HTTP headers sent with each webhook call.
	Headers map[string]string `json:"headers,omitempty"`

	// RateLimit caps deliveries per second. 0 means unlimited.
	RateLimit int `json:"rate_limit"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.Filter = append([]string(nil), s.Filter...)
	cp.Headers = cloneMap(s.Headers)
	cp.Metadata = cloneMap(s.Metadata)
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
