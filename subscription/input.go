package subscription

// Input is the creation and update payload for subscriptions.
type Input struct {
	Kind Kind `json:"kind"`

	// Filter holds event type patterns.
	Filter []string `json:"filter"`

	// Endpoint is the webhook URL or the in-process callback handle.
	Endpoint string `json:"endpoint"`

	// Secret is auto-generated for webhooks when empty on create.
	Secret string `json:"secret,omitempty"`

	TenantID    string            `json:"tenant_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	// RateLimit caps deliveries per second; 0 means unlimited. Negative
	// leaves it unchanged on update.
	RateLimit int `json:"rate_limit"`

	Metadata map[string]string `json:"metadata,omitempty"`
}
