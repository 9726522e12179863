package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/signature"
	"github.com/xraph/herald/subscription"
)

const (
	// DefaultCallTimeout bounds one webhook call.
	DefaultCallTimeout = 10 * time.Second

	maxResponseBody = 1024

	headerSequence  = "X-Event-Sequence"
	headerEventType = "X-Event-Type"
	userAgent       = "Herald/1.0"
)

// Payload is the JSON body POSTed to webhook endpoints.
type Payload struct {
	Sequence   int64           `json:"sequence"`
	EventType  string          `json:"eventType"`
	OccurredAt string          `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// NewPayload builds the wire body for evt.
func NewPayload(evt *event.Event) Payload {
	p := Payload{
		Sequence:   evt.Sequence,
		EventType:  evt.Type,
		OccurredAt: evt.OccurredAt.UTC().Format(time.RFC3339),
		Payload:    evt.Payload,
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("null")
	}
	return p
}

// WebhookSink delivers events by HTTP POST with an HMAC-SHA256 signature
// over the exact body bytes.
type WebhookSink struct {
	client *http.Client
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient replaces the default client. Its Timeout is left as is.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// NewWebhookSink creates a sink with the given per-call timeout. A timeout
// of zero uses DefaultCallTimeout.
func NewWebhookSink(timeout time.Duration, opts ...WebhookOption) *WebhookSink {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	s := &WebhookSink{client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver POSTs evt to sub.Endpoint and classifies the response.
// Subscription headers cannot replace the headers the sink sets itself.
func (s *WebhookSink) Deliver(ctx context.Context, evt *event.Event, sub *subscription.Subscription) Result {
	body, err := json.Marshal(NewPayload(evt))
	if err != nil {
		return Result{Outcome: audit.OutcomePermanentFailure, Detail: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: audit.OutcomePermanentFailure, Detail: fmt.Sprintf("create request: %v", err)}
	}

	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerSequence, strconv.FormatInt(evt.Sequence, 10))
	req.Header.Set(headerEventType, evt.Type)
	req.Header.Set(signature.Header, signature.Sign(body, sub.Secret))

	start := time.Now()
	resp, err := s.client.Do(req) //nolint:gosec // G704: URL is a user-configured webhook destination.
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return Result{
			Outcome:   audit.OutcomeTransientFailure,
			Detail:    err.Error(),
			LatencyMs: latency,
		}
	}
	defer resp.Body.Close()

	detail := statusDetail(resp.StatusCode)
	outcome := ClassifyStatus(resp.StatusCode)
	if outcome != audit.OutcomeSent {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if s := strings.TrimSpace(string(snippet)); s != "" {
			detail += ": " + s
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	return Result{
		Outcome:    outcome,
		StatusCode: resp.StatusCode,
		Detail:     detail,
		LatencyMs:  latency,
	}
}
