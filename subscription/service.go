package subscription

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/signature"
)

// Service provides subscription management operations.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new subscription service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Add registers a new active subscription.
func (svc *Service) Add(ctx context.Context, in Input) (*Subscription, error) {
	if in.Kind == "" {
		in.Kind = KindWebhook
	}
	if !in.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Message: "must be webhook or inprocess"}
	}
	if err := validateEndpoint(in.Kind, in.Endpoint); err != nil {
		return nil, err
	}
	if err := validateFilter(in.Filter); err != nil {
		return nil, err
	}
	if err := validateHeaders(in.Headers); err != nil {
		return nil, err
	}
	if in.RateLimit < 0 {
		in.RateLimit = 0
	}

	sub := &Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		Kind:        in.Kind,
		Filter:      in.Filter,
		Endpoint:    in.Endpoint,
		Active:      true,
		TenantID:    in.TenantID,
		Description: in.Description,
		Headers:     in.Headers,
		RateLimit:   in.RateLimit,
		Metadata:    in.Metadata,
	}
	if in.Kind == KindWebhook {
		sub.Secret = in.Secret
		if sub.Secret == "" {
			sub.Secret = signature.GenerateSecret()
		}
	}

	if err := svc.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	svc.logger.InfoContext(ctx, "subscription added",
		"subscription_id", sub.ID,
		"kind", sub.Kind,
		"filter", sub.Filter,
	)
	return sub, nil
}

// Get returns a subscription by ID.
func (svc *Service) Get(ctx context.Context, subID id.ID) (*Subscription, error) {
	return svc.store.GetSubscription(ctx, subID)
}

// List returns subscriptions ordered by ID.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Subscription, error) {
	return svc.store.ListSubscriptions(ctx, opts)
}

// Update modifies an existing subscription. Empty strings, nil maps and an
// empty filter leave their fields unchanged. RateLimit is always applied
// unless negative, so 0 removes the limit. The kind cannot change.
func (svc *Service) Update(ctx context.Context, subID id.ID, in Input) (*Subscription, error) {
	sub, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}

	if in.Endpoint != "" {
		if err := validateEndpoint(sub.Kind, in.Endpoint); err != nil {
			return nil, err
		}
		sub.Endpoint = in.Endpoint
	}
	if len(in.Filter) > 0 {
		if err := validateFilter(in.Filter); err != nil {
			return nil, err
		}
		sub.Filter = in.Filter
	}
	if in.Description != "" {
		sub.Description = in.Description
	}
	if in.Headers != nil {
		if err := validateHeaders(in.Headers); err != nil {
			return nil, err
		}
		sub.Headers = in.Headers
	}
	if in.RateLimit >= 0 {
		sub.RateLimit = in.RateLimit
	}
	if in.Metadata != nil {
		sub.Metadata = in.Metadata
	}
	if in.Secret != "" && sub.Kind == KindWebhook {
		sub.Secret = in.Secret
	}

	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes a subscription.
func (svc *Service) Delete(ctx context.Context, subID id.ID) error {
	return svc.store.DeleteSubscription(ctx, subID)
}

// Deactivate stops new tasks from being created for the subscription.
// Deliveries already in flight finish; pending retries are discarded by
// the retry scheduler.
func (svc *Service) Deactivate(ctx context.Context, subID id.ID) error {
	if err := svc.store.SetActive(ctx, subID, false); err != nil {
		return err
	}
	svc.logger.InfoContext(ctx, "subscription deactivated", "subscription_id", subID)
	return nil
}

// Activate re-enables a deactivated subscription for future events.
func (svc *Service) Activate(ctx context.Context, subID id.ID) error {
	return svc.store.SetActive(ctx, subID, true)
}

// RotateSecret generates a new signing secret for a webhook subscription.
func (svc *Service) RotateSecret(ctx context.Context, subID id.ID) (string, error) {
	sub, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return "", err
	}
	if sub.Kind != KindWebhook {
		return "", &ValidationError{Field: "kind", Message: "only webhook subscriptions have a secret"}
	}

	sub.Secret = signature.GenerateSecret()
	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return "", err
	}
	return sub.Secret, nil
}

func validateEndpoint(kind Kind, endpoint string) error {
	if kind == KindInProcess {
		if endpoint == "" {
			return &ValidationError{Field: "endpoint", Message: "callback handle required"}
		}
		return nil
	}
	u, err := url.ParseRequestURI(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "endpoint", Message: "invalid URL"}
	}
	return nil
}

func validateFilter(filter []string) error {
	if len(filter) == 0 {
		return &ValidationError{Field: "filter", Message: "at least one event type pattern required"}
	}
	for _, p := range filter {
		if p == "" {
			return &ValidationError{Field: "filter", Message: "empty pattern"}
		}
	}
	return nil
}

// reservedHeaders are set by the webhook sink on every call.
var reservedHeaders = map[string]bool{
	"Content-Type":     true,
	"User-Agent":       true,
	"X-Event-Sequence": true,
	"X-Event-Type":     true,
	signature.Header:   true,
}

func validateHeaders(headers map[string]string) error {
	for k := range headers {
		if reservedHeaders[http.CanonicalHeaderKey(k)] {
			return &ValidationError{Field: "headers", Message: k + " is set by the sender"}
		}
	}
	return nil
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "subscription validation: " + e.Field + ": " + e.Message
}
