package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/subscription"
)

// subscriptionModel keeps the secret, which the public type hides from JSON.
type subscriptionModel struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Filter      []string          `json:"filter"`
	Endpoint    string            `json:"endpoint"`
	Secret      string            `json:"secret"`
	Active      bool              `json:"active"`
	TenantID    string            `json:"tenant_id"`
	Description string            `json:"description"`
	Headers     map[string]string `json:"headers,omitempty"`
	RateLimit   int               `json:"rate_limit"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:          sub.ID.String(),
		Kind:        string(sub.Kind),
		Filter:      sub.Filter,
		Endpoint:    sub.Endpoint,
		Secret:      sub.Secret,
		Active:      sub.Active,
		TenantID:    sub.TenantID,
		Description: sub.Description,
		Headers:     sub.Headers,
		RateLimit:   sub.RateLimit,
		Metadata:    sub.Metadata,
		CreatedAt:   sub.CreatedAt,
		UpdatedAt:   sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	return &subscription.Subscription{
		Entity:      entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          subID,
		Kind:        subscription.Kind(m.Kind),
		Filter:      m.Filter,
		Endpoint:    m.Endpoint,
		Secret:      m.Secret,
		Active:      m.Active,
		TenantID:    m.TenantID,
		Description: m.Description,
		Headers:     m.Headers,
		RateLimit:   m.RateLimit,
		Metadata:    m.Metadata,
	}, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	raw, err := json.Marshal(toSubscriptionModel(sub))
	if err != nil {
		return fmt.Errorf("herald/redis: marshal subscription: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, entityKey(prefixSubscription, sub.ID.String()), raw, 0)
		pipe.ZAdd(ctx, zSubscriptionAll, goredis.Z{Member: sub.ID.String()})
		return nil
	})
	return s.wrap("create subscription", err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	var m subscriptionModel
	if err := s.getEntity(ctx, s.rdb, entityKey(prefixSubscription, subID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, s.wrap("get subscription", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	key := entityKey(prefixSubscription, sub.ID.String())
	sub.UpdatedAt = now()
	raw, err := json.Marshal(toSubscriptionModel(sub))
	if err != nil {
		return fmt.Errorf("herald/redis: marshal subscription: %w", err)
	}
	ok, err := s.rdb.SetXX(ctx, key, raw, goredis.KeepTTL).Result()
	if err != nil {
		return s.wrap("update subscription", err)
	}
	if !ok {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	var deleted *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, entityKey(prefixSubscription, subID.String()))
		pipe.ZRem(ctx, zSubscriptionAll, subID.String())
		return nil
	})
	if err != nil {
		return s.wrap("delete subscription", err)
	}
	if deleted.Val() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.ZRange(ctx, zSubscriptionAll, 0, -1).Result()
	if err != nil {
		return nil, s.wrap("list subscriptions", err)
	}
	models, err := mgetEntities[subscriptionModel](ctx, s.rdb, prefixed(prefixSubscription, ids))
	if err != nil {
		return nil, s.wrap("list subscriptions", err)
	}

	result := make([]*subscription.Subscription, 0, len(models))
	for _, m := range models {
		if opts.Active != nil && m.Active != *opts.Active {
			continue
		}
		if opts.Kind != "" && m.Kind != string(opts.Kind) {
			continue
		}
		if opts.TenantID != "" && m.TenantID != opts.TenantID {
			continue
		}
		sub, err := fromSubscriptionModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) SetActive(ctx context.Context, subID id.ID, active bool) error {
	sub, err := s.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	sub.Active = active
	return s.UpdateSubscription(ctx, sub)
}
