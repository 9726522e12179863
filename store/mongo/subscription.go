package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/subscription"
)

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.db.Collection(colSubscriptions).InsertOne(ctx, toSubscriptionModel(sub))
	return s.wrap("create subscription", err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	var m subscriptionModel
	if err := s.db.Collection(colSubscriptions).FindOne(ctx, bson.M{"_id": subID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, s.wrap("get subscription", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	sub.UpdatedAt = now()
	res, err := s.db.Collection(colSubscriptions).ReplaceOne(ctx, bson.M{"_id": sub.ID.String()}, toSubscriptionModel(sub))
	if err != nil {
		return s.wrap("update subscription", err)
	}
	if res.MatchedCount == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	res, err := s.db.Collection(colSubscriptions).DeleteOne(ctx, bson.M{"_id": subID.String()})
	if err != nil {
		return s.wrap("delete subscription", err)
	}
	if res.DeletedCount == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	filter := bson.M{}
	if opts.Active != nil {
		filter["active"] = *opts.Active
	}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}
	find := page(options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}), opts.Offset, opts.Limit)

	models, err := findAll[subscriptionModel](ctx, s.db.Collection(colSubscriptions), filter, find)
	if err != nil {
		return nil, s.wrap("list subscriptions", err)
	}
	out := make([]*subscription.Subscription, 0, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) SetActive(ctx context.Context, subID id.ID, active bool) error {
	res, err := s.db.Collection(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": subID.String()},
		bson.M{"$set": bson.M{"active": active, "updated_at": now()}},
	)
	if err != nil {
		return s.wrap("set active", err)
	}
	if res.MatchedCount == 0 {
		return subscription.ErrNotFound
	}
	return nil
}
