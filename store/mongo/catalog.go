package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/herald/catalog"
)

// RegisterType upserts by name. The first registration fixes the ID and
// creation time; every registration clears deprecation.
func (s *Store) RegisterType(ctx context.Context, et *catalog.EventType) error {
	set := bson.M{
		"description":   et.Definition.Description,
		"group_name":    et.Definition.Group,
		"schema":        string(et.Definition.Schema),
		"example":       string(et.Definition.Example),
		"is_deprecated": false,
		"metadata":      et.Metadata,
		"updated_at":    et.UpdatedAt,
	}
	var m eventTypeModel
	err := s.db.Collection(colEventTypes).FindOneAndUpdate(ctx,
		bson.M{"name": et.Definition.Name},
		bson.M{
			"$set":         set,
			"$unset":       bson.M{"deprecated_at": ""},
			"$setOnInsert": bson.M{"_id": et.ID.String(), "created_at": et.CreatedAt},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		return s.wrap("register type", err)
	}
	stored, err := fromEventTypeModel(&m)
	if err != nil {
		return err
	}
	et.ID = stored.ID
	et.CreatedAt = stored.CreatedAt
	et.IsDeprecated = false
	et.DeprecatedAt = nil
	return nil
}

func (s *Store) GetType(ctx context.Context, name string) (*catalog.EventType, error) {
	var m eventTypeModel
	if err := s.db.Collection(colEventTypes).FindOne(ctx, bson.M{"name": name}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, catalog.ErrNotFound
		}
		return nil, s.wrap("get type", err)
	}
	return fromEventTypeModel(&m)
}

func (s *Store) ListTypes(ctx context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	filter := bson.M{}
	if !opts.IncludeDeprecated {
		filter["is_deprecated"] = false
	}
	if opts.Group != "" {
		filter["group_name"] = opts.Group
	}
	find := page(options.Find().SetSort(bson.D{{Key: "name", Value: 1}}), opts.Offset, opts.Limit)

	models, err := findAll[eventTypeModel](ctx, s.db.Collection(colEventTypes), filter, find)
	if err != nil {
		return nil, s.wrap("list types", err)
	}
	out := make([]*catalog.EventType, 0, len(models))
	for i := range models {
		et, err := fromEventTypeModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, et)
	}
	return out, nil
}

// DeleteType marks the type deprecated.
func (s *Store) DeleteType(ctx context.Context, name string) error {
	t := now()
	res, err := s.db.Collection(colEventTypes).UpdateOne(ctx,
		bson.M{"name": name},
		bson.M{"$set": bson.M{"is_deprecated": true, "deprecated_at": t, "updated_at": t}},
	)
	if err != nil {
		return s.wrap("delete type", err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}
