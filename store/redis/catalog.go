package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/catalog"
)

func (s *Store) putEventType(ctx context.Context, et *catalog.EventType) error {
	raw, err := json.Marshal(et)
	if err != nil {
		return fmt.Errorf("herald/redis: marshal event type: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, entityKey(prefixEventType, et.Definition.Name), raw, 0)
		pipe.ZAdd(ctx, zEventTypeAll, goredis.Z{Member: et.Definition.Name})
		return nil
	})
	return err
}

// RegisterType upserts by name, keeping the first ID and creation time.
func (s *Store) RegisterType(ctx context.Context, et *catalog.EventType) error {
	existing, err := s.GetType(ctx, et.Definition.Name)
	switch {
	case err == nil:
		et.ID = existing.ID
		et.CreatedAt = existing.CreatedAt
	case !errors.Is(err, catalog.ErrNotFound):
		return err
	}
	et.IsDeprecated = false
	et.DeprecatedAt = nil
	return s.wrap("register type", s.putEventType(ctx, et))
}

func (s *Store) GetType(ctx context.Context, name string) (*catalog.EventType, error) {
	var et catalog.EventType
	if err := s.getEntity(ctx, s.rdb, entityKey(prefixEventType, name), &et); err != nil {
		if isRedisNil(err) {
			return nil, catalog.ErrNotFound
		}
		return nil, s.wrap("get type", err)
	}
	return &et, nil
}

func (s *Store) ListTypes(ctx context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	names, err := s.rdb.ZRange(ctx, zEventTypeAll, 0, -1).Result()
	if err != nil {
		return nil, s.wrap("list types", err)
	}
	all, err := mgetEntities[catalog.EventType](ctx, s.rdb, prefixed(prefixEventType, names))
	if err != nil {
		return nil, s.wrap("list types", err)
	}

	result := make([]*catalog.EventType, 0, len(all))
	for _, et := range all {
		if !opts.IncludeDeprecated && et.IsDeprecated {
			continue
		}
		if opts.Group != "" && et.Definition.Group != opts.Group {
			continue
		}
		result = append(result, et)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// DeleteType marks the type deprecated.
func (s *Store) DeleteType(ctx context.Context, name string) error {
	et, err := s.GetType(ctx, name)
	if err != nil {
		return err
	}
	t := now()
	et.IsDeprecated = true
	et.DeprecatedAt = &t
	et.UpdatedAt = t
	return s.wrap("delete type", s.putEventType(ctx, et))
}
