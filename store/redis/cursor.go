package redis

import (
	"context"
	"encoding/json"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/dispatch"
)

func (s *Store) GetCursor(ctx context.Context, name string) (*dispatch.Cursor, error) {
	var c dispatch.Cursor
	if err := s.getEntity(ctx, s.rdb, entityKey(prefixCursor, name), &c); err != nil {
		if isRedisNil(err) {
			return &dispatch.Cursor{Name: name}, nil
		}
		return nil, s.wrap("get cursor", err)
	}
	return &c, nil
}

// AdvanceCursor compare-and-sets the cursor under WATCH.
func (s *Store) AdvanceCursor(ctx context.Context, name string, expectedVersion, position int64) (*dispatch.Cursor, error) {
	key := entityKey(prefixCursor, name)
	next := &dispatch.Cursor{Name: name, Position: position, Version: expectedVersion + 1, UpdatedAt: now()}

	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		var cur dispatch.Cursor
		if err := s.getEntity(ctx, tx, key, &cur); err != nil && !isRedisNil(err) {
			return err
		}
		if cur.Version != expectedVersion {
			return dispatch.ErrCursorConflict
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, dispatch.ErrCursorConflict), errors.Is(err, goredis.TxFailedErr):
		return nil, dispatch.ErrCursorConflict
	default:
		return nil, s.wrap("advance cursor", err)
	}
}
