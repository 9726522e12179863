// Package redis implements store.Store on Redis with go-redis. Entities are
// JSON documents; sorted sets index tasks by due time and claim time, and
// compare-and-set writes use WATCH/MULTI.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/internal/storeerr"
	heraldstore "github.com/xraph/herald/store"
)

// compile-time interface check
var _ heraldstore.Store = (*Store)(nil)

const backend = "redis"

// Store implements store.Store using Redis.
type Store struct {
	rdb goredis.UniversalClient
}

// New creates a Store on an existing client.
func New(rdb goredis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Open parses a redis:// URL and connects.
func Open(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: parse url: %w", err)
	}
	return New(goredis.NewClient(opts)), nil
}

// Client returns the underlying client.
func (s *Store) Client() goredis.UniversalClient { return s.rdb }

// Migrate is a no-op for Redis (no schema migrations needed).
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.wrap("ping", s.rdb.Ping(ctx).Err())
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func now() time.Time {
	return time.Now().UTC()
}

// score converts a time to a sorted set score in unix milliseconds.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("herald/redis: %s: %w", op, storeerr.ErrClosed)
	}
	return storeerr.Unavailable(backend, op, err)
}

// getter is satisfied by clients, pipelines and WATCH transactions.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

// getEntity loads and decodes the JSON document at key.
func (s *Store) getEntity(ctx context.Context, rdb getter, key string, dest any) error {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// mgetEntities loads the documents at keys in order, skipping missing ones.
func mgetEntities[T any](ctx context.Context, rdb goredis.UniversalClient, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m T
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("decode %T: %w", m, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

func prefixed(prefix string, ids []string) []string {
	keys := make([]string, len(ids))
	for i, v := range ids {
		keys[i] = prefix + v
	}
	return keys
}

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) && offset > 0 {
		return nil
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
