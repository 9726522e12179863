package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/task"
)

func taskKey(taskID string) string {
	return entityKey(prefixTask, taskID)
}

func uniqueKey(seq int64, subID id.ID) string {
	return uniqueTaskKey + strconv.FormatInt(seq, 10) + ":" + subID.String()
}

// writeTask stores t and moves it between the due and claimed indexes to
// match its state.
func writeTask(ctx context.Context, pipe goredis.Pipeliner, t *task.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	member := t.ID.String()
	pipe.Set(ctx, taskKey(member), raw, 0)
	pipe.ZAdd(ctx, zTaskAll, goredis.Z{Score: float64(t.EventSequence), Member: member})

	switch t.State {
	case task.StatePending:
		pipe.ZAdd(ctx, zTaskDue, goredis.Z{Score: score(t.NextAttemptAt), Member: member})
		pipe.ZRem(ctx, zTaskClaimed, member)
	case task.StateInFlight, task.StateFailed:
		claimed := now()
		if t.ClaimedAt != nil {
			claimed = *t.ClaimedAt
		}
		pipe.ZRem(ctx, zTaskDue, member)
		pipe.ZAdd(ctx, zTaskClaimed, goredis.Z{Score: score(claimed), Member: member})
	default:
		pipe.ZRem(ctx, zTaskDue, member)
		pipe.ZRem(ctx, zTaskClaimed, member)
	}
	return nil
}

func (s *Store) CreateTasks(ctx context.Context, tasks []*task.Task) ([]*task.Task, error) {
	created := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		ok, err := s.rdb.SetNX(ctx, uniqueKey(t.EventSequence, t.SubscriptionID), t.ID.String(), 0).Result()
		if err != nil {
			return nil, s.wrap("create tasks", err)
		}
		if !ok {
			continue
		}
		_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return writeTask(ctx, pipe, t)
		})
		if err != nil {
			return nil, s.wrap("create tasks", err)
		}
		created = append(created, t)
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, taskID id.ID) (*task.Task, error) {
	var t task.Task
	if err := s.getEntity(ctx, s.rdb, taskKey(taskID.String()), &t); err != nil {
		if isRedisNil(err) {
			return nil, task.ErrNotFound
		}
		return nil, s.wrap("get task", err)
	}
	return &t, nil
}

func (s *Store) GetTaskByKey(ctx context.Context, seq int64, subID id.ID) (*task.Task, error) {
	taskID, err := s.rdb.Get(ctx, uniqueKey(seq, subID)).Result()
	if isRedisNil(err) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get task by key", err)
	}
	tid, err := id.ParseTaskID(taskID)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: parse task ID %q: %w", taskID, err)
	}
	return s.GetTask(ctx, tid)
}

// casTask runs mutate against the stored task under WATCH and writes the
// result. A concurrent writer turns into task.ErrConflict.
func (s *Store) casTask(ctx context.Context, op string, taskID id.ID, mutate func(cur *task.Task) (*task.Task, error)) (*task.Task, error) {
	key := taskKey(taskID.String())
	var written *task.Task
	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		var cur task.Task
		if err := s.getEntity(ctx, tx, key, &cur); err != nil {
			if isRedisNil(err) {
				return task.ErrNotFound
			}
			return err
		}
		next, err := mutate(&cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return writeTask(ctx, pipe, next)
		})
		if err != nil {
			return err
		}
		written = next
		return nil
	}, key)

	switch {
	case err == nil:
		return written, nil
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrConflict):
		return nil, err
	case errors.Is(err, goredis.TxFailedErr):
		return nil, task.ErrConflict
	default:
		return nil, s.wrap(op, err)
	}
}

func (s *Store) ClaimTask(ctx context.Context, taskID id.ID, at time.Time) (*task.Task, error) {
	return s.casTask(ctx, "claim task", taskID, func(cur *task.Task) (*task.Task, error) {
		if cur.State != task.StatePending || cur.NextAttemptAt.After(at) {
			return nil, task.ErrConflict
		}
		claimed := at.UTC()
		cur.State = task.StateInFlight
		cur.ClaimedAt = &claimed
		cur.UpdatedAt = claimed
		cur.Version++
		return cur, nil
	})
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	written, err := s.casTask(ctx, "update task", t.ID, func(cur *task.Task) (*task.Task, error) {
		if cur.Version != t.Version {
			return nil, task.ErrConflict
		}
		next := t.Clone()
		next.Version++
		next.UpdatedAt = now()
		return next, nil
	})
	if err != nil {
		return err
	}
	t.Version = written.Version
	t.UpdatedAt = written.UpdatedAt
	return nil
}

func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]*task.Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zTaskDue, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, s.wrap("list due", err)
	}
	tasks, err := mgetEntities[task.Task](ctx, s.rdb, prefixed(prefixTask, ids))
	if err != nil {
		return nil, s.wrap("list due", err)
	}
	tasks = slices.DeleteFunc(tasks, func(t *task.Task) bool {
		return t.State != task.StatePending || t.NextAttemptAt.After(before)
	})
	slices.SortFunc(tasks, func(a, b *task.Task) int {
		return cmp.Or(a.NextAttemptAt.Compare(b.NextAttemptAt), compareTasks(a, b))
	})
	return tasks, nil
}

func (s *Store) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*task.Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zTaskClaimed, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(claimedBefore.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, s.wrap("list stale", err)
	}
	tasks, err := mgetEntities[task.Task](ctx, s.rdb, prefixed(prefixTask, ids))
	if err != nil {
		return nil, s.wrap("list stale", err)
	}
	tasks = slices.DeleteFunc(tasks, func(t *task.Task) bool {
		held := t.State == task.StateInFlight || t.State == task.StateFailed
		return !held || t.ClaimedAt == nil || !t.ClaimedAt.Before(claimedBefore)
	})
	slices.SortFunc(tasks, compareTasks)
	return tasks, nil
}

func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	tasks, err := s.allTasks(ctx, opts.EventSequence)
	if err != nil {
		return nil, s.wrap("list tasks", err)
	}
	tasks = slices.DeleteFunc(tasks, func(t *task.Task) bool {
		if opts.State != nil && t.State != *opts.State {
			return true
		}
		return !opts.SubscriptionID.IsNil() && t.SubscriptionID.String() != opts.SubscriptionID.String()
	})
	return applyPagination(tasks, opts.Offset, opts.Limit), nil
}

// CountByState scans every task document.
// TODO: keep per-state counters in a hash once task volume makes the scan slow.
func (s *Store) CountByState(ctx context.Context, subID id.ID) (map[task.State]int64, error) {
	tasks, err := s.allTasks(ctx, 0)
	if err != nil {
		return nil, s.wrap("count by state", err)
	}
	counts := make(map[task.State]int64)
	for _, t := range tasks {
		if !subID.IsNil() && t.SubscriptionID.String() != subID.String() {
			continue
		}
		counts[t.State]++
	}
	return counts, nil
}

// allTasks loads tasks ordered by (sequence, subscription); seq > 0
// restricts to one event.
func (s *Store) allTasks(ctx context.Context, seq int64) ([]*task.Task, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if seq > 0 {
		by.Min = strconv.FormatInt(seq, 10)
		by.Max = by.Min
	}
	ids, err := s.rdb.ZRangeByScore(ctx, zTaskAll, by).Result()
	if err != nil {
		return nil, err
	}
	tasks, err := mgetEntities[task.Task](ctx, s.rdb, prefixed(prefixTask, ids))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tasks, compareTasks)
	return tasks, nil
}

func compareTasks(a, b *task.Task) int {
	return cmp.Or(
		cmp.Compare(a.EventSequence, b.EventSequence),
		a.SubscriptionID.Compare(b.SubscriptionID),
	)
}
