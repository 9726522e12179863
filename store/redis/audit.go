package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/audit"
)

func (s *Store) AppendAudit(ctx context.Context, rec *audit.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("herald/redis: marshal audit record: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, listAuditAll, raw)
		pipe.RPush(ctx, listAuditTask+rec.TaskID.String(), raw)
		return nil
	})
	return s.wrap("append audit", err)
}

func (s *Store) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Record, error) {
	key := listAuditAll
	if !opts.TaskID.IsNil() {
		key = listAuditTask + opts.TaskID.String()
	}
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, s.wrap("list audit", err)
	}

	var result []*audit.Record
	for _, v := range vals {
		var r audit.Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("herald/redis: decode audit record: %w", err)
		}
		if !opts.SubscriptionID.IsNil() && r.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.Outcome != "" && r.Outcome != opts.Outcome {
			continue
		}
		result = append(result, &r)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}
