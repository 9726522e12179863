package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/internal/entity"
)

// appendScript assigns the next sequence and writes the event in one atomic
// step, so a reader that sees sequence N also sees every event below N.
var appendScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('SET', ARGV[1] .. seq, ARGV[2])
return seq
`)

// eventModel is the JSON representation stored in Redis. The sequence is
// the key suffix.
type eventModel struct {
	Type           string          `json:"type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SourceEntityID string          `json:"source_entity_id,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		Type:           evt.Type,
		OccurredAt:     evt.OccurredAt,
		Payload:        evt.Payload,
		SourceEntityID: evt.SourceEntityID,
		TenantID:       evt.TenantID,
		CreatedAt:      evt.CreatedAt,
		UpdatedAt:      evt.UpdatedAt,
	}
}

func fromEventModel(seq int64, m *eventModel) *event.Event {
	return &event.Event{
		Entity:         entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Sequence:       seq,
		Type:           m.Type,
		OccurredAt:     m.OccurredAt,
		Payload:        m.Payload,
		SourceEntityID: m.SourceEntityID,
		TenantID:       m.TenantID,
	}
}

func eventKey(seq int64) string {
	return prefixEvent + strconv.FormatInt(seq, 10)
}

func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	raw, err := json.Marshal(toEventModel(evt))
	if err != nil {
		return fmt.Errorf("herald/redis: marshal event: %w", err)
	}
	seq, err := appendScript.Run(ctx, s.rdb, []string{counterEventSeq}, prefixEvent, raw).Int64()
	if err != nil {
		return s.wrap("append event", err)
	}
	evt.Sequence = seq
	return nil
}

func (s *Store) GetEvent(ctx context.Context, seq int64) (*event.Event, error) {
	var m eventModel
	if err := s.getEntity(ctx, s.rdb, eventKey(seq), &m); err != nil {
		if isRedisNil(err) {
			return nil, event.ErrNotFound
		}
		return nil, s.wrap("get event", err)
	}
	return fromEventModel(seq, &m), nil
}

func (s *Store) ReadEvents(ctx context.Context, after int64, limit int) ([]*event.Event, error) {
	last, err := s.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	if after < 0 {
		after = 0
	}
	upto := last
	if limit > 0 && after+int64(limit) < upto {
		upto = after + int64(limit)
	}
	if upto <= after {
		return nil, nil
	}

	keys := make([]string, 0, upto-after)
	for seq := after + 1; seq <= upto; seq++ {
		keys = append(keys, eventKey(seq))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrap("read events", err)
	}

	out := make([]*event.Event, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m eventModel
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, s.wrap("read events", err)
		}
		out = append(out, fromEventModel(after+1+int64(i), &m))
	}
	return out, nil
}

func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	seq, err := s.rdb.Get(ctx, counterEventSeq).Int64()
	if isRedisNil(err) {
		return 0, nil
	}
	return seq, s.wrap("last sequence", err)
}
