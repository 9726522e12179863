package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/herald/event"
)

// AppendEvent reserves the next sequence from the counters collection and
// inserts the event under it.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	seq, err := s.nextSeq(ctx, colEvents)
	if err != nil {
		return s.wrap("append event", err)
	}
	evt.Sequence = seq
	if _, err := s.db.Collection(colEvents).InsertOne(ctx, toEventModel(evt)); err != nil {
		return s.wrap("append event", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, seq int64) (*event.Event, error) {
	var m eventModel
	if err := s.db.Collection(colEvents).FindOne(ctx, bson.M{"_id": seq}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, event.ErrNotFound
		}
		return nil, s.wrap("get event", err)
	}
	return fromEventModel(&m), nil
}

// ReadEvents returns the contiguous run of events after the given sequence.
// A sequence reserved by a writer that has not inserted yet ends the run,
// unless the next stored event is older than the gap timeout, in which case
// the hole is treated as abandoned.
func (s *Store) ReadEvents(ctx context.Context, after int64, limit int) ([]*event.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	models, err := findAll[eventModel](ctx, s.db.Collection(colEvents), bson.M{"_id": bson.M{"$gt": after}}, opts)
	if err != nil {
		return nil, s.wrap("read events", err)
	}

	out := make([]*event.Event, 0, len(models))
	expect := after + 1
	for i := range models {
		m := &models[i]
		if m.Sequence != expect && time.Since(m.CreatedAt) < s.gapTimeout {
			break
		}
		out = append(out, fromEventModel(m))
		expect = m.Sequence + 1
	}
	return out, nil
}

func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var m eventModel
	err := s.db.Collection(colEvents).FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetProjection(bson.M{"_id": 1}),
	).Decode(&m)
	if isNoDocuments(err) {
		return 0, nil
	}
	return m.Sequence, s.wrap("last sequence", err)
}
