package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/task"
)

var taskOrder = bson.D{{Key: "event_sequence", Value: 1}, {Key: "subscription_id", Value: 1}}

// CreateTasks inserts each task; a duplicate (event, subscription) key is
// skipped.
func (s *Store) CreateTasks(ctx context.Context, tasks []*task.Task) ([]*task.Task, error) {
	col := s.db.Collection(colTasks)
	created := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, err := col.InsertOne(ctx, toTaskModel(t)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return nil, s.wrap("create tasks", err)
		}
		created = append(created, t)
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, taskID id.ID) (*task.Task, error) {
	return s.oneTask(ctx, "get task", bson.M{"_id": taskID.String()})
}

func (s *Store) GetTaskByKey(ctx context.Context, seq int64, subID id.ID) (*task.Task, error) {
	return s.oneTask(ctx, "get task by key", bson.M{"event_sequence": seq, "subscription_id": subID.String()})
}

func (s *Store) ClaimTask(ctx context.Context, taskID id.ID, at time.Time) (*task.Task, error) {
	claimed := at.UTC()
	var m taskModel
	err := s.db.Collection(colTasks).FindOneAndUpdate(ctx,
		bson.M{
			"_id":             taskID.String(),
			"state":           string(task.StatePending),
			"next_attempt_at": bson.M{"$lte": claimed},
		},
		bson.M{
			"$set": bson.M{"state": string(task.StateInFlight), "claimed_at": claimed, "updated_at": claimed},
			"$inc": bson.M{"version": int64(1)},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return fromTaskModel(&m)
	}
	if !isNoDocuments(err) {
		return nil, s.wrap("claim task", err)
	}
	return nil, s.missOrConflict(ctx, "claim task", taskID)
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	m := toTaskModel(t)
	m.Version = t.Version + 1
	m.UpdatedAt = now()
	res, err := s.db.Collection(colTasks).ReplaceOne(ctx, bson.M{"_id": m.ID, "version": t.Version}, m)
	if err != nil {
		return s.wrap("update task", err)
	}
	if res.MatchedCount == 0 {
		return s.missOrConflict(ctx, "update task", t.ID)
	}
	t.Version = m.Version
	t.UpdatedAt = m.UpdatedAt
	return nil
}

func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]*task.Task, error) {
	sort := append(bson.D{{Key: "next_attempt_at", Value: 1}}, taskOrder...)
	return s.findTasks(ctx, "list due",
		bson.M{"state": string(task.StatePending), "next_attempt_at": bson.M{"$lte": before.UTC()}},
		page(options.Find().SetSort(sort), 0, limit))
}

func (s *Store) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*task.Task, error) {
	return s.findTasks(ctx, "list stale",
		bson.M{
			"state":      bson.M{"$in": bson.A{string(task.StateInFlight), string(task.StateFailed)}},
			"claimed_at": bson.M{"$lt": claimedBefore.UTC()},
		},
		page(options.Find().SetSort(taskOrder), 0, limit))
}

func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	filter := bson.M{}
	if opts.State != nil {
		filter["state"] = string(*opts.State)
	}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if opts.EventSequence != 0 {
		filter["event_sequence"] = opts.EventSequence
	}
	return s.findTasks(ctx, "list tasks", filter, page(options.Find().SetSort(taskOrder), opts.Offset, opts.Limit))
}

func (s *Store) CountByState(ctx context.Context, subID id.ID) (map[task.State]int64, error) {
	pipeline := mongo.Pipeline{}
	if !subID.IsNil() {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{"subscription_id": subID.String()}}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$group", Value: bson.M{"_id": "$state", "n": bson.M{"$sum": 1}}}})

	cur, err := s.db.Collection(colTasks).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, s.wrap("count by state", err)
	}
	var rows []struct {
		State string `bson:"_id"`
		N     int64  `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, s.wrap("count by state", err)
	}

	counts := make(map[task.State]int64, len(rows))
	for _, r := range rows {
		counts[task.State(r.State)] = r.N
	}
	return counts, nil
}

func (s *Store) oneTask(ctx context.Context, op string, filter bson.M) (*task.Task, error) {
	var m taskModel
	if err := s.db.Collection(colTasks).FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, task.ErrNotFound
		}
		return nil, s.wrap(op, err)
	}
	return fromTaskModel(&m)
}

func (s *Store) findTasks(ctx context.Context, op string, filter bson.M, opts *options.FindOptionsBuilder) ([]*task.Task, error) {
	models, err := findAll[taskModel](ctx, s.db.Collection(colTasks), filter, opts)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	out := make([]*task.Task, 0, len(models))
	for i := range models {
		t, err := fromTaskModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) missOrConflict(ctx context.Context, op string, taskID id.ID) error {
	n, err := s.db.Collection(colTasks).CountDocuments(ctx, bson.M{"_id": taskID.String()})
	if err != nil {
		return s.wrap(op, err)
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return task.ErrConflict
}
