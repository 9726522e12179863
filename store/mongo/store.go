// Package mongo implements store.Store on MongoDB. Events carry their
// sequence as _id, allocated from a counters collection; task claims and
// updates are filtered single-document writes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/herald/internal/storeerr"
	"github.com/xraph/herald/store"
)

// Collection name constants.
const (
	colCounters      = "herald_counters"
	colEvents        = "herald_events"
	colSubscriptions = "herald_subscriptions"
	colTasks         = "herald_tasks"
	colAudit         = "herald_audit"
	colEventTypes    = "herald_event_types"
	colCursors       = "herald_cursors"
)

// DefaultGapTimeout bounds how long ReadEvents waits for a sequence whose
// insert has not landed before skipping it.
const DefaultGapTimeout = time.Minute

const backend = "mongo"

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client     *mongo.Client
	db         *mongo.Database
	gapTimeout time.Duration
}

// New creates a Store on database db of an existing client.
func New(client *mongo.Client, db string) *Store {
	return &Store{client: client, db: client.Database(db), gapTimeout: DefaultGapTimeout}
}

// Open connects to uri and uses database db.
func Open(ctx context.Context, uri, db string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storeerr.Unavailable(backend, "open", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, storeerr.Unavailable(backend, "open", err)
	}
	return New(client, db), nil
}

// Database returns the underlying database handle.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates indexes for all herald collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("herald/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.wrap("ping", s.client.Ping(ctx, nil))
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("herald/mongo: %s: %w", op, storeerr.ErrClosed)
	}
	return storeerr.Unavailable(backend, op, err)
}

// nextSeq atomically increments and returns the named counter.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	return doc.Seq, err
}

// findAll runs a query and decodes every document into models.
func findAll[M any](ctx context.Context, col *mongo.Collection, filter any, opts *options.FindOptionsBuilder) ([]M, error) {
	cur, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var models []M
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	return models, nil
}

func page(opts *options.FindOptionsBuilder, offset, limit int) *options.FindOptionsBuilder {
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

// migrationIndexes returns the index definitions for all herald collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEvents: {
			{Keys: bson.D{{Key: "event_type", Value: 1}}},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "kind", Value: 1}}},
		},
		colTasks: {
			{
				Keys:    bson.D{{Key: "event_sequence", Value: 1}, {Key: "subscription_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "claimed_at", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "seq", Value: 1}}},
		},
		colEventTypes: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "group_name", Value: 1}}},
		},
	}
}
