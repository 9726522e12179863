package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/herald/dispatch"
)

type cursorModel struct {
	Name      string    `bson:"_id"`
	Position  int64     `bson:"position"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *Store) GetCursor(ctx context.Context, name string) (*dispatch.Cursor, error) {
	var m cursorModel
	if err := s.db.Collection(colCursors).FindOne(ctx, bson.M{"_id": name}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return &dispatch.Cursor{Name: name}, nil
		}
		return nil, s.wrap("get cursor", err)
	}
	return &dispatch.Cursor{Name: m.Name, Position: m.Position, Version: m.Version, UpdatedAt: m.UpdatedAt}, nil
}

// AdvanceCursor inserts the first version and compare-and-sets later ones.
func (s *Store) AdvanceCursor(ctx context.Context, name string, expectedVersion, position int64) (*dispatch.Cursor, error) {
	col := s.db.Collection(colCursors)
	next := cursorModel{Name: name, Position: position, Version: expectedVersion + 1, UpdatedAt: now()}

	if expectedVersion == 0 {
		if _, err := col.InsertOne(ctx, next); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, dispatch.ErrCursorConflict
			}
			return nil, s.wrap("advance cursor", err)
		}
	} else {
		res, err := col.ReplaceOne(ctx, bson.M{"_id": name, "version": expectedVersion}, next)
		if err != nil {
			return nil, s.wrap("advance cursor", err)
		}
		if res.MatchedCount == 0 {
			return nil, dispatch.ErrCursorConflict
		}
	}
	return &dispatch.Cursor{Name: name, Position: position, Version: next.Version, UpdatedAt: next.UpdatedAt}, nil
}
