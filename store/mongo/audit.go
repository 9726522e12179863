package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/herald/audit"
)

// AppendAudit stamps the record with a counter value so listings come back
// in append order.
func (s *Store) AppendAudit(ctx context.Context, rec *audit.Record) error {
	seq, err := s.nextSeq(ctx, colAudit)
	if err != nil {
		return s.wrap("append audit", err)
	}
	_, err = s.db.Collection(colAudit).InsertOne(ctx, toAuditModel(rec, seq))
	return s.wrap("append audit", err)
}

func (s *Store) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Record, error) {
	filter := bson.M{}
	if !opts.TaskID.IsNil() {
		filter["task_id"] = opts.TaskID.String()
	}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if opts.Outcome != "" {
		filter["outcome"] = string(opts.Outcome)
	}
	find := page(options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}), opts.Offset, opts.Limit)

	models, err := findAll[auditModel](ctx, s.db.Collection(colAudit), filter, find)
	if err != nil {
		return nil, s.wrap("list audit", err)
	}
	out := make([]*audit.Record, 0, len(models))
	for i := range models {
		r, err := fromAuditModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
