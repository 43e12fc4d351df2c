package counter

import (
	chatmodel "PPulse/module/chat/model"
	"PPulse/service/mgo"
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoStore Store 的 Mongo 实现。clamp 累加走 pipeline update，
// “读当前值、钳位、写回”三步在服务端一个往返里完成。
type mongoStore struct{}

func NewMongoStore() Store {
	return &mongoStore{}
}

func (s *mongoStore) coll() *mongo.Collection {
	return mgo.GetDB().Collection("counters")
}

func (s *mongoStore) histColl() *mongo.Collection {
	return mgo.GetDB().Collection("counter_history")
}

func keyFilter(key Key) bson.M {
	return bson.M{
		"tenant_id":    key.TenantID,
		"subject_type": key.SubjectType,
		"subject_id":   key.SubjectID,
	}
}

// clampSet 生成 field = max(0, ifNull(field,0) + delta) 的 $set 文档
func clampSet(deltas map[string]int64) bson.M {
	set := bson.M{
		"last_updated_at": "$$NOW",
		"created_at":      bson.M{"$ifNull": bson.A{"$created_at", "$$NOW"}},
	}
	for field, delta := range deltas {
		path := "$values." + field
		set["values."+field] = bson.M{"$max": bson.A{
			0,
			bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{path, 0}}, delta}},
		}}
	}
	return set
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func (s *mongoStore) ApplyAtomicDelta(ctx context.Context, key Key, field string, delta int64) (int64, int64, error) {
	oldVals, newVals, err := s.ApplyAtomicDeltas(ctx, key, map[string]int64{field: delta})
	if err != nil {
		return 0, 0, err
	}
	return oldVals[field], newVals[field], nil
}

func (s *mongoStore) ApplyAtomicDeltas(ctx context.Context, key Key, deltas map[string]int64) (map[string]int64, map[string]int64, error) {
	before := options.Before
	upsert := true
	res := s.coll().FindOneAndUpdate(ctx,
		keyFilter(key),
		mongo.Pipeline{{{Key: "$set", Value: clampSet(deltas)}}},
		&options.FindOneAndUpdateOptions{Upsert: &upsert, ReturnDocument: &before},
	)

	oldVals := make(map[string]int64, len(deltas))
	newVals := make(map[string]int64, len(deltas))

	var prev Counter
	err := res.Decode(&prev)
	switch {
	case err == mongo.ErrNoDocuments:
		// upsert 新建，旧值全 0
		for f, d := range deltas {
			oldVals[f] = 0
			newVals[f] = clamp(d)
		}
		return oldVals, newVals, nil
	case err != nil:
		return nil, nil, err
	}

	for f, d := range deltas {
		old := prev.Value(f)
		oldVals[f] = old
		newVals[f] = clamp(old + d)
	}
	return oldVals, newVals, nil
}

func (s *mongoStore) SetValue(ctx context.Context, key Key, field string, value int64) (int64, error) {
	if value < 0 {
		value = 0
	}
	before := options.Before
	upsert := true
	res := s.coll().FindOneAndUpdate(ctx,
		keyFilter(key),
		mongo.Pipeline{{{Key: "$set", Value: bson.M{
			"values." + field: value,
			"last_updated_at": "$$NOW",
			"created_at":      bson.M{"$ifNull": bson.A{"$created_at", "$$NOW"}},
		}}}},
		&options.FindOneAndUpdateOptions{Upsert: &upsert, ReturnDocument: &before},
	)
	var prev Counter
	err := res.Decode(&prev)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return prev.Value(field), nil
}

func (s *mongoStore) Get(ctx context.Context, key Key) (*Counter, error) {
	var row Counter
	err := s.coll().FindOne(ctx, keyFilter(key)).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *mongoStore) DeleteIfZero(ctx context.Context, key Key, field string) (bool, error) {
	filter := keyFilter(key)
	// 条件删除：值在删除时刻仍为 0 才删，和并发的 +1 不冲突
	filter["values."+field] = bson.M{"$lte": 0}
	res, err := s.coll().DeleteOne(ctx, filter)
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *mongoStore) InsertHistory(ctx context.Context, h *History) error {
	_, err := s.histColl().InsertOne(ctx, h)
	return err
}

func (s *mongoStore) ListUserMemberships(ctx context.Context, tenantID, userID string) ([]Membership, error) {
	rows, err := (&chatmodel.DialogMember{}).ListByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Membership, 0, len(rows))
	for _, r := range rows {
		out = append(out, Membership{DialogID: r.DialogID, UserID: r.UserID})
	}
	return out, nil
}

func (s *mongoStore) CountUnreadMessages(ctx context.Context, tenantID, userID, dialogID string) (int64, error) {
	return (&chatmodel.Message{}).CountUnreadFor(ctx, tenantID, userID, dialogID)
}

func (s *mongoStore) CountSentMessages(ctx context.Context, tenantID, userID string) (int64, error) {
	return (&chatmodel.Message{}).CountBySender(ctx, tenantID, userID)
}

func (s *mongoStore) ListPackDialogIDs(ctx context.Context, tenantID, packID string) ([]string, error) {
	return (&chatmodel.Dialog{}).ListIDsByPack(ctx, tenantID, packID)
}

func (s *mongoStore) CountMessagesInDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error) {
	return (&chatmodel.Message{}).CountByDialogs(ctx, tenantID, dialogIDs)
}

func (s *mongoStore) CountMembersInDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error) {
	return (&chatmodel.DialogMember{}).CountDistinctUsers(ctx, tenantID, dialogIDs)
}

func (s *mongoStore) CountTopicsInDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error) {
	return (&chatmodel.Topic{}).CountByDialogs(ctx, tenantID, dialogIDs)
}
