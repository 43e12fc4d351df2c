package model

import (
	"PPulse/service/mgo"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Pack 一组会话的集合，带自己的聚合统计（统计本身存 counters）
type Pack struct {
	TenantID  string    `bson:"tenant_id"`
	PackID    string    `bson:"pack_id"`
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"created_at"`
}

func (p *Pack) GetTableName() string {
	return "packs"
}

func (p *Pack) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(p.GetTableName())
}

// Topic 会话下的子话题；CRUD 不归本核心管，计数要用
type Topic struct {
	TenantID  string    `bson:"tenant_id"`
	TopicID   string    `bson:"topic_id"`
	DialogID  string    `bson:"dialog_id"`
	Title     string    `bson:"title"`
	CreatedAt time.Time `bson:"created_at"`
}

func (t *Topic) GetTableName() string {
	return "topics"
}

func (t *Topic) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(t.GetTableName())
}

// CountByDialogs pack 统计用：一组会话的话题总数
func (t *Topic) CountByDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error) {
	if len(dialogIDs) == 0 {
		return 0, nil
	}
	return t.Collection().CountDocuments(ctx, bson.M{
		"tenant_id": tenantID, "dialog_id": bson.M{"$in": dialogIDs},
	})
}
