package model

import (
	"PPulse/service/mgo"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// MessageStatus 每 (message, recipient) 一行的投递/已读状态
type MessageStatus struct {
	ID        string    `bson:"_id"`
	TenantID  string    `bson:"tenant_id"`
	MessageID string    `bson:"message_id"`
	DialogID  string    `bson:"dialog_id"`
	UserID    string    `bson:"user_id"`
	UserType  string    `bson:"user_type"`
	Status    string    `bson:"status"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (st *MessageStatus) GetTableName() string {
	return "message_statuses"
}

func (st *MessageStatus) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(st.GetTableName())
}

// ListByMessage 一条消息的全部状态行
func (st *MessageStatus) ListByMessage(ctx context.Context, tenantID, messageID string) ([]MessageStatus, error) {
	cur, err := st.Collection().Find(ctx, bson.M{
		"tenant_id": tenantID, "message_id": messageID,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []MessageStatus
	for cur.Next(ctx) {
		var row MessageStatus
		if err := cur.Decode(&row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, cur.Err()
}

// ListUnreadIDs mark-read 批处理用：user 在会话里还没已读的状态行 id
func (st *MessageStatus) ListUnreadIDs(ctx context.Context, tenantID, userID, dialogID string, limit int) ([]string, error) {
	cur, err := st.Collection().Find(ctx, bson.M{
		"tenant_id": tenantID,
		"dialog_id": dialogID,
		"user_id":   userID,
		"status":    bson.M{"$ne": StatusRead},
	}, options.Find().SetLimit(int64(limit)).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			continue
		}
		out = append(out, row.ID)
	}
	return out, cur.Err()
}

// MarkRead 条件翻转：只改仍未 read 的行，返回实际翻转数。
// filter 带 status!=read，和读取阶段之间的并发翻转不会被重复计数。
func (st *MessageStatus) MarkRead(ctx context.Context, tenantID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := st.Collection().UpdateMany(ctx, bson.M{
		"_id":       bson.M{"$in": ids},
		"tenant_id": tenantID,
		"status":    bson.M{"$ne": StatusRead},
	}, bson.M{
		"$set": bson.M{"status": StatusRead, "updated_at": time.Now()},
	})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
