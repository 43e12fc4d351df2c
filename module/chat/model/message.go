package model

import (
	"PPulse/service/mgo"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type Message struct {
	TenantID   string    `bson:"tenant_id"`
	MessageID  string    `bson:"message_id"`
	DialogID   string    `bson:"dialog_id"`
	TopicID    string    `bson:"topic_id,omitempty"` // 子话题（可空）
	SenderID   string    `bson:"sender_id"`
	SenderType string    `bson:"sender_type"`
	Content    string    `bson:"content"`
	Kind       string    `bson:"kind,omitempty"` // text / image / system ...
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
	Deleted    bool      `bson:"deleted"`
}

func (msg *Message) GetTableName() string {
	return "messages"
}

func (msg *Message) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(msg.GetTableName())
}

func (msg *Message) Get(ctx context.Context, tenantID, messageID string) (*Message, error) {
	var row Message
	err := msg.Collection().FindOne(ctx, bson.M{
		"tenant_id": tenantID, "message_id": messageID,
	}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CountBySender 用户发送过的消息总数（user stats 重算用）
func (msg *Message) CountBySender(ctx context.Context, tenantID, userID string) (int64, error) {
	return msg.Collection().CountDocuments(ctx, bson.M{
		"tenant_id": tenantID, "sender_id": userID, "deleted": false,
	})
}

// CountByDialogs pack 统计用：一组会话的消息总数
func (msg *Message) CountByDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error) {
	if len(dialogIDs) == 0 {
		return 0, nil
	}
	return msg.Collection().CountDocuments(ctx, bson.M{
		"tenant_id": tenantID, "dialog_id": bson.M{"$in": dialogIDs}, "deleted": false,
	})
}

// CountUnreadFor 会话内“别人发的、user 还没已读”的消息数。
// 注意：仅在缺 per-dialog 计数器时做回填重算用，平时以计数器为准。
func (msg *Message) CountUnreadFor(ctx context.Context, tenantID, userID, dialogID string) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"tenant_id": tenantID,
			"dialog_id": dialogID,
			"sender_id": bson.M{"$ne": userID},
			"deleted":   false,
		}}},
		{{Key: "$lookup", Value: bson.M{
			"from": "message_statuses",
			"let":  bson.M{"mid": "$message_id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{"$expr": bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$message_id", "$$mid"}},
					bson.M{"$eq": bson.A{"$tenant_id", tenantID}},
					bson.M{"$eq": bson.A{"$user_id", userID}},
					bson.M{"$eq": bson.A{"$status", "read"}},
				}}}},
			},
			"as": "read_status",
		}}},
		{{Key: "$match", Value: bson.M{"read_status": bson.M{"$size": 0}}}},
		{{Key: "$count", Value: "unread"}},
	}
	cur, err := msg.Collection().Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer func() { _ = cur.Close(ctx) }()

	if cur.Next(ctx) {
		var row struct {
			Unread int64 `bson:"unread"`
		}
		if err := cur.Decode(&row); err != nil {
			return 0, err
		}
		return row.Unread, nil
	}
	return 0, cur.Err()
}
