package model

import (
	"PPulse/service/mgo"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// DialogMember 会话成员关系；active=false 表示已移出但保留记录
type DialogMember struct {
	TenantID  string     `bson:"tenant_id"`
	DialogID  string     `bson:"dialog_id"`
	UserID    string     `bson:"user_id"`
	UserType  string     `bson:"user_type"` // user / agent / bot
	Role      string     `bson:"role,omitempty"`
	Active    bool       `bson:"active"`
	JoinedAt  time.Time  `bson:"joined_at"`
	RemovedAt *time.Time `bson:"removed_at,omitempty"`
}

func (m *DialogMember) GetTableName() string {
	return "dialog_members"
}

func (m *DialogMember) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(m.GetTableName())
}

// ListActive 列出会话当前成员
func (m *DialogMember) ListActive(ctx context.Context, tenantID, dialogID string) ([]DialogMember, error) {
	cur, err := m.Collection().Find(ctx, bson.M{
		"tenant_id": tenantID, "dialog_id": dialogID, "active": true,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []DialogMember
	for cur.Next(ctx) {
		var row DialogMember
		if err := cur.Decode(&row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, cur.Err()
}

// Get 取单个成员（含已移出的）
func (m *DialogMember) Get(ctx context.Context, tenantID, dialogID, userID string) (*DialogMember, error) {
	var row DialogMember
	err := m.Collection().FindOne(ctx, bson.M{
		"tenant_id": tenantID, "dialog_id": dialogID, "user_id": userID,
	}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListByUser 用户的全部有效 membership
func (m *DialogMember) ListByUser(ctx context.Context, tenantID, userID string) ([]DialogMember, error) {
	cur, err := m.Collection().Find(ctx, bson.M{
		"tenant_id": tenantID, "user_id": userID, "active": true,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []DialogMember
	for cur.Next(ctx) {
		var row DialogMember
		if err := cur.Decode(&row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, cur.Err()
}

// CountDistinctUsers pack 统计用：一组会话的去重成员数
func (m *DialogMember) CountDistinctUsers(ctx context.Context, tenantID string, dialogIDs []string) (int64, error) {
	if len(dialogIDs) == 0 {
		return 0, nil
	}
	users, err := m.Collection().Distinct(ctx, "user_id", bson.M{
		"tenant_id": tenantID, "dialog_id": bson.M{"$in": dialogIDs}, "active": true,
	})
	if err != nil {
		return 0, err
	}
	return int64(len(users)), nil
}
