package model

import (
	"PPulse/service/mgo"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type User struct {
	TenantID  string    `bson:"tenant_id"`
	UserID    string    `bson:"user_id"`
	UserType  string    `bson:"user_type"` // user / agent / bot
	Name      string    `bson:"name"`
	AvatarURL string    `bson:"avatar_url,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func (u *User) GetTableName() string {
	return "users"
}

func (u *User) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(u.GetTableName())
}

func (u *User) Get(ctx context.Context, tenantID, userID string) (*User, error) {
	var row User
	err := u.Collection().FindOne(ctx, bson.M{
		"tenant_id": tenantID, "user_id": userID,
	}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// EntityMeta 任意实体的附加元数据（外部系统维护，这里只读）
type EntityMeta struct {
	TenantID   string         `bson:"tenant_id"`
	EntityType string         `bson:"entity_type"`
	EntityID   string         `bson:"entity_id"`
	Meta       map[string]any `bson:"meta"`
}

func (em *EntityMeta) GetTableName() string {
	return "entity_meta"
}

func (em *EntityMeta) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(em.GetTableName())
}

// GetEntityMeta best-effort 读取；查不到返回空 map
func (em *EntityMeta) GetEntityMeta(ctx context.Context, tenantID, entityType, entityID string) (map[string]any, error) {
	var row EntityMeta
	err := em.Collection().FindOne(ctx, bson.M{
		"tenant_id": tenantID, "entity_type": entityType, "entity_id": entityID,
	}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Meta, nil
}
