package model

import (
	"PPulse/service/mgo"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dialog 会话；属于某个 tenant，可挂在一个 pack 下
type Dialog struct {
	TenantID  string    `bson:"tenant_id"` // PK
	DialogID  string    `bson:"dialog_id"`
	PackID    string    `bson:"pack_id,omitempty"` // 所属 pack（可空）
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d *Dialog) GetTableName() string {
	return "dialogs"
}

func (d *Dialog) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(d.GetTableName())
}

// ListIDsByPack 列出 pack 下全部 dialogId
func (d *Dialog) ListIDsByPack(ctx context.Context, tenantID, packID string) ([]string, error) {
	cur, err := d.Collection().Find(ctx, bson.M{
		"tenant_id": tenantID, "pack_id": packID,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []string
	for cur.Next(ctx) {
		var row Dialog
		if err := cur.Decode(&row); err != nil {
			continue
		}
		out = append(out, row.DialogID)
	}
	return out, cur.Err()
}
