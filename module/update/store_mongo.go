package update

import (
	chatmodel "PPulse/module/chat/model"
	"PPulse/service/mgo"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Mongo 实现：updates 集合自管，成员/消息/元数据委托 chat model 层。

const updatesCollection = "updates"

type mongoUpdateStore struct{}

// NewMongoUpdateStore updates 集合的持久化实现
func NewMongoUpdateStore() UpdateStore {
	return &mongoUpdateStore{}
}

func (s *mongoUpdateStore) collection() *mongo.Collection {
	return mgo.GetDB().Collection(updatesCollection)
}

func (s *mongoUpdateStore) InsertMany(ctx context.Context, updates []*Update) error {
	if len(updates) == 0 {
		return nil
	}
	docs := make([]any, 0, len(updates))
	for _, u := range updates {
		docs = append(docs, u)
	}
	_, err := s.collection().InsertMany(ctx, docs)
	return err
}

// MarkPublished filter 带 published:false，false→true 只翻转一次
func (s *mongoUpdateStore) MarkPublished(ctx context.Context, tenantID, updateID string) error {
	now := time.Now()
	_, err := s.collection().UpdateOne(ctx, bson.M{
		"_id":       updateID,
		"tenant_id": tenantID,
		"published": false,
	}, bson.M{
		"$set": bson.M{"published": true, "published_at": now},
	})
	return err
}

type mongoMemberStore struct {
	members chatmodel.DialogMember
}

func NewMongoMemberStore() MemberStore {
	return &mongoMemberStore{}
}

func (s *mongoMemberStore) ListActive(ctx context.Context, tenantID, dialogID string) ([]Member, error) {
	rows, err := s.members.ListActive(ctx, tenantID, dialogID)
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, Member{UserID: r.UserID, UserType: r.UserType, Active: r.Active})
	}
	return out, nil
}

func (s *mongoMemberStore) Get(ctx context.Context, tenantID, dialogID, userID string) (*Member, error) {
	row, err := s.members.Get(ctx, tenantID, dialogID, userID)
	if err != nil || row == nil {
		return nil, err
	}
	return &Member{UserID: row.UserID, UserType: row.UserType, Active: row.Active}, nil
}

type mongoMessageStore struct {
	messages chatmodel.Message
	statuses chatmodel.MessageStatus
	users    chatmodel.User
}

func NewMongoMessageStore() MessageStore {
	return &mongoMessageStore{}
}

func (s *mongoMessageStore) Get(ctx context.Context, tenantID, messageID string) (*Message, error) {
	row, err := s.messages.Get(ctx, tenantID, messageID)
	if err != nil || row == nil {
		return nil, err
	}
	return &Message{
		MessageID:   row.MessageID,
		DialogID:    row.DialogID,
		TopicID:     row.TopicID,
		SenderID:    row.SenderID,
		SenderType:  row.SenderType,
		Content:     row.Content,
		Kind:        row.Kind,
		CreatedAtMS: row.CreatedAt.UnixMilli(),
		UpdatedAtMS: row.UpdatedAt.UnixMilli(),
	}, nil
}

func (s *mongoMessageStore) ListStatuses(ctx context.Context, tenantID, messageID string) ([]MessageStatus, error) {
	rows, err := s.statuses.ListByMessage(ctx, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageStatus, 0, len(rows))
	for _, r := range rows {
		out = append(out, MessageStatus{UserID: r.UserID, UserType: r.UserType, Status: r.Status})
	}
	return out, nil
}

func (s *mongoMessageStore) GetSender(ctx context.Context, tenantID, userID string) (*Sender, error) {
	row, err := s.users.Get(ctx, tenantID, userID)
	if err != nil || row == nil {
		return nil, err
	}
	return &Sender{UserID: row.UserID, UserType: row.UserType, Name: row.Name, AvatarURL: row.AvatarURL}, nil
}

type mongoMetaStore struct {
	meta chatmodel.EntityMeta
}

func NewMongoMetaStore() MetaStore {
	return &mongoMetaStore{}
}

func (s *mongoMetaStore) GetEntityMeta(ctx context.Context, tenantID, entityType, entityID string) (map[string]any, error) {
	return s.meta.GetEntityMeta(ctx, tenantID, entityType, entityID)
}
