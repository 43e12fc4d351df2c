package update

import (
	"context"
)

// 本包消费的协作方契约；Mongo 实现见 store_mongo.go，broker 实现见 service/broker。

// UpdateStore updates 集合的持久化
type UpdateStore interface {
	InsertMany(ctx context.Context, updates []*Update) error
	// MarkPublished published false→true，只翻转一次，不回退
	MarkPublished(ctx context.Context, tenantID, updateID string) error
}

// Member 收件人解析用的成员投影
type Member struct {
	UserID   string
	UserType string
	Active   bool
}

type MemberStore interface {
	ListActive(ctx context.Context, tenantID, dialogID string) ([]Member, error)
	// Get 含已移出成员（member-removal 事件还要给被移者发最后一条）
	Get(ctx context.Context, tenantID, dialogID, userID string) (*Member, error)
}

type Message struct {
	MessageID   string
	DialogID    string
	TopicID     string
	SenderID    string
	SenderType  string
	Content     string
	Kind        string
	CreatedAtMS int64
	UpdatedAtMS int64
}

type MessageStatus struct {
	UserID   string
	UserType string
	Status   string
}

type Sender struct {
	UserID    string
	UserType  string
	Name      string
	AvatarURL string
}

type MessageStore interface {
	Get(ctx context.Context, tenantID, messageID string) (*Message, error)
	ListStatuses(ctx context.Context, tenantID, messageID string) ([]MessageStatus, error)
	GetSender(ctx context.Context, tenantID, userID string) (*Sender, error)
}

// MetaStore 外部元数据库（只读）
type MetaStore interface {
	GetEntityMeta(ctx context.Context, tenantID, entityType, entityID string) (map[string]any, error)
}

// Identity 外部身份服务：决定收件队列的路由段
type Identity interface {
	GetUserType(ctx context.Context, tenantID, userID string) (string, error)
}

// StatsReader Counter Ledger 提供的实时计数快照
type StatsReader interface {
	DialogUnread(ctx context.Context, tenantID, userID, dialogID string) (int64, error)
	UserStatsValues(ctx context.Context, tenantID, userID string) (map[string]int64, error)
}

// Publisher Broker Gateway 的发布面；失败返回 false，不抛错
type Publisher interface {
	Publish(exchange, routingKey string, payload []byte, persistent bool) bool
}
