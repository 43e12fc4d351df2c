package counter

import (
	"time"
)

// SubjectType 计数器挂在谁身上
type SubjectType string

const (
	SubjectUserStats      SubjectType = "user_stats"       // subjectId = userId
	SubjectDialogUnread   SubjectType = "dialog_unread"    // subjectId = userId|dialogId
	SubjectTopicUnread    SubjectType = "topic_unread"     // subjectId = userId|dialogId|topicId
	SubjectMessageReact   SubjectType = "message_reaction" // subjectId = messageId，field = 表情
	SubjectMessageStatus  SubjectType = "message_status"   // subjectId = messageId，field = 状态
	SubjectPackStats      SubjectType = "pack_stats"       // subjectId = packId
	SubjectPackUserUnread SubjectType = "pack_user_unread" // subjectId = packId|userId
)

// 常用字段名
const (
	FieldUnreadCount        = "unreadCount"
	FieldTotalUnreadCount   = "totalUnreadCount"
	FieldUnreadDialogsCount = "unreadDialogsCount"
	FieldDialogCount        = "dialogCount"
	FieldTotalMessagesCount = "totalMessagesCount"
	FieldMessagesCount      = "messagesCount"
	FieldMembersCount       = "membersCount"
	FieldTopicsCount        = "topicsCount"
)

// 对外通知的点路径字段名
const (
	StatsFieldTotalUnread   = "user.stats.totalUnreadCount"
	StatsFieldUnreadDialogs = "user.stats.unreadDialogsCount"
)

// Key 计数器主键
type Key struct {
	TenantID    string
	SubjectType SubjectType
	SubjectID   string
}

// Counter 计数器文档；值永远 >= 0，只由 Ledger 改
type Counter struct {
	TenantID      string           `bson:"tenant_id"`
	SubjectType   SubjectType      `bson:"subject_type"`
	SubjectID     string           `bson:"subject_id"`
	Values        map[string]int64 `bson:"values"`
	CreatedAt     time.Time        `bson:"created_at"`
	LastUpdatedAt time.Time        `bson:"last_updated_at"`
}

func (c *Counter) Value(field string) int64 {
	if c == nil || c.Values == nil {
		return 0
	}
	return c.Values[field]
}

// 审计操作类型
const (
	OpIncrement = "increment"
	OpDecrement = "decrement"
	OpComputed  = "computed"
)

// Source 本次计数变更的因果来源（审计用）
type Source struct {
	Operation string // 业务操作名，如 message.send
	EntityID  string // 触发实体 id
	ActorID   string
	ActorType string
}

// History 一次 delta 应用的审计记录，追加后不再改动
type History struct {
	ID              string    `bson:"_id"`
	TenantID        string    `bson:"tenant_id"`
	CounterType     string    `bson:"counter_type"`
	EntityType      string    `bson:"entity_type"`
	EntityID        string    `bson:"entity_id"`
	Field           string    `bson:"field"`
	OldValue        int64     `bson:"old_value"`
	NewValue        int64     `bson:"new_value"`
	Delta           int64     `bson:"delta"`
	Operation       string    `bson:"operation"` // increment / decrement / computed
	SourceOperation string    `bson:"source_operation"`
	SourceEntityID  string    `bson:"source_entity_id"`
	ActorID         string    `bson:"actor_id"`
	ActorType       string    `bson:"actor_type"`
	CreatedAt       time.Time `bson:"created_at"`
}

// Stats 用户聚合统计快照
type Stats struct {
	DialogCount        int64 `json:"dialogCount"`
	UnreadDialogsCount int64 `json:"unreadDialogsCount"`
	TotalUnreadCount   int64 `json:"totalUnreadCount"`
	TotalMessagesCount int64 `json:"totalMessagesCount"`
}
