package update

import (
	"strings"
	"time"
)

// Sections 事件携带的快照数据：section 名 -> 自包含的字段快照
type Sections map[string]map[string]any

// section 名
const (
	SectionDialog  = "dialog"
	SectionMember  = "member"
	SectionMessage = "message"
	SectionTyping  = "typing"
	SectionUser    = "user"
	SectionContext = "context"
)

// Event 外部事件库产出的领域事件，本核心只读
type Event struct {
	TenantID   string   `json:"tenantId" bson:"tenant_id"`
	EventID    string   `json:"eventId" bson:"event_id"`
	EventType  string   `json:"eventType" bson:"event_type"`
	EntityType string   `json:"entityType" bson:"entity_type"`
	EntityID   string   `json:"entityId" bson:"entity_id"`
	ActorID    string   `json:"actorId" bson:"actor_id"`
	ActorType  string   `json:"actorType" bson:"actor_type"`
	Data       Sections `json:"data" bson:"data"`
}

// Update 扇出产物：每 (event, recipient) 一份。
// 建好后只有 published/publishedAt 会变，且 false→true 只翻转一次。
type Update struct {
	ID          string         `json:"id" bson:"_id"`
	TenantID    string         `json:"tenantId" bson:"tenant_id"`
	UserID      string         `json:"userId" bson:"user_id"` // 收件人
	EntityID    string         `json:"entityId" bson:"entity_id"`
	EventID     string         `json:"eventId" bson:"event_id"`
	EventType   string         `json:"eventType" bson:"event_type"`
	Data        map[string]any `json:"data" bson:"data"`
	Published   bool           `json:"published" bson:"published"`
	PublishedAt *time.Time     `json:"publishedAt,omitempty" bson:"published_at,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" bson:"created_at"`
}

// Update 类型；routing key 里用其小写形式
const (
	TypeDialogUpdate       = "DialogUpdate"
	TypeDialogMemberUpdate = "DialogMemberUpdate"
	TypeMessageUpdate      = "MessageUpdate"
	TypeTypingUpdate       = "TypingUpdate"
	TypeUserUpdate         = "UserUpdate"
	TypeUserStatsUpdate    = "UserStatsUpdate"
)

// categoryOf dialog 系更新归 dialog，user 系归 user
func categoryOf(updateType string) string {
	switch updateType {
	case TypeUserUpdate, TypeUserStatsUpdate:
		return "user"
	default:
		return "dialog"
	}
}

// EventRoutingKey {entityType}.{action}.{tenantId}；action 取 eventType 末段。
// 格式要和既有消费方逐位兼容，不能改。
func EventRoutingKey(entityType, eventType, tenantID string) string {
	action := eventType
	if i := strings.LastIndex(eventType, "."); i >= 0 {
		action = eventType[i+1:]
	}
	return entityType + "." + action + "." + tenantID
}

// UpdateRoutingKey update.{category}.{userType}.{userId}.{updateType小写}
func UpdateRoutingKey(updateType, userType, userID string) string {
	return "update." + categoryOf(updateType) + "." + userType + "." + userID + "." + strings.ToLower(updateType)
}

// 本核心感知的事件类型（上游还有更多，按前缀/末段归类）
const (
	EventTypeUserStatsChanged = "user.stats.changed"
)

// 默认的 stats 变更字段对（caller 没给 updatedFields 时兜底）
var defaultStatsFields = []string{
	"user.stats.totalUnreadCount",
	"user.stats.unreadDialogsCount",
}
