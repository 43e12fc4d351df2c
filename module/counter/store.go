package counter

import (
	"context"
)

// Membership 重算聚合时用到的会话成员关系投影
type Membership struct {
	DialogID string
	UserID   string
}

// Store 文档库适配层。计数器的修改必须是服务端单次原子操作：
// field = max(0, field + delta)，不允许读-改-写两步。
type Store interface {
	// ApplyAtomicDelta 原子地对一个字段做 clamp 累加（缺档自动 upsert），返回新旧值
	ApplyAtomicDelta(ctx context.Context, key Key, field string, delta int64) (oldVal, newVal int64, err error)
	// ApplyAtomicDeltas 同上，一次更新里改多个字段（user stats 的聚合对就靠它）
	ApplyAtomicDeltas(ctx context.Context, key Key, deltas map[string]int64) (oldVals, newVals map[string]int64, err error)
	// SetValue 非增量写入（重算用），返回旧值
	SetValue(ctx context.Context, key Key, field string, value int64) (oldVal int64, err error)
	// Get 读取计数器；不存在返回 (nil, nil)
	Get(ctx context.Context, key Key) (*Counter, error)
	// DeleteIfZero 字段已衰减为 0 时删除整个计数器文档（reaction 专用）
	DeleteIfZero(ctx context.Context, key Key, field string) (bool, error)

	InsertHistory(ctx context.Context, h *History) error

	// 重算用的源数据查询
	ListUserMemberships(ctx context.Context, tenantID, userID string) ([]Membership, error)
	CountUnreadMessages(ctx context.Context, tenantID, userID, dialogID string) (int64, error)
	CountSentMessages(ctx context.Context, tenantID, userID string) (int64, error)
	ListPackDialogIDs(ctx context.Context, tenantID, packID string) ([]string, error)
	CountMessagesInDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error)
	CountMembersInDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error)
	CountTopicsInDialogs(ctx context.Context, tenantID string, dialogIDs []string) (int64, error)
}

// DialogUnreadKey (user, dialog) 未读计数器主键
func DialogUnreadKey(tenantID, userID, dialogID string) Key {
	return Key{TenantID: tenantID, SubjectType: SubjectDialogUnread, SubjectID: userID + "|" + dialogID}
}

// TopicUnreadKey (user, dialog, topic) 未读计数器主键
func TopicUnreadKey(tenantID, userID, dialogID, topicID string) Key {
	return Key{TenantID: tenantID, SubjectType: SubjectTopicUnread, SubjectID: userID + "|" + dialogID + "|" + topicID}
}

// UserStatsKey 用户聚合统计主键
func UserStatsKey(tenantID, userID string) Key {
	return Key{TenantID: tenantID, SubjectType: SubjectUserStats, SubjectID: userID}
}

// PackStatsKey pack 聚合统计主键
func PackStatsKey(tenantID, packID string) Key {
	return Key{TenantID: tenantID, SubjectType: SubjectPackStats, SubjectID: packID}
}

// PackUserUnreadKey (pack, user) 未读总数主键
func PackUserUnreadKey(tenantID, packID, userID string) Key {
	return Key{TenantID: tenantID, SubjectType: SubjectPackUserUnread, SubjectID: packID + "|" + userID}
}
