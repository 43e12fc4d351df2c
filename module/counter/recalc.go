package counter

import (
	"PPulse/tools/errs"
	"context"
)

// RecalculateUserAggregates 全量重算（修复/引导用），结果和理想的增量路径一致。
// 求和前先给缺计数器的 membership 回填 per-dialog 计数，否则聚合会少算。
// 已存在的 per-dialog 计数器按存量值采信，不重算（现状行为，见 DESIGN.md）。
func (l *Ledger) RecalculateUserAggregates(ctx context.Context, tenantID, userID string) (*Stats, error) {
	if tenantID == "" || userID == "" {
		return nil, errs.ErrArgs.WrapMsg("RecalculateUserAggregates missing tenant/user")
	}

	memberships, err := l.store.ListUserMemberships(ctx, tenantID, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "list memberships failed", "user", userID)
	}

	src := Source{Operation: "stats.recalculate", EntityID: userID}

	var totalUnread, unreadDialogs int64
	for _, m := range memberships {
		key := DialogUnreadKey(tenantID, userID, m.DialogID)
		c, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var unread int64
		if c == nil {
			// 回填：从 message × read-status join 重算这一个会话
			unread, err = l.store.CountUnreadMessages(ctx, tenantID, userID, m.DialogID)
			if err != nil {
				return nil, err
			}
			old, err := l.store.SetValue(ctx, key, FieldUnreadCount, unread)
			if err != nil {
				return nil, err
			}
			if old != unread {
				l.writeHistory(ctx, key, FieldUnreadCount, old, unread, unread-old, OpComputed, src)
			}
		} else {
			unread = c.Value(FieldUnreadCount)
		}
		totalUnread += unread
		if unread > 0 {
			unreadDialogs++
		}
	}

	totalMessages, err := l.store.CountSentMessages(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		DialogCount:        int64(len(memberships)),
		UnreadDialogsCount: unreadDialogs,
		TotalUnreadCount:   totalUnread,
		TotalMessagesCount: totalMessages,
	}

	statsKey := UserStatsKey(tenantID, userID)
	for field, v := range map[string]int64{
		FieldDialogCount:        stats.DialogCount,
		FieldUnreadDialogsCount: stats.UnreadDialogsCount,
		FieldTotalUnreadCount:   stats.TotalUnreadCount,
		FieldTotalMessagesCount: stats.TotalMessagesCount,
	} {
		old, err := l.store.SetValue(ctx, statsKey, field, v)
		if err != nil {
			return nil, err
		}
		if old != v {
			l.writeHistory(ctx, statsKey, field, old, v, v-old, OpComputed, src)
		}
	}
	return stats, nil
}

// UpdatePackAggregates pack 聚合字段的原子增量（审计纪律同 ApplyDelta）
func (l *Ledger) UpdatePackAggregates(ctx context.Context, tenantID, packID, field string, delta int64, src Source) (int64, int64, error) {
	return l.ApplyDelta(ctx, PackStatsKey(tenantID, packID), field, delta, src)
}

// RecalculatePackStats 从 pack 关联的会话重导出 message/member/topic 总数
func (l *Ledger) RecalculatePackStats(ctx context.Context, tenantID, packID string) error {
	if tenantID == "" || packID == "" {
		return errs.ErrArgs.WrapMsg("RecalculatePackStats missing tenant/pack")
	}
	dialogIDs, err := l.store.ListPackDialogIDs(ctx, tenantID, packID)
	if err != nil {
		return errs.WrapMsg(err, "list pack dialogs failed", "pack", packID)
	}

	messages, err := l.store.CountMessagesInDialogs(ctx, tenantID, dialogIDs)
	if err != nil {
		return err
	}
	members, err := l.store.CountMembersInDialogs(ctx, tenantID, dialogIDs)
	if err != nil {
		return err
	}
	topics, err := l.store.CountTopicsInDialogs(ctx, tenantID, dialogIDs)
	if err != nil {
		return err
	}

	src := Source{Operation: "pack.recalculate", EntityID: packID}
	key := PackStatsKey(tenantID, packID)
	for field, v := range map[string]int64{
		FieldMessagesCount: messages,
		FieldMembersCount:  members,
		FieldTopicsCount:   topics,
	} {
		old, err := l.store.SetValue(ctx, key, field, v)
		if err != nil {
			return err
		}
		if old != v {
			l.writeHistory(ctx, key, field, old, v, v-old, OpComputed, src)
		}
	}
	return nil
}

// RecalculatePackUnread (pack, user) 未读总数 = 用户在 pack 各会话未读计数之和
func (l *Ledger) RecalculatePackUnread(ctx context.Context, tenantID, packID, userID string) (int64, error) {
	if tenantID == "" || packID == "" || userID == "" {
		return 0, errs.ErrArgs.WrapMsg("RecalculatePackUnread missing tenant/pack/user")
	}
	dialogIDs, err := l.store.ListPackDialogIDs(ctx, tenantID, packID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, dialogID := range dialogIDs {
		c, err := l.store.Get(ctx, DialogUnreadKey(tenantID, userID, dialogID))
		if err != nil {
			return 0, err
		}
		total += c.Value(FieldUnreadCount)
	}

	key := PackUserUnreadKey(tenantID, packID, userID)
	src := Source{Operation: "pack.unread.recalculate", EntityID: packID}
	old, err := l.store.SetValue(ctx, key, FieldTotalUnreadCount, total)
	if err != nil {
		return 0, err
	}
	if old != total {
		l.writeHistory(ctx, key, FieldTotalUnreadCount, old, total, total-old, OpComputed, src)
	}
	return total, nil
}
