package update

import (
	"PPulse/logger"
	"PPulse/tools/decode"
	"PPulse/tools/errs"
	"context"
	"strings"

	"go.uber.org/zap"
)

// FanoutDialogEvent 会话级事件：当前全部成员各一份；member-removal 事件
// 还要带上被移出者本人，让他收到最后一条通知。
func (e *Engine) FanoutDialogEvent(ctx context.Context, tenantID, dialogID, eventID, eventType string, sections Sections) error {
	if tenantID == "" || dialogID == "" || eventID == "" {
		return errs.ErrArgs.WrapMsg("FanoutDialogEvent missing args")
	}
	dialogSec := sections[SectionDialog]
	if dialogSec == nil {
		// 上游契约保证 section 存在；缺了说明事件构造有 bug，不能让进程崩
		logger.Error("dialog section missing, aborting dialog fanout",
			zap.String("event", eventID), zap.String("dialog", dialogID))
		return nil
	}

	members, err := e.deps.Members.ListActive(ctx, tenantID, dialogID)
	if err != nil {
		return errs.WrapMsg(err, "list dialog members failed", "dialog", dialogID)
	}

	recipients := members
	if isMemberRemoval(eventType) {
		if removed := e.removedRecipient(ctx, tenantID, dialogID, sections, members); removed != nil {
			recipients = append(recipients, *removed)
		}
	}

	updates := make([]*Update, 0, len(recipients))
	for _, m := range recipients {
		data := map[string]any{
			SectionDialog: e.dialogDataFor(ctx, tenantID, m.UserID, dialogID, dialogSec),
		}
		if sec := sections[SectionMember]; sec != nil {
			data[SectionMember] = decode.DeepCopy(sec)
		}
		if sec := sections[SectionContext]; sec != nil {
			data[SectionContext] = decode.DeepCopy(sec)
		}
		updates = append(updates, newUpdate(tenantID, m.UserID, dialogID, eventID, eventType, data))
	}

	return e.persistAndPublish(ctx, updates, TypeDialogUpdate)
}

// FanoutTypingEvent 打字事件：除打字者外的全部成员；没人收就什么都不做
func (e *Engine) FanoutTypingEvent(ctx context.Context, tenantID, dialogID, typingUserID, eventID, eventType string, sections Sections) error {
	if tenantID == "" || dialogID == "" || typingUserID == "" || eventID == "" {
		return errs.ErrArgs.WrapMsg("FanoutTypingEvent missing args")
	}
	dialogSec := sections[SectionDialog]
	if dialogSec == nil {
		logger.Error("dialog section missing, aborting typing fanout",
			zap.String("event", eventID), zap.String("dialog", dialogID))
		return nil
	}

	members, err := e.deps.Members.ListActive(ctx, tenantID, dialogID)
	if err != nil {
		return errs.WrapMsg(err, "list dialog members failed", "dialog", dialogID)
	}

	var updates []*Update
	for _, m := range members {
		if m.UserID == typingUserID {
			continue
		}
		data := map[string]any{
			SectionDialog: decode.DeepCopy(dialogSec),
		}
		if sec := sections[SectionTyping]; sec != nil {
			data[SectionTyping] = decode.DeepCopy(sec)
		}
		updates = append(updates, newUpdate(tenantID, m.UserID, dialogID, eventID, eventType, data))
	}
	if len(updates) == 0 {
		// 单人会话里自己打字，没有收件人
		return nil
	}

	return e.persistAndPublish(ctx, updates, TypeTypingUpdate)
}

func isMemberRemoval(eventType string) bool {
	return strings.Contains(eventType, "member") && strings.HasSuffix(eventType, ".removed")
}

// removedRecipient 从 member section 找被移出者；已在成员表里就不重复加
func (e *Engine) removedRecipient(ctx context.Context, tenantID, dialogID string, sections Sections, members []Member) *Member {
	memberSec := sections[SectionMember]
	if memberSec == nil {
		return nil
	}
	removedID, err := decode.ReadString(memberSec, "userId")
	if err != nil || removedID == "" {
		logger.Warn("member removal event without member.userId", zap.String("dialog", dialogID))
		return nil
	}
	for _, m := range members {
		if m.UserID == removedID {
			return nil
		}
	}

	userType := defaultUserType
	if row, err := e.deps.Members.Get(ctx, tenantID, dialogID, removedID); err == nil && row != nil {
		userType = row.UserType
	}
	return &Member{UserID: removedID, UserType: userType, Active: false}
}
