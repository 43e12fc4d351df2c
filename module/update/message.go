package update

import (
	"PPulse/logger"
	"PPulse/tools/decode"
	"PPulse/tools/errs"
	"context"
	"strings"

	"go.uber.org/zap"
)

// 消息事件类别
type messageEventKind int

const (
	kindContent  messageEventKind = iota // 新建/编辑：发完整负载
	kindStatus                           // 只有状态变化：发 stub + statusUpdate
	kindReaction                         // 只有表情变化：发 stub + reactionUpdate
)

// context section 携带的状态/表情增量
type statusChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type reactionChange struct {
	UserID   string `json:"userId"`
	Reaction string `json:"reaction"`
	Op       string `json:"op"`
}

func messageKindOf(eventType string) messageEventKind {
	switch {
	case strings.Contains(eventType, "reaction"):
		return kindReaction
	case strings.Contains(eventType, "status") ||
		strings.HasSuffix(eventType, ".delivered") || strings.HasSuffix(eventType, ".read"):
		return kindStatus
	default:
		return kindContent
	}
}

// FanoutMessageEvent 消息事件扇出：全部成员各一份，附各自的未读快照。
// message section 不完整时按事件类别补齐（完整负载）或收缩（状态/表情 stub）。
func (e *Engine) FanoutMessageEvent(ctx context.Context, tenantID, dialogID, messageID, eventID, eventType string, sections Sections) error {
	if tenantID == "" || dialogID == "" || messageID == "" || eventID == "" {
		return errs.ErrArgs.WrapMsg("FanoutMessageEvent missing args")
	}
	msgSec := sections[SectionMessage]
	if msgSec == nil {
		logger.Error("message section missing, aborting message fanout",
			zap.String("event", eventID), zap.String("message", messageID))
		return nil
	}

	var payload map[string]any
	var err error
	switch messageKindOf(eventType) {
	case kindContent:
		payload, err = e.buildFullMessagePayload(ctx, tenantID, dialogID, messageID, msgSec)
		if err != nil {
			return err
		}
		if payload == nil {
			// 消息查不到：上游契约破坏，不抛错
			logger.Error("message not found, aborting message fanout",
				zap.String("event", eventID), zap.String("message", messageID))
			return nil
		}
	case kindStatus:
		payload = e.buildStatusStub(ctx, tenantID, dialogID, messageID, msgSec, sections)
	case kindReaction:
		payload = buildReactionStub(dialogID, messageID, msgSec, sections)
	}

	members, err := e.deps.Members.ListActive(ctx, tenantID, dialogID)
	if err != nil {
		return errs.WrapMsg(err, "list dialog members failed", "dialog", dialogID)
	}

	updates := make([]*Update, 0, len(members))
	for _, m := range members {
		data := map[string]any{
			SectionMessage: decode.DeepCopy(payload),
			SectionDialog: e.dialogDataFor(ctx, tenantID, m.UserID, dialogID, map[string]any{
				"id": dialogID,
			}),
		}
		if sec := sections[SectionContext]; sec != nil {
			data[SectionContext] = decode.DeepCopy(sec)
		}
		updates = append(updates, newUpdate(tenantID, m.UserID, messageID, eventID, eventType, data))
	}

	return e.persistAndPublish(ctx, updates, TypeMessageUpdate)
}

// buildFullMessagePayload 新建/编辑事件的完整负载：消息字段 + 元数据 +
// 每收件人投递状态 + 发送人信息（同一次扇出只查一次，所有收件人共享）。
// 返回 (nil, nil) 表示消息不存在。
func (e *Engine) buildFullMessagePayload(ctx context.Context, tenantID, dialogID, messageID string, msgSec map[string]any) (map[string]any, error) {
	var payload map[string]any
	if _, ok := msgSec["content"]; ok {
		payload = decode.DeepCopy(msgSec)
		// JSON 反序列化的时间戳是 float64，落库前统一成整数毫秒
		for _, k := range []string{"createdAt", "updatedAt"} {
			if ts, err := decode.ReadInt64(payload, k); err == nil {
				payload[k] = ts
			}
		}
	} else {
		// section 不完整，回源装载
		m, err := e.deps.Messages.Get(ctx, tenantID, messageID)
		if err != nil {
			return nil, errs.WrapMsg(err, "load message failed", "message", messageID)
		}
		if m == nil {
			return nil, nil
		}
		payload = map[string]any{
			"id":         m.MessageID,
			"dialogId":   m.DialogID,
			"senderId":   m.SenderID,
			"senderType": m.SenderType,
			"content":    m.Content,
			"kind":       m.Kind,
			"createdAt":  m.CreatedAtMS,
			"updatedAt":  m.UpdatedAtMS,
		}
		if m.TopicID != "" {
			payload["topicId"] = m.TopicID
		}
	}

	e.attachMeta(ctx, tenantID, "message", messageID, payload)

	statuses, err := e.deps.Messages.ListStatuses(ctx, tenantID, messageID)
	if err != nil {
		logger.Warn("message statuses fetch failed",
			zap.String("message", messageID), zap.Error(err))
	} else if len(statuses) > 0 {
		rows := make([]any, 0, len(statuses))
		for _, st := range statuses {
			rows = append(rows, map[string]any{
				"userId":   st.UserID,
				"userType": st.UserType,
				"status":   st.Status,
			})
		}
		payload["statuses"] = rows
	}

	if senderID, _ := payload["senderId"].(string); senderID != "" {
		if sender, err := e.deps.Messages.GetSender(ctx, tenantID, senderID); err == nil && sender != nil {
			payload["sender"] = map[string]any{
				"id":        sender.UserID,
				"userType":  sender.UserType,
				"name":      sender.Name,
				"avatarUrl": sender.AvatarURL,
			}
		} else if err != nil {
			logger.Debug("sender lookup failed", zap.String("sender", senderID), zap.Error(err))
		}
	}
	return payload, nil
}

// buildStatusStub 状态事件：最小 stub + statusUpdate 增量 + 状态矩阵
func (e *Engine) buildStatusStub(ctx context.Context, tenantID, dialogID, messageID string, msgSec map[string]any, sections Sections) map[string]any {
	stub := messageStub(dialogID, messageID, msgSec)

	if su, ok := msgSec["statusUpdate"].(map[string]any); ok {
		stub["statusUpdate"] = decode.DeepCopy(su)
	} else if ctxSec := sections[SectionContext]; ctxSec != nil {
		if ch, err := decode.DecodeSection[statusChange](ctxSec); err == nil {
			stub["statusUpdate"] = map[string]any{"userId": ch.UserID, "status": ch.Status}
		}
	}

	senderID, _ := stub["senderId"].(string)
	if matrix := e.statusMatrix(ctx, tenantID, messageID, senderID); len(matrix) > 0 {
		stub["statusMatrix"] = matrix
	}
	return stub
}

func buildReactionStub(dialogID, messageID string, msgSec map[string]any, sections Sections) map[string]any {
	stub := messageStub(dialogID, messageID, msgSec)
	if ru, ok := msgSec["reactionUpdate"].(map[string]any); ok {
		stub["reactionUpdate"] = decode.DeepCopy(ru)
	} else if ctxSec := sections[SectionContext]; ctxSec != nil {
		if ch, err := decode.DecodeSection[reactionChange](ctxSec); err == nil {
			stub["reactionUpdate"] = map[string]any{
				"userId":   ch.UserID,
				"reaction": ch.Reaction,
				"op":       ch.Op,
			}
		}
	}
	return stub
}

func messageStub(dialogID, messageID string, msgSec map[string]any) map[string]any {
	stub := map[string]any{
		"id":       messageID,
		"dialogId": dialogID,
	}
	if senderID, err := decode.ReadString(msgSec, "senderId"); err == nil {
		stub["senderId"] = senderID
	}
	return stub
}

// statusMatrix 按收件人类型 × 状态交叉计数，发送人自己不算
func (e *Engine) statusMatrix(ctx context.Context, tenantID, messageID, senderID string) map[string]any {
	statuses, err := e.deps.Messages.ListStatuses(ctx, tenantID, messageID)
	if err != nil {
		logger.Warn("status matrix fetch failed", zap.String("message", messageID), zap.Error(err))
		return nil
	}
	matrix := map[string]any{}
	for _, st := range statuses {
		if st.UserID == senderID {
			continue
		}
		byType, ok := matrix[st.UserType].(map[string]any)
		if !ok {
			byType = map[string]any{}
			matrix[st.UserType] = byType
		}
		n, _ := byType[st.Status].(int64)
		byType[st.Status] = n + 1
	}
	return matrix
}
