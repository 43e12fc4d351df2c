package update

import (
	"PPulse/logger"
	"PPulse/service/broker"
	"PPulse/tools/decode"
	"PPulse/tools/errs"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// 事件消费入口：订阅 event exchange 的全部 routing key，按 entityType 分发
// 到对应的扇出路径。解析失败的消息 ack 掉（重投也不会变好），业务失败 nack 重投。

const eventQueue = "update_fanout"

// RegisterEventConsumer 在网关上声明扇出消费者
func RegisterEventConsumer(gw *broker.Gateway, engine *Engine, eventExchange string) (*broker.ConsumerHandle, error) {
	return gw.DeclareConsumer(eventQueue, []string{"#"}, broker.ConsumerOpts{
		Exchange: eventExchange,
		Prefetch: 128,
	}, func(d broker.Delivery) error {
		var ev Event
		if err := json.Unmarshal(d.Data, &ev); err != nil {
			logger.Error("malformed event dropped",
				zap.String("key", d.Subject), zap.Error(err))
			return nil
		}
		if err := dispatchEvent(context.Background(), engine, &ev); err != nil {
			return err
		}
		return nil
	})
}

// dispatchEvent entityType → 扇出路径
func dispatchEvent(ctx context.Context, engine *Engine, ev *Event) error {
	if ev.TenantID == "" || ev.EventID == "" {
		logger.Error("event missing tenant or id, dropped", zap.String("type", ev.EventType))
		return nil
	}

	switch ev.EntityType {
	case "dialog":
		if isMemberScoped(ev.EventType) && !isMemberRemoval(ev.EventType) {
			if userID := memberUserID(ev); userID != "" {
				return engine.FanoutDialogMemberEvent(ctx, ev.TenantID, ev.EntityID, userID, ev.EventID, ev.EventType, ev.Data)
			}
		}
		return engine.FanoutDialogEvent(ctx, ev.TenantID, ev.EntityID, ev.EventID, ev.EventType, ev.Data)

	case "message":
		dialogID := messageDialogID(ev)
		if dialogID == "" {
			logger.Error("message event without dialog id, dropped", zap.String("event", ev.EventID))
			return nil
		}
		return engine.FanoutMessageEvent(ctx, ev.TenantID, dialogID, ev.EntityID, ev.EventID, ev.EventType, ev.Data)

	case "typing":
		dialogID := messageDialogID(ev)
		if dialogID == "" {
			dialogID = ev.EntityID
		}
		return engine.FanoutTypingEvent(ctx, ev.TenantID, dialogID, ev.ActorID, ev.EventID, ev.EventType, ev.Data)

	case "user":
		if ev.EventType == EventTypeUserStatsChanged {
			var fields []string
			if c := ev.Data[SectionContext]; c != nil {
				if raw, ok := c["updatedFields"].([]any); ok {
					for _, f := range raw {
						if s, ok := f.(string); ok {
							fields = append(fields, s)
						}
					}
				}
			}
			return engine.FanoutUserStatsEvent(ctx, ev.TenantID, ev.EntityID, ev.EventID, ev.EventType, fields)
		}
		return engine.FanoutUserEvent(ctx, ev.TenantID, ev.EntityID, ev.EventID, ev.EventType, ev.Data)

	default:
		// 未知实体类型不算错误，留给其他消费者
		logger.Debug("event entity type not handled",
			zap.String("entity_type", ev.EntityType), zap.String("event", ev.EventID))
		return nil
	}
}

// isMemberScoped 事件只影响一个成员（joined/muted/role 变化等），
// removal 例外：要通知全员外加被移者
func isMemberScoped(eventType string) bool {
	return strings.Contains(eventType, "member")
}

// 事件 section 的最小投影；section 是松散 map，落到类型上再取字段
type memberRef struct {
	UserID string `json:"userId"`
}

type dialogRef struct {
	ID       string `json:"id"`
	DialogID string `json:"dialogId"`
}

// memberUserID 成员事件涉及的成员；member section 没带就退回 actor
func memberUserID(ev *Event) string {
	if sec := ev.Data[SectionMember]; sec != nil {
		if ref, err := decode.DecodeSection[memberRef](sec); err == nil && ref.UserID != "" {
			return ref.UserID
		}
	}
	return ev.ActorID
}

// messageDialogID 消息/打字事件的会话 id：优先 dialog section，退回 message section
func messageDialogID(ev *Event) string {
	if sec := ev.Data[SectionDialog]; sec != nil {
		if ref, err := decode.DecodeSection[dialogRef](sec); err == nil && ref.ID != "" {
			return ref.ID
		}
	}
	if sec := ev.Data[SectionMessage]; sec != nil {
		if ref, err := decode.DecodeSection[dialogRef](sec); err == nil && ref.DialogID != "" {
			return ref.DialogID
		}
	}
	return ""
}

// PublishEvent 领域事件发布助手：routing key {entityType}.{action}.{tenantId}
func PublishEvent(gw *broker.Gateway, eventExchange string, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errs.WrapMsg(err, "marshal event failed", "event", ev.EventID)
	}
	key := EventRoutingKey(ev.EntityType, ev.EventType, ev.TenantID)
	if !gw.Publish(eventExchange, key, payload, true) {
		return errs.ErrBroker.WrapMsg("event publish failed")
	}
	return nil
}
