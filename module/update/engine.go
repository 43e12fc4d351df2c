package update

import (
	"PPulse/logger"
	"PPulse/tools/decode"
	"PPulse/tools/errs"
	"PPulse/tools/ids"
	"PPulse/tools/safe"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const defaultUserType = "user"

// Deps Engine 的协作方；main 里接线
type Deps struct {
	Updates  UpdateStore
	Members  MemberStore
	Messages MessageStore
	Meta     MetaStore
	Identity Identity
	Stats    StatsReader
	Broker   Publisher

	UpdatesExchange string
}

// Engine 把一个事件展开成 N 份 per-recipient Update：
// 先一次性落库，再逐条异步发布（发布失败不影响落库，留给对账扫描重发）。
type Engine struct {
	deps Deps

	// 测试用：true 时发布走同步路径
	syncPublish bool
}

func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// newUpdate 每个收件人一份，data 必须是独立副本
func newUpdate(tenantID, userID, entityID, eventID, eventType string, data map[string]any) *Update {
	return &Update{
		ID:        ids.GenerateString(),
		TenantID:  tenantID,
		UserID:    userID,
		EntityID:  entityID,
		EventID:   eventID,
		EventType: eventType,
		Data:      data,
		Published: false,
		CreatedAt: time.Now(),
	}
}

// persistAndPublish 一批收件人的 Update 先整体落库，再逐条发布。
// crash 在两步之间只会留下可重发的未发布记录，不会丢。
func (e *Engine) persistAndPublish(ctx context.Context, updates []*Update, updateType string) error {
	if len(updates) == 0 {
		return nil
	}
	if err := e.deps.Updates.InsertMany(ctx, updates); err != nil {
		return errs.WrapMsg(err, "persist updates failed", "count", len(updates))
	}
	for _, u := range updates {
		u := u
		if e.syncPublish {
			e.publishOne(context.Background(), u, updateType)
		} else {
			safe.SafeGo(func() { e.publishOne(context.Background(), u, updateType) })
		}
	}
	return nil
}

// publishOne 发布失败只记日志；published 标志是投递尝试结果的持久信号
func (e *Engine) publishOne(ctx context.Context, u *Update, updateType string) {
	userType, err := e.deps.Identity.GetUserType(ctx, u.TenantID, u.UserID)
	if err != nil || userType == "" {
		if err != nil {
			logger.Debug("user type lookup failed, using default",
				zap.String("user", u.UserID), zap.Error(err))
		}
		userType = defaultUserType
	}

	payload, err := json.Marshal(u)
	if err != nil {
		logger.Error("marshal update failed", zap.String("update", u.ID), zap.Error(err))
		return
	}

	key := UpdateRoutingKey(updateType, userType, u.UserID)
	if !e.deps.Broker.Publish(e.deps.UpdatesExchange, key, payload, true) {
		// gateway 已经记过日志；记录保持 published=false 等待重发
		return
	}
	if err := e.deps.Updates.MarkPublished(ctx, u.TenantID, u.ID); err != nil {
		logger.Error("mark update published failed", zap.String("update", u.ID), zap.Error(err))
	}
}

// dialogDataFor 给一个收件人拼 dialog section：深拷贝 + 合并他自己的未读快照
func (e *Engine) dialogDataFor(ctx context.Context, tenantID, userID, dialogID string, dialogSec map[string]any) map[string]any {
	d := decode.DeepCopy(dialogSec)
	unread, err := e.deps.Stats.DialogUnread(ctx, tenantID, userID, dialogID)
	if err != nil {
		logger.Warn("unread snapshot read failed",
			zap.String("user", userID), zap.String("dialog", dialogID), zap.Error(err))
		unread = 0
	}
	d["unreadCount"] = unread
	return d
}

// FanoutDialogMemberEvent 成员级事件的单收件人路径
func (e *Engine) FanoutDialogMemberEvent(ctx context.Context, tenantID, dialogID, userID, eventID, eventType string, sections Sections) error {
	if tenantID == "" || dialogID == "" || userID == "" || eventID == "" {
		return errs.ErrArgs.WrapMsg("FanoutDialogMemberEvent missing args")
	}
	dialogSec := sections[SectionDialog]
	if dialogSec == nil {
		logger.Error("dialog section missing, aborting member fanout",
			zap.String("event", eventID), zap.String("dialog", dialogID))
		return nil
	}

	data := map[string]any{
		SectionDialog: e.dialogDataFor(ctx, tenantID, userID, dialogID, dialogSec),
	}
	if m := sections[SectionMember]; m != nil {
		data[SectionMember] = decode.DeepCopy(m)
	}
	if c := sections[SectionContext]; c != nil {
		data[SectionContext] = decode.DeepCopy(c)
	}

	u := newUpdate(tenantID, userID, dialogID, eventID, eventType, data)
	return e.persistAndPublish(ctx, []*Update{u}, TypeDialogMemberUpdate)
}

// FanoutUserEvent 用户自身事件：单收件人，user section + 元数据补全
func (e *Engine) FanoutUserEvent(ctx context.Context, tenantID, userID, eventID, eventType string, sections Sections) error {
	if tenantID == "" || userID == "" || eventID == "" {
		return errs.ErrArgs.WrapMsg("FanoutUserEvent missing args")
	}
	userSec := sections[SectionUser]
	if userSec == nil {
		logger.Error("user section missing, aborting user fanout",
			zap.String("event", eventID), zap.String("user", userID))
		return nil
	}

	us := decode.DeepCopy(userSec)
	e.attachMeta(ctx, tenantID, "user", userID, us)

	data := map[string]any{SectionUser: us}
	if c := sections[SectionContext]; c != nil {
		data[SectionContext] = decode.DeepCopy(c)
	}

	u := newUpdate(tenantID, userID, userID, eventID, eventType, data)
	return e.persistAndPublish(ctx, []*Update{u}, TypeUserUpdate)
}

// FanoutUserStatsEvent stats 变更整合通知：user section 带 stats 子对象，
// updatedFields 空时回落默认字段对
func (e *Engine) FanoutUserStatsEvent(ctx context.Context, tenantID, userID, eventID, eventType string, updatedFields []string) error {
	if tenantID == "" || userID == "" || eventID == "" {
		return errs.ErrArgs.WrapMsg("FanoutUserStatsEvent missing args")
	}
	stats, err := e.deps.Stats.UserStatsValues(ctx, tenantID, userID)
	if err != nil {
		return errs.WrapMsg(err, "read user stats failed", "user", userID)
	}

	if len(updatedFields) == 0 {
		updatedFields = append([]string(nil), defaultStatsFields...)
	}

	statsSec := make(map[string]any, len(stats))
	for k, v := range stats {
		statsSec[k] = v
	}
	us := map[string]any{
		"id":    userID,
		"stats": statsSec,
	}
	e.attachMeta(ctx, tenantID, "user", userID, us)

	data := map[string]any{
		SectionUser: us,
		SectionContext: map[string]any{
			"updatedFields": updatedFields,
		},
	}

	u := newUpdate(tenantID, userID, userID, eventID, eventType, data)
	return e.persistAndPublish(ctx, []*Update{u}, TypeUserStatsUpdate)
}

// EmitUserStats counter.StatsEmitter 的实现：Ledger finalize 上下文时走这里
func (e *Engine) EmitUserStats(ctx context.Context, tenantID, userID, sourceEventID string, updatedFields []string) error {
	return e.FanoutUserStatsEvent(ctx, tenantID, userID, sourceEventID, EventTypeUserStatsChanged, updatedFields)
}

// attachMeta 元数据补全是 best-effort：失败记日志继续
func (e *Engine) attachMeta(ctx context.Context, tenantID, entityType, entityID string, section map[string]any) {
	if e.deps.Meta == nil {
		return
	}
	meta, err := e.deps.Meta.GetEntityMeta(ctx, tenantID, entityType, entityID)
	if err != nil {
		logger.Debug("entity meta fetch failed",
			zap.String("entity_type", entityType), zap.String("entity", entityID), zap.Error(err))
		return
	}
	if len(meta) > 0 {
		section["meta"] = meta
	}
}
