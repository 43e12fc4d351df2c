package counter

import (
	"PPulse/logger"
	"PPulse/tools/errs"
	"PPulse/tools/ids"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatsEmitter 把“user stats changed”整合通知交给 Fanout Engine 的单收件人路径。
// main 里由 update.Engine 实现并注入，counter 包不反向依赖 update 包。
type StatsEmitter interface {
	EmitUserStats(ctx context.Context, tenantID, userID, sourceEventID string, updatedFields []string) error
}

// Ledger 计数台账：原子增减 + 审计 + Update Context 合并通知
type Ledger struct {
	store   Store
	rt      *Runtime
	emitter StatsEmitter

	sweepStop chan struct{}
	sweepOnce sync.Once
}

func NewLedger(store Store, rt *Runtime) *Ledger {
	return &Ledger{store: store, rt: rt}
}

// SetEmitter 绑定通知出口（Engine 和 Ledger 互相引用，构造后再接线）
func (l *Ledger) SetEmitter(e StatsEmitter) { l.emitter = e }

func (l *Ledger) Runtime() *Runtime { return l.rt }

// ApplyDelta 原子地 field = max(0, field + delta)，缺档 upsert，返回新旧值。
// 值真的变了才写一条审计；审计失败只记日志，不回滚计数。
func (l *Ledger) ApplyDelta(ctx context.Context, key Key, field string, delta int64, src Source) (int64, int64, error) {
	if key.TenantID == "" || key.SubjectID == "" || field == "" {
		return 0, 0, errs.ErrArgs.WrapMsg("ApplyDelta missing key/field")
	}
	oldVal, newVal, err := l.store.ApplyAtomicDelta(ctx, key, field, delta)
	if err != nil {
		return 0, 0, errs.WrapMsg(err, "apply delta failed",
			"subject", string(key.SubjectType), "field", field)
	}
	if oldVal != newVal {
		l.writeHistory(ctx, key, field, oldVal, newVal, delta, operationOf(delta), src)
	}
	return oldVal, newVal, nil
}

// ApplyReactionDelta 表情计数；衰减到 0 时删掉计数器文档而不是留一个 0
func (l *Ledger) ApplyReactionDelta(ctx context.Context, tenantID, messageID, reaction string, delta int64, src Source) (int64, int64, error) {
	key := Key{TenantID: tenantID, SubjectType: SubjectMessageReact, SubjectID: messageID}
	oldVal, newVal, err := l.ApplyDelta(ctx, key, reaction, delta, src)
	if err != nil {
		return 0, 0, err
	}
	if newVal == 0 && delta < 0 {
		if _, derr := l.store.DeleteIfZero(ctx, key, reaction); derr != nil {
			// 删除失败留个 0 值文档，不影响正确性
			logger.Warn("reaction counter cleanup failed",
				zap.String("message", messageID), zap.String("reaction", reaction), zap.Error(derr))
		}
	}
	return oldVal, newVal, nil
}

// ApplyStatusDelta 每条消息按状态（delivered/read...）的计数
func (l *Ledger) ApplyStatusDelta(ctx context.Context, tenantID, messageID, status string, delta int64, src Source) (int64, int64, error) {
	key := Key{TenantID: tenantID, SubjectType: SubjectMessageStatus, SubjectID: messageID}
	return l.ApplyDelta(ctx, key, status, delta, src)
}

// ApplyUnreadDelta 未读专用：可选 topic 计数 → dialog 计数 → user stats 聚合对。
// 两个聚合字段走同一次原子更新；sourceEventID 非空时把变化的字段登记进该事件的 Update Context。
func (l *Ledger) ApplyUnreadDelta(ctx context.Context, tenantID, userID, dialogID string, delta int64, src Source, sourceEventID, topicID string) error {
	if tenantID == "" || userID == "" || dialogID == "" {
		return errs.ErrArgs.WrapMsg("ApplyUnreadDelta missing tenant/user/dialog")
	}

	if topicID != "" {
		if _, _, err := l.ApplyDelta(ctx, TopicUnreadKey(tenantID, userID, dialogID, topicID), FieldUnreadCount, delta, src); err != nil {
			return err
		}
	}

	oldVal, newVal, err := l.ApplyDelta(ctx, DialogUnreadKey(tenantID, userID, dialogID), FieldUnreadCount, delta, src)
	if err != nil {
		return err
	}

	// 0↔正数 穿越才动 unreadDialogsCount
	var dialogsDelta int64
	switch {
	case oldVal == 0 && newVal > 0:
		dialogsDelta = 1
	case oldVal > 0 && newVal == 0:
		dialogsDelta = -1
	}

	statsKey := UserStatsKey(tenantID, userID)
	deltas := map[string]int64{FieldTotalUnreadCount: delta}
	if dialogsDelta != 0 {
		deltas[FieldUnreadDialogsCount] = dialogsDelta
	}
	oldVals, newVals, err := l.store.ApplyAtomicDeltas(ctx, statsKey, deltas)
	if err != nil {
		return errs.WrapMsg(err, "apply user stats deltas failed", "user", userID)
	}

	var changed []string
	for f, d := range deltas {
		if oldVals[f] != newVals[f] {
			l.writeHistory(ctx, statsKey, f, oldVals[f], newVals[f], d, operationOf(d), src)
			switch f {
			case FieldTotalUnreadCount:
				changed = append(changed, StatsFieldTotalUnread)
			case FieldUnreadDialogsCount:
				changed = append(changed, StatsFieldUnreadDialogs)
			}
		}
	}

	if sourceEventID != "" && len(changed) > 0 {
		l.rt.Register(tenantID, userID, sourceEventID, changed...)
	}
	return nil
}

// FinalizeContext 原子取走上下文并发一条整合通知。重复调用是 no-op；
// 通知失败吞掉只记日志（best-effort），计数本身已经落库。
func (l *Ledger) FinalizeContext(ctx context.Context, tenantID, userID, sourceEventID string) {
	fields, ok := l.rt.Take(tenantID, userID, sourceEventID)
	if !ok || len(fields) == 0 {
		return
	}
	if l.emitter == nil {
		logger.Warn("no stats emitter bound, dropping context",
			zap.String("user", userID), zap.String("event", sourceEventID))
		return
	}
	if err := l.emitter.EmitUserStats(ctx, tenantID, userID, sourceEventID, fields); err != nil {
		logger.Error("emit user stats update failed",
			zap.String("tenant", tenantID), zap.String("user", userID),
			zap.String("event", sourceEventID), zap.Error(err))
	}
}

// StartSweep 定期把超过 TTL 的上下文按 finalize 同路径收尾，
// 调用方忘了 finalize 也不会泄漏或把该发的通知吞掉。
func (l *Ledger) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = l.rt.TTL()
	}
	l.sweepStop = make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-l.sweepStop:
				return
			case <-t.C:
				l.sweepOnceNow()
			}
		}
	}()
}

func (l *Ledger) sweepOnceNow() {
	for _, k := range l.rt.expiredKeys(time.Now()) {
		logger.Debug("sweeping stale update context",
			zap.String("user", k.UserID), zap.String("event", k.EventID))
		l.FinalizeContext(context.Background(), k.TenantID, k.UserID, k.EventID)
	}
}

// StopSweep 幂等停表；sweep 不会阻塞进程退出
func (l *Ledger) StopSweep() {
	l.sweepOnce.Do(func() {
		if l.sweepStop != nil {
			close(l.sweepStop)
		}
	})
}

// DialogUnread 给 Fanout 读的未读快照
func (l *Ledger) DialogUnread(ctx context.Context, tenantID, userID, dialogID string) (int64, error) {
	c, err := l.store.Get(ctx, DialogUnreadKey(tenantID, userID, dialogID))
	if err != nil {
		return 0, err
	}
	return c.Value(FieldUnreadCount), nil
}

// UserStatsValues 用户聚合统计当前值（缺档按全 0）
func (l *Ledger) UserStatsValues(ctx context.Context, tenantID, userID string) (map[string]int64, error) {
	c, err := l.store.Get(ctx, UserStatsKey(tenantID, userID))
	if err != nil {
		return nil, err
	}
	out := map[string]int64{
		FieldDialogCount:        c.Value(FieldDialogCount),
		FieldUnreadDialogsCount: c.Value(FieldUnreadDialogsCount),
		FieldTotalUnreadCount:   c.Value(FieldTotalUnreadCount),
		FieldTotalMessagesCount: c.Value(FieldTotalMessagesCount),
	}
	return out, nil
}

// writeHistory 审计是 best-effort，失败不往上抛
func (l *Ledger) writeHistory(ctx context.Context, key Key, field string, oldVal, newVal, delta int64, op string, src Source) {
	h := &History{
		ID:              ids.GenerateString(),
		TenantID:        key.TenantID,
		CounterType:     string(key.SubjectType),
		EntityType:      string(key.SubjectType),
		EntityID:        key.SubjectID,
		Field:           field,
		OldValue:        oldVal,
		NewValue:        newVal,
		Delta:           delta,
		Operation:       op,
		SourceOperation: src.Operation,
		SourceEntityID:  src.EntityID,
		ActorID:         src.ActorID,
		ActorType:       src.ActorType,
		CreatedAt:       time.Now(),
	}
	if err := l.store.InsertHistory(ctx, h); err != nil {
		logger.Warn("counter history write failed",
			zap.String("subject", key.SubjectID), zap.String("field", field), zap.Error(err))
	}
}

func operationOf(delta int64) string {
	if delta < 0 {
		return OpDecrement
	}
	return OpIncrement
}
