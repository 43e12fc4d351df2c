package readsweep

import (
	"PPulse/logger"
	"PPulse/service/broker"
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

const readQueue = "dialog_read_sweep"

// readEvent "用户把会话读完了" 的触发事件
type readEvent struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	DialogID string `json:"dialogId"`
}

// RegisterReadConsumer 订阅 dialog.read.* 事件，触发整会话标记已读。
// 失败 nack 重投：MarkRead 的条件翻转保证重复执行不会双扣计数。
func RegisterReadConsumer(gw *broker.Gateway, sweeper *Sweeper, eventExchange string) (*broker.ConsumerHandle, error) {
	return gw.DeclareConsumer(readQueue, []string{"dialog.read.*"}, broker.ConsumerOpts{
		Exchange: eventExchange,
		Prefetch: 16,
	}, func(d broker.Delivery) error {
		var ev readEvent
		if err := json.Unmarshal(d.Data, &ev); err != nil {
			logger.Error("malformed read event dropped", zap.String("key", d.Subject), zap.Error(err))
			return nil
		}
		if ev.TenantID == "" || ev.UserID == "" || ev.DialogID == "" {
			logger.Error("read event missing fields, dropped", zap.String("key", d.Subject))
			return nil
		}
		n, err := sweeper.MarkDialogRead(context.Background(), ev.TenantID, ev.UserID, ev.DialogID)
		if err != nil {
			return err
		}
		logger.Debug("dialog marked read",
			zap.String("user", ev.UserID), zap.String("dialog", ev.DialogID), zap.Int64("flipped", n))
		return nil
	})
}
