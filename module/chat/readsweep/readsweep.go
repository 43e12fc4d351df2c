package readsweep

import (
	"PPulse/logger"
	chatmodel "PPulse/module/chat/model"
	"PPulse/module/counter"
	"PPulse/tools/errs"
	"PPulse/tools/ids"
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper 整会话标记已读：分批翻转 message_statuses，再把实际翻转数
// 从未读计数里扣掉。批间小睡让路给前台流量。
type Sweeper struct {
	ledger *counter.Ledger
	status chatmodel.MessageStatus

	BatchSize int
	Sleep     time.Duration
}

const (
	defaultBatchSize = 500
	defaultSleep     = 100 * time.Millisecond
)

func NewSweeper(ledger *counter.Ledger) *Sweeper {
	return &Sweeper{
		ledger:    ledger,
		BatchSize: defaultBatchSize,
		Sleep:     defaultSleep,
	}
}

// MarkDialogRead 把 user 在 dialog 里的未读全部置 read，返回翻转总数。
// 计数用 MarkRead 的实际 ModifiedCount 扣，不用读取阶段的行数，
// 并发期间别人已读过的行不会被双扣。ctx 取消时在批边界停下。
func (s *Sweeper) MarkDialogRead(ctx context.Context, tenantID, userID, dialogID string) (int64, error) {
	if tenantID == "" || userID == "" || dialogID == "" {
		return 0, errs.ErrArgs.WrapMsg("MarkDialogRead missing args")
	}

	eventID := ids.GenerateString()
	src := counter.Source{
		Operation: "dialog.mark_read",
		EntityID:  dialogID,
		ActorID:   userID,
		ActorType: "user",
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		idsBatch, err := s.status.ListUnreadIDs(ctx, tenantID, userID, dialogID, s.BatchSize)
		if err != nil {
			return total, errs.WrapMsg(err, "list unread statuses failed", "dialog", dialogID)
		}
		if len(idsBatch) == 0 {
			break
		}

		flipped, err := s.status.MarkRead(ctx, tenantID, idsBatch)
		if err != nil {
			return total, errs.WrapMsg(err, "mark read failed", "dialog", dialogID)
		}
		if flipped > 0 {
			if err := s.ledger.ApplyUnreadDelta(ctx, tenantID, userID, dialogID, -flipped, src, eventID, ""); err != nil {
				logger.Error("unread decrement after mark-read failed",
					zap.String("user", userID), zap.String("dialog", dialogID),
					zap.Int64("flipped", flipped), zap.Error(err))
			}
			total += flipped
		}
		if len(idsBatch) < s.BatchSize {
			break
		}
		time.Sleep(s.Sleep)
	}

	// 全部批次的字段变化合并成一条通知
	s.ledger.FinalizeContext(ctx, tenantID, userID, eventID)
	return total, nil
}
