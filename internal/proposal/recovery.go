package proposal

import (
	"context"
	"log/slog"

	"AgentCustody/pkg/logger"
)

// RecoveryHandler 定义了在提案被拒绝或执行失败时的补偿策略。
// 典型实现把触发人工审批阈值的提案转入离线审批流程。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级。
	// 返回的 ExecutionRecord 将作为降级结果写入提案；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, p *Proposal, cause error) (*ExecutionRecord, error)
}

// RequeuePending 在进程重启后把仍处于等待状态的提案重新投递到队列。
// 队列消息可能在进程崩溃时丢失，存储中的状态才是权威来源。
func RequeuePending(ctx context.Context, store Store, producer Producer) (int, error) {
	requeued := 0
	offset := 0
	for {
		batch, err := store.List(ctx, ListOptions{
			Statuses: []Status{StatusPending},
			Limit:    100,
			Offset:   offset,
			Order:    SortByUpdatedAsc,
		})
		if err != nil {
			return requeued, err
		}
		if len(batch) == 0 {
			return requeued, nil
		}
		for _, p := range batch {
			if err := producer.Publish(ctx, p.ID); err != nil {
				logger.L().Error("重投提案失败",
					slog.String("proposal_id", p.ID),
					slog.Any("error", err))
				return requeued, err
			}
			requeued++
		}
		offset += len(batch)
	}
}
