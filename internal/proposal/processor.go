package proposal

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentCustody/internal/account"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/executor"
	"AgentCustody/internal/guard"
	"AgentCustody/internal/observability/alerting"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/internal/window"
	"AgentCustody/pkg/logger"
)

// AccountSource 提供处理器所需的账户访问能力。
type AccountSource interface {
	Get(id string) (*account.Account, error)
}

// Processor 负责从队列消费提案，在账户临界区内完成校验与派发。
//
// 单写者模型在这里落地：每个账户对应锁表中的一把互斥锁，校验-记账-派发
// 作为一个临界区执行，不同账户的提案可以并行处理。锁表必须与其它会
// 变更账户状态的入口（API 服务）共享，见 WithLockTable。
type Processor struct {
	validator   *guard.Validator
	accounts    AccountSource
	store       Store
	consumer    Consumer
	producer    Producer
	executor    executor.Executor
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	decisionLog DecisionLog
	locks       *account.LockTable
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithDecisionLog 配置决策审计日志。
func WithDecisionLog(log DecisionLog) ProcessorOption {
	return func(p *Processor) {
		p.decisionLog = log
	}
}

// WithLockTable 共享账户锁表。凡是会变更账户状态的入口都必须使用
// 同一张锁表，否则 API 侧的策略变更会与校验临界区并发。
func WithLockTable(locks *account.LockTable) ProcessorOption {
	return func(p *Processor) {
		if locks != nil {
			p.locks = locks
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(validator *guard.Validator, accounts AccountSource, exec executor.Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		validator:   validator,
		accounts:    accounts,
		executor:    exec,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		locks:       account.NewLockTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动提案处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置提案消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, proposalID string) error {
	if p.store == nil || p.validator == nil || p.accounts == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	prop, err := p.store.Claim(ctx, proposalID)
	if err != nil {
		if stdErrors.Is(err, ErrProposalNotFound) || stdErrors.Is(err, ErrProposalCompleted) || stdErrors.Is(err, ErrProposalExhausted) {
			p.logDebug("跳过提案", slog.String("proposal_id", proposalID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取提案失败", slog.Any("error", err), slog.String("proposal_id", proposalID))
		p.emitAlert(ctx, &Proposal{ID: proposalID}, CodeProposalProcessing, err, "claim")
		return err
	}

	acct, err := p.accounts.Get(prop.AccountID)
	if err != nil {
		return p.handleRejection(ctx, prop, err)
	}

	// 校验-记账-派发共享同一账户临界区，保持 nonce 序与窗口记账一致。
	unlock := p.locks.Acquire(prop.AccountID)
	decision, validateErr := p.validator.ValidateBatch(acct, prop.Operations, prop.Signature, prop.Proofs)
	if validateErr != nil {
		unlock()
		return p.handleRejection(ctx, prop, validateErr)
	}

	record := ExecutionRecord{
		SpendAmount: decision.SpendAmount.String(),
		Remaining:   decision.Remaining.String(),
		DecidedAt:   decision.DecidedAt,
	}
	if p.executor != nil {
		receipts, execErr := p.executor.Execute(ctx, prop.AccountID, prop.Operations)
		if execErr != nil {
			win := acct.WindowState()
			unlock()
			// 配额已在授权时计入，派发失败不回滚窗口：宁可少花，不可重复花。
			return p.handleDispatchFailure(ctx, prop, win, execErr)
		}
		hashes := make([]string, len(receipts))
		for i, r := range receipts {
			hashes[i] = r.TxHash.Hex()
		}
		record.TxHashes = strings.Join(hashes, ",")
	}
	win := acct.WindowState()
	unlock()

	metrics.ObserveDecision("executed", "")

	if err := p.store.MarkExecuted(ctx, prop.ID, record); err != nil {
		logger.L().Error("记录提案执行结果失败", slog.Any("error", err), slog.String("proposal_id", prop.ID))
		p.emitAlert(ctx, prop, CodeProposalProcessing, err, "record")
		return nil
	}
	p.recordDecision(ctx, DecisionEntry{
		ProposalID:      prop.ID,
		AccountID:       prop.AccountID,
		Outcome:         "executed",
		SpendAmount:     record.SpendAmount,
		Remaining:       record.Remaining,
		TxHashes:        record.TxHashes,
		WindowSpent:     win.Amount.String(),
		WindowLastReset: win.LastReset,
		DecidedAt:       record.DecidedAt,
	})
	logger.Audit().Info("提案执行成功",
		slog.String("proposal_id", prop.ID),
		slog.String("account", prop.AccountID),
		slog.String("spend", record.SpendAmount),
		slog.String("remaining", record.Remaining),
		slog.String("tx_hashes", record.TxHashes),
	)
	return nil
}

// handleRejection 按失败类别处理被拒绝的提案。
// 守护器的四类拒绝都不会被核心自动重试，只有基础设施错误会重新入队。
func (p *Processor) handleRejection(ctx context.Context, prop *Proposal, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeProposalProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := prop.Attempts >= prop.MaxRetries || !retryable

	metrics.ObserveDecision("rejected", string(code))

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, prop, cause); recErr != nil {
			wrapped := xerrors.Wrap(CodeProposalCompensate, recErr, "提案补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("proposal_id", prop.ID))
			p.emitAlert(ctx, prop, CodeProposalCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Observations == "" {
				fallback.Observations = fmt.Sprintf("降级处理: %v", cause)
			}
			if err := p.store.MarkExecuted(ctx, prop.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("proposal_id", prop.ID))
				p.emitAlert(ctx, prop, CodeProposalProcessing, err, "record")
				return nil
			}
			logger.Audit().Warn("提案降级完成",
				slog.String("proposal_id", prop.ID),
				slog.String("account", prop.AccountID),
				slog.String("observations", fallback.Observations),
			)
			p.emitAlert(ctx, prop, code, cause, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkRejected(ctx, prop.ID, code, cause.Error(), terminal); storeErr != nil {
		logger.L().Error("标记提案拒绝状态出错", slog.Any("error", storeErr), slog.String("proposal_id", prop.ID))
		return storeErr
	}
	logger.Audit().Warn("提案被拒绝",
		slog.String("proposal_id", prop.ID),
		slog.String("account", prop.AccountID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.String("category", string(xerrors.CategoryOf(cause))),
		slog.Int("attempts", prop.Attempts),
		slog.Int("max_retries", prop.MaxRetries),
	)

	p.recordDecision(ctx, DecisionEntry{
		ProposalID:   prop.ID,
		AccountID:    prop.AccountID,
		Outcome:      "rejected",
		ErrorCode:    string(code),
		Observations: cause.Error(),
		DecidedAt:    time.Now().Unix(),
	})

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, prop, code, cause, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, prop.ID); pubErr != nil {
			return xerrors.Wrap(CodeProposalPublish, pubErr, fmt.Sprintf("提案 %s 重投失败", prop.ID))
		}
		p.logDebug("提案已重新排队", slog.String("proposal_id", prop.ID), slog.Int("attempts", prop.Attempts))
	}
	return nil
}

// handleDispatchFailure 处理授权通过但链上派发失败的提案。
// 支出已计入窗口，重新校验会重复记账，因此派发失败一律终止并告警。
func (p *Processor) handleDispatchFailure(ctx context.Context, prop *Proposal, win window.Window, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = executor.CodeDispatchFailed
	}

	metrics.ObserveDecision("dispatch_failed", string(code))

	if storeErr := p.store.MarkRejected(ctx, prop.ID, code, cause.Error(), true); storeErr != nil {
		logger.L().Error("标记派发失败状态出错", slog.Any("error", storeErr), slog.String("proposal_id", prop.ID))
		return storeErr
	}
	logger.Audit().Error("提案派发失败",
		slog.String("proposal_id", prop.ID),
		slog.String("account", prop.AccountID),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
	)
	p.recordDecision(ctx, DecisionEntry{
		ProposalID:      prop.ID,
		AccountID:       prop.AccountID,
		Outcome:         "dispatch_failed",
		ErrorCode:       string(code),
		Observations:    cause.Error(),
		WindowSpent:     win.Amount.String(),
		WindowLastReset: win.LastReset,
		DecidedAt:       time.Now().Unix(),
	})
	p.emitAlert(ctx, prop, code, cause, "dispatch")
	return nil
}

// recordDecision 将决策快照写入审计日志，失败不阻断状态机。
func (p *Processor) recordDecision(ctx context.Context, entry DecisionEntry) {
	if p.decisionLog == nil {
		return
	}
	if err := p.decisionLog.Record(ctx, entry); err != nil {
		logger.L().Error("写入决策审计失败",
			slog.Any("error", err),
			slog.String("proposal_id", entry.ProposalID),
		)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, prop *Proposal, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || prop == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert && stage != "terminal" {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		ProposalID: prop.ID,
		AccountID:  prop.AccountID,
		Attempts:   prop.Attempts,
		MaxRetries: prop.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("proposal_id", prop.ID),
			slog.String("stage", stage),
		)
	}
}
