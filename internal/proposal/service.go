package proposal

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/guard"
	"AgentCustody/pkg/logger"
)

// SubmitRequest 描述一次提案提交。
type SubmitRequest struct {
	// ID 可选；携带相同 ID 的重复提交是幂等的。
	ID         string            `json:"id,omitempty"`
	AccountID  string            `json:"account_id"`
	Operations []guard.Operation `json:"operations"`
	Signature  []byte            `json:"signature"`
	Proofs     [][]common.Hash   `json:"proofs,omitempty"`
}

// Service 负责提案的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造提案服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的提案并推送到队列。
// 入队阶段只做形态检查，授权校验全部发生在处理器的账户临界区内。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Proposal, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, xerrors.New(CodeProposalValidation, "提案必须指定账户")
	}
	if len(req.Operations) == 0 {
		return nil, xerrors.New(CodeProposalValidation, "提案必须包含至少一个操作")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "提案服务未初始化")
	}

	proposalID := strings.TrimSpace(req.ID)
	if proposalID != "" {
		p, err := s.store.Get(ctx, proposalID)
		if err == nil {
			return p, nil
		}
		if !stdErrors.Is(err, ErrProposalNotFound) {
			return nil, err
		}
	} else {
		proposalID = uuid.NewString()
	}

	p := &Proposal{
		ID:         proposalID,
		AccountID:  req.AccountID,
		Operations: cloneOperations(req.Operations),
		Signature:  append([]byte(nil), req.Signature...),
		Proofs:     cloneProofs(req.Proofs),
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, p); err != nil {
		if stdErrors.Is(err, ErrProposalConflict) {
			existing, getErr := s.store.Get(ctx, proposalID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrProposalNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, proposalID); err != nil {
		logger.L().Error("提案入队失败", slog.Any("error", err), slog.String("proposal_id", proposalID))
		wrapped := xerrors.Wrap(CodeProposalPublish, err, "发布提案到队列失败")
		_ = s.store.MarkRejected(ctx, proposalID, CodeProposalPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("提案入队成功",
		slog.String("proposal_id", proposalID),
		slog.String("account", p.AccountID),
		slog.Int("operations", len(p.Operations)),
		slog.Int("max_retries", p.MaxRetries),
	)
	return p, nil
}

// Get 返回指定提案的状态。
func (s *Service) Get(ctx context.Context, id string) (*Proposal, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "提案存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的提案列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Proposal, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "提案存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的提案统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (ProposalStats, error) {
	if s.store == nil {
		return ProposalStats{}, xerrors.New(xerrors.CodeInitializationFailure, "提案存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询提案状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Proposal, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status == StatusExecuted || p.Status == StatusRejected {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
