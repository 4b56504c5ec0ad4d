package proposal

import (
	"context"

	xerrors "AgentCustody/internal/errors"
)

// Store 抽象了提案状态的持久化接口。
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	Claim(ctx context.Context, id string) (*Proposal, error)
	MarkExecuted(ctx context.Context, id string, record ExecutionRecord) error
	MarkRejected(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Proposal, error)
	Stats(ctx context.Context, opts ListOptions) (ProposalStats, error)
	Close() error
}
