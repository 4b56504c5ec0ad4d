package proposal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentCustody/internal/errors"
)

// MemoryStore 以内存方式保存提案状态，主要用于测试。
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*Proposal)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal 不能为空")
	}
	if p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提案 ID 不能为空")
	}
	if _, ok := m.proposals[p.ID]; ok {
		return ErrProposalConflict
	}
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.proposals[p.ID] = cloneProposal(p)
	return nil
}

// Get 返回提案。
func (m *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return cloneProposal(p), nil
}

// Claim 将提案状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	switch p.Status {
	case StatusExecuted:
		return cloneProposal(p), ErrProposalCompleted
	case StatusRunning:
		return cloneProposal(p), ErrProposalConflict
	}
	if p.Attempts >= p.MaxRetries {
		return cloneProposal(p), ErrProposalExhausted
	}
	p.Status = StatusRunning
	p.Attempts++
	p.LastError = ""
	p.ErrorCode = ""
	p.UpdatedAt = time.Now().Unix()
	return cloneProposal(p), nil
}

// MarkExecuted 记录授权与派发结果。
func (m *MemoryStore) MarkExecuted(_ context.Context, id string, record ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	p.Status = StatusExecuted
	p.Record = &record
	p.LastError = ""
	p.ErrorCode = ""
	p.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkRejected 标记提案被拒绝或处理失败。
func (m *MemoryStore) MarkRejected(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	p.Status = StatusRejected
	p.LastError = lastError
	p.ErrorCode = string(code)
	p.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的提案。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		if !matchesListFilters(p, opts) {
			continue
		}
		results = append(results, cloneProposal(p))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Proposal{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的提案数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ProposalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := ProposalStats{}
	for _, p := range m.proposals {
		if !matchesListFilters(p, opts) {
			continue
		}
		stats.Total++
		switch p.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusExecuted:
			stats.Executed++
		case StatusRejected:
			stats.Rejected++
		}
		if p.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = p.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (p.UpdatedAt != 0 && p.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = p.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneProposal(p *Proposal) *Proposal {
	clone := *p
	clone.Operations = cloneOperations(p.Operations)
	clone.Signature = append([]byte(nil), p.Signature...)
	clone.Proofs = cloneProofs(p.Proofs)
	if p.Record != nil {
		recordCopy := *p.Record
		clone.Record = &recordCopy
	}
	return &clone
}

func matchesListFilters(p *Proposal, opts ListOptions) bool {
	if opts.AccountID != "" && p.AccountID != opts.AccountID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if p.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && p.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && p.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasRecord != nil && proposalHasRecord(p) != *opts.HasRecord {
		return false
	}
	if opts.Query != "" {
		if !matchesQuery(p, opts.Query) {
			return false
		}
	}
	return true
}

func proposalHasRecord(p *Proposal) bool {
	if p == nil || p.Record == nil {
		return false
	}
	record := p.Record
	return record.SpendAmount != "" || record.Remaining != "" || record.TxHashes != "" || record.Observations != ""
}

func matchesQuery(p *Proposal, query string) bool {
	if strings.Contains(p.ID, query) || strings.Contains(p.AccountID, query) || strings.Contains(p.LastError, query) || strings.Contains(p.ErrorCode, query) {
		return true
	}
	if p.Record != nil {
		record := p.Record
		return strings.Contains(record.SpendAmount, query) || strings.Contains(record.TxHashes, query) || strings.Contains(record.Observations, query)
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
