package proposal

import (
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/guard"
)

// Status 表示提案在生命周期中的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
)

// ExecutionRecord 保存一次提案授权与派发的结果。
type ExecutionRecord struct {
	SpendAmount  string `json:"spend_amount"`
	Remaining    string `json:"remaining"`
	TxHashes     string `json:"tx_hashes"`
	Observations string `json:"observations,omitempty"`
	DecidedAt    int64  `json:"decided_at"`
}

// Proposal 描述一次排队等待授权与执行的支出请求。
// Operations 与 Signature 原样透传给守护器，核心不在入队阶段做任何校验，
// 全部检查统一发生在处理器持有账户临界区时。
type Proposal struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"account_id"`
	Operations []guard.Operation `json:"operations"`
	Signature  []byte            `json:"signature"`
	Proofs     [][]common.Hash   `json:"proofs,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Record     *ExecutionRecord  `json:"record,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

var (
	// ErrProposalNotFound 表示指定的提案不存在。
	ErrProposalNotFound = xerrors.New(CodeProposalNotFound, "proposal not found")
	// ErrProposalConflict 表示提案在当前状态下无法进行所请求的操作。
	ErrProposalConflict = xerrors.New(CodeProposalConflict, "proposal conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrProposalCompleted 表示提案已经执行完毕。
	ErrProposalCompleted = xerrors.New(CodeProposalCompleted, "proposal already executed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrProposalExhausted 表示提案的重试次数已经耗尽。
	ErrProposalExhausted = xerrors.New(CodeProposalExhausted, "proposal retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeProposalNotFound   xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeProposalConflict   xerrors.Code = "PROPOSAL_CONFLICT"
	CodeProposalCompleted  xerrors.Code = "PROPOSAL_COMPLETED"
	CodeProposalExhausted  xerrors.Code = "PROPOSAL_RETRIES_EXHAUSTED"
	CodeProposalValidation xerrors.Code = "PROPOSAL_VALIDATION_FAILED"
	CodeProposalPublish    xerrors.Code = "PROPOSAL_PUBLISH_FAILED"
	CodeProposalProcessing xerrors.Code = "PROPOSAL_PROCESSING_FAILED"
	CodeProposalCompensate xerrors.Code = "PROPOSAL_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeProposalNotFound, xerrors.Attributes{
		Message:   "proposal not found",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryStateInvariant,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalConflict, xerrors.Attributes{
		Message:   "proposal conflict",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryStateInvariant,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalCompleted, xerrors.Attributes{
		Message:   "proposal already executed",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryStateInvariant,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalExhausted, xerrors.Attributes{
		Message:   "proposal retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryInternal,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeProposalValidation, xerrors.Attributes{
		Message:   "proposal validation failed",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryStateInvariant,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProposalPublish, xerrors.Attributes{
		Message:   "failed to publish proposal",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryInternal,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeProposalProcessing, xerrors.Attributes{
		Message:   "proposal processing failed",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryInternal,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeProposalCompensate, xerrors.Attributes{
		Message:   "proposal compensation failed",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryInternal,
		Retryable: false,
		Alert:     true,
	})
}

// IsProposalError 判断错误是否为统一提案错误。
func IsProposalError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrProposalNotFound) {
		return target == CodeProposalNotFound
	}
	if stdErrors.Is(err, ErrProposalConflict) {
		return target == CodeProposalConflict
	}
	if stdErrors.Is(err, ErrProposalCompleted) {
		return target == CodeProposalCompleted
	}
	if stdErrors.Is(err, ErrProposalExhausted) {
		return target == CodeProposalExhausted
	}
	return false
}

func cloneOperations(ops []guard.Operation) []guard.Operation {
	if ops == nil {
		return nil
	}
	cloned := make([]guard.Operation, len(ops))
	copy(cloned, ops)
	return cloned
}

func cloneProofs(proofs [][]common.Hash) [][]common.Hash {
	if proofs == nil {
		return nil
	}
	cloned := make([][]common.Hash, len(proofs))
	for i, proof := range proofs {
		cloned[i] = append([]common.Hash(nil), proof...)
	}
	return cloned
}

// IsValidStatus 检查给定的提案状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusExecuted, StatusRejected:
		return true
	default:
		return false
	}
}
