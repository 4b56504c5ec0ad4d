package guard

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/account"
	"AgentCustody/internal/commitment"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/schema"
)

// 守护器注册的拒绝码。每个入口都返回具名的失败原因，调用方可以精确分支。
const (
	CodeBadSignature       xerrors.Code = "BAD_SIGNATURE"
	CodeTargetNotAllowed   xerrors.Code = "TARGET_NOT_ALLOWED"
	CodeTokenNotAllowed    xerrors.Code = "TOKEN_NOT_ALLOWED"
	CodePolicyExpired      xerrors.Code = "POLICY_EXPIRED"
	CodeDailyLimitExceeded xerrors.Code = "DAILY_LIMIT_EXCEEDED"
	CodeApprovalRequired   xerrors.Code = "APPROVAL_REQUIRED"
	CodeBatchMismatch      xerrors.Code = "BATCH_LENGTH_MISMATCH"
)

var (
	// ErrBadSignature 表示签名与账户指定签名人不符。
	ErrBadSignature = xerrors.New(CodeBadSignature, "signature does not match designated signer")
	// ErrTargetNotAllowed 表示目标地址不在白名单内。
	ErrTargetNotAllowed = xerrors.New(CodeTargetNotAllowed, "target not allowed")
	// ErrTokenNotAllowed 表示指令引用的资产不在白名单内。
	ErrTokenNotAllowed = xerrors.New(CodeTokenNotAllowed, "token not allowed")
	// ErrPolicyExpired 表示支出策略已过期。
	ErrPolicyExpired = xerrors.New(CodePolicyExpired, "spending policy expired")
	// ErrDailyLimitExceeded 表示本次支出会突破滚动窗口限额。
	ErrDailyLimitExceeded = xerrors.New(CodeDailyLimitExceeded, "daily limit exceeded")
	// ErrApprovalRequired 表示支出超过人工审批阈值。
	ErrApprovalRequired = xerrors.New(CodeApprovalRequired, "manual approval required")
	// ErrBatchMismatch 表示批次内数组长度不一致。
	ErrBatchMismatch = xerrors.New(CodeBatchMismatch, "batch array lengths mismatch")
)

func init() {
	register := func(code xerrors.Code, msg string, cat xerrors.Category, sev xerrors.Severity) {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Severity: sev, Category: cat})
	}
	register(CodeBadSignature, "signature does not match designated signer", xerrors.CategoryAuthorizationDenied, xerrors.SeverityWarning)
	register(CodeTargetNotAllowed, "target not allowed", xerrors.CategoryAuthorizationDenied, xerrors.SeverityWarning)
	register(CodeTokenNotAllowed, "token not allowed", xerrors.CategoryAuthorizationDenied, xerrors.SeverityWarning)
	register(CodePolicyExpired, "spending policy expired", xerrors.CategoryPolicyViolation, xerrors.SeverityInfo)
	register(CodeDailyLimitExceeded, "daily limit exceeded", xerrors.CategoryPolicyViolation, xerrors.SeverityInfo)
	register(CodeApprovalRequired, "manual approval required", xerrors.CategoryPolicyViolation, xerrors.SeverityInfo)
	register(CodeBatchMismatch, "batch array lengths mismatch", xerrors.CategoryStateInvariant, xerrors.SeverityWarning)
}

// Decision 汇总一次授权成功的结果。
type Decision struct {
	// SpendAmount 是本次计入窗口的支出总额。
	SpendAmount *big.Int `json:"spend_amount"`
	// Remaining 是授权后窗口内剩余的可支出额度。
	Remaining *big.Int `json:"remaining"`
	// DecidedAt 是做出决定的时间戳。
	DecidedAt int64 `json:"decided_at"`
}

// Validator 按固定顺序执行签名、白名单、承诺、有效期与配额校验，
// 全部通过后才把支出计入窗口并返回授权结果。任何一步失败都不产生副作用。
//
// Validator 自身不持锁：宿主必须为同一账户的 校验-记账 提供单一临界区，
// 否则批次的"全有或全无"保证会被并发穿插破坏。
type Validator struct {
	schemas *schema.Catalogue
	commit  *commitment.Verifier
	sigs    SignatureVerifier
	now     func() int64
}

// Option 定义可选的 Validator 配置。
type Option func(*Validator)

// WithSignatureVerifier 替换签名校验实现。
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(g *Validator) {
		if v != nil {
			g.sigs = v
		}
	}
}

// WithProofVerifier 替换承诺证明校验实现。
func WithProofVerifier(p commitment.InclusionProofVerifier) Option {
	return func(g *Validator) {
		g.commit = commitment.NewVerifier(p)
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() int64) Option {
	return func(g *Validator) {
		if now != nil {
			g.now = now
		}
	}
}

// NewValidator 创建执行校验器。
func NewValidator(catalogue *schema.Catalogue, opts ...Option) *Validator {
	g := &Validator{
		schemas: catalogue,
		commit:  commitment.NewVerifier(nil),
		sigs:    ECDSAVerifier{},
		now:     func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Validate 校验单条操作。语义等同于单元素批次。
func (g *Validator) Validate(acct *account.Account, op Operation, sig []byte, proof []common.Hash) (*Decision, error) {
	var proofs [][]common.Hash
	if proof != nil {
		proofs = [][]common.Hash{proof}
	}
	return g.ValidateBatch(acct, []Operation{op}, sig, proofs)
}

// ValidateBatch 校验一个原子批次。
// 批次内任一条目未通过任何一项检查，整个批次被拒绝，不记录任何支出：
// 部分执行的多步操作（例如 approve+swap）会让账户停在不一致的中间态。
func (g *Validator) ValidateBatch(acct *account.Account, ops []Operation, sig []byte, proofs [][]common.Hash) (*Decision, error) {
	if g.schemas == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置执行模式目录")
	}
	if acct == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "账户不能为空")
	}
	if len(ops) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批次不能为空")
	}
	if proofs != nil && len(proofs) != len(ops) {
		return nil, ErrBatchMismatch
	}

	now := g.now()

	// 签名覆盖整个批次：账户标识与全部操作字段。
	if !g.sigs.Verify(acct.Signer, Digest(acct.ID, ops), sig) {
		return nil, ErrBadSignature
	}

	total := new(big.Int)
	for i, op := range ops {
		spend, err := g.checkOperation(acct, op, proofAt(proofs, i))
		if err != nil {
			return nil, err
		}
		total.Add(total, spend)
	}

	policy := acct.Policy()
	if policy.Expired(now) {
		return nil, ErrPolicyExpired
	}
	remaining := acct.RemainingToday(now)
	if total.Cmp(remaining) > 0 {
		return nil, xerrors.New(CodeDailyLimitExceeded,
			fmt.Sprintf("支出 %s 超出窗口剩余额度 %s", total, remaining),
			xerrors.WithMetadata("spend", total.String()),
			xerrors.WithMetadata("remaining", remaining.String()))
	}
	if threshold := policy.RequiresApprovalAbove; threshold != nil && threshold.Sign() > 0 && total.Cmp(threshold) > 0 {
		return nil, xerrors.New(CodeApprovalRequired,
			fmt.Sprintf("支出 %s 超过人工审批阈值 %s", total, threshold))
	}

	// 全部检查通过后才记账，拒绝路径绝不留下部分状态。
	acct.RecordSpend(total, now)
	return &Decision{
		SpendAmount: total,
		Remaining:   acct.RemainingToday(now),
		DecidedAt:   now,
	}, nil
}

// checkOperation 执行单条操作的白名单、承诺与资产检查，返回该条目的声明支出。
func (g *Validator) checkOperation(acct *account.Account, op Operation, proof []common.Hash) (*big.Int, error) {
	if !acct.IsTargetAllowed(op.Target) {
		return nil, xerrors.New(CodeTargetNotAllowed,
			fmt.Sprintf("目标地址 %s 不在白名单内", op.Target.Hex()),
			xerrors.WithMetadata("target", op.Target.Hex()))
	}

	// 绑定了执行模式的目标必须通过承诺门。
	if ref, ok := acct.SchemaFor(op.Target); ok {
		s, err := g.schemas.Lookup(ref)
		if err != nil {
			return nil, err
		}
		rule := func(addr common.Address) bool {
			return addr == (common.Address{}) || addr == acct.Wallet || acct.IsTokenAllowed(addr)
		}
		if err := g.commit.VerifyAction(s, op.Target, op.HasValue(), op.Instruction, acct.CommitmentRoot(), proof, rule); err != nil {
			return nil, err
		}
	}

	spend := op.DirectValue()
	if op.Instruction.MovesValue() {
		if !acct.IsTokenAllowed(op.Instruction.Token) {
			return nil, xerrors.New(CodeTokenNotAllowed,
				fmt.Sprintf("资产 %s 不在白名单内", op.Instruction.Token.Hex()),
				xerrors.WithMetadata("token", op.Instruction.Token.Hex()))
		}
		spend.Add(spend, op.Instruction.DeclaredAmount())
	}
	return spend, nil
}

func proofAt(proofs [][]common.Hash, i int) []common.Hash {
	if proofs == nil || i >= len(proofs) {
		return nil
	}
	return proofs[i]
}
