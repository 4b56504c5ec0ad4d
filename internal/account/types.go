package account

import (
	"math/big"

	xerrors "AgentCustody/internal/errors"
)

// 账户子系统注册的错误码。
const (
	CodeAccountNotFound xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeAccountConflict xerrors.Code = "ACCOUNT_CONFLICT"
	CodeNotOwner        xerrors.Code = "ACCOUNT_NOT_OWNER"
	CodeNotAdmin        xerrors.Code = "ACCOUNT_NOT_ADMIN"
	CodeInvalidPolicy   xerrors.Code = "ACCOUNT_INVALID_POLICY"
)

var (
	// ErrAccountNotFound 表示指定的账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrAccountConflict 表示账户标识已被占用。
	ErrAccountConflict = xerrors.New(CodeAccountConflict, "account already exists")
	// ErrNotOwner 表示调用方不是账户所有者。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not the account owner")
	// ErrNotAdmin 表示调用方不是承诺根管理员。
	ErrNotAdmin = xerrors.New(CodeNotAdmin, "caller is not the commitment admin")
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:  "account not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryStateInvariant,
	})
	xerrors.Register(CodeAccountConflict, xerrors.Attributes{
		Message:  "account already exists",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryStateInvariant,
	})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:  "caller is not the account owner",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthorizationDenied,
	})
	xerrors.Register(CodeNotAdmin, xerrors.Attributes{
		Message:  "caller is not the commitment admin",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthorizationDenied,
	})
	xerrors.Register(CodeInvalidPolicy, xerrors.Attributes{
		Message:  "invalid spending policy",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryStateInvariant,
	})
}

// Policy 描述所有者为账户设定的支出限制。
// 金额一律使用与托管资产一致的定点整数，不出现浮点。
type Policy struct {
	// DailyLimit 是滚动 24 小时窗口内允许的累计支出上限。
	DailyLimit *big.Int `json:"daily_limit"`
	// ExpiresAt 是策略的硬性截止时间戳，超过后一切支出被拒绝。
	ExpiresAt int64 `json:"expires_at"`
	// RequiresApprovalAbove 大于零时，单笔（或单批次合计）超过该值的支出需要人工审批。
	RequiresApprovalAbove *big.Int `json:"requires_approval_above"`
}

// Clone 返回策略的深拷贝。
func (p Policy) Clone() Policy {
	out := Policy{ExpiresAt: p.ExpiresAt}
	if p.DailyLimit != nil {
		out.DailyLimit = new(big.Int).Set(p.DailyLimit)
	}
	if p.RequiresApprovalAbove != nil {
		out.RequiresApprovalAbove = new(big.Int).Set(p.RequiresApprovalAbove)
	}
	return out
}

// Expired 判断策略在给定时刻是否已过期。
func (p Policy) Expired(now int64) bool {
	return p.ExpiresAt > 0 && now > p.ExpiresAt
}
