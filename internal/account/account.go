package account

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/window"
	"AgentCustody/pkg/logger"
)

// Account 聚合了一个受限钱包的全部守护状态：支出策略、滚动窗口、
// 目标与资产白名单、执行模式注册表以及动作承诺根。
//
// Account 自身不持锁。宿主必须保证同一账户上的变更操作串行执行，
// 只读查询之间可以并发，但不得与变更并发。
type Account struct {
	ID string

	// Wallet 是账户当前绑定的钱包地址，也是操作的发起地址。
	Wallet common.Address
	// Owner 可以修改策略、白名单和执行模式绑定。
	Owner common.Address
	// Admin 是独立于所有者的角色，只负责维护动作承诺根，便于第三方托管。
	Admin common.Address
	// Signer 是校验操作签名时使用的指定签名人。
	Signer common.Address

	policy  Policy
	window  window.Window
	targets map[common.Address]struct{}
	tokens  map[common.Address]struct{}
	schemas map[common.Address]string
	root    common.Hash
}

// New 创建一个空白账户。
func New(id string, wallet, owner, admin, signer common.Address) *Account {
	return &Account{
		ID:      id,
		Wallet:  wallet,
		Owner:   owner,
		Admin:   admin,
		Signer:  signer,
		targets: make(map[common.Address]struct{}),
		tokens:  make(map[common.Address]struct{}),
		schemas: make(map[common.Address]string),
	}
}

// SetPolicy 更新支出策略，仅限所有者调用。
func (a *Account) SetPolicy(caller common.Address, p Policy) error {
	if caller != a.Owner {
		return ErrNotOwner
	}
	a.policy = p.Clone()
	logger.Audit().Info("policy_updated",
		slog.String("account", a.ID),
		slog.String("caller", caller.Hex()),
		slog.String("daily_limit", bigString(p.DailyLimit)),
		slog.Int64("expires_at", p.ExpiresAt),
		slog.String("approval_above", bigString(p.RequiresApprovalAbove)),
	)
	return nil
}

// Policy 返回当前策略的拷贝。
func (a *Account) Policy() Policy {
	return a.policy.Clone()
}

// SetTargetAllowed 更新目标地址白名单，仅限所有者调用。
func (a *Account) SetTargetAllowed(caller, target common.Address, allowed bool) error {
	if caller != a.Owner {
		return ErrNotOwner
	}
	if allowed {
		a.targets[target] = struct{}{}
	} else {
		delete(a.targets, target)
	}
	logger.Audit().Info("target_allowlist_updated",
		slog.String("account", a.ID),
		slog.String("target", target.Hex()),
		slog.Bool("allowed", allowed),
	)
	return nil
}

// SetTokenAllowed 更新资产白名单，仅限所有者调用。
func (a *Account) SetTokenAllowed(caller, token common.Address, allowed bool) error {
	if caller != a.Owner {
		return ErrNotOwner
	}
	if allowed {
		a.tokens[token] = struct{}{}
	} else {
		delete(a.tokens, token)
	}
	logger.Audit().Info("token_allowlist_updated",
		slog.String("account", a.ID),
		slog.String("token", token.Hex()),
		slog.Bool("allowed", allowed),
	)
	return nil
}

// SetSchema 为目标地址绑定执行模式，仅限所有者调用。空 ref 表示解除绑定。
func (a *Account) SetSchema(caller, target common.Address, ref string) error {
	if caller != a.Owner {
		return ErrNotOwner
	}
	if ref == "" {
		delete(a.schemas, target)
	} else {
		a.schemas[target] = ref
	}
	logger.Audit().Info("schema_binding_updated",
		slog.String("account", a.ID),
		slog.String("target", target.Hex()),
		slog.String("schema", ref),
	)
	return nil
}

// SetCommitmentRoot 更新动作承诺根，仅限管理员调用。零值表示关闭承诺校验。
func (a *Account) SetCommitmentRoot(caller common.Address, root common.Hash) error {
	if caller != a.Admin {
		return ErrNotAdmin
	}
	a.root = root
	logger.Audit().Info("commitment_root_updated",
		slog.String("account", a.ID),
		slog.String("root", root.Hex()),
	)
	return nil
}

// IsTargetAllowed 判断目标地址是否在白名单内。
func (a *Account) IsTargetAllowed(target common.Address) bool {
	_, ok := a.targets[target]
	return ok
}

// IsTokenAllowed 判断资产是否在白名单内。
func (a *Account) IsTokenAllowed(token common.Address) bool {
	_, ok := a.tokens[token]
	return ok
}

// SchemaFor 返回目标地址绑定的执行模式引用。
func (a *Account) SchemaFor(target common.Address) (string, bool) {
	ref, ok := a.schemas[target]
	return ref, ok
}

// CommitmentRoot 返回当前承诺根，零值表示未配置。
func (a *Account) CommitmentRoot() common.Hash {
	return a.root
}

// RemainingToday 返回当前窗口内剩余的可支出额度。只读，不触发重置。
func (a *Account) RemainingToday(now int64) *big.Int {
	if a.policy.DailyLimit == nil {
		return new(big.Int)
	}
	return window.Remaining(a.policy.DailyLimit, a.window, now)
}

// SpentToday 返回当前窗口内已计入的支出。
func (a *Account) SpentToday(now int64) *big.Int {
	return a.window.Effective(now)
}

// RecordSpend 在校验全部通过后由守护器调用，将支出计入窗口。
func (a *Account) RecordSpend(amount *big.Int, now int64) {
	a.window.Record(amount, now)
}

// WindowState 返回窗口的当前快照，用于持久化。
func (a *Account) WindowState() window.Window {
	out := window.Window{Amount: new(big.Int), LastReset: a.window.LastReset}
	if a.window.Amount != nil {
		out.Amount.Set(a.window.Amount)
	}
	return out
}

// RestoreWindow 从持久化状态恢复窗口，用于日志重放。
func (a *Account) RestoreWindow(w window.Window) {
	a.window = window.Window{Amount: new(big.Int), LastReset: w.LastReset}
	if w.Amount != nil {
		a.window.Amount = new(big.Int).Set(w.Amount)
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
