package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/window"
	"AgentCustody/pkg/logger"
)

// 托管池子系统注册的错误码。
const (
	CodeSharesLocked         xerrors.Code = "VAULT_SHARES_LOCKED"
	CodeInsufficientShares   xerrors.Code = "VAULT_INSUFFICIENT_SHARES"
	CodeInsufficientAssets   xerrors.Code = "VAULT_INSUFFICIENT_ASSETS"
	CodeZeroReceiver         xerrors.Code = "VAULT_ZERO_RECEIVER"
	CodePullLimitExceeded    xerrors.Code = "PULL_LIMIT_EXCEEDED"
	CodePullTargetNotAllowed xerrors.Code = "PULL_TARGET_NOT_ALLOWED"
	CodeNotAgentWallet       xerrors.Code = "CALLER_NOT_AGENT_WALLET"
)

var (
	// ErrSharesLocked 表示存款人的份额处于锁定期，赎回被整体拒绝。
	ErrSharesLocked = xerrors.New(CodeSharesLocked, "shares are locked")
	// ErrInsufficientShares 表示持有份额不足。
	ErrInsufficientShares = xerrors.New(CodeInsufficientShares, "insufficient shares")
	// ErrInsufficientAssets 表示池内资产不足。
	ErrInsufficientAssets = xerrors.New(CodeInsufficientAssets, "insufficient assets")
	// ErrZeroReceiver 表示收款地址是零值占位符。
	ErrZeroReceiver = xerrors.New(CodeZeroReceiver, "receiver is the zero address")
	// ErrPullLimitExceeded 表示提取额会突破当日上限。
	ErrPullLimitExceeded = xerrors.New(CodePullLimitExceeded, "pull exceeds daily cap")
	// ErrPullTargetNotAllowed 表示提取目标不在白名单内。
	ErrPullTargetNotAllowed = xerrors.New(CodePullTargetNotAllowed, "pull target not allowed")
	// ErrNotAgentWallet 表示调用方不是当前绑定的智能体钱包。
	ErrNotAgentWallet = xerrors.New(CodeNotAgentWallet, "caller is not the bound agent wallet")
)

func init() {
	register := func(code xerrors.Code, msg string, cat xerrors.Category) {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Severity: xerrors.SeverityWarning, Category: cat})
	}
	register(CodeSharesLocked, "shares are locked", xerrors.CategoryStateInvariant)
	register(CodeInsufficientShares, "insufficient shares", xerrors.CategoryStateInvariant)
	register(CodeInsufficientAssets, "insufficient assets", xerrors.CategoryStateInvariant)
	register(CodeZeroReceiver, "receiver is the zero address", xerrors.CategoryStateInvariant)
	register(CodePullLimitExceeded, "pull exceeds daily cap", xerrors.CategoryPolicyViolation)
	register(CodePullTargetNotAllowed, "pull target not allowed", xerrors.CategoryAuthorizationDenied)
	register(CodeNotAgentWallet, "caller is not the bound agent wallet", xerrors.CategoryAuthorizationDenied)
}

// VestingInfo 记录单个存款人的锁定份额与解锁时间。
type VestingInfo struct {
	LockedShares *big.Int `json:"locked_shares"`
	UnlockTime   int64    `json:"unlock_time"`
}

// Config 描述托管池的启动参数。
type Config struct {
	// AgentID 是池子服务的智能体标识，pull 只对其当前绑定的钱包开放。
	AgentID string
	// Owner 可以调整提取上限与提取目标白名单。
	Owner common.Address
	// VestingDuration 是新铸份额的锁定时长（秒），为零时不锁定。
	VestingDuration int64
	// PullDailyCap 是智能体每个日历日可提取的资产上限。
	PullDailyCap *big.Int
	// PullAllowlistEnabled 为真时提取目标必须位于白名单内。
	PullAllowlistEnabled bool
}

// Vault 是份额制托管池：按比例记账的存取、按存款人加权的锁定期，
// 以及只向身份解析出的智能体钱包开放的限流提取。
//
// 份额与资产的换算一律向池子方向取整：铸造份额向下、索取份额向上，
// 防止舍入误差累计成价值外泄。Vault 自身不持锁，变更由宿主串行化。
type Vault struct {
	agentID  string
	owner    common.Address
	resolver identity.Resolver

	vestingDuration int64

	totalAssets *big.Int
	totalShares *big.Int
	balances    map[common.Address]*big.Int
	vesting     map[common.Address]*VestingInfo

	pullCap          *big.Int
	pullBucket       window.DayBucket
	pullTargets      map[common.Address]struct{}
	allowlistEnabled bool
}

// New 创建托管池。
func New(cfg Config, resolver identity.Resolver) (*Vault, error) {
	if cfg.AgentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管池必须绑定智能体标识")
	}
	if resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置身份解析器")
	}
	cap := new(big.Int)
	if cfg.PullDailyCap != nil {
		cap.Set(cfg.PullDailyCap)
	}
	return &Vault{
		agentID:          cfg.AgentID,
		owner:            cfg.Owner,
		resolver:         resolver,
		vestingDuration:  cfg.VestingDuration,
		totalAssets:      new(big.Int),
		totalShares:      new(big.Int),
		balances:         make(map[common.Address]*big.Int),
		vesting:          make(map[common.Address]*VestingInfo),
		pullCap:          cap,
		pullTargets:      make(map[common.Address]struct{}),
		allowlistEnabled: cfg.PullAllowlistEnabled,
	}, nil
}

// TotalAssets 返回池内资产总额。
func (v *Vault) TotalAssets() *big.Int { return new(big.Int).Set(v.totalAssets) }

// TotalShares 返回已发行份额总量。
func (v *Vault) TotalShares() *big.Int { return new(big.Int).Set(v.totalShares) }

// BalanceOf 返回持有人的份额余额。
func (v *Vault) BalanceOf(holder common.Address) *big.Int {
	if bal, ok := v.balances[holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// VestingOf 返回存款人的锁定状态快照；无锁定时返回 nil。
func (v *Vault) VestingOf(depositor common.Address) *VestingInfo {
	info, ok := v.vesting[depositor]
	if !ok {
		return nil
	}
	return &VestingInfo{LockedShares: new(big.Int).Set(info.LockedShares), UnlockTime: info.UnlockTime}
}

// ConvertToShares 按当前汇率把资产换算为份额（向下取整，只读）。
func (v *Vault) ConvertToShares(assets *big.Int) *big.Int {
	if assets == nil {
		return new(big.Int)
	}
	if v.totalShares.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return mulDivDown(assets, v.totalShares, v.totalAssets)
}

// ConvertToAssets 按当前汇率把份额换算为资产（向下取整，只读）。
func (v *Vault) ConvertToAssets(shares *big.Int) *big.Int {
	if shares == nil {
		return new(big.Int)
	}
	if v.totalShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return mulDivDown(shares, v.totalAssets, v.totalShares)
}

// Deposit 存入资产并按当前汇率向 receiver 铸造份额（份额向下取整）。
func (v *Vault) Deposit(assets *big.Int, receiver common.Address, now int64) (*big.Int, error) {
	if receiver == (common.Address{}) {
		return nil, ErrZeroReceiver
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "存入金额必须为正")
	}
	shares := v.ConvertToShares(assets)
	if shares.Sign() == 0 {
		return nil, ErrInsufficientShares
	}
	v.mint(receiver, shares, assets, now)
	return shares, nil
}

// Mint 为 receiver 精确铸造 shares 份额，所需资产向上取整。
func (v *Vault) Mint(shares *big.Int, receiver common.Address, now int64) (*big.Int, error) {
	if receiver == (common.Address{}) {
		return nil, ErrZeroReceiver
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "铸造份额必须为正")
	}
	assets := new(big.Int).Set(shares)
	if v.totalShares.Sign() > 0 {
		assets = mulDivUp(shares, v.totalAssets, v.totalShares)
	}
	v.mint(receiver, shares, assets, now)
	return assets, nil
}

// Withdraw 取出精确数额的资产，燃烧的份额向上取整。
func (v *Vault) Withdraw(assets *big.Int, receiver, holder common.Address, now int64) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "取出金额必须为正")
	}
	shares := new(big.Int).Set(assets)
	if v.totalShares.Sign() > 0 {
		shares = mulDivUp(assets, v.totalShares, v.totalAssets)
	}
	if err := v.burn(holder, receiver, shares, assets, now); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem 燃烧精确数额的份额，换回的资产向下取整。
func (v *Vault) Redeem(shares *big.Int, receiver, holder common.Address, now int64) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "赎回份额必须为正")
	}
	assets := v.ConvertToAssets(shares)
	if err := v.burn(holder, receiver, shares, assets, now); err != nil {
		return nil, err
	}
	return assets, nil
}

// mint 完成份额发行与锁定期登记。
func (v *Vault) mint(receiver common.Address, shares, assets *big.Int, now int64) {
	v.totalAssets.Add(v.totalAssets, assets)
	v.totalShares.Add(v.totalShares, shares)
	bal, ok := v.balances[receiver]
	if !ok {
		bal = new(big.Int)
		v.balances[receiver] = bal
	}
	bal.Add(bal, shares)

	if v.vestingDuration > 0 {
		v.lock(receiver, shares, now)
	}

	logger.Audit().Info("vault_deposit",
		slog.String("receiver", receiver.Hex()),
		slog.String("assets", assets.String()),
		slog.String("shares", shares.String()),
	)
}

// lock 更新存款人的锁定期。
// 无活跃锁定时以 now+duration 开锁；已有锁定时按份额加权平均顺延，
// 锁定持续期间解锁时间只会单调后移。
func (v *Vault) lock(receiver common.Address, shares *big.Int, now int64) {
	newUnlock := now + v.vestingDuration
	info, ok := v.vesting[receiver]
	if !ok || info.LockedShares.Sign() == 0 || now >= info.UnlockTime {
		v.vesting[receiver] = &VestingInfo{
			LockedShares: new(big.Int).Set(shares),
			UnlockTime:   newUnlock,
		}
		return
	}
	// weighted = (locked*unlock + shares*newUnlock) / (locked+shares)，向上取整。
	locked := info.LockedShares
	weighted := new(big.Int).Mul(locked, big.NewInt(info.UnlockTime))
	weighted.Add(weighted, new(big.Int).Mul(shares, big.NewInt(newUnlock)))
	total := new(big.Int).Add(locked, shares)
	weighted = mulDivUp(weighted, big.NewInt(1), total)

	info.LockedShares = total
	info.UnlockTime = weighted.Int64()
}

// burn 完成锁定检查、份额燃烧与资产出账。
func (v *Vault) burn(holder, receiver common.Address, shares, assets *big.Int, now int64) error {
	if receiver == (common.Address{}) {
		return ErrZeroReceiver
	}
	info := v.vesting[holder]
	if info != nil && info.LockedShares.Sign() > 0 && now < info.UnlockTime {
		return xerrors.New(CodeSharesLocked,
			fmt.Sprintf("份额锁定至 %d", info.UnlockTime),
			xerrors.WithMetadata("unlock_time", fmt.Sprintf("%d", info.UnlockTime)))
	}
	bal, ok := v.balances[holder]
	if !ok || bal.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	if v.totalAssets.Cmp(assets) < 0 {
		return ErrInsufficientAssets
	}

	bal.Sub(bal, shares)
	if bal.Sign() == 0 {
		delete(v.balances, holder)
	}
	v.totalShares.Sub(v.totalShares, shares)
	v.totalAssets.Sub(v.totalAssets, assets)

	if info != nil {
		if now >= info.UnlockTime || shares.Cmp(info.LockedShares) >= 0 {
			delete(v.vesting, holder)
		} else {
			info.LockedShares = new(big.Int).Sub(info.LockedShares, shares)
		}
	}

	logger.Audit().Info("vault_withdraw",
		slog.String("holder", holder.Hex()),
		slog.String("receiver", receiver.Hex()),
		slog.String("assets", assets.String()),
		slog.String("shares", shares.String()),
	)
	return nil
}

// SetPullTargetAllowed 更新提取目标白名单，仅限池子所有者调用。
func (v *Vault) SetPullTargetAllowed(caller, target common.Address, allowed bool) error {
	if caller != v.owner {
		return xerrors.New(xerrors.CodePermissionDenied, "只有池子所有者可以修改提取白名单")
	}
	if allowed {
		v.pullTargets[target] = struct{}{}
	} else {
		delete(v.pullTargets, target)
	}
	logger.Audit().Info("pull_allowlist_updated",
		slog.String("agent", v.agentID),
		slog.String("target", target.Hex()),
		slog.Bool("allowed", allowed),
	)
	return nil
}

// SetPullDailyCap 调整提取日上限，仅限池子所有者调用。
func (v *Vault) SetPullDailyCap(caller common.Address, cap *big.Int) error {
	if caller != v.owner {
		return xerrors.New(xerrors.CodePermissionDenied, "只有池子所有者可以调整提取上限")
	}
	v.pullCap = new(big.Int)
	if cap != nil {
		v.pullCap.Set(cap)
	}
	logger.Audit().Info("pull_cap_updated",
		slog.String("agent", v.agentID),
		slog.String("cap", v.pullCap.String()),
	)
	return nil
}

// PullRemaining 返回当日还可提取的额度。只读，不触发日切。
func (v *Vault) PullRemaining(now int64) *big.Int {
	if window.DayIndex(now) != v.pullBucket.Day || v.pullBucket.Spent == nil {
		return new(big.Int).Set(v.pullCap)
	}
	rest := new(big.Int).Sub(v.pullCap, v.pullBucket.Spent)
	if rest.Sign() < 0 {
		return new(big.Int)
	}
	return rest
}

// Pull 由智能体钱包限流提取池内资产。
// 调用方必须等于身份解析出的当前绑定钱包；解析失败直接拒绝，绝不回退。
func (v *Vault) Pull(ctx context.Context, caller, to common.Address, assets *big.Int, now int64) error {
	wallet, err := v.resolver.ResolveAgentWallet(ctx, v.agentID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeResolutionFailure, err,
			fmt.Sprintf("无法解析智能体 %s 的绑定钱包", v.agentID))
	}
	if caller != wallet {
		return ErrNotAgentWallet
	}
	if to == (common.Address{}) {
		return ErrZeroReceiver
	}
	if assets == nil || assets.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "提取金额必须为正")
	}
	if v.allowlistEnabled {
		if _, ok := v.pullTargets[to]; !ok {
			return ErrPullTargetNotAllowed
		}
	}
	if !v.pullBucket.Allows(v.pullCap, assets, now) {
		return ErrPullLimitExceeded
	}
	if v.totalAssets.Cmp(assets) < 0 {
		return ErrInsufficientAssets
	}

	v.pullBucket.Add(assets, now)
	v.totalAssets.Sub(v.totalAssets, assets)

	logger.Audit().Info("vault_pull",
		slog.String("agent", v.agentID),
		slog.String("to", to.Hex()),
		slog.String("assets", assets.String()),
		slog.String("spent_today", v.pullBucket.Spent.String()),
	)
	return nil
}
