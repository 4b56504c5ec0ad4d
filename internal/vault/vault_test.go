package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/window"
)

var (
	vaultOwner = common.HexToAddress("0x100")
	agentAddr  = common.HexToAddress("0x200")
	investor   = common.HexToAddress("0x300")
	payee      = common.HexToAddress("0x400")
)

func newTestVault(t *testing.T, vesting int64, pullCap int64, allowlist bool) *Vault {
	t.Helper()
	registry, err := identity.NewMemoryRegistry([]identity.Binding{
		{AgentID: "agent-1", Wallet: agentAddr, Owners: []common.Address{vaultOwner}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	v, err := New(Config{
		AgentID:              "agent-1",
		Owner:                vaultOwner,
		VestingDuration:      vesting,
		PullDailyCap:         big.NewInt(pullCap),
		PullAllowlistEnabled: allowlist,
	}, registry)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestDepositAndRedeemAfterVesting(t *testing.T) {
	v := newTestVault(t, window.SecondsPerDay, 0, false)

	shares, err := v.Deposit(big.NewInt(100), investor, 0)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bootstrap deposit should mint 1:1, got %s", shares)
	}
	info := v.VestingOf(investor)
	if info == nil || info.UnlockTime != window.SecondsPerDay {
		t.Fatalf("expected unlock at %d, got %+v", window.SecondsPerDay, info)
	}

	// 锁定期内赎回被整体拒绝。
	if _, err := v.Redeem(big.NewInt(10), investor, investor, 100); !errors.Is(err, ErrSharesLocked) {
		t.Fatalf("expected VAULT_SHARES_LOCKED, got %v", err)
	}

	// 解锁时刻赎回成功并清除锁定。
	assets, err := v.Redeem(big.NewInt(100), investor, investor, window.SecondsPerDay)
	if err != nil {
		t.Fatalf("redeem at unlock: %v", err)
	}
	if assets.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 assets back, got %s", assets)
	}
	if v.VestingOf(investor) != nil {
		t.Fatalf("lock should be cleared after full redemption")
	}
	if v.TotalAssets().Sign() != 0 || v.TotalShares().Sign() != 0 {
		t.Fatalf("pool should be empty, assets=%s shares=%s", v.TotalAssets(), v.TotalShares())
	}
}

func TestVestingWeightedAverage(t *testing.T) {
	v := newTestVault(t, 1000, 0, false)

	if _, err := v.Deposit(big.NewInt(100), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// t=500 再存 100：加权平均 (100*1000 + 100*1500) / 200 = 1250。
	if _, err := v.Deposit(big.NewInt(100), investor, 500); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	info := v.VestingOf(investor)
	if info == nil {
		t.Fatalf("expected active lock")
	}
	if info.UnlockTime != 1250 {
		t.Fatalf("expected weighted unlock 1250, got %d", info.UnlockTime)
	}
	if info.LockedShares.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected 200 locked shares, got %s", info.LockedShares)
	}
	// 解锁时间不早于原锁定的份额加权贡献。
	if info.UnlockTime < 1000 {
		t.Fatalf("unlock moved backwards: %d", info.UnlockTime)
	}
}

func TestDepositAfterLockExpiryRestartsLock(t *testing.T) {
	v := newTestVault(t, 1000, 0, false)
	if _, err := v.Deposit(big.NewInt(50), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.Deposit(big.NewInt(50), investor, 2000); err != nil {
		t.Fatalf("deposit after expiry: %v", err)
	}
	info := v.VestingOf(investor)
	if info == nil || info.UnlockTime != 3000 {
		t.Fatalf("expired lock should restart at 3000, got %+v", info)
	}
	if info.LockedShares.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("restarted lock should only cover new shares, got %s", info.LockedShares)
	}
}

func TestRoundingFavorsVault(t *testing.T) {
	v := newTestVault(t, 0, 0, false)
	if _, err := v.Deposit(big.NewInt(1000), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 模拟收益流入，使汇率偏离 1:1。
	v.totalAssets.Add(v.totalAssets, big.NewInt(337))

	// convertToShares(convertToAssets(x)) 与 x 至多相差一个舍入单位。
	x := big.NewInt(123)
	round := v.ConvertToShares(v.ConvertToAssets(x))
	diff := new(big.Int).Sub(x, round)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
		t.Fatalf("round trip drift %s out of range", diff)
	}

	// Withdraw 燃烧的份额向上取整，不少于等额 convert 的结果。
	shares, err := v.Withdraw(big.NewInt(100), investor, investor, 0)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if shares.Cmp(v.ConvertToShares(big.NewInt(100))) < 0 {
		t.Fatalf("withdraw rounded in favor of the holder: %s", shares)
	}
}

func TestTotalAssetsTracksNetFlows(t *testing.T) {
	v := newTestVault(t, 0, 100, false)
	if _, err := v.Deposit(big.NewInt(80), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.Deposit(big.NewInt(20), payee, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.Withdraw(big.NewInt(30), investor, investor, 0); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := v.Pull(context.Background(), agentAddr, payee, big.NewInt(10), 0); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if v.TotalAssets().Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected net assets 60, got %s", v.TotalAssets())
	}
}

func TestPullDailyCapScenario(t *testing.T) {
	v := newTestVault(t, 0, 50, false)
	if _, err := v.Deposit(big.NewInt(1000), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	ctx := context.Background()

	if err := v.Pull(ctx, agentAddr, payee, big.NewInt(30), 100); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if err := v.Pull(ctx, agentAddr, payee, big.NewInt(25), 200); !errors.Is(err, ErrPullLimitExceeded) {
		t.Fatalf("expected PULL_LIMIT_EXCEEDED, got %v", err)
	}
	// 被拒绝的提取不产生任何转移。
	if v.TotalAssets().Cmp(big.NewInt(970)) != 0 {
		t.Fatalf("rejected pull must not move assets, got %s", v.TotalAssets())
	}

	nextDay := window.SecondsPerDay + 100
	if err := v.Pull(ctx, agentAddr, payee, big.NewInt(25), nextDay); err != nil {
		t.Fatalf("pull after rollover: %v", err)
	}
	if v.PullRemaining(nextDay).Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("expected 25 remaining, got %s", v.PullRemaining(nextDay))
	}
}

func TestPullRestrictedToAgentWallet(t *testing.T) {
	v := newTestVault(t, 0, 100, false)
	if _, err := v.Deposit(big.NewInt(100), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := v.Pull(context.Background(), investor, payee, big.NewInt(10), 0)
	if !errors.Is(err, ErrNotAgentWallet) {
		t.Fatalf("expected CALLER_NOT_AGENT_WALLET, got %v", err)
	}
}

func TestPullFailsClosedOnResolution(t *testing.T) {
	registry, _ := identity.NewMemoryRegistry(nil)
	v, err := New(Config{AgentID: "ghost", Owner: vaultOwner, PullDailyCap: big.NewInt(10)}, registry)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	pullErr := v.Pull(context.Background(), agentAddr, payee, big.NewInt(1), 0)
	if xerrors.CodeOf(pullErr) != xerrors.CodeResolutionFailure {
		t.Fatalf("expected RESOLUTION_FAILURE, got %v", pullErr)
	}
}

func TestPullAllowlist(t *testing.T) {
	v := newTestVault(t, 0, 100, true)
	if _, err := v.Deposit(big.NewInt(100), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	ctx := context.Background()

	if err := v.Pull(ctx, agentAddr, payee, big.NewInt(10), 0); !errors.Is(err, ErrPullTargetNotAllowed) {
		t.Fatalf("expected PULL_TARGET_NOT_ALLOWED, got %v", err)
	}
	if err := v.SetPullTargetAllowed(investor, payee, true); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("non-owner must not mutate allowlist, got %v", err)
	}
	if err := v.SetPullTargetAllowed(vaultOwner, payee, true); err != nil {
		t.Fatalf("allow target: %v", err)
	}
	if err := v.Pull(ctx, agentAddr, payee, big.NewInt(10), 0); err != nil {
		t.Fatalf("pull after allowlisting: %v", err)
	}
}

func TestMintChargesRoundedUpAssets(t *testing.T) {
	v := newTestVault(t, 0, 0, false)
	if _, err := v.Deposit(big.NewInt(1000), investor, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	v.totalAssets.Add(v.totalAssets, big.NewInt(1)) // 汇率 1001/1000

	assets, err := v.Mint(big.NewInt(10), payee, 0)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	// ceil(10*1001/1000) = 11：成本向池子方向取整。
	if assets.Cmp(big.NewInt(11)) != 0 {
		t.Fatalf("expected 11 assets charged, got %s", assets)
	}
}
