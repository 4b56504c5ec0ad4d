package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/account"
	"AgentCustody/internal/executor"
	"AgentCustody/internal/guard"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/proposal"
	"AgentCustody/internal/schema"
	"AgentCustody/internal/vault"
)

var (
	ownerAddr  = common.HexToAddress("0x1000")
	otherAddr  = common.HexToAddress("0xaaaa")
	walletAddr = common.HexToAddress("0x4000")
	targetAddr = common.HexToAddress("0x5000")
	tokenAddr  = common.HexToAddress("0x6000")
)

func newTestServer(t *testing.T) (*Server, *account.MemoryStore, *vault.Vault) {
	t.Helper()

	accounts := account.NewMemoryStore()
	acct := account.New("agent-1", walletAddr, ownerAddr, common.HexToAddress("0x2000"), common.HexToAddress("0x3000"))
	if err := acct.SetPolicy(ownerAddr, account.Policy{DailyLimit: big.NewInt(100)}); err != nil {
		t.Fatalf("设置策略失败: %v", err)
	}
	if err := accounts.Create(acct); err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	registry, err := identity.NewMemoryRegistry([]identity.Binding{{
		AgentID: "agent-1",
		Wallet:  walletAddr,
		Owners:  []common.Address{ownerAddr},
	}})
	if err != nil {
		t.Fatalf("创建身份注册表失败: %v", err)
	}
	v, err := vault.New(vault.Config{
		AgentID:      "agent-1",
		Owner:        ownerAddr,
		PullDailyCap: big.NewInt(50),
	}, registry)
	if err != nil {
		t.Fatalf("创建托管池失败: %v", err)
	}

	store := proposal.NewMemoryStore()
	queue := proposal.NewMemoryQueue(64)
	service := proposal.NewService(store, queue, 3)

	auth := identity.MiddlewareConfig{
		Keys: map[string]common.Address{
			"owner-key":  ownerAddr,
			"other-key":  otherAddr,
			"wallet-key": walletAddr,
		},
		AllowAnonymous: false,
	}
	server := NewServer(":0", service, accounts, map[string]*vault.Vault{"agent-1": v}, registry, auth,
		WithClock(func() int64 { return 1_000 }))
	return server, accounts, v
}

func doRequest(t *testing.T, handler http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("序列化请求失败: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set(identity.CallerKeyHeader, key)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestSubmitAndGetProposal(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	body := map[string]any{
		"account_id": "agent-1",
		"operations": []map[string]any{{
			"target": targetAddr.Hex(),
			"instruction": map[string]any{
				"kind":   "transfer",
				"token":  tokenAddr.Hex(),
				"to":     common.HexToAddress("0x7000").Hex(),
				"amount": 25,
			},
		}},
		"signature": "0x01",
	}
	resp := doRequest(t, handler, http.MethodPost, "/api/v1/proposals", "owner-key", body)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("提交提案状态码错误: %d %s", resp.Code, resp.Body.String())
	}
	var created proposal.Proposal
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if created.ID == "" || created.Status != proposal.StatusPending {
		t.Fatalf("提案初始状态错误: %+v", created)
	}

	got := doRequest(t, handler, http.MethodGet, "/api/v1/proposals/"+created.ID, "owner-key", nil)
	if got.Code != http.StatusOK {
		t.Fatalf("查询提案状态码错误: %d", got.Code)
	}

	list := doRequest(t, handler, http.MethodGet, "/api/v1/proposals?account=agent-1", "owner-key", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("列表状态码错误: %d", list.Code)
	}
	stats := doRequest(t, handler, http.MethodGet, "/api/v1/proposals/stats", "owner-key", nil)
	if stats.Code != http.StatusOK {
		t.Fatalf("统计状态码错误: %d", stats.Code)
	}
}

func TestSubmitProposalRejectsEmptyBatch(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/proposals", "owner-key", map[string]any{
		"account_id": "agent-1",
		"operations": []any{},
		"signature":  "0x01",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("空批次应返回 400, got %d", resp.Code)
	}
}

func TestRequestsWithoutKeyAreRejected(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := doRequest(t, server.Handler(), http.MethodGet, "/api/v1/accounts/agent-1", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("未携带密钥应返回 401, got %d", resp.Code)
	}
	resp = doRequest(t, server.Handler(), http.MethodGet, "/api/v1/accounts/agent-1", "bogus", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("未知密钥应返回 403, got %d", resp.Code)
	}
}

func TestAccountPolicyOwnerGate(t *testing.T) {
	server, accounts, _ := newTestServer(t)
	handler := server.Handler()

	body := map[string]any{"daily_limit": "200"}
	resp := doRequest(t, handler, http.MethodPost, "/api/v1/accounts/agent-1/policy", "other-key", body)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("非所有者应返回 403, got %d %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/v1/accounts/agent-1/policy", "owner-key", body)
	if resp.Code != http.StatusOK {
		t.Fatalf("所有者更新策略失败: %d %s", resp.Code, resp.Body.String())
	}
	acct, _ := accounts.Get("agent-1")
	if acct.Policy().DailyLimit.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("策略未更新: %s", acct.Policy().DailyLimit)
	}
}

// 账户的治理端点除域内所有者检查外，还要求调用方在身份注册表中
// 登记为该代理的所有者。
func TestAccountPolicyRequiresRegisteredOwner(t *testing.T) {
	accounts := account.NewMemoryStore()
	acct := account.New("agent-1", walletAddr, ownerAddr, common.HexToAddress("0x2000"), common.HexToAddress("0x3000"))
	if err := accounts.Create(acct); err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
	// 注册表里登记的所有者与账户域内所有者不一致。
	registry, err := identity.NewMemoryRegistry([]identity.Binding{{
		AgentID: "agent-1",
		Wallet:  walletAddr,
		Owners:  []common.Address{otherAddr},
	}})
	if err != nil {
		t.Fatalf("创建身份注册表失败: %v", err)
	}
	auth := identity.MiddlewareConfig{Keys: map[string]common.Address{
		"owner-key": ownerAddr,
		"other-key": otherAddr,
	}}
	store := proposal.NewMemoryStore()
	queue := proposal.NewMemoryQueue(8)
	server := NewServer(":0", proposal.NewService(store, queue, 3), accounts, map[string]*vault.Vault{}, registry, auth,
		WithClock(func() int64 { return 1_000 }))
	handler := server.Handler()

	body := map[string]any{"daily_limit": "200"}
	resp := doRequest(t, handler, http.MethodPost, "/api/v1/accounts/agent-1/policy", "owner-key", body)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("未登记的调用方应返回 403, got %d %s", resp.Code, resp.Body.String())
	}

	// 绑定被吊销后即使登记过的所有者也被拒之门外。
	if err := registry.Revoke("agent-1"); err != nil {
		t.Fatalf("吊销绑定失败: %v", err)
	}
	resp = doRequest(t, handler, http.MethodPost, "/api/v1/accounts/agent-1/policy", "other-key", body)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("吊销绑定应返回 502, got %d %s", resp.Code, resp.Body.String())
	}
}

func TestAccountAllowlistAndQuotaView(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	resp := doRequest(t, handler, http.MethodPost, "/api/v1/accounts/agent-1/allowlist", "owner-key", map[string]any{
		"kind":    "target",
		"address": targetAddr.Hex(),
		"allowed": true,
	})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("白名单更新失败: %d %s", resp.Code, resp.Body.String())
	}

	view := doRequest(t, handler, http.MethodGet, "/api/v1/accounts/agent-1", "owner-key", nil)
	if view.Code != http.StatusOK {
		t.Fatalf("查询账户失败: %d", view.Code)
	}
	var decoded accountView
	if err := json.Unmarshal(view.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("解析账户视图失败: %v", err)
	}
	if decoded.RemainingToday != "100" || decoded.SpentToday != "0" {
		t.Fatalf("额度视图错误: %+v", decoded)
	}
}

func TestVaultDepositWithdrawAndPull(t *testing.T) {
	server, _, v := newTestServer(t)
	handler := server.Handler()

	resp := doRequest(t, handler, http.MethodPost, "/api/v1/vaults/agent-1/deposit", "owner-key", map[string]any{
		"assets": "100",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("存入失败: %d %s", resp.Code, resp.Body.String())
	}
	if v.TotalAssets().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("池子资产错误: %s", v.TotalAssets())
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/v1/vaults/agent-1/withdraw", "owner-key", map[string]any{
		"assets": "40",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("提取失败: %d %s", resp.Code, resp.Body.String())
	}

	// pull 只对绑定的智能体钱包开放。
	resp = doRequest(t, handler, http.MethodPost, "/api/v1/vaults/agent-1/pull", "owner-key", map[string]any{
		"to":     common.HexToAddress("0x9000").Hex(),
		"assets": "10",
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("非智能体钱包 pull 应返回 403, got %d %s", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, handler, http.MethodPost, "/api/v1/vaults/agent-1/pull", "wallet-key", map[string]any{
		"to":     common.HexToAddress("0x9000").Hex(),
		"assets": "10",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("智能体钱包 pull 失败: %d %s", resp.Code, resp.Body.String())
	}
	var pullResp map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &pullResp); err != nil {
		t.Fatalf("解析 pull 响应失败: %v", err)
	}
	if pullResp["pull_remaining"] != "40" {
		t.Fatalf("剩余额度错误: %s", pullResp["pull_remaining"])
	}

	view := doRequest(t, handler, http.MethodGet, fmt.Sprintf("/api/v1/vaults/agent-1?holder=%s", ownerAddr.Hex()), "owner-key", nil)
	if view.Code != http.StatusOK {
		t.Fatalf("查询托管池失败: %d", view.Code)
	}
	var decoded vaultView
	if err := json.Unmarshal(view.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("解析托管池视图失败: %v", err)
	}
	if decoded.TotalAssets != "50" || decoded.Holder == nil {
		t.Fatalf("托管池视图错误: %+v", decoded)
	}
}

type allowAllSigs struct{}

func (allowAllSigs) Verify(common.Address, common.Hash, []byte) bool { return true }

// 管理端点与提案校验共用锁表后，二者必须可以安全并发。
// 该用例在竞态检测器下运行时守护这一点。
func TestConcurrentAdministrationAndProcessing(t *testing.T) {
	accounts := account.NewMemoryStore()
	acct := account.New("agent-1", walletAddr, ownerAddr, common.HexToAddress("0x2000"), common.HexToAddress("0x3000"))
	if err := acct.SetPolicy(ownerAddr, account.Policy{DailyLimit: big.NewInt(10_000)}); err != nil {
		t.Fatalf("设置策略失败: %v", err)
	}
	if err := acct.SetTargetAllowed(ownerAddr, targetAddr, true); err != nil {
		t.Fatalf("目标白名单失败: %v", err)
	}
	if err := acct.SetTokenAllowed(ownerAddr, tokenAddr, true); err != nil {
		t.Fatalf("资产白名单失败: %v", err)
	}
	if err := accounts.Create(acct); err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
	registry, err := identity.NewMemoryRegistry([]identity.Binding{{
		AgentID: "agent-1",
		Wallet:  walletAddr,
		Owners:  []common.Address{ownerAddr},
	}})
	if err != nil {
		t.Fatalf("创建身份注册表失败: %v", err)
	}

	locks := account.NewLockTable()
	store := proposal.NewMemoryStore()
	queue := proposal.NewMemoryQueue(256)
	service := proposal.NewService(store, queue, 3)
	validator := guard.NewValidator(schema.NewCatalogue(),
		guard.WithSignatureVerifier(allowAllSigs{}),
		guard.WithClock(func() int64 { return 1_000 }))
	processor := proposal.NewProcessor(validator, accounts, executor.NewMemoryExecutor(), store, queue, queue,
		proposal.WithWorkerCount(4),
		proposal.WithLockTable(locks))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = processor.Start(ctx) }()

	auth := identity.MiddlewareConfig{Keys: map[string]common.Address{"owner-key": ownerAddr}}
	server := NewServer(":0", service, accounts, map[string]*vault.Vault{}, registry, auth,
		WithClock(func() int64 { return 1_000 }),
		WithLockTable(locks))
	handler := server.Handler()

	const rounds = 40
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// 持续翻转一个与提案无关的白名单条目，制造管理端写入。
		for i := 0; i < rounds; i++ {
			doRequest(t, handler, http.MethodPost, "/api/v1/accounts/agent-1/allowlist", "owner-key", map[string]any{
				"kind":    "target",
				"address": otherAddr.Hex(),
				"allowed": i%2 == 0,
			})
		}
	}()

	ids := make([]string, 0, rounds)
	for i := 0; i < rounds; i++ {
		resp := doRequest(t, handler, http.MethodPost, "/api/v1/proposals", "owner-key", map[string]any{
			"account_id": "agent-1",
			"operations": []map[string]any{{
				"target": targetAddr.Hex(),
				"instruction": map[string]any{
					"kind":   "transfer",
					"token":  tokenAddr.Hex(),
					"to":     common.HexToAddress("0x7000").Hex(),
					"amount": 5,
				},
			}},
			"signature": "0x01",
		})
		if resp.Code != http.StatusAccepted {
			t.Fatalf("提交提案失败: %d %s", resp.Code, resp.Body.String())
		}
		var created proposal.Proposal
		if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
			t.Fatalf("解析提案失败: %v", err)
		}
		ids = append(ids, created.ID)
	}
	wg.Wait()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	for _, id := range ids {
		final, err := service.WaitUntilCompleted(waitCtx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("等待提案 %s 失败: %v", id, err)
		}
		if final.Status != proposal.StatusExecuted {
			t.Fatalf("提案 %s 未执行: %s (%s)", id, final.Status, final.LastError)
		}
	}
	expected := big.NewInt(5 * rounds)
	if got := acct.SpentToday(1_000); got.Cmp(expected) != 0 {
		t.Fatalf("窗口记账错误: got %s want %s", got, expected)
	}
}

// 并发存入同一托管池不得丢失份额。
func TestConcurrentVaultDeposits(t *testing.T) {
	server, _, v := newTestServer(t)
	handler := server.Handler()

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				resp := doRequest(t, handler, http.MethodPost, "/api/v1/vaults/agent-1/deposit", "owner-key", map[string]any{
					"assets": "3",
				})
				if resp.Code != http.StatusOK {
					t.Errorf("存入失败: %d %s", resp.Code, resp.Body.String())
					return
				}
			}
		}()
	}
	wg.Wait()

	expected := big.NewInt(3 * workers * perWorker)
	if v.TotalAssets().Cmp(expected) != 0 {
		t.Fatalf("池子资产错误: got %s want %s", v.TotalAssets(), expected)
	}
}

func TestVaultNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := doRequest(t, server.Handler(), http.MethodGet, "/api/v1/vaults/missing", "owner-key", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("缺失托管池应返回 404, got %d", resp.Code)
	}
}
