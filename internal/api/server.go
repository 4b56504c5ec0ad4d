package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"AgentCustody/internal/account"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/guard"
	"AgentCustody/internal/identity"
	"AgentCustody/internal/observability/metrics"
	"AgentCustody/internal/proposal"
	"AgentCustody/internal/vault"
)

// Server 负责暴露 REST 接口，供外部提交提案与管理账户、托管池。
//
// Account 与 Vault 都遵循单写者模型：所有触碰账户或托管池状态的
// 处理函数都要先在锁表上取得对应的键，锁表与提案处理器共享，
// 保证 API 侧的变更不会与校验临界区并发。
type Server struct {
	addr      string
	proposals *proposal.Service
	accounts  *account.MemoryStore
	vaults    map[string]*vault.Vault
	resolver  identity.Resolver
	auth      identity.MiddlewareConfig
	locks     *account.LockTable
	clock     func() int64
}

// Option 定义可选配置。
type Option func(*Server)

// WithClock 注入时间源，测试可用固定时钟。
func WithClock(now func() int64) Option {
	return func(s *Server) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithLockTable 共享账户锁表，必须与提案处理器使用同一实例。
func WithLockTable(locks *account.LockTable) Option {
	return func(s *Server) {
		if locks != nil {
			s.locks = locks
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, proposals *proposal.Service, accounts *account.MemoryStore, vaults map[string]*vault.Vault, resolver identity.Resolver, auth identity.MiddlewareConfig, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		proposals: proposals,
		accounts:  accounts,
		vaults:    vaults,
		resolver:  resolver,
		auth:      auth,
		locks:     account.NewLockTable(),
		clock:     func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// lockAccount 进入指定账户的临界区。
func (s *Server) lockAccount(id string) func() {
	return s.locks.Acquire(id)
}

// lockVault 进入指定托管池的临界区。键加前缀，避免与账户键混用。
func (s *Server) lockVault(agentID string) func() {
	return s.locks.Acquire("vault/" + agentID)
}

// requireOwner 通过身份注册表确认调用者是否为账户的授权所有者。
func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request, caller common.Address, accountID string) bool {
	if s.resolver == nil {
		return true
	}
	ok, err := s.resolver.IsAuthorizedOwner(r.Context(), caller, accountID)
	if err != nil {
		s.writeError(w, err)
		return false
	}
	if !ok {
		s.writeError(w, account.ErrNotOwner)
		return false
	}
	return true
}

// Handler 返回完整的路由，身份中间件套在最外层。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/proposals", s.instrument("proposals_submit", s.handleSubmitProposal))
	mux.Handle("GET /api/v1/proposals", s.instrument("proposals_list", s.handleListProposals))
	mux.Handle("GET /api/v1/proposals/stats", s.instrument("proposals_stats", s.handleProposalStats))
	mux.Handle("GET /api/v1/proposals/{id}", s.instrument("proposals_get", s.handleGetProposal))

	mux.Handle("GET /api/v1/accounts/{id}", s.instrument("accounts_get", s.handleGetAccount))
	mux.Handle("POST /api/v1/accounts/{id}/policy", s.instrument("accounts_policy", s.handleSetPolicy))
	mux.Handle("POST /api/v1/accounts/{id}/allowlist", s.instrument("accounts_allowlist", s.handleSetAllowlist))
	mux.Handle("POST /api/v1/accounts/{id}/schema", s.instrument("accounts_schema", s.handleSetSchema))
	mux.Handle("POST /api/v1/accounts/{id}/root", s.instrument("accounts_root", s.handleSetRoot))

	mux.Handle("GET /api/v1/vaults/{agent}", s.instrument("vaults_get", s.handleGetVault))
	mux.Handle("POST /api/v1/vaults/{agent}/deposit", s.instrument("vaults_deposit", s.handleVaultDeposit))
	mux.Handle("POST /api/v1/vaults/{agent}/mint", s.instrument("vaults_mint", s.handleVaultMint))
	mux.Handle("POST /api/v1/vaults/{agent}/withdraw", s.instrument("vaults_withdraw", s.handleVaultWithdraw))
	mux.Handle("POST /api/v1/vaults/{agent}/redeem", s.instrument("vaults_redeem", s.handleVaultRedeem))
	mux.Handle("POST /api/v1/vaults/{agent}/pull", s.instrument("vaults_pull", s.handleVaultPull))
	mux.Handle("POST /api/v1/vaults/{agent}/allowlist", s.instrument("vaults_allowlist", s.handleVaultAllowlist))
	mux.Handle("POST /api/v1/vaults/{agent}/cap", s.instrument("vaults_cap", s.handleVaultCap))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return identity.Middleware(s.auth)(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

// ---- 提案 ----

type submitProposalRequest struct {
	ID         string            `json:"id,omitempty"`
	AccountID  string            `json:"account_id"`
	Operations []guard.Operation `json:"operations"`
	Signature  hexutil.Bytes     `json:"signature"`
	Proofs     [][]common.Hash   `json:"proofs,omitempty"`
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var req submitProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	p, err := s.proposals.Submit(r.Context(), proposal.SubmitRequest{
		ID:         req.ID,
		AccountID:  req.AccountID,
		Operations: req.Operations,
		Signature:  req.Signature,
		Proofs:     req.Proofs,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func listOptionsFromQuery(r *http.Request) []proposal.ListOption {
	var opts []proposal.ListOption
	query := r.URL.Query()
	if account := query.Get("account"); account != "" {
		opts = append(opts, proposal.WithAccount(account))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []proposal.Status
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, proposal.Status(strings.TrimSpace(s)))
		}
		opts = append(opts, proposal.WithStatuses(statuses...))
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, proposal.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, proposal.WithOffset(offset))
		}
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, proposal.WithQuery(q))
	}
	return opts
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	items, err := s.proposals.List(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleProposalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.proposals.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- 账户 ----

type accountView struct {
	ID             string         `json:"id"`
	Wallet         common.Address `json:"wallet"`
	Policy         account.Policy `json:"policy"`
	SpentToday     string         `json:"spent_today"`
	RemainingToday string         `json:"remaining_today"`
	CommitmentRoot common.Hash    `json:"commitment_root"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.accounts.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.lockAccount(acct.ID)()
	now := s.clock()
	writeJSON(w, http.StatusOK, accountView{
		ID:             acct.ID,
		Wallet:         acct.Wallet,
		Policy:         acct.Policy(),
		SpentToday:     acct.SpentToday(now).String(),
		RemainingToday: acct.RemainingToday(now).String(),
		CommitmentRoot: acct.CommitmentRoot(),
	})
}

type setPolicyRequest struct {
	DailyLimit            string `json:"daily_limit"`
	ExpiresAt             int64  `json:"expires_at"`
	RequiresApprovalAbove string `json:"requires_approval_above"`
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	acct, err := s.accounts.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req setPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	policy := account.Policy{ExpiresAt: req.ExpiresAt}
	if req.DailyLimit != "" {
		limit, err := parseAmount(req.DailyLimit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		policy.DailyLimit = limit
	}
	if req.RequiresApprovalAbove != "" {
		threshold, err := parseAmount(req.RequiresApprovalAbove)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		policy.RequiresApprovalAbove = threshold
	}
	if !s.requireOwner(w, r, caller, acct.ID) {
		return
	}
	defer s.lockAccount(acct.ID)()
	if err := acct.SetPolicy(caller, policy); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct.Policy())
}

type setAllowlistRequest struct {
	Kind    string         `json:"kind"`
	Address common.Address `json:"address"`
	Allowed bool           `json:"allowed"`
}

func (s *Server) handleSetAllowlist(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	acct, err := s.accounts.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req setAllowlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !s.requireOwner(w, r, caller, acct.ID) {
		return
	}
	defer s.lockAccount(acct.ID)()
	switch req.Kind {
	case "target":
		err = acct.SetTargetAllowed(caller, req.Address, req.Allowed)
	case "token":
		err = acct.SetTokenAllowed(caller, req.Address, req.Allowed)
	default:
		http.Error(w, "kind 必须是 target 或 token", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setSchemaRequest struct {
	Target common.Address `json:"target"`
	Ref    string         `json:"ref"`
}

func (s *Server) handleSetSchema(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	acct, err := s.accounts.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req setSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !s.requireOwner(w, r, caller, acct.ID) {
		return
	}
	defer s.lockAccount(acct.ID)()
	if err := acct.SetSchema(caller, req.Target, req.Ref); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRootRequest struct {
	Root common.Hash `json:"root"`
}

func (s *Server) handleSetRoot(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	acct, err := s.accounts.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req setRootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	defer s.lockAccount(acct.ID)()
	if err := acct.SetCommitmentRoot(caller, req.Root); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- 托管池 ----

type vaultView struct {
	AgentID       string           `json:"agent_id"`
	TotalAssets   string           `json:"total_assets"`
	TotalShares   string           `json:"total_shares"`
	PullRemaining string           `json:"pull_remaining"`
	Holder        *vaultHolderView `json:"holder,omitempty"`
}

type vaultHolderView struct {
	Address common.Address     `json:"address"`
	Shares  string             `json:"shares"`
	Vesting *vault.VestingInfo `json:"vesting,omitempty"`
}

func (s *Server) vaultFor(w http.ResponseWriter, r *http.Request) (*vault.Vault, bool) {
	v, ok := s.vaults[r.PathValue("agent")]
	if !ok {
		http.Error(w, "托管池不存在", http.StatusNotFound)
		return nil, false
	}
	return v, true
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	v, ok := s.vaultFor(w, r)
	if !ok {
		return
	}
	defer s.lockVault(r.PathValue("agent"))()
	view := vaultView{
		AgentID:       r.PathValue("agent"),
		TotalAssets:   v.TotalAssets().String(),
		TotalShares:   v.TotalShares().String(),
		PullRemaining: v.PullRemaining(s.clock()).String(),
	}
	if raw := r.URL.Query().Get("holder"); raw != "" {
		holder := common.HexToAddress(raw)
		view.Holder = &vaultHolderView{
			Address: holder,
			Shares:  v.BalanceOf(holder).String(),
			Vesting: v.VestingOf(holder),
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type vaultAmountRequest struct {
	Assets   string         `json:"assets,omitempty"`
	Shares   string         `json:"shares,omitempty"`
	Receiver common.Address `json:"receiver"`
	To       common.Address `json:"to,omitempty"`
}

func (s *Server) handleVaultDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleVaultMove(w, r, func(v *vault.Vault, req vaultAmountRequest, _ common.Address, now int64) (*big.Int, error) {
		assets, err := parseAmount(req.Assets)
		if err != nil {
			return nil, err
		}
		return v.Deposit(assets, req.Receiver, now)
	})
}

func (s *Server) handleVaultMint(w http.ResponseWriter, r *http.Request) {
	s.handleVaultMove(w, r, func(v *vault.Vault, req vaultAmountRequest, _ common.Address, now int64) (*big.Int, error) {
		shares, err := parseAmount(req.Shares)
		if err != nil {
			return nil, err
		}
		return v.Mint(shares, req.Receiver, now)
	})
}

func (s *Server) handleVaultWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleVaultMove(w, r, func(v *vault.Vault, req vaultAmountRequest, caller common.Address, now int64) (*big.Int, error) {
		assets, err := parseAmount(req.Assets)
		if err != nil {
			return nil, err
		}
		return v.Withdraw(assets, req.Receiver, caller, now)
	})
}

func (s *Server) handleVaultRedeem(w http.ResponseWriter, r *http.Request) {
	s.handleVaultMove(w, r, func(v *vault.Vault, req vaultAmountRequest, caller common.Address, now int64) (*big.Int, error) {
		shares, err := parseAmount(req.Shares)
		if err != nil {
			return nil, err
		}
		return v.Redeem(shares, req.Receiver, caller, now)
	})
}

// handleVaultMove 统一处理份额进出，调用方地址来自身份中间件。
func (s *Server) handleVaultMove(w http.ResponseWriter, r *http.Request, move func(*vault.Vault, vaultAmountRequest, common.Address, int64) (*big.Int, error)) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	v, found := s.vaultFor(w, r)
	if !found {
		return
	}
	var req vaultAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.Receiver == (common.Address{}) {
		req.Receiver = caller
	}
	defer s.lockVault(r.PathValue("agent"))()
	result, err := move(v, req, caller, s.clock())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result.String()})
}

func (s *Server) handleVaultPull(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	v, found := s.vaultFor(w, r)
	if !found {
		return
	}
	var req vaultAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockVault(r.PathValue("agent"))()
	now := s.clock()
	if err := v.Pull(r.Context(), caller, req.To, assets, now); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pull_remaining": v.PullRemaining(now).String()})
}

type vaultAllowlistRequest struct {
	Target  common.Address `json:"target"`
	Allowed bool           `json:"allowed"`
}

func (s *Server) handleVaultAllowlist(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	v, found := s.vaultFor(w, r)
	if !found {
		return
	}
	var req vaultAllowlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	defer s.lockVault(r.PathValue("agent"))()
	if err := v.SetPullTargetAllowed(caller, req.Target, req.Allowed); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type vaultCapRequest struct {
	Cap string `json:"cap"`
}

func (s *Server) handleVaultCap(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	v, found := s.vaultFor(w, r)
	if !found {
		return
	}
	var req vaultCapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	capAmount, err := parseAmount(req.Cap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockVault(r.PathValue("agent"))()
	if err := v.SetPullDailyCap(caller, capAmount); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- 通用 ----

type errorResponse struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// writeError 按错误类别映射 HTTP 状态码：授权类 403、策略类 422、
// 状态类 409、外部解析类 502，其余 500。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := xerrors.CodeOf(err)
	switch code {
	case xerrors.CodeNotFound, proposal.CodeProposalNotFound, account.CodeAccountNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, proposal.CodeProposalValidation:
		status = http.StatusBadRequest
	case proposal.CodeProposalConflict, account.CodeAccountConflict:
		status = http.StatusConflict
	default:
		switch xerrors.CategoryOf(err) {
		case xerrors.CategoryAuthorizationDenied:
			status = http.StatusForbidden
		case xerrors.CategoryPolicyViolation:
			status = http.StatusUnprocessableEntity
		case xerrors.CategoryStateInvariant:
			status = http.StatusConflict
		case xerrors.CategoryExternalResolution:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, errorResponse{
		Code:     string(code),
		Category: string(xerrors.CategoryOf(err)),
		Message:  err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须是非负十进制整数")
	}
	return amount, nil
}
