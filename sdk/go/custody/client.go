package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// CallerKeyHeader carries the API key the server resolves to a caller address.
const CallerKeyHeader = "X-Caller-Key"

// Client wraps the HTTP interactions with the AgentCustody REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu        sync.RWMutex
	callerKey string
}

// Instruction mirrors the tagged instruction carried by every operation.
type Instruction struct {
	Kind     string           `json:"kind"`
	Token    common.Address   `json:"token,omitempty"`
	From     common.Address   `json:"from,omitempty"`
	To       common.Address   `json:"to,omitempty"`
	Amount   *big.Int         `json:"amount,omitempty"`
	Selector [4]byte          `json:"selector,omitempty"`
	Params   []common.Address `json:"params,omitempty"`
}

// Operation describes a single external call inside a proposal batch.
type Operation struct {
	Target      common.Address `json:"target"`
	Value       *big.Int       `json:"value,omitempty"`
	Instruction Instruction    `json:"instruction"`
}

// ProposalSubmission is the payload required to queue a new spend proposal.
type ProposalSubmission struct {
	// ID is optional; resubmitting with the same ID is idempotent.
	ID         string          `json:"id,omitempty"`
	AccountID  string          `json:"account_id"`
	Operations []Operation     `json:"operations"`
	Signature  hexutil.Bytes   `json:"signature"`
	Proofs     [][]common.Hash `json:"proofs,omitempty"`
}

// ExecutionRecord is attached to a proposal once it has been decided.
type ExecutionRecord struct {
	SpendAmount  string `json:"spend_amount"`
	Remaining    string `json:"remaining"`
	TxHashes     string `json:"tx_hashes"`
	Observations string `json:"observations,omitempty"`
	DecidedAt    int64  `json:"decided_at"`
}

// Proposal is the server-side view of a queued spend request.
type Proposal struct {
	ID         string           `json:"id"`
	AccountID  string           `json:"account_id"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Record     *ExecutionRecord `json:"record,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// Terminal reports whether the proposal has reached a final status.
func (p Proposal) Terminal() bool {
	return p.Status == "executed" || p.Status == "rejected"
}

// ProposalStats aggregates proposal counts by status.
type ProposalStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Executed        int   `json:"executed"`
	Rejected        int   `json:"rejected"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListQuery narrows proposal listings and stats.
type ListQuery struct {
	Account  string
	Statuses []string
	Limit    int
	Offset   int
	Query    string
}

// Policy mirrors the per-account spending policy.
type Policy struct {
	DailyLimit            string `json:"daily_limit"`
	ExpiresAt             int64  `json:"expires_at"`
	RequiresApprovalAbove string `json:"requires_approval_above,omitempty"`
}

// Account is the server-side view of a guarded account.
type Account struct {
	ID             string          `json:"id"`
	Wallet         common.Address  `json:"wallet"`
	Policy         json.RawMessage `json:"policy"`
	SpentToday     string          `json:"spent_today"`
	RemainingToday string          `json:"remaining_today"`
	CommitmentRoot common.Hash     `json:"commitment_root"`
}

// VestingInfo describes a holder's locked shares.
type VestingInfo struct {
	LockedShares string `json:"locked_shares"`
	UnlockTime   int64  `json:"unlock_time"`
}

// VaultHolder is the per-holder slice of a vault view.
type VaultHolder struct {
	Address common.Address `json:"address"`
	Shares  string         `json:"shares"`
	Vesting *VestingInfo   `json:"vesting,omitempty"`
}

// Vault is the server-side view of an agent's custody vault.
type Vault struct {
	AgentID       string       `json:"agent_id"`
	TotalAssets   string       `json:"total_assets"`
	TotalShares   string       `json:"total_shares"`
	PullRemaining string       `json:"pull_remaining"`
	Holder        *VaultHolder `json:"holder,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Category   string `json:"category"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("custody api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("custody api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentCustody API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetCallerKey stores the API key sent with every authenticated request.
func (c *Client) SetCallerKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callerKey = key
}

// CallerKey returns the currently stored API key.
func (c *Client) CallerKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callerKey
}

// SubmitProposal queues a spend proposal for asynchronous authorization.
func (c *Client) SubmitProposal(ctx context.Context, submission ProposalSubmission) (Proposal, error) {
	var p Proposal
	if err := c.post(ctx, "/api/v1/proposals", nil, submission, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// GetProposal fetches a proposal by identifier.
func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var p Proposal
	if err := c.get(ctx, "/api/v1/proposals/"+url.PathEscape(id), nil, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// ListProposals returns proposals matching the query, newest first.
func (c *Client) ListProposals(ctx context.Context, query ListQuery) ([]Proposal, error) {
	var items []Proposal
	if err := c.get(ctx, "/api/v1/proposals", query.values(), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ProposalStats returns aggregated counts for proposals matching the query.
func (c *Client) ProposalStats(ctx context.Context, query ListQuery) (ProposalStats, error) {
	var stats ProposalStats
	if err := c.get(ctx, "/api/v1/proposals/stats", query.values(), &stats); err != nil {
		return ProposalStats{}, err
	}
	return stats, nil
}

// WaitForProposal polls until the proposal reaches a terminal status or the
// context is cancelled.
func (c *Client) WaitForProposal(ctx context.Context, id string, interval time.Duration) (Proposal, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.GetProposal(ctx, id)
		if err != nil {
			return Proposal{}, err
		}
		if p.Terminal() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return Proposal{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetAccount fetches the guarded account view including quota usage.
func (c *Client) GetAccount(ctx context.Context, id string) (Account, error) {
	var acct Account
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(id), nil, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// SetPolicy replaces the account's spending policy. The caller key must map to
// the account owner.
func (c *Client) SetPolicy(ctx context.Context, id string, policy Policy) error {
	return c.post(ctx, "/api/v1/accounts/"+url.PathEscape(id)+"/policy", nil, policy, nil)
}

// SetAllowlist toggles a target or token allowlist entry. Kind must be
// "target" or "token".
func (c *Client) SetAllowlist(ctx context.Context, id, kind string, address common.Address, allowed bool) error {
	payload := struct {
		Kind    string         `json:"kind"`
		Address common.Address `json:"address"`
		Allowed bool           `json:"allowed"`
	}{Kind: kind, Address: address, Allowed: allowed}
	return c.post(ctx, "/api/v1/accounts/"+url.PathEscape(id)+"/allowlist", nil, payload, nil)
}

// SetSchema binds a schema reference to a target contract.
func (c *Client) SetSchema(ctx context.Context, id string, target common.Address, ref string) error {
	payload := struct {
		Target common.Address `json:"target"`
		Ref    string         `json:"ref"`
	}{Target: target, Ref: ref}
	return c.post(ctx, "/api/v1/accounts/"+url.PathEscape(id)+"/schema", nil, payload, nil)
}

// SetCommitmentRoot rotates the account's action commitment root. The caller
// key must map to the account admin.
func (c *Client) SetCommitmentRoot(ctx context.Context, id string, root common.Hash) error {
	payload := struct {
		Root common.Hash `json:"root"`
	}{Root: root}
	return c.post(ctx, "/api/v1/accounts/"+url.PathEscape(id)+"/root", nil, payload, nil)
}

// GetVault fetches the vault view. When holder is non-zero, the response
// includes that holder's share balance and vesting state.
func (c *Client) GetVault(ctx context.Context, agentID string, holder common.Address) (Vault, error) {
	var params url.Values
	if holder != (common.Address{}) {
		params = url.Values{"holder": []string{holder.Hex()}}
	}
	var v Vault
	if err := c.get(ctx, "/api/v1/vaults/"+url.PathEscape(agentID), params, &v); err != nil {
		return Vault{}, err
	}
	return v, nil
}

type vaultMoveRequest struct {
	Assets   string         `json:"assets,omitempty"`
	Shares   string         `json:"shares,omitempty"`
	Receiver common.Address `json:"receiver"`
	To       common.Address `json:"to,omitempty"`
}

type vaultMoveResponse struct {
	Result        string `json:"result"`
	PullRemaining string `json:"pull_remaining"`
}

// Deposit credits assets to the vault and returns the shares minted.
func (c *Client) Deposit(ctx context.Context, agentID, assets string, receiver common.Address) (string, error) {
	return c.vaultMove(ctx, agentID, "deposit", vaultMoveRequest{Assets: assets, Receiver: receiver})
}

// Mint issues an exact number of shares and returns the assets charged.
func (c *Client) Mint(ctx context.Context, agentID, shares string, receiver common.Address) (string, error) {
	return c.vaultMove(ctx, agentID, "mint", vaultMoveRequest{Shares: shares, Receiver: receiver})
}

// Withdraw debits exact assets from the caller's position and returns the
// shares burned.
func (c *Client) Withdraw(ctx context.Context, agentID, assets string, receiver common.Address) (string, error) {
	return c.vaultMove(ctx, agentID, "withdraw", vaultMoveRequest{Assets: assets, Receiver: receiver})
}

// Redeem burns exact shares from the caller's position and returns the assets
// released.
func (c *Client) Redeem(ctx context.Context, agentID, shares string, receiver common.Address) (string, error) {
	return c.vaultMove(ctx, agentID, "redeem", vaultMoveRequest{Shares: shares, Receiver: receiver})
}

func (c *Client) vaultMove(ctx context.Context, agentID, action string, req vaultMoveRequest) (string, error) {
	var resp vaultMoveResponse
	endpoint := "/api/v1/vaults/" + url.PathEscape(agentID) + "/" + action
	if err := c.post(ctx, endpoint, nil, req, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// Pull moves assets out through the agent's rate-limited channel and returns
// the remaining pull budget for the current window. The caller key must map to
// the agent wallet.
func (c *Client) Pull(ctx context.Context, agentID, assets string, to common.Address) (string, error) {
	var resp vaultMoveResponse
	endpoint := "/api/v1/vaults/" + url.PathEscape(agentID) + "/pull"
	if err := c.post(ctx, endpoint, nil, vaultMoveRequest{Assets: assets, To: to}, &resp); err != nil {
		return "", err
	}
	return resp.PullRemaining, nil
}

// SetPullAllowlist toggles a pull destination on the vault allowlist.
func (c *Client) SetPullAllowlist(ctx context.Context, agentID string, target common.Address, allowed bool) error {
	payload := struct {
		Target  common.Address `json:"target"`
		Allowed bool           `json:"allowed"`
	}{Target: target, Allowed: allowed}
	return c.post(ctx, "/api/v1/vaults/"+url.PathEscape(agentID)+"/allowlist", nil, payload, nil)
}

// SetPullDailyCap replaces the vault's rolling pull cap.
func (c *Client) SetPullDailyCap(ctx context.Context, agentID, cap string) error {
	payload := struct {
		Cap string `json:"cap"`
	}{Cap: cap}
	return c.post(ctx, "/api/v1/vaults/"+url.PathEscape(agentID)+"/cap", nil, payload, nil)
}

func (q ListQuery) values() url.Values {
	params := url.Values{}
	if q.Account != "" {
		params.Set("account", q.Account)
	}
	if len(q.Statuses) > 0 {
		joined := q.Statuses[0]
		for _, s := range q.Statuses[1:] {
			joined += "," + s
		}
		params.Set("status", joined)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Query != "" {
		params.Set("q", q.Query)
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func (c *Client) post(ctx context.Context, endpoint string, params url.Values, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, params, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, params, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	key := c.CallerKey()
	if key == "" {
		return nil, errors.New("custody: caller key is not set")
	}
	req.Header.Set(CallerKeyHeader, key)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
