package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/guard"
	"AgentCustody/internal/web3"
	"AgentCustody/pkg/logger"
)

// 执行器子系统注册的错误码。
const (
	CodeDispatchFailed xerrors.Code = "EXECUTOR_DISPATCH_FAILED"
	CodeNoSigningKey   xerrors.Code = "EXECUTOR_NO_SIGNING_KEY"
)

func init() {
	xerrors.Register(CodeDispatchFailed, xerrors.Attributes{
		Message:   "operation dispatch failed",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryInternal,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNoSigningKey, xerrors.Attributes{
		Message:  "no signing key for account",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
}

// Receipt 记录单笔操作的派发结果。
type Receipt struct {
	Index  int         `json:"index"`
	TxHash common.Hash `json:"tx_hash"`
}

// Executor 负责把已授权的操作推到链上。它绝不重复校验：
// 到达这里的操作必须已经通过守护器的全部检查。
type Executor interface {
	Execute(ctx context.Context, accountID string, ops []guard.Operation) ([]Receipt, error)
}

// KeyProvider 按账户提供派发交易用的签名私钥。
type KeyProvider interface {
	Key(accountID string) (*ecdsa.PrivateKey, error)
}

// StaticKeys 是以内存映射实现的 KeyProvider，用于开发与测试。
type StaticKeys map[string]*ecdsa.PrivateKey

// Key 实现 KeyProvider 接口。
func (s StaticKeys) Key(accountID string) (*ecdsa.PrivateKey, error) {
	key, ok := s[accountID]
	if !ok || key == nil {
		return nil, xerrors.New(CodeNoSigningKey,
			fmt.Sprintf("账户 %s 没有配置派发私钥", accountID))
	}
	return key, nil
}

// ChainExecutor 通过链客户端把操作打包成交易并派发。
type ChainExecutor struct {
	client web3.Client
	keys   KeyProvider
}

// NewChainExecutor 创建链上执行器。
func NewChainExecutor(client web3.Client, keys KeyProvider) (*ChainExecutor, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	if keys == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置签名私钥来源")
	}
	return &ChainExecutor{client: client, keys: keys}, nil
}

// Execute 实现 Executor 接口。整批操作共享一次 nonce 序列，按序落链。
func (e *ChainExecutor) Execute(ctx context.Context, accountID string, ops []guard.Operation) ([]Receipt, error) {
	if len(ops) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可执行的操作")
	}
	key, err := e.keys.Key(accountID)
	if err != nil {
		return nil, err
	}

	calls := make([]web3.Call, len(ops))
	for i, op := range ops {
		calls[i] = web3.Call{
			To:      op.Target,
			Value:   op.DirectValue(),
			Payload: op.Instruction.Encode(),
		}
	}

	hashes, err := e.client.DispatchCalls(ctx, key, calls)
	if err != nil {
		return nil, xerrors.Wrap(CodeDispatchFailed, err,
			fmt.Sprintf("账户 %s 的操作派发失败", accountID))
	}

	receipts := make([]Receipt, len(hashes))
	for i, hash := range hashes {
		receipts[i] = Receipt{Index: i, TxHash: hash}
		logger.L().Info("操作已派发",
			slog.String("account", accountID),
			slog.Int("index", i),
			slog.String("tx_hash", hash.Hex()),
		)
	}
	return receipts, nil
}

// MemoryExecutor 在内存中记录派发请求，供开发与测试使用。
type MemoryExecutor struct {
	mu         sync.Mutex
	Dispatched [][]guard.Operation
	// FailWith 非空时，Execute 直接返回该错误，用于注入派发故障。
	FailWith error
}

// NewMemoryExecutor 创建 MemoryExecutor。
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{}
}

// Execute 实现 Executor 接口，交易哈希用操作摘要代替。
func (m *MemoryExecutor) Execute(_ context.Context, accountID string, ops []guard.Operation) ([]Receipt, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	receipts := make([]Receipt, len(ops))
	digest := guard.Digest(accountID, ops)
	for i := range ops {
		hash := digest
		hash[31] = byte(i)
		receipts[i] = Receipt{Index: i, TxHash: hash}
	}
	m.mu.Lock()
	m.Dispatched = append(m.Dispatched, ops)
	m.mu.Unlock()
	return receipts, nil
}

// Batches 返回已记录的派发批次快照。
func (m *MemoryExecutor) Batches() [][]guard.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]guard.Operation(nil), m.Dispatched...)
}
