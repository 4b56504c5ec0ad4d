package proposal

import "context"

// DecisionEntry 是一次授权决策的审计快照。
// 金额字段用十进制字符串表示，落库时无需精度转换。
type DecisionEntry struct {
	ProposalID   string `json:"proposal_id"`
	AccountID    string `json:"account_id"`
	Outcome      string `json:"outcome"`
	SpendAmount  string `json:"spend_amount,omitempty"`
	Remaining    string `json:"remaining,omitempty"`
	TxHashes     string `json:"tx_hashes,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	Observations string `json:"observations,omitempty"`
	// WindowSpent 与 WindowLastReset 记录决策落地后的账户窗口状态，
	// 与决策本身在同一事务内持久化。
	WindowSpent     string `json:"window_spent,omitempty"`
	WindowLastReset int64  `json:"window_last_reset,omitempty"`
	DecidedAt       int64  `json:"decided_at"`
}

// DecisionLog 持久化授权决策的审计轨迹。
// 审计写入是尽力而为的：失败只记日志，不影响提案状态机。
type DecisionLog interface {
	Record(ctx context.Context, entry DecisionEntry) error
}

// WindowSource 提供账户窗口快照的读回能力。
// 宿主在重启时用它恢复滚动窗口，否则已花费额度会随进程一起归零。
// spent 为空串表示该账户没有任何快照。
type WindowSource interface {
	LoadWindow(ctx context.Context, accountID string) (spent string, lastReset int64, err error)
}
