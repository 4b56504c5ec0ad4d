package mysql

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/account"
	"AgentCustody/internal/proposal"
	"AgentCustody/internal/window"
)

func sampleEntry(i int) proposal.DecisionEntry {
	return proposal.DecisionEntry{
		ProposalID:  fmt.Sprintf("p-%d", i),
		AccountID:   "agent-1",
		Outcome:     "executed",
		SpendAmount: "40",
		Remaining:   "60",
		TxHashes:    "0xabc",
		WindowSpent: "40",
		DecidedAt:   int64(1000 + i),
	}
}

func TestLocalDecisionLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := NewLocalDecisionLog(dir)
	if err != nil {
		t.Fatalf("创建审计日志失败: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := log.Record(ctx, sampleEntry(i)); err != nil {
			t.Fatalf("写入决策失败: %v", err)
		}
	}

	latest, err := log.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("查询决策失败: %v", err)
	}
	if len(latest) != 2 || latest[0].ProposalID != "p-2" {
		t.Fatalf("查询结果错误: %+v", latest)
	}

	// 重新加载应从磁盘恢复全部记录。
	reloaded, err := NewLocalDecisionLog(dir)
	if err != nil {
		t.Fatalf("重新加载审计日志失败: %v", err)
	}
	all, err := reloaded.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("查询决策失败: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("恢复的记录数错误: %d", len(all))
	}
	if all[0].ProposalID != "p-2" || all[2].ProposalID != "p-0" {
		t.Fatalf("恢复顺序错误: %+v", all)
	}
	if all[0].SpendAmount != "40" || all[0].WindowSpent != "40" {
		t.Fatalf("恢复字段错误: %+v", all[0])
	}
}

// 窗口快照必须能跨进程重启读回，否则重启即清零日限额。
func TestLocalDecisionLogWindowSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := NewLocalDecisionLog(dir)
	if err != nil {
		t.Fatalf("创建审计日志失败: %v", err)
	}
	entries := []proposal.DecisionEntry{
		{ProposalID: "p-1", AccountID: "agent-1", Outcome: "executed", WindowSpent: "25", WindowLastReset: 1_000, DecidedAt: 1_000},
		{ProposalID: "p-2", AccountID: "agent-2", Outcome: "executed", WindowSpent: "10", WindowLastReset: 1_010, DecidedAt: 1_010},
		{ProposalID: "p-3", AccountID: "agent-1", Outcome: "rejected", DecidedAt: 1_020},
		{ProposalID: "p-4", AccountID: "agent-1", Outcome: "executed", WindowSpent: "70", WindowLastReset: 1_000, DecidedAt: 1_030},
	}
	for _, entry := range entries {
		if err := log.Record(ctx, entry); err != nil {
			t.Fatalf("写入决策失败: %v", err)
		}
	}

	// 模拟重启：丢弃内存态，从磁盘重新加载后读回窗口。
	reloaded, err := NewLocalDecisionLog(dir)
	if err != nil {
		t.Fatalf("重新加载审计日志失败: %v", err)
	}
	spent, lastReset, err := reloaded.LoadWindow(ctx, "agent-1")
	if err != nil {
		t.Fatalf("读取窗口快照失败: %v", err)
	}
	if spent != "70" || lastReset != 1_000 {
		t.Fatalf("窗口快照错误: spent=%s last_reset=%d", spent, lastReset)
	}
	if spent, _, _ := reloaded.LoadWindow(ctx, "agent-2"); spent != "10" {
		t.Fatalf("agent-2 窗口快照错误: %s", spent)
	}
	if spent, _, err := reloaded.LoadWindow(ctx, "agent-9"); err != nil || spent != "" {
		t.Fatalf("无快照账户应返回空串: spent=%q err=%v", spent, err)
	}

	// 重放到全新账户后，窗口内已花费额度立即生效。
	acct := account.New("agent-1",
		common.HexToAddress("0x4000"), common.HexToAddress("0x1000"),
		common.HexToAddress("0x2000"), common.HexToAddress("0x3000"))
	if err := acct.SetPolicy(common.HexToAddress("0x1000"), account.Policy{DailyLimit: big.NewInt(100)}); err != nil {
		t.Fatalf("设置策略失败: %v", err)
	}
	amount, ok := new(big.Int).SetString(spent, 10)
	if !ok {
		t.Fatalf("窗口快照无法解析: %q", spent)
	}
	acct.RestoreWindow(window.Window{Amount: amount, LastReset: lastReset})
	if got := acct.SpentToday(1_100); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("重放后窗口记账错误: %s", got)
	}
	if got := acct.RemainingToday(1_100); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("重放后剩余额度错误: %s", got)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")
	if len(statements) != 2 {
		t.Fatalf("语句切分错误: %d", len(statements))
	}
	if parseMigrationVersion("0002_decision_log.sql") != "0002" {
		t.Fatalf("版本解析错误")
	}
}
