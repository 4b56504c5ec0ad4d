package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"AgentCustody/internal/proposal"
)

// LocalDecisionLog 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type LocalDecisionLog struct {
	mu       sync.RWMutex
	dataFile string
	entries  []proposal.DecisionEntry
}

// NewLocalDecisionLog 创建一个文件审计日志。
func NewLocalDecisionLog(dataDir string) (*LocalDecisionLog, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "decisions.log")
	log := &LocalDecisionLog{dataFile: path}
	if err := log.loadFromDisk(); err != nil {
		return nil, err
	}
	return log, nil
}

// Record 以追加写的方式记录决策快照。
func (l *LocalDecisionLog) Record(_ context.Context, entry proposal.DecisionEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化决策记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}

	l.entries = append([]proposal.DecisionEntry{entry}, l.entries...)
	if len(l.entries) > 512 {
		l.entries = l.entries[:512]
	}
	return nil
}

// ListLatest 返回最近的决策记录，按时间倒序排列。
func (l *LocalDecisionLog) ListLatest(_ context.Context, limit int) ([]proposal.DecisionEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	results := make([]proposal.DecisionEntry, limit)
	copy(results, l.entries[:limit])
	return results, nil
}

// LoadWindow 返回账户最近一次带窗口快照的决策。
// 文件日志只保留最近 512 条，足够覆盖单窗口周期内的恢复场景。
func (l *LocalDecisionLog) LoadWindow(_ context.Context, accountID string) (string, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.entries {
		if entry.AccountID == accountID && entry.WindowSpent != "" {
			return entry.WindowSpent, entry.WindowLastReset, nil
		}
	}
	return "", 0, nil
}

func (l *LocalDecisionLog) loadFromDisk() error {
	file, err := os.OpenFile(l.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取审计日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []proposal.DecisionEntry
	for scanner.Scan() {
		var entry proposal.DecisionEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		restored = append([]proposal.DecisionEntry{entry}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析审计日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		l.entries = restored
	}
	return nil
}

// SQLDecisionLog 将决策审计写入 MySQL。
// 决策行与账户窗口快照在同一事务内提交，崩溃恢复时可以从
// account_windows 重放窗口状态。
type SQLDecisionLog struct {
	db *sql.DB
}

// NewSQLDecisionLog 创建连接池并应用迁移。
func NewSQLDecisionLog(ctx context.Context, cfg Config) (*SQLDecisionLog, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLDecisionLog{db: db}, nil
}

// Record 在一个事务内写入决策行并更新账户窗口。
func (s *SQLDecisionLog) Record(ctx context.Context, entry proposal.DecisionEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启审计事务失败: %w", err)
	}

	const insert = `INSERT INTO authorization_decisions
        (proposal_id, account_id, outcome, spend_amount, remaining, tx_hashes, error_code, observes, decided_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert,
		entry.ProposalID,
		entry.AccountID,
		entry.Outcome,
		entry.SpendAmount,
		entry.Remaining,
		entry.TxHashes,
		entry.ErrorCode,
		entry.Observations,
		entry.DecidedAt,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("写入决策记录失败: %w", err)
	}

	if entry.WindowSpent != "" {
		const upsert = `INSERT INTO account_windows (account_id, spent, last_reset, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE spent = VALUES(spent), last_reset = VALUES(last_reset), updated_at = VALUES(updated_at)`
		if _, err := tx.ExecContext(ctx, upsert, entry.AccountID, entry.WindowSpent, entry.WindowLastReset, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("更新账户窗口失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交审计事务失败: %w", err)
	}
	return nil
}

// LoadWindow 返回账户最近一次持久化的窗口快照。没有快照时返回空串。
func (s *SQLDecisionLog) LoadWindow(ctx context.Context, accountID string) (spent string, lastReset int64, err error) {
	const query = `SELECT spent, last_reset FROM account_windows WHERE account_id = ?`
	row := s.db.QueryRowContext(ctx, query, accountID)
	if err := row.Scan(&spent, &lastReset); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("查询账户窗口失败: %w", err)
	}
	return spent, lastReset, nil
}

// ListLatest 查询最近的若干条决策记录。
func (s *SQLDecisionLog) ListLatest(ctx context.Context, limit int) ([]proposal.DecisionEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT proposal_id, account_id, outcome, spend_amount, remaining, tx_hashes, error_code, observes, decided_at
        FROM authorization_decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询决策记录失败: %w", err)
	}
	defer rows.Close()

	var entries []proposal.DecisionEntry
	for rows.Next() {
		var entry proposal.DecisionEntry
		if err := rows.Scan(&entry.ProposalID, &entry.AccountID, &entry.Outcome, &entry.SpendAmount, &entry.Remaining, &entry.TxHashes, &entry.ErrorCode, &entry.Observations, &entry.DecidedAt); err != nil {
			return nil, fmt.Errorf("解析决策记录失败: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历决策记录失败: %w", err)
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (s *SQLDecisionLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ proposal.DecisionLog  = (*LocalDecisionLog)(nil)
	_ proposal.DecisionLog  = (*SQLDecisionLog)(nil)
	_ proposal.WindowSource = (*LocalDecisionLog)(nil)
	_ proposal.WindowSource = (*SQLDecisionLog)(nil)
)
