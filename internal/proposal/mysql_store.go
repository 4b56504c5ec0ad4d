package proposal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/guard"
)

// MySQLStore 使用 MySQL 记录提案状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS proposal_states (
        id VARCHAR(64) PRIMARY KEY,
        account_id VARCHAR(64) NOT NULL,
        operations TEXT NOT NULL,
        signature TEXT,
        proofs TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        record_spend_amount VARCHAR(80) DEFAULT '',
        record_remaining VARCHAR(80) DEFAULT '',
        record_tx_hashes TEXT,
        record_observations TEXT,
        record_decided_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_proposal_account (account_id),
        INDEX idx_proposal_status (status),
        INDEX idx_proposal_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 proposal_states 表失败")
	}
	return nil
}

// Create 插入新的提案记录。
func (s *MySQLStore) Create(ctx context.Context, p *Proposal) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal 不能为空")
	}
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提案 ID 不能为空")
	}

	now := time.Now().Unix()
	p.CreatedAt = now
	p.UpdatedAt = now

	operationsValue, err := marshalOperations(p.Operations)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案操作失败")
	}
	proofsValue, err := marshalProofs(p.Proofs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案证明失败")
	}

	const stmt = `INSERT INTO proposal_states
        (id, account_id, operations, signature, proofs, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		p.ID,
		p.AccountID,
		operationsValue,
		hex.EncodeToString(p.Signature),
		proofsValue,
		p.Status,
		p.Attempts,
		p.MaxRetries,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProposalConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入提案失败")
	}
	return nil
}

// Get 查询指定提案。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Proposal, error) {
	const stmt = `SELECT id, account_id, operations, signature, proofs, status, attempts, max_retries, last_error, error_code,
        record_spend_amount, record_remaining, record_tx_hashes, record_observations, record_decided_at, created_at, updated_at
        FROM proposal_states WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	return scanProposal(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var p Proposal
	var record ExecutionRecord
	var operations, signature, proofs sql.NullString
	var lastError, txHashes, observations sql.NullString

	if err := row.Scan(
		&p.ID,
		&p.AccountID,
		&operations,
		&signature,
		&proofs,
		&p.Status,
		&p.Attempts,
		&p.MaxRetries,
		&lastError,
		&p.ErrorCode,
		&record.SpendAmount,
		&record.Remaining,
		&txHashes,
		&observations,
		&record.DecidedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案失败")
	}

	p.LastError = lastError.String
	record.TxHashes = txHashes.String
	record.Observations = observations.String

	ops, err := unmarshalOperations(operations)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提案操作失败")
	}
	p.Operations = ops
	if signature.Valid && signature.String != "" {
		sig, err := hex.DecodeString(signature.String)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提案签名失败")
		}
		p.Signature = sig
	}
	decodedProofs, err := unmarshalProofs(proofs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提案证明失败")
	}
	p.Proofs = decodedProofs

	if record.SpendAmount != "" || record.Remaining != "" || record.TxHashes != "" || record.Observations != "" || record.DecidedAt != 0 {
		p.Record = &record
	}
	return &p, nil
}

// Claim 将提案标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Proposal, error) {
	const updateStmt = `UPDATE proposal_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusRejected,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提案状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		p, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch p.Status {
		case StatusExecuted:
			return p, ErrProposalCompleted
		case StatusRunning:
			return p, ErrProposalConflict
		default:
			if p.Attempts >= p.MaxRetries {
				return p, ErrProposalExhausted
			}
			return p, ErrProposalConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkExecuted 将提案标记为已执行。
func (s *MySQLStore) MarkExecuted(ctx context.Context, id string, record ExecutionRecord) error {
	const stmt = `UPDATE proposal_states SET status = ?, record_spend_amount = ?, record_remaining = ?, record_tx_hashes = ?,
        record_observations = ?, record_decided_at = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusExecuted,
		record.SpendAmount,
		record.Remaining,
		record.TxHashes,
		record.Observations,
		record.DecidedAt,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记提案执行成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

// MarkRejected 将提案标记为被拒绝，并在必要时终止重试。
func (s *MySQLStore) MarkRejected(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE proposal_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusRejected,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记提案拒绝状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

// List 返回符合过滤条件的提案。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Proposal, error) {
	opts.applyDefaults()

	query := `SELECT id, account_id, operations, signature, proofs, status, attempts, max_retries, last_error, error_code,
        record_spend_amount, record_remaining, record_tx_hashes, record_observations, record_decided_at, created_at, updated_at FROM proposal_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案列表失败")
	}
	defer rows.Close()

	proposals := make([]*Proposal, 0, opts.Limit)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提案失败")
	}
	return proposals, nil
}

// Stats 返回符合过滤条件的提案聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ProposalStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS rejected,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM proposal_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusExecuted), string(StatusRejected)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats ProposalStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Executed,
		&stats.Rejected,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return ProposalStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalOperations(ops []guard.Operation) (string, error) {
	if len(ops) == 0 {
		return "[]", nil
	}
	bytes, err := json.Marshal(ops)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func unmarshalOperations(raw sql.NullString) ([]guard.Operation, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var ops []guard.Operation
	if err := json.Unmarshal([]byte(raw.String), &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func marshalProofs(proofs [][]common.Hash) (sql.NullString, error) {
	if len(proofs) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(proofs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalProofs(raw sql.NullString) ([][]common.Hash, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var proofs [][]common.Hash
	if err := json.Unmarshal([]byte(raw.String), &proofs); err != nil {
		return nil, err
	}
	return proofs, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, opts.AccountID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasRecord != nil {
		if *opts.HasRecord {
			conditions = append(conditions, "(record_spend_amount <> '' OR record_tx_hashes <> '' OR record_decided_at <> 0)")
		} else {
			conditions = append(conditions, "(record_spend_amount = '' AND (record_tx_hashes IS NULL OR record_tx_hashes = '') AND record_decided_at = 0)")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR account_id LIKE ? OR last_error LIKE ? OR error_code LIKE ? OR record_tx_hashes LIKE ? OR record_observations LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
