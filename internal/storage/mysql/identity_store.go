package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/identity"
)

// SQLIdentityRegistry persists agent wallet bindings in MySQL.
//
// It implements identity.Resolver: resolution failures surface as errors so
// that every dependent operation fails closed instead of guessing.
type SQLIdentityRegistry struct {
	db *sql.DB
}

// NewSQLIdentityRegistry creates the registry using the provided connection
// settings and applies the embedded migrations.
func NewSQLIdentityRegistry(ctx context.Context, cfg Config) (*SQLIdentityRegistry, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLIdentityRegistry{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLIdentityRegistry) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ResolveAgentWallet implements identity.Resolver.
func (s *SQLIdentityRegistry) ResolveAgentWallet(ctx context.Context, agentID string) (common.Address, error) {
	const query = `SELECT wallet, disabled FROM agent_bindings WHERE agent_id = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(agentID))
	var wallet string
	var disabled int
	if err := row.Scan(&wallet, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.Address{}, identity.ErrAgentNotFound
		}
		return common.Address{}, fmt.Errorf("查询代理绑定失败: %w", err)
	}
	if disabled == 1 {
		return common.Address{}, identity.ErrAgentRevoked
	}
	return common.HexToAddress(wallet), nil
}

// IsAuthorizedOwner implements identity.Resolver.
func (s *SQLIdentityRegistry) IsAuthorizedOwner(ctx context.Context, caller common.Address, agentID string) (bool, error) {
	const query = `SELECT COUNT(*) FROM agent_binding_owners o
JOIN agent_bindings b ON b.id = o.binding_id
WHERE b.agent_id = ? AND b.disabled = 0 AND o.owner = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(agentID), strings.ToLower(caller.Hex()))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("查询所有者授权失败: %w", err)
	}
	return count > 0, nil
}

// Bind upserts a binding and replaces its owner set in one transaction.
func (s *SQLIdentityRegistry) Bind(ctx context.Context, binding identity.Binding) error {
	agentID := strings.TrimSpace(binding.AgentID)
	if agentID == "" {
		return errors.New("agent identifier cannot be empty")
	}
	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	const upsert = `INSERT INTO agent_bindings (agent_id, wallet, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE wallet = VALUES(wallet), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	res, execErr := tx.ExecContext(ctx, upsert, agentID, strings.ToLower(binding.Wallet.Hex()), boolToInt(binding.Disabled), now, now)
	if execErr != nil {
		err = fmt.Errorf("保存代理绑定失败: %w", execErr)
		return err
	}
	bindingID, execErr := res.LastInsertId()
	if execErr != nil {
		err = fmt.Errorf("获取绑定ID失败: %w", execErr)
		return err
	}

	if _, execErr = tx.ExecContext(ctx, `DELETE FROM agent_binding_owners WHERE binding_id = ?`, bindingID); execErr != nil {
		err = fmt.Errorf("清理旧所有者失败: %w", execErr)
		return err
	}
	for _, owner := range binding.Owners {
		if _, execErr = tx.ExecContext(ctx, `INSERT IGNORE INTO agent_binding_owners (binding_id, owner, assigned_at) VALUES (?, ?, ?)`,
			bindingID, strings.ToLower(owner.Hex()), now); execErr != nil {
			err = fmt.Errorf("绑定所有者失败: %w", execErr)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交代理绑定失败: %w", err)
	}
	return nil
}

// Revoke disables a binding without deleting its history.
func (s *SQLIdentityRegistry) Revoke(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_bindings SET disabled = 1, updated_at = ? WHERE agent_id = ?`,
		time.Now().Unix(), strings.TrimSpace(agentID))
	if err != nil {
		return fmt.Errorf("吊销代理绑定失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取吊销结果失败: %w", err)
	}
	if affected == 0 {
		return identity.ErrAgentNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ identity.Resolver = (*SQLIdentityRegistry)(nil)
