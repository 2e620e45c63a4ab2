// Package repository TerminalLock 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rentalps-admin/internal/shared/model"
)

// UpsertLock 写入或覆盖终端锁
//
// terminal_id 为主键：同一终端重复 Acquire 直接覆盖认领者与过期时间。
// 冲突检查由调用方在 Acquire 之前完成（见 tvlock.Manager）。
func (s *Store) UpsertLock(ctx context.Context, lock *model.TerminalLock) error {
	conflict := s.dialect.UpsertConflict("terminal_id", []string{
		"claimant_id = EXCLUDED.claimant_id",
		"expires_at = EXCLUDED.expires_at",
		"created_at = EXCLUDED.created_at",
	})
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO terminal_locks (terminal_id, claimant_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		%s
	`, conflict))
	_, err := s.db.ExecContext(ctx, query,
		lock.TerminalID, lock.ClaimantID, lock.ExpiresAt, lock.CreatedAt)
	return err
}

// GetLock 获取终端锁
func (s *Store) GetLock(ctx context.Context, terminalID string) (*model.TerminalLock, error) {
	query := s.rebind(`SELECT terminal_id, claimant_id, expires_at, created_at
		FROM terminal_locks WHERE terminal_id = $1`)
	lock := &model.TerminalLock{}
	err := s.db.QueryRowContext(ctx, query, terminalID).Scan(
		&lock.TerminalID, &lock.ClaimantID, &lock.ExpiresAt, &lock.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return lock, err
}

// DeleteLock 删除终端锁
func (s *Store) DeleteLock(ctx context.Context, terminalID string) error {
	query := s.rebind(`DELETE FROM terminal_locks WHERE terminal_id = $1`)
	_, err := s.db.ExecContext(ctx, query, terminalID)
	return err
}

// ListExpiredLocks 列出已过期的锁
func (s *Store) ListExpiredLocks(ctx context.Context, now time.Time) ([]*model.TerminalLock, error) {
	query := s.rebind(`SELECT terminal_id, claimant_id, expires_at, created_at
		FROM terminal_locks WHERE expires_at <= $1`)
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*model.TerminalLock
	for rows.Next() {
		lock := &model.TerminalLock{}
		if err := rows.Scan(&lock.TerminalID, &lock.ClaimantID, &lock.ExpiresAt, &lock.CreatedAt); err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}
