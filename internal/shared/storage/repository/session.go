// Package repository Session 相关的存储操作
//
// StartSessionTx / StopSessionTx 是本系统仅有的两个多行事务：
// 资金扣减/退回必须与终端状态翻转同时提交或同时回滚。
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

const sessionColumns = `id, terminal_id, member_id, funding_kind, funding_ref, status,
	start_at, end_at, stopped_at, stop_reason, created_at, updated_at`

func scanSession(row interface {
	Scan(dest ...interface{}) error
}) (*model.Session, error) {
	sess := &model.Session{}
	err := row.Scan(
		&sess.ID, &sess.TerminalID, &sess.MemberID, &sess.FundingKind, &sess.FundingRef,
		&sess.Status, &sess.StartAt, &sess.EndAt, &sess.StoppedAt, &sess.StopReason,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession 获取会话
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`)
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// GetActiveSessionByTerminal 获取终端当前未结束的会话
func (s *Store) GetActiveSessionByTerminal(ctx context.Context, terminalID string) (*model.Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE terminal_id = $1 AND status = 'active' ORDER BY start_at DESC LIMIT 1`)
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, terminalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// ListActiveSessions 列出所有进行中的会话
func (s *Store) ListActiveSessions(ctx context.Context) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = 'active' ORDER BY end_at`
	return s.querySessions(ctx, query)
}

// ListExpiredActiveSessions 列出已过期但仍为 active 的会话（对账扫描输入）
func (s *Store) ListExpiredActiveSessions(ctx context.Context, now time.Time) ([]*model.Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'active' AND end_at <= $1 ORDER BY end_at`)
	return s.querySessions(ctx, query, now)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...interface{}) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// StartSessionTx 原子地开始会话
//
// 同一事务内：
//  1. 终端 idle/reserved→active 并回填 current_session_id（守卫未命中 → ErrConflict）
//     （锁是咨询性的：reserved 不阻止管理/非交互路径开始会话）
//  2. 插入会话行
//  3. 预付资金扣减（余额守卫未命中 → ErrInsufficientBalance）
//
// 任一步失败整个事务回滚：不会出现“扣了钱没给时长”或反之。
func (s *Store) StartSessionTx(ctx context.Context, session *model.Session, debitMemberID *string, debitMinutes int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		nowExpr := s.dialect.CurrentTimestamp()

		flip := s.rebind(`UPDATE terminals SET status = $1, current_session_id = $2,
			updated_at = ` + nowExpr + ` WHERE id = $3 AND status IN ($4, $5)`)
		res, err := tx.ExecContext(ctx, flip,
			model.TerminalStatusActive, session.ID, session.TerminalID,
			model.TerminalStatusIdle, model.TerminalStatusReserved)
		if err != nil {
			return fmt.Errorf("flip terminal: %w", err)
		}
		if err := requireRow(res, storage.ErrConflict); err != nil {
			return err
		}

		insert := s.rebind(`
			INSERT INTO sessions (id, terminal_id, member_id, funding_kind, funding_ref,
				status, start_at, end_at, stop_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $10)
		`)
		if _, err := tx.ExecContext(ctx, insert,
			session.ID, session.TerminalID, session.MemberID, session.FundingKind,
			session.FundingRef, session.Status, session.StartAt, session.EndAt,
			session.CreatedAt, session.UpdatedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		if debitMemberID != nil && debitMinutes > 0 {
			debit := s.rebind(`UPDATE members SET balance_minutes = balance_minutes - $1,
				updated_at = ` + nowExpr + ` WHERE id = $2 AND balance_minutes >= $1`)
			res, err := tx.ExecContext(ctx, debit, debitMinutes, *debitMemberID)
			if err != nil {
				return fmt.Errorf("debit member: %w", err)
			}
			if err := requireRow(res, storage.ErrInsufficientBalance); err != nil {
				return err
			}
		}

		return nil
	})
}

// StopSessionTx 原子地结束会话
//
// 同一事务内：
//  1. 会话 active→ended（守卫未命中 → ErrConflict，调用方幂等 no-op）
//  2. 终端 active→idle 并清空 current_session_id
//  3. 预付资金退回（若有）
//
// 守卫放在会话行上：定时器与对账扫描竞争关闭同一会话时，
// 只有先到者命中，后到者整个事务回滚且不产生任何副作用。
func (s *Store) StopSessionTx(ctx context.Context, sessionID string, stoppedAt time.Time, reason model.StopReason, creditMemberID *string, creditMinutes int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		nowExpr := s.dialect.CurrentTimestamp()

		end := s.rebind(`UPDATE sessions SET status = $1, stopped_at = $2, stop_reason = $3,
			updated_at = ` + nowExpr + ` WHERE id = $4 AND status = $5`)
		res, err := tx.ExecContext(ctx, end,
			model.SessionStatusEnded, stoppedAt, reason, sessionID, model.SessionStatusActive)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		if err := requireRow(res, storage.ErrConflict); err != nil {
			return err
		}

		// 不守卫终端状态：监控引擎可能已把终端覆盖为 disconnected 等，
		// 结束会话仍要解除引用；健康状态由下个监控周期重新判定
		release := s.rebind(`UPDATE terminals SET status = $1, current_session_id = NULL,
			updated_at = ` + nowExpr + ` WHERE current_session_id = $2`)
		if _, err := tx.ExecContext(ctx, release,
			model.TerminalStatusIdle, sessionID); err != nil {
			return fmt.Errorf("release terminal: %w", err)
		}

		if creditMemberID != nil && creditMinutes > 0 {
			credit := s.rebind(`UPDATE members SET balance_minutes = balance_minutes + $1,
				updated_at = ` + nowExpr + ` WHERE id = $2`)
			if _, err := tx.ExecContext(ctx, credit, creditMinutes, *creditMemberID); err != nil {
				return fmt.Errorf("credit member: %w", err)
			}
		}

		return nil
	})
}
