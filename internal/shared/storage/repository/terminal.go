// Package repository Terminal 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

// terminalColumns 终端查询列清单（与 scanTerminal 保持一致）
const terminalColumns = `id, name, address, status, current_session_id, last_probe_at,
	last_heartbeat_at, last_process_state, recovery_attempts, last_recovery_at,
	monitoring_enabled, created_at, updated_at`

func scanTerminal(row interface {
	Scan(dest ...interface{}) error
}) (*model.Terminal, error) {
	t := &model.Terminal{}
	err := row.Scan(
		&t.ID, &t.Name, &t.Address, &t.Status, &t.CurrentSessionID, &t.LastProbeAt,
		&t.LastHeartbeatAt, &t.LastProcessState, &t.RecoveryAttempts, &t.LastRecoveryAt,
		&t.MonitoringEnabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTerminal 创建终端
func (s *Store) CreateTerminal(ctx context.Context, terminal *model.Terminal) error {
	query := s.rebind(`
		INSERT INTO terminals (id, name, address, status, current_session_id, last_probe_at,
			last_heartbeat_at, last_process_state, recovery_attempts, last_recovery_at,
			monitoring_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	_, err := s.db.ExecContext(ctx, query,
		terminal.ID, terminal.Name, terminal.Address, terminal.Status,
		terminal.CurrentSessionID, terminal.LastProbeAt, terminal.LastHeartbeatAt,
		terminal.LastProcessState, terminal.RecoveryAttempts, terminal.LastRecoveryAt,
		terminal.MonitoringEnabled, terminal.CreatedAt, terminal.UpdatedAt)
	return err
}

// GetTerminal 获取终端
func (s *Store) GetTerminal(ctx context.Context, id string) (*model.Terminal, error) {
	query := s.rebind(`SELECT ` + terminalColumns + ` FROM terminals WHERE id = $1`)
	t, err := scanTerminal(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTerminals 列出所有终端
func (s *Store) ListTerminals(ctx context.Context) ([]*model.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals ORDER BY created_at`
	return s.queryTerminals(ctx, query)
}

// ListMonitoredTerminals 列出纳入监控的终端
func (s *Store) ListMonitoredTerminals(ctx context.Context) ([]*model.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals
		WHERE monitoring_enabled = ` + s.dialect.BooleanLiteral(true) + ` ORDER BY created_at`
	return s.queryTerminals(ctx, query)
}

func (s *Store) queryTerminals(ctx context.Context, query string, args ...interface{}) ([]*model.Terminal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terminals []*model.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		terminals = append(terminals, t)
	}
	return terminals, rows.Err()
}

// UpdateTerminalStatus 无守卫地更新终端状态（监控引擎的健康状态覆盖）
func (s *Store) UpdateTerminalStatus(ctx context.Context, id string, status model.TerminalStatus) error {
	query := s.rebind(`UPDATE terminals SET status = $1, updated_at = ` +
		s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrNotFound)
}

// TransitionTerminalStatus 带守卫地更新终端状态
//
// 当前状态不等于 from 时不做任何修改并返回 ErrConflict，
// 这是“单写者纪律”的底层实现：并发写者中只有一个能命中守卫。
func (s *Store) TransitionTerminalStatus(ctx context.Context, id string, from, to model.TerminalStatus) error {
	query := s.rebind(`UPDATE terminals SET status = $1, updated_at = ` +
		s.dialect.CurrentTimestamp() + ` WHERE id = $2 AND status = $3`)
	res, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrConflict)
}

// UpdateTerminalProbe 记录网络探测结果与进程观测
func (s *Store) UpdateTerminalProbe(ctx context.Context, id string, probedAt time.Time, processState model.ProcessState) error {
	query := s.rebind(`UPDATE terminals SET last_probe_at = $1, last_process_state = $2,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, probedAt, processState, id)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrNotFound)
}

// UpdateTerminalHeartbeat 记录终端自主推送的心跳
func (s *Store) UpdateTerminalHeartbeat(ctx context.Context, id string, at time.Time) error {
	query := s.rebind(`UPDATE terminals SET last_heartbeat_at = $1,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	res, err := s.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrNotFound)
}

// UpdateTerminalRecovery 记录恢复尝试计数与时间
func (s *Store) UpdateTerminalRecovery(ctx context.Context, id string, attempts int, at time.Time) error {
	query := s.rebind(`UPDATE terminals SET recovery_attempts = $1, last_recovery_at = $2,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, attempts, at, id)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrNotFound)
}

// SetMonitoringEnabled 设置终端是否纳入监控（下个周期生效）
func (s *Store) SetMonitoringEnabled(ctx context.Context, id string, enabled bool) error {
	query := s.rebind(`UPDATE terminals SET monitoring_enabled = $1,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	res, err := s.db.ExecContext(ctx, query, enabled, id)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrNotFound)
}

// requireRow 将“0 行受影响”转换为给定领域错误
func requireRow(res sql.Result, errIfNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errIfNone
	}
	return nil
}
