// Package repository LoginCode 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

const loginCodeColumns = `id, terminal_id, code, used, used_at, created_at`

func scanLoginCode(row interface {
	Scan(dest ...interface{}) error
}) (*model.LoginCode, error) {
	c := &model.LoginCode{}
	err := row.Scan(&c.ID, &c.TerminalID, &c.Code, &c.Used, &c.UsedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateLoginCode 创建登录码
func (s *Store) CreateLoginCode(ctx context.Context, code *model.LoginCode) error {
	query := s.rebind(`
		INSERT INTO login_codes (id, terminal_id, code, used, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err := s.db.ExecContext(ctx, query,
		code.ID, code.TerminalID, code.Code, code.Used, code.UsedAt, code.CreatedAt)
	return err
}

// GetLoginCodeByCode 按码值查找登录码
func (s *Store) GetLoginCodeByCode(ctx context.Context, code string) (*model.LoginCode, error) {
	query := s.rebind(`SELECT ` + loginCodeColumns + ` FROM login_codes WHERE code = $1`)
	c, err := scanLoginCode(s.db.QueryRowContext(ctx, query, code))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetReusableLoginCode 获取终端最近一个可复用的登录码（未消费且在 TTL 内）
func (s *Store) GetReusableLoginCode(ctx context.Context, terminalID string, ttl time.Duration) (*model.LoginCode, error) {
	cutoff := time.Now().Add(-ttl)
	query := s.rebind(`SELECT ` + loginCodeColumns + ` FROM login_codes
		WHERE terminal_id = $1 AND used = ` + s.dialect.BooleanLiteral(false) + ` AND created_at > $2
		ORDER BY created_at DESC LIMIT 1`)
	c, err := scanLoginCode(s.db.QueryRowContext(ctx, query, terminalID, cutoff))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// CountLoginCodesIssuedSince 统计终端在给定时间点后生成的登录码数量（限流窗口）
func (s *Store) CountLoginCodesIssuedSince(ctx context.Context, terminalID string, since time.Time) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM login_codes WHERE terminal_id = $1 AND created_at > $2`)
	var count int
	err := s.db.QueryRowContext(ctx, query, terminalID, since).Scan(&count)
	return count, err
}

// MarkLoginCodeUsed 守卫式消费登录码
//
// 已消费的码不会被二次消费（守卫未命中返回 ErrConflict）。
func (s *Store) MarkLoginCodeUsed(ctx context.Context, id string, usedAt time.Time) error {
	query := s.rebind(`UPDATE login_codes SET used = ` + s.dialect.BooleanLiteral(true) + `,
		used_at = $1 WHERE id = $2 AND used = ` + s.dialect.BooleanLiteral(false))
	res, err := s.db.ExecContext(ctx, query, usedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrConflict)
}

// ListExpiredLoginCodes 列出未消费但已过 TTL 的登录码
func (s *Store) ListExpiredLoginCodes(ctx context.Context, olderThan time.Time) ([]*model.LoginCode, error) {
	query := s.rebind(`SELECT ` + loginCodeColumns + ` FROM login_codes
		WHERE used = ` + s.dialect.BooleanLiteral(false) + ` AND created_at <= $1`)
	rows, err := s.db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []*model.LoginCode
	for rows.Next() {
		c, err := scanLoginCode(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// DeleteLoginCode 删除登录码
func (s *Store) DeleteLoginCode(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM login_codes WHERE id = $1`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// PurgeUsedLoginCodes 删除创建时间早于 before 的已消费登录码
//
// 新近消费的码留在表里继续计入限流窗口，出了窗口再清理。
func (s *Store) PurgeUsedLoginCodes(ctx context.Context, before time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM login_codes
		WHERE used = ` + s.dialect.BooleanLiteral(true) + ` AND created_at <= $1`)
	res, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
