// Package repository Member 相关的存储操作（资金视角）
package repository

import (
	"context"
	"database/sql"

	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

// CreateMember 创建会员资金账户
func (s *Store) CreateMember(ctx context.Context, member *model.Member) error {
	query := s.rebind(`
		INSERT INTO members (id, name, balance_minutes, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err := s.db.ExecContext(ctx, query,
		member.ID, member.Name, member.BalanceMinutes, member.Active,
		member.CreatedAt, member.UpdatedAt)
	return err
}

// GetMember 获取会员资金账户
func (s *Store) GetMember(ctx context.Context, id string) (*model.Member, error) {
	query := s.rebind(`SELECT id, name, balance_minutes, active, created_at, updated_at
		FROM members WHERE id = $1`)
	m := &model.Member{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.Name, &m.BalanceMinutes, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// CreditMemberMinutes 退回预付分钟（事务外的独立退回路径）
func (s *Store) CreditMemberMinutes(ctx context.Context, id string, minutes int) error {
	query := s.rebind(`UPDATE members SET balance_minutes = balance_minutes + $1,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	res, err := s.db.ExecContext(ctx, query, minutes, id)
	if err != nil {
		return err
	}
	return requireRow(res, storage.ErrNotFound)
}
