// Package model 定义核心数据模型
//
// member.go 包含会员资金相关的最小数据模型：
//   - Member：会话状态机需要的会员资金字段
//
// 会员的完整 CRUD（注册、套餐、交易流水）由外部系统负责，
// 本服务只建模会话扣费/退费所依赖的预付余额。
package model

import (
	"time"
)

// ============================================================================
// Member - 会员（资金视角）
// ============================================================================

// Member 表示认领者的资金账户
//
// BalanceMinutes 是预付分钟余额：
//   - StartSession(prepaid) 原子扣减，余额不足返回 InsufficientFunds
//   - StopSession 提前结束时退回未用整分钟（向下取整）
type Member struct {
	ID             string    `json:"id" db:"id"`                           // 会员 ID
	Name           string    `json:"name" db:"name"`                       // 展示名称
	BalanceMinutes int       `json:"balance_minutes" db:"balance_minutes"` // 预付分钟余额
	Active         bool      `json:"active" db:"active"`                   // 账户是否可用
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// HasBalance 判断余额是否足以覆盖给定分钟数
func (m *Member) HasBalance(minutes int) bool {
	return m.BalanceMinutes >= minutes
}
