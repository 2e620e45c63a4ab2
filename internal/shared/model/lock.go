// Package model 定义核心数据模型
//
// lock.go 包含终端锁相关的数据模型定义：
//   - TerminalLock：交互式认领期间的短 TTL 咨询性预留
package model

import (
	"time"
)

// ============================================================================
// TerminalLock - 终端锁
// ============================================================================

// TerminalLock 表示终端的短 TTL 咨询性预留
//
// 锁只用于串行化多步的聊天认领流程，不阻止会话状态机
// 通过管理/非交互路径开始会话。每个终端至多一把未过期的锁
// （terminal_id 为主键，Acquire 为 upsert 语义）。
//
// 冲突检查由调用方在 Acquire 前通过 Peek 完成；管理器本身总是
// 授予/覆盖，这个顺序保证锁不会在对话中途被悄悄抢走。
type TerminalLock struct {
	TerminalID string    `json:"terminal_id" db:"terminal_id"` // 终端引用（主键）
	ClaimantID string    `json:"claimant_id" db:"claimant_id"` // 认领者标识
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`   // 过期时间
	CreatedAt  time.Time `json:"created_at" db:"created_at"`   // 创建时间
}

// ============================================================================
// 辅助方法
// ============================================================================

// Live 判断锁是否仍然有效
func (l *TerminalLock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// HeldBy 判断锁是否由给定认领者持有且未过期
func (l *TerminalLock) HeldBy(claimantID string, now time.Time) bool {
	return l.ClaimantID == claimantID && l.Live(now)
}
