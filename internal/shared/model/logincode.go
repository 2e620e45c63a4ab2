// Package model 定义核心数据模型
//
// logincode.go 包含登录码相关的数据模型定义：
//   - LoginCode：终端的一次性接入码
package model

import (
	"time"
)

// ============================================================================
// LoginCode - 登录码
// ============================================================================

// LoginCode 表示终端的一次性接入码
//
// 有效性规则（双重过期策略，按源系统行为保留）：
//   - 用户面向的主策略：创建后 5 分钟内有效，由后台扫描删除并通知
//   - 安全网：终端处于 idle 时放宽为 30 分钟绝对上限，
//     避免状态位或时钟异常导致无人竞争的终端误报“码已过期”
//
// 消费契约：ConsumeCode 必须在认领选择持久化提交之后调用，且只调用一次；
// 校验与提交之间崩溃不会损失登录码。
type LoginCode struct {
	ID         string     `json:"id" db:"id"`                     // 登录码 ID
	TerminalID string     `json:"terminal_id" db:"terminal_id"`   // 终端引用
	Code       string     `json:"code" db:"code"`                 // 码值（8 位十六进制，不区分大小写）
	Used       bool       `json:"used" db:"used"`                 // 是否已消费
	UsedAt     *time.Time `json:"used_at,omitempty" db:"used_at"` // 消费时间
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`     // 创建时间
}

// ============================================================================
// 辅助方法
// ============================================================================

// WithinTTL 判断登录码是否在给定 TTL 内
func (c *LoginCode) WithinTTL(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) < ttl
}

// Reusable 判断登录码是否可被 IssueCode 幂等复用（未消费且主 TTL 内）
func (c *LoginCode) Reusable(now time.Time, ttl time.Duration) bool {
	return !c.Used && c.WithinTTL(now, ttl)
}
