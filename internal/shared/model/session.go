// Package model 定义核心数据模型
//
// session.go 包含租赁会话相关的数据模型定义：
//   - Session：终端上一段限时使用
//   - SessionStatus：会话状态枚举
//   - StopReason：会话结束原因
package model

import (
	"time"
)

// ============================================================================
// SessionStatus - 会话状态
// ============================================================================

// SessionStatus 表示租赁会话的状态
//
// 会话生命周期：
//
//	active → ended
//
// 会话一旦结束不可复活；自然到期与显式停止都收敛到 ended。
type SessionStatus string

const (
	// SessionStatusActive 进行中：结束时间在未来
	SessionStatusActive SessionStatus = "active"

	// SessionStatusEnded 已结束：显式停止、自然到期或管理员干预
	SessionStatusEnded SessionStatus = "ended"
)

// ============================================================================
// StopReason - 会话结束原因
// ============================================================================

// StopReason 记录会话结束的触发来源
type StopReason string

const (
	// StopReasonManual 显式停止（用户或管理员）
	StopReasonManual StopReason = "manual"

	// StopReasonExpired 自然到期（定时器或对账扫描触发）
	StopReasonExpired StopReason = "expired"

	// StopReasonOverride 终端状态覆盖（监控/管理路径强制结束）
	StopReasonOverride StopReason = "override"
)

// ============================================================================
// FundingKind - 资金来源类型
// ============================================================================

// FundingKind 表示会话时长的资金来源类型
type FundingKind string

const (
	// FundingPrepaid 预付余额：从会员分钟余额扣减，停止时退回未用整分钟
	FundingPrepaid FundingKind = "prepaid"

	// FundingPayment 单次付款：按套餐一次性支付，停止时不退
	FundingPayment FundingKind = "payment"
)

// ============================================================================
// Session - 租赁会话
// ============================================================================

// Session 表示终端上的一段限时使用
//
// 字段说明：
//   - MemberID：认领者会员引用，散客（walk-in）为 nil
//   - FundingKind/FundingRef：资金来源；prepaid 时 FundingRef 为会员 ID，
//     payment 时为支付流水号
//   - EndAt：开始时扣费成功后即固定；剩余时长始终由 EndAt 推导
//   - StopReason：结束后回填
type Session struct {
	ID          string        `json:"id" db:"id"`                           // 会话 ID
	TerminalID  string        `json:"terminal_id" db:"terminal_id"`         // 终端引用
	MemberID    *string       `json:"member_id,omitempty" db:"member_id"`   // 会员引用（散客为 nil）
	FundingKind FundingKind   `json:"funding_kind" db:"funding_kind"`       // 资金来源类型
	FundingRef  string        `json:"funding_ref" db:"funding_ref"`         // 资金来源引用
	Status      SessionStatus `json:"status" db:"status"`                   // 会话状态
	StartAt     time.Time     `json:"start_at" db:"start_at"`               // 开始时间
	EndAt       time.Time     `json:"end_at" db:"end_at"`                   // 结束时间（开始时固定）
	StoppedAt   *time.Time    `json:"stopped_at,omitempty" db:"stopped_at"` // 实际停止时间
	StopReason  StopReason    `json:"stop_reason,omitempty" db:"stop_reason"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// RemainingSeconds 返回剩余秒数，永不为负，读取无副作用
func (s *Session) RemainingSeconds(now time.Time) int64 {
	if s.Status != SessionStatusActive {
		return 0
	}
	remain := s.EndAt.Sub(now)
	if remain < 0 {
		return 0
	}
	return int64(remain.Seconds())
}

// Expired 判断会话是否已自然到期
func (s *Session) Expired(now time.Time) bool {
	return s.Status == SessionStatusActive && !now.Before(s.EndAt)
}

// UnusedMinutes 返回未使用的整分钟数（向下取整，用于预付退回）
func (s *Session) UnusedMinutes(now time.Time) int {
	remain := s.EndAt.Sub(now)
	if remain <= 0 {
		return 0
	}
	return int(remain.Minutes())
}
