// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在 repository/ 子包（database/sql + 方言抽象）
//   - 初始化时通过依赖注入传入实现
//
// 并发约束：终端行是变更的基本单元，所有触及终端行的组件
// （监控引擎、会话状态机、锁管理器）通过带状态守卫的原子更新写入，
// 任何实现都不得假设自己是唯一写者。
package storage

import (
	"context"
	"time"

	"rentalps-admin/internal/shared/model"
)

// ============================================================================
// 终端存储接口
// ============================================================================

// TerminalStore 终端存储接口
type TerminalStore interface {
	CreateTerminal(ctx context.Context, terminal *model.Terminal) error
	GetTerminal(ctx context.Context, id string) (*model.Terminal, error)
	ListTerminals(ctx context.Context) ([]*model.Terminal, error)
	// ListMonitoredTerminals 返回 monitoring_enabled 的终端（监控周期的输入集合）
	ListMonitoredTerminals(ctx context.Context) ([]*model.Terminal, error)
	// UpdateTerminalStatus 无守卫的状态写入（监控引擎的健康状态覆盖）
	UpdateTerminalStatus(ctx context.Context, id string, status model.TerminalStatus) error
	// TransitionTerminalStatus 带守卫的状态跃迁；当前状态不等于 from 时返回 ErrConflict
	TransitionTerminalStatus(ctx context.Context, id string, from, to model.TerminalStatus) error
	// UpdateTerminalProbe 记录网络探测结果与进程观测
	UpdateTerminalProbe(ctx context.Context, id string, probedAt time.Time, processState model.ProcessState) error
	// UpdateTerminalHeartbeat 记录终端自主推送的心跳
	UpdateTerminalHeartbeat(ctx context.Context, id string, at time.Time) error
	// UpdateTerminalRecovery 记录一次恢复尝试的计数与时间
	UpdateTerminalRecovery(ctx context.Context, id string, attempts int, at time.Time) error
	SetMonitoringEnabled(ctx context.Context, id string, enabled bool) error
}

// ============================================================================
// 会话存储接口
// ============================================================================

// SessionStore 会话存储接口
//
// StartSessionTx / StopSessionTx 是多行事务：资金扣减/退回必须与
// 终端状态翻转同时提交或同时回滚。
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// GetActiveSessionByTerminal 返回终端当前未结束的会话（无则 nil）
	GetActiveSessionByTerminal(ctx context.Context, terminalID string) (*model.Session, error)
	ListActiveSessions(ctx context.Context) ([]*model.Session, error)
	// ListExpiredActiveSessions 返回已过 end_at 仍为 active 的会话（对账扫描的输入）
	ListExpiredActiveSessions(ctx context.Context, now time.Time) ([]*model.Session, error)

	// StartSessionTx 原子地：插入会话、终端 idle→active、预付扣减。
	// 终端守卫未命中返回 ErrConflict；余额守卫未命中返回 ErrInsufficientBalance。
	StartSessionTx(ctx context.Context, session *model.Session, debitMemberID *string, debitMinutes int) error

	// StopSessionTx 原子地：会话 active→ended、终端 active→idle、预付退回。
	// 会话守卫未命中（已被并发关闭）返回 ErrConflict，调用方据此幂等 no-op。
	StopSessionTx(ctx context.Context, sessionID string, stoppedAt time.Time, reason model.StopReason, creditMemberID *string, creditMinutes int) error
}

// ============================================================================
// 登录码存储接口
// ============================================================================

// LoginCodeStore 登录码存储接口
type LoginCodeStore interface {
	CreateLoginCode(ctx context.Context, code *model.LoginCode) error
	// GetLoginCodeByCode 按码值查找（不区分大小写，存储统一为小写）
	GetLoginCodeByCode(ctx context.Context, code string) (*model.LoginCode, error)
	// GetReusableLoginCode 返回终端最近一个未消费且在 TTL 内的登录码（幂等复用）
	GetReusableLoginCode(ctx context.Context, terminalID string, ttl time.Duration) (*model.LoginCode, error)
	// CountLoginCodesIssuedSince 统计终端在时间点之后生成的登录码数（限流窗口）
	CountLoginCodesIssuedSince(ctx context.Context, terminalID string, since time.Time) (int, error)
	// MarkLoginCodeUsed 守卫式消费；已消费时返回 ErrConflict
	MarkLoginCodeUsed(ctx context.Context, id string, usedAt time.Time) error
	// ListExpiredLoginCodes 返回未消费但已过 TTL 的登录码（过期扫描的通知输入）
	ListExpiredLoginCodes(ctx context.Context, olderThan time.Time) ([]*model.LoginCode, error)
	DeleteLoginCode(ctx context.Context, id string) error
	// PurgeUsedLoginCodes 删除创建时间早于 before 的已消费登录码，返回删除行数
	//
	// before 之后创建的已消费码保留：它们仍计入生成限流窗口。
	PurgeUsedLoginCodes(ctx context.Context, before time.Time) (int64, error)
}

// ============================================================================
// 终端锁存储接口
// ============================================================================

// LockStore 终端锁存储接口
type LockStore interface {
	// UpsertLock 写入或覆盖终端锁（terminal_id 为主键）
	UpsertLock(ctx context.Context, lock *model.TerminalLock) error
	GetLock(ctx context.Context, terminalID string) (*model.TerminalLock, error)
	DeleteLock(ctx context.Context, terminalID string) error
	// ListExpiredLocks 返回已过期的锁（过期扫描的通知输入）
	ListExpiredLocks(ctx context.Context, now time.Time) ([]*model.TerminalLock, error)
}

// ============================================================================
// 会员存储接口（资金视角）
// ============================================================================

// MemberStore 会员资金存储接口
type MemberStore interface {
	CreateMember(ctx context.Context, member *model.Member) error
	GetMember(ctx context.Context, id string) (*model.Member, error)
	// CreditMemberMinutes 退回预付分钟（独立路径，事务内退回走 StopSessionTx）
	CreditMemberMinutes(ctx context.Context, id string, minutes int) error
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	TerminalStore
	SessionStore
	LoginCodeStore
	LockStore
	MemberStore
	Close() error
}
