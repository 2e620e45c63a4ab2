// Package model 定义核心数据模型
//
// terminal.go 包含租赁终端相关的数据模型定义：
//   - Terminal：受管理的租赁显示终端（电视 + 远程助手进程）
//   - TerminalStatus：终端状态枚举
//   - ProcessState：远程助手进程状态枚举
package model

import (
	"time"
)

// ============================================================================
// TerminalStatus - 终端状态
// ============================================================================

// TerminalStatus 表示租赁终端的状态
//
// 终端生命周期：
//
//	pairing → idle ⇄ reserved
//	            ↓
//	         active → idle
//
// 监控引擎叠加的健康状态：
//
//	disconnected / offline / recovering / error / unknown
//
// 状态说明：
//   - pairing：终端创建后等待配对，尚未进入可租用池
//   - idle：空闲，可被认领
//   - reserved：存在未过期的终端锁，交互式认领流程进行中
//   - active：存在进行中的租赁会话
//   - disconnected：网络可达但助手进程缺失或心跳停止
//   - offline：网络探测失败，设备不可达
//   - recovering：自愈动作执行中
//   - error：进程在运行但心跳过期（应用挂起，区别于应用缺失）
//   - unknown：三层信号无法归入上述任何一类
type TerminalStatus string

const (
	// TerminalStatusPairing 配对中：终端刚创建，等待首次连接
	TerminalStatusPairing TerminalStatus = "pairing"

	// TerminalStatusIdle 空闲：可被认领开始会话
	TerminalStatusIdle TerminalStatus = "idle"

	// TerminalStatusReserved 已预留：交互式认领对话进行中（终端锁生效）
	TerminalStatusReserved TerminalStatus = "reserved"

	// TerminalStatusActive 使用中：存在未到期的会话
	TerminalStatusActive TerminalStatus = "active"

	// TerminalStatusDisconnected 已断开：网络可达但进程缺失或心跳停止
	TerminalStatusDisconnected TerminalStatus = "disconnected"

	// TerminalStatusOffline 离线：网络探测失败
	TerminalStatusOffline TerminalStatus = "offline"

	// TerminalStatusRecovering 恢复中：自愈动作正在执行
	TerminalStatusRecovering TerminalStatus = "recovering"

	// TerminalStatusError 异常：进程在运行但心跳过期（应用挂起）
	TerminalStatusError TerminalStatus = "error"

	// TerminalStatusUnknown 未知：信号组合无法判定
	TerminalStatusUnknown TerminalStatus = "unknown"
)

// ============================================================================
// ProcessState - 远程助手进程状态
// ============================================================================

// ProcessState 表示终端上助手进程的最近一次观测状态
type ProcessState string

const (
	// ProcessStateRunning 进程在运行
	ProcessStateRunning ProcessState = "running"

	// ProcessStateStopped 进程未运行
	ProcessStateStopped ProcessState = "stopped"

	// ProcessStateUnknown 无法确定（查询失败或从未查询过）
	ProcessStateUnknown ProcessState = "unknown"
)

// ============================================================================
// Terminal - 租赁终端
// ============================================================================

// Terminal 表示受舰队管理的租赁显示终端
//
// 终端是业务的核心资源：
//   - 通过桥接通道（WebSocket）被远程探测和控制
//   - 助手进程独立推送心跳维持活跃证明
//   - 监控引擎周期性综合三层信号更新状态并触发自愈
//
// 字段说明：
//   - CurrentSessionID：当前会话引用（无会话时为 nil）；
//     同一终端任一时刻至多被一个未结束的会话引用
//   - LastProbeAt / LastHeartbeatAt / LastProcessState：监控三层信号的最近观测
//   - RecoveryAttempts：连续恢复尝试计数，滚动窗口过期后清零（见监控引擎）
//   - MonitoringEnabled：false 时监控引擎跳过该终端
type Terminal struct {
	ID                string         `json:"id" db:"id"`                                           // 终端 ID
	Name              string         `json:"name" db:"name"`                                       // 展示名称
	Address           string         `json:"address,omitempty" db:"address"`                       // 网络地址
	Status            TerminalStatus `json:"status" db:"status"`                                   // 终端状态
	CurrentSessionID  *string        `json:"current_session_id,omitempty" db:"current_session_id"` // 当前会话引用
	LastProbeAt       *time.Time     `json:"last_probe_at,omitempty" db:"last_probe_at"`           // 最后网络探测时间
	LastHeartbeatAt   *time.Time     `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`   // 最后心跳时间
	LastProcessState  ProcessState   `json:"last_process_state" db:"last_process_state"`           // 最近观测的进程状态
	RecoveryAttempts  int            `json:"recovery_attempts" db:"recovery_attempts"`             // 连续恢复尝试计数
	LastRecoveryAt    *time.Time     `json:"last_recovery_at,omitempty" db:"last_recovery_at"`     // 最后恢复动作时间
	MonitoringEnabled bool           `json:"monitoring_enabled" db:"monitoring_enabled"`           // 是否纳入监控
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`                           // 创建时间
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`                           // 更新时间
}

// ============================================================================
// 辅助方法
// ============================================================================

// IsIdle 判断终端是否空闲（可被认领）
func (t *Terminal) IsIdle() bool {
	return t.Status == TerminalStatusIdle
}

// IsActive 判断终端是否有进行中的会话
func (t *Terminal) IsActive() bool {
	return t.Status == TerminalStatusActive
}

// IsRecovering 判断终端是否处于自愈流程中
func (t *Terminal) IsRecovering() bool {
	return t.Status == TerminalStatusRecovering
}

// HeartbeatFresh 判断心跳在给定窗口内是否新鲜
func (t *Terminal) HeartbeatFresh(now time.Time, staleAfter time.Duration) bool {
	if t.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*t.LastHeartbeatAt) < staleAfter
}
