// Package eventbus 通知流类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 通知类型
// ============================================================================

// NotificationType 对外可见事件的类型
type NotificationType string

const (
	// NotifyStatusChanged 终端状态变化
	NotifyStatusChanged NotificationType = "status-changed"

	// NotifySessionStarted 会话开始
	NotifySessionStarted NotificationType = "session-started"

	// NotifySessionEnded 会话结束
	NotifySessionEnded NotificationType = "session-ended"

	// NotifyCodeExpired 登录码过期（过期扫描触发，面向认领者的“码已过期”提示）
	NotifyCodeExpired NotificationType = "code-expired"

	// NotifyLockTimedOut 认领超时（锁过期扫描触发）
	NotifyLockTimedOut NotificationType = "lock-timed-out"

	// NotifyRecoveryStarted 恢复动作开始
	NotifyRecoveryStarted NotificationType = "recovery-started"

	// NotifyRecoverySucceeded 恢复动作成功
	NotifyRecoverySucceeded NotificationType = "recovery-succeeded"

	// NotifyRecoveryFailed 恢复动作失败
	NotifyRecoveryFailed NotificationType = "recovery-failed"

	// NotifyImmediateConnect 终端首次连接（恢复触发的重连不重复发送）
	NotifyImmediateConnect NotificationType = "immediate-connect"
)

// ============================================================================
// Notification - 通知
// ============================================================================

// Notification 一条对外可见的通知
//
// 状态跃迁只负责构造 Notification 值，由调用方交给 NotificationBus
// 派发——“发生了什么”与“谁听见”解耦。
type Notification struct {
	ID         string                 `json:"id"`
	Type       NotificationType       `json:"type"`
	TerminalID string                 `json:"terminal_id"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyNotifications 通知流的 Redis Stream Key
	KeyNotifications = "terminal_notifications"

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 1000
)
