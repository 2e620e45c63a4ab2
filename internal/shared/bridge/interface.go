// Package bridge 远程命令通道抽象
//
// 桥接通道是对终端设备桥的抽象：探测可达性、查询/拉起/强停远程助手
// 进程、推送安装更新。所有操作都是带显式超时的同步调用——
// 单个卡死的设备不能拖垮整个监控预算。
//
// 传输层错误（超时/不可达）是“证据”而不是异常：监控引擎据此推导
// 终端健康状态，不向上传播。
package bridge

import (
	"context"
	"errors"
	"time"

	"rentalps-admin/internal/shared/model"
)

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrChannelUnreachable 终端未连接到桥接通道
	ErrChannelUnreachable = errors.New("channel unreachable: terminal not connected")

	// ErrChannelTimeout 命令在超时窗口内未收到终端响应
	ErrChannelTimeout = errors.New("channel timeout: terminal did not respond")
)

// ============================================================================
// 操作超时（按操作类型观测值设定）
// ============================================================================

const (
	// ProbeTimeout 可达性探测超时
	ProbeTimeout = 3 * time.Second

	// QueryTimeout 进程状态查询超时
	QueryTimeout = 5 * time.Second

	// LaunchTimeout 拉起进程超时
	LaunchTimeout = 8 * time.Second

	// StopTimeout 强停进程超时
	StopTimeout = 8 * time.Second

	// PushTimeout 推送安装超时
	PushTimeout = 15 * time.Second
)

// ============================================================================
// 通道接口
// ============================================================================

// ProbeResult 可达性探测结果
type ProbeResult struct {
	Alive   bool          `json:"alive"`   // 是否可达
	Latency time.Duration `json:"latency"` // 观测往返延迟
}

// CommandChannel 远程命令通道接口
//
// 由 WebSocket Hub 实现（生产），测试使用脚本化 Mock。
type CommandChannel interface {
	// Probe 探测终端可达性并测量延迟
	Probe(ctx context.Context, terminalID string) (*ProbeResult, error)

	// QueryProcess 查询助手进程运行状态（仅在 Probe 成功后调用）
	QueryProcess(ctx context.Context, terminalID string) (model.ProcessState, error)

	// LaunchApp 拉起助手进程
	LaunchApp(ctx context.Context, terminalID string) error

	// ForceStopApp 强制停止助手进程（硬重启的前半步）
	ForceStopApp(ctx context.Context, terminalID string) error

	// PushInstall 推送并安装更新包
	PushInstall(ctx context.Context, terminalID string, packageURL string) error
}
