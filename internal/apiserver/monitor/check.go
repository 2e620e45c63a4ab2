package monitor

import (
	"context"
	"time"

	"rentalps-admin/internal/shared/bridge"
	"rentalps-admin/internal/shared/model"
)

// signals 一轮评估采集到的三层证据
//
//	网络层：命令通道探测（带重试）
//	进程层：租赁应用进程状态查询
//	应用层：终端侧心跳新鲜度
type signals struct {
	NetworkUp      bool
	ProbeLatency   time.Duration
	ProcessState   model.ProcessState
	HeartbeatFresh bool
}

// collectSignals 采集终端的三层证据
//
// 通道错误不是异常而是证据：探测失败即网络不可达，
// 进程查询失败即进程状态 unknown。
func (e *Engine) collectSignals(ctx context.Context, term *model.Terminal) signals {
	sig := signals{ProcessState: model.ProcessStateUnknown}

	probe := e.probeWithRetries(ctx, term.ID)
	if probe != nil {
		sig.NetworkUp = true
		sig.ProbeLatency = probe.Latency
	}

	if sig.NetworkUp {
		qctx, cancel := context.WithTimeout(ctx, bridge.QueryTimeout)
		state, err := e.channel.QueryProcess(qctx, term.ID)
		cancel()
		if err == nil {
			sig.ProcessState = state
		}
	}

	sig.HeartbeatFresh = term.HeartbeatFresh(time.Now(), e.config.HeartbeatStaleAfter)
	return sig
}

// probeWithRetries 带重试的网络探测；全部失败返回 nil
func (e *Engine) probeWithRetries(ctx context.Context, terminalID string) *bridge.ProbeResult {
	attempts := 1 + e.config.Probe.Retries
	for i := 0; i < attempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, e.config.Probe.Timeout)
		result, err := e.channel.Probe(pctx, terminalID)
		cancel()
		if err == nil && result != nil && result.Alive {
			return result
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// healthy 证据是否构成“完全健康”
func (s signals) healthy() bool {
	return s.NetworkUp && s.ProcessState == model.ProcessStateRunning && s.HeartbeatFresh
}

// deriveStatus 证据组合到派生状态的确定性映射
//
//	网络不可达                    → offline
//	网络通 + 进程在跑 + 心跳新鲜  → 健康（不改写生命周期状态）
//	网络通 + 进程在跑 + 心跳过期  → error（进程活着但应用已僵死）
//	网络通 + 进程停了             → disconnected
//	网络通 + 进程未知 + 心跳过期  → disconnected
//	其余                          → unknown
func deriveStatus(s signals) model.TerminalStatus {
	switch {
	case !s.NetworkUp:
		return model.TerminalStatusOffline
	case s.ProcessState == model.ProcessStateRunning && s.HeartbeatFresh:
		return model.TerminalStatusActive
	case s.ProcessState == model.ProcessStateRunning:
		return model.TerminalStatusError
	case s.ProcessState == model.ProcessStateStopped:
		return model.TerminalStatusDisconnected
	case !s.HeartbeatFresh:
		return model.TerminalStatusDisconnected
	default:
		return model.TerminalStatusUnknown
	}
}

// healthyLifecycleStatus 终端恢复健康后应回到的生命周期状态
//
// 带会话 → active；否则 → idle。pairing 终端的首次健康评估视为配对完成。
func healthyLifecycleStatus(term *model.Terminal) model.TerminalStatus {
	if term.CurrentSessionID != nil {
		return model.TerminalStatusActive
	}
	return model.TerminalStatusIdle
}

// unhealthyStatuses 监控引擎拥有写权的状态集合
//
// 生命周期状态（idle/reserved/active/pairing）由业务路径拥有，
// 引擎只在证据不健康时覆盖，恢复健康时交还。
var unhealthyStatuses = map[model.TerminalStatus]bool{
	model.TerminalStatusDisconnected: true,
	model.TerminalStatusOffline:      true,
	model.TerminalStatusError:        true,
	model.TerminalStatusUnknown:      true,
}

// needsRecovery 派生状态是否触发自动恢复
//
// offline 不恢复：网络都不通，命令发不出去；等它自己回来。
func needsRecovery(derived model.TerminalStatus) bool {
	return derived == model.TerminalStatusDisconnected || derived == model.TerminalStatusError
}
