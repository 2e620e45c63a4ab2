package monitor

import (
	"context"
	"log"
	"time"

	"rentalps-admin/internal/shared/bridge"
	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
)

// 恢复策略
const (
	// StrategyLaunch 直接拉起租赁应用（进程已停或状态不明）
	StrategyLaunch = "launch"

	// StrategyRestart 强停后静置再拉起（进程僵死：在跑但心跳停了）
	StrategyRestart = "force-restart"
)

// selectStrategy 根据证据选择恢复策略
func selectStrategy(sig signals) string {
	if sig.ProcessState == model.ProcessStateRunning && !sig.HeartbeatFresh {
		return StrategyRestart
	}
	return StrategyLaunch
}

// recover 对终端执行一次自动恢复
//
// 尝试次数不设上限；距上次恢复超过重置窗口后计数归零，
// 让长期故障与偶发抖动在指标上可区分。
func (e *Engine) recover(ctx context.Context, term *model.Terminal, sig signals) {
	now := time.Now()

	attempts := term.RecoveryAttempts
	if term.LastRecoveryAt == nil || now.Sub(*term.LastRecoveryAt) > e.config.Recovery.AttemptResetWindow {
		attempts = 0
	}
	attempts++

	if err := e.store.UpdateTerminalRecovery(ctx, term.ID, attempts, now); err != nil {
		log.Printf("[monitor.recover] bookkeeping terminal=%s failed: %v", term.ID, err)
		return
	}
	if err := e.store.UpdateTerminalStatus(ctx, term.ID, model.TerminalStatusRecovering); err != nil {
		log.Printf("[monitor.recover] mark recovering terminal=%s failed: %v", term.ID, err)
		return
	}

	e.markRecentRecovery(term.ID)

	strategy := selectStrategy(sig)
	log.Printf("[monitor.recover] terminal=%s strategy=%s attempt=%d", term.ID, strategy, attempts)

	e.emit(ctx, eventbus.NotifyRecoveryStarted, term.ID, map[string]interface{}{
		"strategy": strategy,
		"attempt":  attempts,
	})

	err := e.executeStrategy(ctx, term.ID, strategy)

	if err != nil {
		log.Printf("[monitor.recover] terminal=%s strategy=%s failed: %v", term.ID, strategy, err)
		if serr := e.store.UpdateTerminalStatus(ctx, term.ID, model.TerminalStatusError); serr != nil {
			log.Printf("[monitor.recover] mark error terminal=%s failed: %v", term.ID, serr)
		}
		e.emit(ctx, eventbus.NotifyRecoveryFailed, term.ID, map[string]interface{}{
			"strategy": strategy,
			"attempt":  attempts,
			"error":    err.Error(),
		})
		e.observeRecovery(strategy, false)
		return
	}

	// 命令已送达，效果要等应用真正起来：先退回 disconnected，
	// 由下一轮评估或重连事件确认健康
	if serr := e.store.TransitionTerminalStatus(ctx, term.ID,
		model.TerminalStatusRecovering, model.TerminalStatusDisconnected); serr != nil {
		log.Printf("[monitor.recover] settle status terminal=%s: %v", term.ID, serr)
	}

	e.emit(ctx, eventbus.NotifyRecoverySucceeded, term.ID, map[string]interface{}{
		"strategy": strategy,
		"attempt":  attempts,
	})
	e.observeRecovery(strategy, true)
}

func (e *Engine) executeStrategy(ctx context.Context, terminalID, strategy string) error {
	if strategy == StrategyRestart {
		sctx, cancel := context.WithTimeout(ctx, bridge.StopTimeout)
		err := e.channel.ForceStopApp(sctx, terminalID)
		cancel()
		if err != nil {
			return err
		}

		select {
		case <-time.After(e.config.Recovery.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	lctx, cancel := context.WithTimeout(ctx, bridge.LaunchTimeout)
	defer cancel()
	return e.channel.LaunchApp(lctx, terminalID)
}
