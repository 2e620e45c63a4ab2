// Package monitor 设备监控与自动恢复引擎
//
// 引擎每个周期对全部启用监控的终端并发采集三层证据
// （网络探测、进程查询、心跳新鲜度），推导终端状态，
// 并对可恢复的故障形态自动下发恢复命令。
//
// 两条触发路径：
//   - 周期扫描（保底，逐台评估）
//   - 事件驱动（终端连接/断开时立即评估，跳过等待下一个周期）
//
// 并发纪律：终端级 in-flight 集合保证同一终端任一时刻只有一次评估；
// 通知用 (终端, 事件类型) 冷却表抑制风暴。
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"rentalps-admin/internal/shared/bridge"
	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

// recentRecoveryWindow 恢复后的静默窗口：窗口内的重连视为恢复生效，
// 不再发 immediate-connect 通知
const recentRecoveryWindow = 30 * time.Second

// Observer 指标回调（可为 nil）
type Observer interface {
	// CycleCompleted 一轮扫描结束
	CycleCompleted(duration time.Duration, evaluated int)
	// StatusCounts 本轮各状态终端数
	StatusCounts(counts map[model.TerminalStatus]int)
	// RecoveryFinished 一次恢复结束
	RecoveryFinished(strategy string, ok bool)
}

// Engine 监控引擎
type Engine struct {
	config  *Config
	store   storage.PersistentStore
	channel bridge.CommandChannel
	bus     eventbus.NotificationBus

	inflight  *keyedSet      // 终端级评估互斥
	cooldowns *cooldownTable // (终端, 事件类型) 通知冷却

	observer Observer

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	recentRecovery map[string]time.Time // 终端 → 最近一次恢复时间
}

// NewEngine 创建监控引擎
func NewEngine(store storage.PersistentStore, channel bridge.CommandChannel, bus eventbus.NotificationBus, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()
	if bus == nil {
		bus = &eventbus.NoOpBus{}
	}

	return &Engine{
		config:         config,
		store:          store,
		channel:        channel,
		bus:            bus,
		inflight:       newKeyedSet(),
		cooldowns:      newCooldownTable(config.EventCooldown),
		stopCh:         make(chan struct{}),
		recentRecovery: make(map[string]time.Time),
	}
}

// SetObserver 设置指标回调
func (e *Engine) SetObserver(obs Observer) {
	e.observer = obs
}

// Start 启动周期扫描循环（阻塞到 Stop 或 ctx 取消，调用方负责起 goroutine）
//
// Stop 之后可以再次 Start：每次启动换一个新的停止通道。
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	log.Printf("[monitor.engine] started interval=%s probe_timeout=%s retries=%d",
		e.config.Interval, e.config.Probe.Timeout, e.config.Probe.Retries)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()
	gcTicker := time.NewTicker(e.config.CooldownGCInterval)
	defer gcTicker.Stop()

	// 启动即扫一轮，不等第一个 tick
	e.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[monitor.engine] context cancelled, stopping")
			return
		case <-stopCh:
			log.Printf("[monitor.engine] stopped")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		case <-gcTicker.C:
			e.gc()
		}
	}
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
}

// RunCycle 执行一轮全量扫描（并发评估，等待全部完成）
func (e *Engine) RunCycle(ctx context.Context) {
	started := time.Now()

	terminals, err := e.store.ListMonitoredTerminals(ctx)
	if err != nil {
		log.Printf("[monitor.cycle] list terminals failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	var countMu sync.Mutex
	counts := make(map[model.TerminalStatus]int)
	evaluated := 0

	for _, term := range terminals {
		if !e.inflight.TryAcquire(term.ID) {
			// 上一轮或事件驱动路径还没放手，跳过本轮
			continue
		}
		evaluated++

		wg.Add(1)
		go func(term *model.Terminal) {
			defer wg.Done()
			defer e.inflight.Release(term.ID)

			final := e.evaluateTerminal(ctx, term)

			countMu.Lock()
			counts[final]++
			countMu.Unlock()
		}(term)
	}
	wg.Wait()

	elapsed := time.Since(started)
	if e.observer != nil {
		e.observer.CycleCompleted(elapsed, evaluated)
		e.observer.StatusCounts(counts)
	}
	log.Printf("[monitor.cycle] evaluated=%d elapsed=%s", evaluated, elapsed.Round(time.Millisecond))
}

// evaluateTerminal 评估单个终端并按需恢复，返回终端的最终状态
func (e *Engine) evaluateTerminal(ctx context.Context, term *model.Terminal) model.TerminalStatus {
	// 恢复中的终端归恢复流程所有
	if term.IsRecovering() {
		return term.Status
	}

	sig := e.collectSignals(ctx, term)
	now := time.Now()

	if err := e.store.UpdateTerminalProbe(ctx, term.ID, now, sig.ProcessState); err != nil {
		log.Printf("[monitor.evaluate] record probe terminal=%s failed: %v", term.ID, err)
	}

	if sig.healthy() {
		target := healthyLifecycleStatus(term)
		if unhealthyStatuses[term.Status] || term.Status == model.TerminalStatusPairing {
			e.setStatus(ctx, term, target)
		}
		return target
	}

	derived := deriveStatus(sig)
	if term.Status != derived {
		e.setStatus(ctx, term, derived)
	}

	if needsRecovery(derived) {
		e.recover(ctx, term, sig)
		return model.TerminalStatusRecovering
	}
	return derived
}

// OnTerminalConnect 终端命令通道接通（事件驱动路径）
//
// 配对中的终端首次接通视为配对完成。恢复静默窗口内的重连
// 是恢复命令生效的结果，不发 immediate-connect。
func (e *Engine) OnTerminalConnect(terminalID string) {
	ctx := context.Background()

	term, err := e.store.GetTerminal(ctx, terminalID)
	if err != nil || term == nil {
		log.Printf("[monitor.connect] terminal=%s lookup failed: %v", terminalID, err)
		return
	}

	if err := e.store.UpdateTerminalHeartbeat(ctx, terminalID, time.Now()); err != nil {
		log.Printf("[monitor.connect] heartbeat terminal=%s failed: %v", terminalID, err)
	}

	if term.Status == model.TerminalStatusPairing {
		e.setStatus(ctx, term, model.TerminalStatusIdle)
		log.Printf("[monitor.connect] pairing complete terminal=%s", terminalID)
		return
	}

	if e.recoveredRecently(terminalID) {
		log.Printf("[monitor.connect] terminal=%s reconnected after recovery", terminalID)
		return
	}

	if unhealthyStatuses[term.Status] {
		e.setStatus(ctx, term, healthyLifecycleStatus(term))
	}
	e.emit(ctx, eventbus.NotifyImmediateConnect, terminalID, nil)
}

// OnTerminalDisconnect 终端命令通道断开（事件驱动路径）
//
// 不等下一个周期，立即评估一次。
func (e *Engine) OnTerminalDisconnect(terminalID string) {
	ctx := context.Background()

	term, err := e.store.GetTerminal(ctx, terminalID)
	if err != nil || term == nil || !term.MonitoringEnabled {
		return
	}
	if !e.inflight.TryAcquire(terminalID) {
		return
	}
	defer e.inflight.Release(terminalID)

	log.Printf("[monitor.disconnect] terminal=%s immediate evaluation", terminalID)
	e.evaluateTerminal(ctx, term)
}

// OnTerminalHeartbeat 终端心跳上报
func (e *Engine) OnTerminalHeartbeat(terminalID string) {
	if err := e.store.UpdateTerminalHeartbeat(context.Background(), terminalID, time.Now()); err != nil {
		log.Printf("[monitor.heartbeat] terminal=%s failed: %v", terminalID, err)
	}
}

// setStatus 写入终端状态并发 status-changed 通知（带冷却）
func (e *Engine) setStatus(ctx context.Context, term *model.Terminal, to model.TerminalStatus) {
	if err := e.store.UpdateTerminalStatus(ctx, term.ID, to); err != nil {
		log.Printf("[monitor.status] terminal=%s → %s failed: %v", term.ID, to, err)
		return
	}
	log.Printf("[monitor.status] terminal=%s %s → %s", term.ID, term.Status, to)

	e.emit(ctx, eventbus.NotifyStatusChanged, term.ID, map[string]interface{}{
		"from": string(term.Status),
		"to":   string(to),
	})
	term.Status = to
}

// emit 经冷却表发通知
func (e *Engine) emit(ctx context.Context, typ eventbus.NotificationType, terminalID string, data map[string]interface{}) {
	if !e.cooldowns.Allow(terminalID + ":" + string(typ)) {
		return
	}

	notif := &eventbus.Notification{
		ID:         uuid.New().String(),
		Type:       typ,
		TerminalID: terminalID,
		Data:       data,
		Timestamp:  time.Now(),
	}
	if err := e.bus.PublishNotification(ctx, notif); err != nil {
		log.Printf("[monitor.notify] publish %s failed: %v", typ, err)
	}
}

func (e *Engine) markRecentRecovery(terminalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentRecovery[terminalID] = time.Now()
}

func (e *Engine) recoveredRecently(terminalID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.recentRecovery[terminalID]
	return ok && time.Since(at) < recentRecoveryWindow
}

func (e *Engine) observeRecovery(strategy string, ok bool) {
	if e.observer != nil {
		e.observer.RecoveryFinished(strategy, ok)
	}
}

// gc 清理冷却表和恢复静默记录
func (e *Engine) gc() {
	removed := e.cooldowns.GC()

	cutoff := time.Now().Add(-2 * recentRecoveryWindow)
	e.mu.Lock()
	for id, at := range e.recentRecovery {
		if at.Before(cutoff) {
			delete(e.recentRecovery, id)
		}
	}
	e.mu.Unlock()

	if removed > 0 {
		log.Printf("[monitor.gc] cooldown entries removed=%d", removed)
	}
}
