package monitor

import (
	"context"
	"testing"
	"time"

	"rentalps-admin/internal/shared/bridge"
	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
	sqlitedriver "rentalps-admin/internal/shared/storage/driver/sqlite"
	"rentalps-admin/internal/shared/storage/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *repository.Store, *bridge.MockChannel, *eventbus.RecordingBus) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	channel := bridge.NewMockChannel()
	bus := eventbus.NewRecordingBus()

	config := DefaultConfig()
	config.Probe.Retries = 0
	config.Recovery.SettleDelay = 0

	return NewEngine(store, channel, bus, config), store, channel, bus
}

func mustCreateTerminal(t *testing.T, s *repository.Store, id string, status model.TerminalStatus) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateTerminal(context.Background(), &model.Terminal{
		ID: id, Name: "TV " + id, Address: "10.0.0.1:5555", Status: status,
		LastProcessState: model.ProcessStateUnknown, MonitoringEnabled: true,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func markHealthy(t *testing.T, s *repository.Store, ch *bridge.MockChannel, id string) {
	t.Helper()
	ch.SetAlive(id, true)
	ch.SetProcessState(id, model.ProcessStateRunning)
	require.NoError(t, s.UpdateTerminalHeartbeat(context.Background(), id, time.Now()))
}

// ============================================================================
// 状态推导表
// ============================================================================

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		sig  signals
		want model.TerminalStatus
	}{
		{"network down", signals{NetworkUp: false, ProcessState: model.ProcessStateRunning, HeartbeatFresh: true}, model.TerminalStatusOffline},
		{"network down stopped", signals{NetworkUp: false, ProcessState: model.ProcessStateStopped}, model.TerminalStatusOffline},
		{"healthy", signals{NetworkUp: true, ProcessState: model.ProcessStateRunning, HeartbeatFresh: true}, model.TerminalStatusActive},
		{"running but stale", signals{NetworkUp: true, ProcessState: model.ProcessStateRunning, HeartbeatFresh: false}, model.TerminalStatusError},
		{"stopped fresh", signals{NetworkUp: true, ProcessState: model.ProcessStateStopped, HeartbeatFresh: true}, model.TerminalStatusDisconnected},
		{"stopped stale", signals{NetworkUp: true, ProcessState: model.ProcessStateStopped, HeartbeatFresh: false}, model.TerminalStatusDisconnected},
		{"unknown stale", signals{NetworkUp: true, ProcessState: model.ProcessStateUnknown, HeartbeatFresh: false}, model.TerminalStatusDisconnected},
		{"unknown fresh", signals{NetworkUp: true, ProcessState: model.ProcessStateUnknown, HeartbeatFresh: true}, model.TerminalStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveStatus(tt.sig))
		})
	}
}

func TestSelectStrategy(t *testing.T) {
	// 进程停了 → 直接拉起
	assert.Equal(t, StrategyLaunch, selectStrategy(signals{ProcessState: model.ProcessStateStopped}))
	// 进程僵死（在跑但心跳停了）→ 强停后重拉
	assert.Equal(t, StrategyRestart, selectStrategy(signals{ProcessState: model.ProcessStateRunning, HeartbeatFresh: false}))
	// 状态不明 → 兜底拉起
	assert.Equal(t, StrategyLaunch, selectStrategy(signals{ProcessState: model.ProcessStateUnknown}))
}

// ============================================================================
// 冷却表
// ============================================================================

func TestCooldownTable(t *testing.T) {
	table := newCooldownTable(50 * time.Millisecond)

	assert.True(t, table.Allow("tv-01:status-changed"))
	assert.False(t, table.Allow("tv-01:status-changed"))
	assert.True(t, table.Allow("tv-02:status-changed"), "keys are independent")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, table.Allow("tv-01:status-changed"), "allowed again after window")
}

func TestCooldownTableGC(t *testing.T) {
	table := newCooldownTable(10 * time.Millisecond)
	table.Allow("a")
	table.Allow("b")
	require.Equal(t, 2, table.Len())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, table.GC())
	assert.Equal(t, 0, table.Len())
}

// ============================================================================
// 周期评估
// ============================================================================

func TestCycleMarksOffline(t *testing.T) {
	engine, store, channel, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	ctx := context.Background()

	// mock 默认不可达
	engine.RunCycle(ctx)

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusOffline, term.Status)
	assert.NotNil(t, term.LastProbeAt)

	assert.Equal(t, 1, bus.CountByType(eventbus.NotifyStatusChanged))

	// offline 不触发恢复：通道不可达，命令发不出去
	for _, cmd := range channel.CommandsFor("tv-01") {
		assert.NotEqual(t, "launch", cmd)
	}
}

func TestCycleRestoresHealthyTerminal(t *testing.T) {
	engine, store, channel, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusDisconnected)
	markHealthy(t, store, channel, "tv-01")
	ctx := context.Background()

	engine.RunCycle(ctx)

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusIdle, term.Status)
	assert.Equal(t, model.ProcessStateRunning, term.LastProcessState)
	assert.Equal(t, 1, bus.CountByType(eventbus.NotifyStatusChanged))
}

func TestCycleDoesNotTouchHealthyLifecycle(t *testing.T) {
	engine, store, channel, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	markHealthy(t, store, channel, "tv-01")
	ctx := context.Background()

	engine.RunCycle(ctx)

	// 健康证据 + 生命周期状态 → 不改写、不发通知
	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusIdle, term.Status)
	assert.Zero(t, bus.CountByType(eventbus.NotifyStatusChanged))
}

func TestCycleRecoversStoppedProcess(t *testing.T) {
	engine, store, channel, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	channel.SetAlive("tv-01", true)
	channel.SetProcessState("tv-01", model.ProcessStateStopped)
	ctx := context.Background()

	engine.RunCycle(ctx)

	assert.Contains(t, channel.CommandsFor("tv-01"), "launch")
	assert.NotContains(t, channel.CommandsFor("tv-01"), "force-stop")

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusDisconnected, term.Status, "awaiting confirmation after launch")
	assert.Equal(t, 1, term.RecoveryAttempts)
	assert.NotNil(t, term.LastRecoveryAt)

	assert.Equal(t, 1, bus.CountByType(eventbus.NotifyRecoveryStarted))
	assert.Equal(t, 1, bus.CountByType(eventbus.NotifyRecoverySucceeded))
}

func TestCycleRestartsZombieProcess(t *testing.T) {
	engine, store, channel, _ := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	channel.SetAlive("tv-01", true)
	channel.SetProcessState("tv-01", model.ProcessStateRunning)
	// 心跳从未上报 → 僵死形态
	ctx := context.Background()

	engine.RunCycle(ctx)

	cmds := channel.CommandsFor("tv-01")
	assert.Contains(t, cmds, "force-stop")
	assert.Contains(t, cmds, "launch")
}

func TestRecoveryFailureMarksError(t *testing.T) {
	engine, store, channel, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	channel.SetAlive("tv-01", true)
	channel.SetProcessState("tv-01", model.ProcessStateStopped)
	channel.SetCommandError("tv-01", "launch", bridge.ErrChannelTimeout)
	ctx := context.Background()

	engine.RunCycle(ctx)

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusError, term.Status)
	assert.Equal(t, 1, bus.CountByType(eventbus.NotifyRecoveryFailed))
	assert.Zero(t, bus.CountByType(eventbus.NotifyRecoverySucceeded))
}

func TestRecoveryStormCooldown(t *testing.T) {
	engine, store, channel, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	channel.SetAlive("tv-01", true)
	channel.SetProcessState("tv-01", model.ProcessStateStopped)
	ctx := context.Background()

	// 背靠背两轮：恢复照常执行，通知被冷却抑制
	engine.RunCycle(ctx)
	engine.RunCycle(ctx)

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, 2, term.RecoveryAttempts)
	assert.Equal(t, 1, bus.CountByType(eventbus.NotifyRecoveryStarted))
}

func TestRecoveryAttemptWindowReset(t *testing.T) {
	engine, store, channel, _ := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	channel.SetAlive("tv-01", true)
	channel.SetProcessState("tv-01", model.ProcessStateStopped)
	ctx := context.Background()

	// 模拟很久之前累计的 5 次尝试
	longAgo := time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateTerminalRecovery(ctx, "tv-01", 5, longAgo))

	engine.RunCycle(ctx)

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, 1, term.RecoveryAttempts, "counter resets outside the window")
}

func TestCycleSkipsRecoveringTerminal(t *testing.T) {
	engine, store, channel, _ := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusRecovering)
	channel.SetAlive("tv-01", true)
	channel.SetProcessState("tv-01", model.ProcessStateStopped)

	engine.RunCycle(context.Background())

	// 恢复中的终端不评估也不探测
	assert.Empty(t, channel.CommandsFor("tv-01"))
}

// ============================================================================
// 事件驱动路径
// ============================================================================

func TestOnTerminalConnectCompletesPairing(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusPairing)

	engine.OnTerminalConnect("tv-01")

	term, err := store.GetTerminal(context.Background(), "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusIdle, term.Status)
	assert.NotNil(t, term.LastHeartbeatAt)
}

func TestOnTerminalConnectEmitsImmediateConnect(t *testing.T) {
	engine, store, _, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusOffline)

	engine.OnTerminalConnect("tv-01")

	term, err := store.GetTerminal(context.Background(), "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusIdle, term.Status)
	assert.Equal(t, 1, bus.CountByType(eventbus.NotifyImmediateConnect))
}

func TestOnTerminalConnectSuppressedAfterRecovery(t *testing.T) {
	engine, store, channel, bus := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	channel.SetAlive("tv-01", true)
	channel.SetProcessState("tv-01", model.ProcessStateStopped)
	ctx := context.Background()

	// 先触发一次恢复，随后的重连属于恢复生效
	engine.RunCycle(ctx)
	engine.OnTerminalConnect("tv-01")

	assert.Zero(t, bus.CountByType(eventbus.NotifyImmediateConnect))
}

func TestOnTerminalDisconnectEvaluatesImmediately(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)

	// 通道不可达 → 立即判为 offline，不等周期
	engine.OnTerminalDisconnect("tv-01")

	term, err := store.GetTerminal(context.Background(), "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusOffline, term.Status)
}

func TestOnTerminalHeartbeat(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)

	engine.OnTerminalHeartbeat("tv-01")

	term, err := store.GetTerminal(context.Background(), "tv-01")
	require.NoError(t, err)
	require.NotNil(t, term.LastHeartbeatAt)
	assert.WithinDuration(t, time.Now(), *term.LastHeartbeatAt, 5*time.Second)
}

// ============================================================================
// 配置
// ============================================================================

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	cfg.Validate()

	def := DefaultConfig()
	assert.Equal(t, def.Interval, cfg.Interval)
	assert.Equal(t, def.Probe.Timeout, cfg.Probe.Timeout)
	assert.Equal(t, def.HeartbeatStaleAfter, cfg.HeartbeatStaleAfter)
	assert.Equal(t, def.EventCooldown, cfg.EventCooldown)
}

// ============================================================================
// 生命周期
// ============================================================================

func TestEngineRestartsAfterStop(t *testing.T) {
	engine, store, channel, _ := newTestEngine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusActive)
	markHealthy(t, store, channel, "tv-01")
	ctx := context.Background()

	// Stop 后可再次 Start：每轮都要能正常启动并退出
	for i := 0; i < 2; i++ {
		done := make(chan struct{})
		go func() {
			engine.Start(ctx)
			close(done)
		}()

		require.Eventually(t, func() bool {
			engine.mu.Lock()
			defer engine.mu.Unlock()
			return engine.running
		}, time.Second, 10*time.Millisecond)

		engine.Stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("engine loop did not exit after Stop")
		}
	}
}
