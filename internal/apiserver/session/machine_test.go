package session

import (
	"context"
	"testing"
	"time"

	"rentalps-admin/internal/apiserver/logincode"
	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
	sqlitedriver "rentalps-admin/internal/shared/storage/driver/sqlite"
	"rentalps-admin/internal/shared/storage/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*Machine, *repository.Store, *eventbus.RecordingBus) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.NewRecordingBus()
	machine := NewMachine(store, bus, logincode.NewManager(store, bus))
	t.Cleanup(machine.Shutdown)
	return machine, store, bus
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

func mustCreateMember(t *testing.T, s *repository.Store, id string, balance int) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateMember(context.Background(), &model.Member{
		ID: id, Name: "member " + id, BalanceMinutes: balance, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func prepaid(memberID string) FundingSpec {
	return FundingSpec{Kind: model.FundingPrepaid, MemberID: memberID}
}

// insertActiveSession 绕过 Start 直接落一条指定起止时间的 active 会话
func insertActiveSession(t *testing.T, s *repository.Store, terminalID string, memberID *string, start, end time.Time) *model.Session {
	t.Helper()
	sess := &model.Session{
		ID:         uuid.New().String(),
		TerminalID: terminalID,
		MemberID:   memberID,
		Status:     model.SessionStatusActive,
		StartAt:    start,
		EndAt:      end,
		CreatedAt:  start,
		UpdatedAt:  start,
	}
	if memberID != nil {
		sess.FundingKind = model.FundingPrepaid
	} else {
		sess.FundingKind = model.FundingPayment
		sess.FundingRef = "pay-test"
	}
	require.NoError(t, s.StartSessionTx(context.Background(), sess, nil, 0))
	return sess
}

func TestStartPrepaidDebitsBalance(t *testing.T) {
	m, store, bus := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	mustCreateMember(t, store, "mem-01", 60)
	ctx := context.Background()

	sess, err := m.Start(ctx, "tv-01", prepaid("mem-01"), 45)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, sess.Status)

	member, err := store.GetMember(ctx, "mem-01")
	require.NoError(t, err)
	assert.Equal(t, 15, member.BalanceMinutes)

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusActive, term.Status)
	require.NotNil(t, term.CurrentSessionID)
	assert.Equal(t, sess.ID, *term.CurrentSessionID)

	assert.Equal(t, 1, bus.CountByType(eventbus.NotifySessionStarted))
}

func TestStartTerminalBusy(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	mustCreateMember(t, store, "mem-01", 200)
	ctx := context.Background()

	_, err := m.Start(ctx, "tv-01", prepaid("mem-01"), 30)
	require.NoError(t, err)

	_, err = m.Start(ctx, "tv-01", prepaid("mem-01"), 30)
	assert.ErrorIs(t, err, ErrTerminalBusy)

	// 余额只被扣了一次
	member, err := store.GetMember(ctx, "mem-01")
	require.NoError(t, err)
	assert.Equal(t, 170, member.BalanceMinutes)
}

func TestStartFromReservedTerminal(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusReserved)
	ctx := context.Background()

	// 锁是咨询性的：reserved 终端可直接开会话
	require.NoError(t, store.UpsertLock(ctx, &model.TerminalLock{
		TerminalID: "tv-01", ClaimantID: "guest-a",
		ExpiresAt: time.Now().Add(time.Minute), CreatedAt: time.Now(),
	}))

	sess, err := m.Start(ctx, "tv-01", FundingSpec{Kind: model.FundingPayment, PaymentRef: "pay-1"}, 30)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, sess.Status)

	// 会话开始后软预留锁被清除
	lock, err := store.GetLock(ctx, "tv-01")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestStartInsufficientFunds(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	mustCreateMember(t, store, "mem-01", 10)
	ctx := context.Background()

	_, err := m.Start(ctx, "tv-01", prepaid("mem-01"), 30)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// 事务整体回滚：终端仍然 idle
	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusIdle, term.Status)
}

func TestStartInvalidInput(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	ctx := context.Background()

	_, err := m.Start(ctx, "tv-01", FundingSpec{Kind: model.FundingPayment, PaymentRef: "p"}, 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = m.Start(ctx, "tv-01", FundingSpec{Kind: "voucher"}, 30)
	assert.Error(t, err)
}

func TestStopRefundsUnusedMinutes(t *testing.T) {
	m, store, bus := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	mustCreateMember(t, store, "mem-01", 60)
	ctx := context.Background()

	_, err := m.Start(ctx, "tv-01", prepaid("mem-01"), 45)
	require.NoError(t, err)

	stopped, err := m.Stop(ctx, "tv-01", model.StopReasonManual)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, stopped.Status)
	assert.Equal(t, model.StopReasonManual, stopped.StopReason)

	// 立即停止：剩余 44 分钟多（向下取整 44），余额 15+44=59
	member, err := store.GetMember(ctx, "mem-01")
	require.NoError(t, err)
	assert.Equal(t, 59, member.BalanceMinutes)

	term, err := store.GetTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusIdle, term.Status)
	assert.Nil(t, term.CurrentSessionID)

	assert.Equal(t, 1, bus.CountByType(eventbus.NotifySessionEnded))
}

func TestStopNoActiveSession(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)

	_, err := m.Stop(context.Background(), "tv-01", model.StopReasonManual)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStopRaceIsIdempotent(t *testing.T) {
	m, store, bus := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	mustCreateMember(t, store, "mem-01", 60)
	ctx := context.Background()

	_, err := m.Start(ctx, "tv-01", prepaid("mem-01"), 45)
	require.NoError(t, err)

	// 两个竞争者都拿到了同一份 active 会话快照
	snapshot, err := store.GetActiveSessionByTerminal(ctx, "tv-01")
	require.NoError(t, err)

	_, err = m.stop(ctx, snapshot, model.StopReasonManual)
	require.NoError(t, err)

	// 后到者：守卫未命中，静默成功，无第二次退款和通知
	_, err = m.stop(ctx, snapshot, model.StopReasonExpired)
	require.NoError(t, err)

	member, err := store.GetMember(ctx, "mem-01")
	require.NoError(t, err)
	assert.Equal(t, 59, member.BalanceMinutes)
	assert.Equal(t, 1, bus.CountByType(eventbus.NotifySessionEnded))
}

func TestStopReissuesLoginCode(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	ctx := context.Background()

	_, err := m.Start(ctx, "tv-01", FundingSpec{Kind: model.FundingPayment, PaymentRef: "pay-1"}, 30)
	require.NoError(t, err)

	_, err = m.Stop(ctx, "tv-01", model.StopReasonManual)
	require.NoError(t, err)

	// 终端回到 idle 后已自动补发新登录码
	code, err := store.GetReusableLoginCode(ctx, "tv-01", logincode.PrimaryTTL)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.False(t, code.Used)
}

func TestReconcileExpired(t *testing.T) {
	m, store, bus := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	mustCreateTerminal(t, store, "tv-02", model.TerminalStatusIdle)
	mustCreateMember(t, store, "mem-01", 0)
	ctx := context.Background()

	memberID := "mem-01"
	now := time.Now()
	insertActiveSession(t, store, "tv-01", &memberID, now.Add(-time.Hour), now.Add(-time.Minute))
	insertActiveSession(t, store, "tv-02", nil, now.Add(-time.Minute), now.Add(time.Hour))

	closed, err := m.ReconcileExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	// 过期会话按 expired 关闭，过期后无剩余时长可退
	sess, err := store.GetActiveSessionByTerminal(ctx, "tv-01")
	require.NoError(t, err)
	assert.Nil(t, sess)

	member, err := store.GetMember(ctx, "mem-01")
	require.NoError(t, err)
	assert.Equal(t, 0, member.BalanceMinutes)

	// 未过期的会话不受影响
	live, err := store.GetActiveSessionByTerminal(ctx, "tv-02")
	require.NoError(t, err)
	require.NotNil(t, live)

	assert.Equal(t, 1, bus.CountByType(eventbus.NotifySessionEnded))
}

func TestExpireTimerCallback(t *testing.T) {
	m, store, bus := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	ctx := context.Background()

	now := time.Now()
	sess := insertActiveSession(t, store, "tv-01", nil, now.Add(-time.Hour), now.Add(-time.Second))

	m.expire(sess.ID)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, got.Status)
	assert.Equal(t, model.StopReasonExpired, got.StopReason)

	// 对已结束会话重复触发是 no-op
	m.expire(sess.ID)
	assert.Equal(t, 1, bus.CountByType(eventbus.NotifySessionEnded))
}

func TestStatus(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)
	ctx := context.Background()

	sess, remaining, err := m.Status(ctx, "tv-01")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Zero(t, remaining)

	_, err = m.Start(ctx, "tv-01", FundingSpec{Kind: model.FundingPayment, PaymentRef: "pay-1"}, 30)
	require.NoError(t, err)

	sess, remaining, err = m.Status(ctx, "tv-01")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Greater(t, remaining, int64(29*60))
	assert.LessOrEqual(t, remaining, int64(30*60))
}

func TestRecoverTimers(t *testing.T) {
	m, store, _ := newTestMachine(t)
	mustCreateTerminal(t, store, "tv-01", model.TerminalStatusIdle)

	now := time.Now()
	sess := insertActiveSession(t, store, "tv-01", nil, now, now.Add(time.Hour))

	require.NoError(t, m.RecoverTimers(context.Background()))

	m.mu.Lock()
	_, ok := m.timers[sess.ID]
	m.mu.Unlock()
	assert.True(t, ok, "timer must be restored for active session")
}
