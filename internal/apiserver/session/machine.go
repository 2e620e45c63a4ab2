// Package session 会话状态机
//
// 会话生命周期：
//
//	(无会话) --StartSession--> active --显式停止/自然到期/管理覆盖--> ended
//
// 三个写路径都落在同一对存储事务上（StartSessionTx / StopSessionTx），
// 资金与终端状态的一致性由事务守卫保证；状态机只负责编排与通知。
//
// 到期检测是双保险：每个会话一只内存定时器（低延迟），
// 外加对账扫描兜底（进程重启丢定时器、时钟漂移）。
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"rentalps-admin/internal/apiserver/logincode"
	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

var (
	// ErrTerminalBusy 终端不在可开始会话的状态（已有会话或不可用）
	ErrTerminalBusy = errors.New("terminal busy")

	// ErrNoActiveSession 终端当前没有进行中的会话
	ErrNoActiveSession = errors.New("no active session")

	// ErrInsufficientFunds 预付余额不足以覆盖购买时长
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrMemberInactive 会员账户被停用
	ErrMemberInactive = errors.New("member inactive")

	// ErrInvalidDuration 购买时长必须为正分钟数
	ErrInvalidDuration = errors.New("invalid session duration")
)

// FundingSpec 会话的资金来源
//
// prepaid：从会员余额按分钟扣减，提前结束按整分钟退回；
// payment：外部支付单引用，不退款。
type FundingSpec struct {
	Kind       model.FundingKind
	MemberID   string // prepaid 必填
	PaymentRef string // payment 必填
}

// Machine 会话状态机
type Machine struct {
	store storage.PersistentStore
	bus   eventbus.NotificationBus
	codes *logincode.Manager // 会话结束后自动补发登录码（可为 nil）

	mu     sync.Mutex
	timers map[string]*time.Timer // sessionID → 到期定时器
}

// NewMachine 创建会话状态机
func NewMachine(store storage.PersistentStore, bus eventbus.NotificationBus, codes *logincode.Manager) *Machine {
	if bus == nil {
		bus = &eventbus.NoOpBus{}
	}
	return &Machine{
		store:  store,
		bus:    bus,
		codes:  codes,
		timers: make(map[string]*time.Timer),
	}
}

// Start 开始会话
//
// 仅当终端处于 idle（或被锁软预留的 reserved）时成功，否则 ErrTerminalBusy。
// prepaid 资金在同一事务内扣减，余额不足整体回滚。
// 成功后清除终端上的软预留锁并注册到期定时器。
func (m *Machine) Start(ctx context.Context, terminalID string, funding FundingSpec, minutes int) (*model.Session, error) {
	if minutes <= 0 {
		return nil, ErrInvalidDuration
	}

	var debitMemberID *string
	sess := &model.Session{
		ID:          uuid.New().String(),
		TerminalID:  terminalID,
		FundingKind: funding.Kind,
		Status:      model.SessionStatusActive,
	}

	switch funding.Kind {
	case model.FundingPrepaid:
		member, err := m.store.GetMember(ctx, funding.MemberID)
		if err != nil {
			return nil, fmt.Errorf("get member: %w", err)
		}
		if member == nil {
			return nil, storage.ErrNotFound
		}
		if !member.Active {
			return nil, ErrMemberInactive
		}
		if !member.HasBalance(minutes) {
			return nil, ErrInsufficientFunds
		}
		memberID := funding.MemberID
		sess.MemberID = &memberID
		debitMemberID = &memberID
	case model.FundingPayment:
		sess.FundingRef = funding.PaymentRef
	default:
		return nil, fmt.Errorf("unknown funding kind %q", funding.Kind)
	}

	now := time.Now()
	sess.StartAt = now
	sess.EndAt = now.Add(time.Duration(minutes) * time.Minute)
	sess.CreatedAt = now
	sess.UpdatedAt = now

	if err := m.store.StartSessionTx(ctx, sess, debitMemberID, minutes); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return nil, ErrTerminalBusy
		case errors.Is(err, storage.ErrInsufficientBalance):
			return nil, ErrInsufficientFunds
		default:
			return nil, fmt.Errorf("start session: %w", err)
		}
	}

	// 会话已开始，软预留锁完成使命
	if err := m.store.DeleteLock(ctx, terminalID); err != nil {
		log.Printf("[session.start] clear lock terminal=%s failed: %v", terminalID, err)
	}

	m.registerTimer(sess.ID, sess.EndAt)

	log.Printf("[session.start] session=%s terminal=%s funding=%s minutes=%d end=%s",
		sess.ID, terminalID, funding.Kind, minutes, sess.EndAt.Format(time.RFC3339))

	m.publish(ctx, eventbus.NotifySessionStarted, terminalID, map[string]interface{}{
		"session_id":       sess.ID,
		"funding_kind":     string(funding.Kind),
		"duration_minutes": minutes,
		"end_at":           sess.EndAt.Format(time.RFC3339),
	})
	return sess, nil
}

// Stop 停止终端上进行中的会话
//
// 无进行中会话返回 ErrNoActiveSession。
// 与定时器/对账扫描竞争时幂等：后到者观察到会话已结束，不产生二次副作用。
func (m *Machine) Stop(ctx context.Context, terminalID string, reason model.StopReason) (*model.Session, error) {
	sess, err := m.store.GetActiveSessionByTerminal(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if sess == nil {
		return nil, ErrNoActiveSession
	}
	return m.stop(ctx, sess, reason)
}

// Status 查询终端会话状态
//
// 返回进行中的会话（可为 nil）与剩余秒数（无会话为 0）。
func (m *Machine) Status(ctx context.Context, terminalID string) (*model.Session, int64, error) {
	sess, err := m.store.GetActiveSessionByTerminal(ctx, terminalID)
	if err != nil {
		return nil, 0, fmt.Errorf("get active session: %w", err)
	}
	if sess == nil {
		return nil, 0, nil
	}
	return sess, sess.RemainingSeconds(time.Now()), nil
}

// ReconcileExpired 对账扫描：关闭所有已过期但仍为 active 的会话
//
// 定时器的兜底路径。返回本轮实际关闭的会话数。
func (m *Machine) ReconcileExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredActiveSessions(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	closed := 0
	for _, sess := range expired {
		if _, err := m.stop(ctx, sess, model.StopReasonExpired); err != nil {
			log.Printf("[session.reconcile] stop session=%s failed: %v", sess.ID, err)
			continue
		}
		closed++
	}

	if closed > 0 {
		log.Printf("[session.reconcile] closed=%d", closed)
	}
	return closed, nil
}

// RecoverTimers 进程启动时为所有进行中的会话重建到期定时器
func (m *Machine) RecoverTimers(ctx context.Context) error {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, sess := range active {
		m.registerTimer(sess.ID, sess.EndAt)
	}
	if len(active) > 0 {
		log.Printf("[session.recover] timers restored count=%d", len(active))
	}
	return nil
}

// Shutdown 停掉所有定时器（进程退出时调用；会话本身不受影响）
func (m *Machine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

// stop 关闭一个已知的 active 会话
//
// 幂等核心：StopSessionTx 的会话行守卫。守卫未命中说明别的路径已关闭，
// 这里静默返回且不发通知、不退款。
func (m *Machine) stop(ctx context.Context, sess *model.Session, reason model.StopReason) (*model.Session, error) {
	now := time.Now()

	var creditMemberID *string
	creditMinutes := 0
	if sess.FundingKind == model.FundingPrepaid && sess.MemberID != nil {
		creditMinutes = sess.UnusedMinutes(now)
		if creditMinutes > 0 {
			creditMemberID = sess.MemberID
		}
	}

	if err := m.store.StopSessionTx(ctx, sess.ID, now, reason, creditMemberID, creditMinutes); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.cancelTimer(sess.ID)
			return sess, nil
		}
		return nil, fmt.Errorf("stop session: %w", err)
	}

	m.cancelTimer(sess.ID)

	sess.Status = model.SessionStatusEnded
	sess.StoppedAt = &now
	sess.StopReason = reason

	log.Printf("[session.stop] session=%s terminal=%s reason=%s refund_minutes=%d",
		sess.ID, sess.TerminalID, reason, creditMinutes)

	m.publish(ctx, eventbus.NotifySessionEnded, sess.TerminalID, map[string]interface{}{
		"session_id":     sess.ID,
		"reason":         string(reason),
		"refund_minutes": creditMinutes,
	})

	// 终端回到 idle 后立刻补发登录码，闭合“下一位顾客扫码”的循环
	if m.codes != nil {
		if _, err := m.codes.IssueCode(ctx, sess.TerminalID); err != nil {
			log.Printf("[session.stop] reissue code terminal=%s failed: %v", sess.TerminalID, err)
		}
	}

	return sess, nil
}

// expire 定时器回调：会话自然到期
func (m *Machine) expire(sessionID string) {
	ctx := context.Background()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("[session.expire] load session=%s failed: %v", sessionID, err)
		return
	}
	if sess == nil || sess.Status != model.SessionStatusActive {
		m.cancelTimer(sessionID)
		return
	}

	if _, err := m.stop(ctx, sess, model.StopReasonExpired); err != nil {
		log.Printf("[session.expire] stop session=%s failed: %v", sessionID, err)
	}
}

func (m *Machine) registerTimer(sessionID string, endAt time.Time) {
	until := time.Until(endAt)
	if until < 0 {
		until = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[sessionID]; ok {
		old.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(until, func() { m.expire(sessionID) })
}

func (m *Machine) cancelTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
		delete(m.timers, sessionID)
	}
}

func (m *Machine) publish(ctx context.Context, typ eventbus.NotificationType, terminalID string, data map[string]interface{}) {
	notif := &eventbus.Notification{
		ID:         uuid.New().String(),
		Type:       typ,
		TerminalID: terminalID,
		Data:       data,
		Timestamp:  time.Now(),
	}
	if err := m.bus.PublishNotification(ctx, notif); err != nil {
		log.Printf("[session.notify] publish %s failed: %v", typ, err)
	}
}
