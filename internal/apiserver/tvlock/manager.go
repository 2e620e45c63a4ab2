// Package tvlock 终端锁领域
//
// 锁是咨询性的软预留：顾客选中终端后短暂持有，防止另一位顾客
// 在同一终端上并行走完支付流程。锁不阻止管理路径直接开会话。
//
// 锁的消亡只有三条路：显式释放、会话真正开始（由会话机释放）、TTL 到期被清扫。
package tvlock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

// DefaultTTL 锁默认存活时长
const DefaultTTL = 120 * time.Second

// ErrLockHeld 终端已被其他持有者锁定
var ErrLockHeld = errors.New("terminal locked by another claimant")

// Manager 终端锁管理器
type Manager struct {
	store storage.PersistentStore
	bus   eventbus.NotificationBus
	ttl   time.Duration
}

// NewManager 创建终端锁管理器
func NewManager(store storage.PersistentStore, bus eventbus.NotificationBus) *Manager {
	if bus == nil {
		bus = &eventbus.NoOpBus{}
	}
	return &Manager{store: store, bus: bus, ttl: DefaultTTL}
}

// Acquire 获取终端锁
//
// 同一持有者重复获取会刷新到期时间（续租）；
// 其他持有者持有未过期锁时返回 ErrLockHeld。
// 成功后把 idle 终端标记为 reserved（已非 idle 时保持原状）。
func (m *Manager) Acquire(ctx context.Context, terminalID, claimantID string) (*model.TerminalLock, error) {
	term, err := m.store.GetTerminal(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("get terminal: %w", err)
	}
	if term == nil {
		return nil, storage.ErrNotFound
	}

	now := time.Now()
	existing, err := m.store.GetLock(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	if existing != nil && existing.Live(now) && existing.ClaimantID != claimantID {
		return nil, ErrLockHeld
	}

	lock := &model.TerminalLock{
		TerminalID: terminalID,
		ClaimantID: claimantID,
		ExpiresAt:  now.Add(m.ttl),
		CreatedAt:  now,
	}
	if existing != nil && existing.ClaimantID == claimantID {
		lock.CreatedAt = existing.CreatedAt
	}
	if err := m.store.UpsertLock(ctx, lock); err != nil {
		return nil, fmt.Errorf("upsert lock: %w", err)
	}

	// 软预留终端；守卫未命中（终端已不是 idle）不算失败
	if err := m.store.TransitionTerminalStatus(ctx, terminalID,
		model.TerminalStatusIdle, model.TerminalStatusReserved); err != nil && !errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("reserve terminal: %w", err)
	}

	log.Printf("[tvlock.acquire] terminal=%s claimant=%s expires=%s",
		terminalID, claimantID, lock.ExpiresAt.Format(time.RFC3339))
	return lock, nil
}

// Peek 查看终端当前的锁（无锁或已过期返回 nil）
func (m *Manager) Peek(ctx context.Context, terminalID string) (*model.TerminalLock, error) {
	lock, err := m.store.GetLock(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	if lock == nil || !lock.Live(time.Now()) {
		return nil, nil
	}
	return lock, nil
}

// Release 释放终端锁
//
// 幂等：锁不存在时直接成功。终端若处于 reserved 则放回 idle。
func (m *Manager) Release(ctx context.Context, terminalID string) error {
	if err := m.store.DeleteLock(ctx, terminalID); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}

	if err := m.store.TransitionTerminalStatus(ctx, terminalID,
		model.TerminalStatusReserved, model.TerminalStatusIdle); err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("unreserve terminal: %w", err)
	}

	log.Printf("[tvlock.release] terminal=%s", terminalID)
	return nil
}

// SweepExpired 清扫过期锁
//
// 对每个过期锁：先发 lock-timed-out 通知再删除，并把 reserved 终端放回 idle。
// 返回清除的锁数量。
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := m.store.ListExpiredLocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired locks: %w", err)
	}

	removed := 0
	for _, lock := range expired {
		m.publish(ctx, eventbus.NotifyLockTimedOut, lock.TerminalID, map[string]interface{}{
			"claimant_id": lock.ClaimantID,
			"expired_at":  lock.ExpiresAt.Format(time.RFC3339),
		})

		if err := m.store.DeleteLock(ctx, lock.TerminalID); err != nil {
			log.Printf("[tvlock.sweep] delete lock terminal=%s failed: %v", lock.TerminalID, err)
			continue
		}
		removed++

		if err := m.store.TransitionTerminalStatus(ctx, lock.TerminalID,
			model.TerminalStatusReserved, model.TerminalStatusIdle); err != nil && !errors.Is(err, storage.ErrConflict) {
			log.Printf("[tvlock.sweep] unreserve terminal=%s failed: %v", lock.TerminalID, err)
		}
	}

	if removed > 0 {
		log.Printf("[tvlock.sweep] removed=%d", removed)
	}
	return removed, nil
}

func (m *Manager) publish(ctx context.Context, typ eventbus.NotificationType, terminalID string, data map[string]interface{}) {
	notif := &eventbus.Notification{
		ID:         uuid.New().String(),
		Type:       typ,
		TerminalID: terminalID,
		Data:       data,
		Timestamp:  time.Now(),
	}
	if err := m.bus.PublishNotification(ctx, notif); err != nil {
		log.Printf("[tvlock.notify] publish %s failed: %v", typ, err)
	}
}
