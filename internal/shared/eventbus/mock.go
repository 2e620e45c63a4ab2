// Package eventbus 通知流 mock 实现
package eventbus

import (
	"context"
	"sync"
)

// ============================================================================
// NoOpBus - 空操作的 NotificationBus 实现（Redis 未配置时的降级）
// ============================================================================

// NoOpBus 是一个不做任何操作的 NotificationBus 实现
type NoOpBus struct{}

// NewNoOpBus 创建 NoOpBus 实例
func NewNoOpBus() *NoOpBus {
	return &NoOpBus{}
}

func (b *NoOpBus) PublishNotification(ctx context.Context, n *Notification) error {
	return nil
}

func (b *NoOpBus) SubscribeNotifications(ctx context.Context) (<-chan *Notification, error) {
	ch := make(chan *Notification)
	close(ch)
	return ch, nil
}

// Close 关闭通知流
func (b *NoOpBus) Close() error {
	return nil
}

var _ NotificationBus = (*NoOpBus)(nil)

// ============================================================================
// RecordingBus - 记录型实现（用于测试断言）
// ============================================================================

// RecordingBus 记录所有发布的通知，供测试断言
type RecordingBus struct {
	mu            sync.Mutex
	notifications []*Notification
}

// NewRecordingBus 创建 RecordingBus 实例
func NewRecordingBus() *RecordingBus {
	return &RecordingBus{}
}

func (b *RecordingBus) PublishNotification(ctx context.Context, n *Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
	return nil
}

func (b *RecordingBus) SubscribeNotifications(ctx context.Context) (<-chan *Notification, error) {
	ch := make(chan *Notification)
	close(ch)
	return ch, nil
}

func (b *RecordingBus) Close() error {
	return nil
}

// Notifications 返回已发布通知的快照
func (b *RecordingBus) Notifications() []*Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Notification, len(b.notifications))
	copy(out, b.notifications)
	return out
}

// CountByType 统计给定类型的通知数量
func (b *RecordingBus) CountByType(nt NotificationType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, n := range b.notifications {
		if n.Type == nt {
			count++
		}
	}
	return count
}

var _ NotificationBus = (*RecordingBus)(nil)
