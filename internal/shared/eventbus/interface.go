// Package eventbus 通知流抽象接口
//
// 提供对外可见事件的发布/订阅能力，当前由 Redis Streams 实现。
// 观察者（前端看板、聊天前端、终端自身）通过订阅获得实时事件。
package eventbus

import (
	"context"
)

// NotificationBus 通知流接口
type NotificationBus interface {
	// PublishNotification 发布一条通知
	PublishNotification(ctx context.Context, n *Notification) error

	// SubscribeNotifications 订阅通知流；返回的通道在 ctx 取消后关闭
	SubscribeNotifications(ctx context.Context) (<-chan *Notification, error)

	Close() error
}
