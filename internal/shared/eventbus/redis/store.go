// Package redis 通知流的 Redis Streams 实现
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"rentalps-admin/internal/shared/eventbus"
)

// Bus 基于 Redis Streams 的通知流
type Bus struct {
	client *redis.Client
}

// NewBus 创建 Redis 通知流
// addr 示例: "localhost:6379"
func NewBus(addr string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Bus{client: client}, nil
}

var _ eventbus.NotificationBus = (*Bus)(nil)

// PublishNotification 发布通知到 Stream
func (b *Bus) PublishNotification(ctx context.Context, n *eventbus.Notification) error {
	dataJSON, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal notification data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: eventbus.KeyNotifications,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"id":          n.ID,
			"type":        string(n.Type),
			"terminal_id": n.TerminalID,
			"timestamp":   n.Timestamp.Format(time.RFC3339Nano),
			"data":        string(dataJSON),
		},
	}

	if _, err := b.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// SubscribeNotifications 订阅通知流
//
// 从订阅时刻之后的新事件开始读取（"$"），ctx 取消后关闭通道。
func (b *Bus) SubscribeNotifications(ctx context.Context) (<-chan *eventbus.Notification, error) {
	ch := make(chan *eventbus.Notification, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{eventbus.KeyNotifications, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("[eventbus.redis.read.failed] error=%v", err)
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					n := decodeNotification(msg)
					if n == nil {
						continue
					}
					select {
					case ch <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// decodeNotification 将 Stream 消息还原为 Notification
func decodeNotification(msg redis.XMessage) *eventbus.Notification {
	n := &eventbus.Notification{}

	if v, ok := msg.Values["id"].(string); ok {
		n.ID = v
	}
	if v, ok := msg.Values["type"].(string); ok {
		n.Type = eventbus.NotificationType(v)
	}
	if v, ok := msg.Values["terminal_id"].(string); ok {
		n.TerminalID = v
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			n.Timestamp = t
		}
	}
	if dataStr, ok := msg.Values["data"].(string); ok && dataStr != "" && dataStr != "null" {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(dataStr), &data); err == nil {
			n.Data = data
		}
	}

	if n.Type == "" {
		return nil
	}
	return n
}

// Close 关闭 Redis 连接
func (b *Bus) Close() error {
	return b.client.Close()
}
