// Package server WebSocket 通知网关
//
// 把通知总线上的事件实时转发给观察者（运营看板、聊天前端）。
// 观察者是只读的：入站消息除关闭帧外一律丢弃。
package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rentalps-admin/internal/shared/eventbus"
)

const (
	observerWriteTimeout = 10 * time.Second
	observerPingInterval = 30 * time.Second
)

var observerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 看板与控制面可能不同源
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NotificationGateway 观察者 WebSocket 网关
type NotificationGateway struct {
	bus     eventbus.NotificationBus
	metrics *Metrics

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewNotificationGateway 创建通知网关
func NewNotificationGateway(bus eventbus.NotificationBus, metrics *Metrics) *NotificationGateway {
	return &NotificationGateway{
		bus:     bus,
		metrics: metrics,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Run 订阅通知流并转发给所有观察者（阻塞到 ctx 取消）
func (g *NotificationGateway) Run(ctx context.Context) {
	ch, err := g.bus.SubscribeNotifications(ctx)
	if err != nil {
		log.Printf("[server.gateway] subscribe failed: %v", err)
		return
	}

	log.Printf("[server.gateway] notification forwarding started")
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			g.broadcast(n)
		}
	}
}

// HandleObserverWS 观察者接入
//
// 路由: GET /ws/notifications
func (g *NotificationGateway) HandleObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := observerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server.gateway] upgrade failed: %v", err)
		return
	}

	g.mu.Lock()
	g.clients[conn] = struct{}{}
	count := len(g.clients)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.WSObserversActive.Set(float64(count))
	}
	log.Printf("[server.gateway] observer connected total=%d", count)

	go g.readLoop(conn)
}

// readLoop 排空入站消息，连接断开时注销客户端
func (g *NotificationGateway) readLoop(conn *websocket.Conn) {
	defer g.drop(conn)

	ticker := time.NewTicker(observerPingInterval)
	defer ticker.Stop()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *NotificationGateway) broadcast(n *eventbus.Notification) {
	if g.metrics != nil {
		g.metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.clients {
		conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout))
		if err := conn.WriteJSON(n); err != nil {
			// 写失败视为断开，交给 readLoop 清理
			log.Printf("[server.gateway] write failed, dropping observer: %v", err)
			conn.Close()
		}
	}
}

func (g *NotificationGateway) drop(conn *websocket.Conn) {
	conn.Close()

	g.mu.Lock()
	delete(g.clients, conn)
	count := len(g.clients)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.WSObserversActive.Set(float64(count))
	}
	log.Printf("[server.gateway] observer disconnected total=%d", count)
}
