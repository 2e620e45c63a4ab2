// Package bridge 桥接通道的 WebSocket Hub 实现
//
// 终端助手进程主动拨入 Hub（GET /ws/terminal?token=...），之后：
//   - 助手定期推送 heartbeat 帧（独立于探测的活跃证明）
//   - 控制面下发 command 帧，助手以相同 req_id 的 response 帧应答
//   - 连接建立/断开触发监控引擎的事件驱动路径
package bridge

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rentalps-admin/internal/shared/model"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ============================================================================
// 帧格式
// ============================================================================

// Frame 桥接通道的 JSON 消息帧
//
// 方向与类型：
//   - 终端→控制面: heartbeat / response
//   - 控制面→终端: command
type Frame struct {
	Type         string             `json:"type"`                    // heartbeat | command | response
	ReqID        string             `json:"req_id,omitempty"`        // 请求相关性 ID
	Command      string             `json:"command,omitempty"`       // ping | query-process | launch | force-stop | push-install
	Payload      string             `json:"payload,omitempty"`       // 命令附加参数（push-install 的包地址）
	OK           bool               `json:"ok,omitempty"`            // response: 命令是否成功
	Error        string             `json:"error,omitempty"`         // response: 失败原因
	ProcessState model.ProcessState `json:"process_state,omitempty"` // response: 进程状态
}

// ============================================================================
// Hub
// ============================================================================

// termConn 单个终端的连接状态
type termConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex // 串行化写帧
}

func (c *termConn) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(f)
}

// Hub 终端桥接 Hub
//
// 实现 CommandChannel 接口；同时是连接/心跳事件的源头。
type Hub struct {
	tokens *TokenIssuer

	mu      sync.RWMutex
	conns   map[string]*termConn   // terminalID → 连接
	pending map[string]chan *Frame // reqID → 应答通道

	// 事件回调（由装配方注入；nil 时忽略）
	onConnect    func(terminalID string)
	onDisconnect func(terminalID string)
	onHeartbeat  func(terminalID string, at time.Time)
}

// NewHub 创建桥接 Hub
func NewHub(tokens *TokenIssuer) *Hub {
	return &Hub{
		tokens:  tokens,
		conns:   make(map[string]*termConn),
		pending: make(map[string]chan *Frame),
	}
}

var _ CommandChannel = (*Hub)(nil)

// SetConnectHandler 注册终端连接回调（监控引擎的事件驱动入口）
func (h *Hub) SetConnectHandler(fn func(terminalID string)) { h.onConnect = fn }

// SetDisconnectHandler 注册终端断开回调
func (h *Hub) SetDisconnectHandler(fn func(terminalID string)) { h.onDisconnect = fn }

// SetHeartbeatHandler 注册心跳回调
func (h *Hub) SetHeartbeatHandler(fn func(terminalID string, at time.Time)) { h.onHeartbeat = fn }

// Connected 判断终端当前是否在线（桥接视角）
func (h *Hub) Connected(terminalID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[terminalID]
	return ok
}

// ConnectedCount 当前连接数（指标用）
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ============================================================================
// WebSocket 接入
// ============================================================================

// HandleTerminalWS 处理终端接入
//
// 路由: GET /ws/terminal?token=...
func (h *Hub) HandleTerminalWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	terminalID, err := h.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid pairing token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge.upgrade.failed] terminal_id=%s error=%v", terminalID, err)
		return
	}

	conn := &termConn{ws: ws}

	h.mu.Lock()
	if old, ok := h.conns[terminalID]; ok {
		// 同一终端重连：旧连接让位
		old.ws.Close()
	}
	h.conns[terminalID] = conn
	h.mu.Unlock()

	log.Printf("[bridge.connected] terminal_id=%s remote=%s", terminalID, ws.RemoteAddr())
	if h.onConnect != nil {
		h.onConnect(terminalID)
	}

	h.readPump(terminalID, conn)
}

// readPump 读取终端帧直到连接断开
func (h *Hub) readPump(terminalID string, conn *termConn) {
	defer func() {
		h.mu.Lock()
		// 只有仍指向本连接时才摘除（重连时旧 pump 不得摘掉新连接）
		if cur, ok := h.conns[terminalID]; ok && cur == conn {
			delete(h.conns, terminalID)
		}
		h.mu.Unlock()
		conn.ws.Close()

		log.Printf("[bridge.disconnected] terminal_id=%s", terminalID)
		if h.onDisconnect != nil {
			h.onDisconnect(terminalID)
		}
	}()

	conn.ws.SetReadLimit(4096)
	conn.ws.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		var frame Frame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(90 * time.Second))

		switch frame.Type {
		case "heartbeat":
			if h.onHeartbeat != nil {
				h.onHeartbeat(terminalID, time.Now())
			}
		case "response":
			h.dispatchResponse(&frame)
		default:
			log.Printf("[bridge.frame.unknown] terminal_id=%s type=%s", terminalID, frame.Type)
		}
	}
}

// dispatchResponse 将应答帧路由给等待中的请求
func (h *Hub) dispatchResponse(frame *Frame) {
	h.mu.Lock()
	ch, ok := h.pending[frame.ReqID]
	if ok {
		delete(h.pending, frame.ReqID)
	}
	h.mu.Unlock()

	if ok {
		ch <- frame
	}
}

// ============================================================================
// 命令下发
// ============================================================================

// request 下发命令并等待应答（带超时）
func (h *Hub) request(ctx context.Context, terminalID, command, payload string, timeout time.Duration) (*Frame, error) {
	h.mu.RLock()
	conn, connected := h.conns[terminalID]
	h.mu.RUnlock()
	if !connected {
		return nil, ErrChannelUnreachable
	}

	reqID := uuid.NewString()
	respCh := make(chan *Frame, 1)

	h.mu.Lock()
	h.pending[reqID] = respCh
	h.mu.Unlock()

	cleanup := func() {
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
	}

	frame := &Frame{Type: "command", ReqID: reqID, Command: command, Payload: payload}
	if err := conn.writeFrame(frame); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: write failed: %v", ErrChannelUnreachable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, ErrChannelTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Probe 探测终端可达性（ping 命令的往返时间）
func (h *Hub) Probe(ctx context.Context, terminalID string) (*ProbeResult, error) {
	start := time.Now()
	_, err := h.request(ctx, terminalID, "ping", "", ProbeTimeout)
	if err != nil {
		return nil, err
	}
	return &ProbeResult{Alive: true, Latency: time.Since(start)}, nil
}

// QueryProcess 查询助手进程状态
func (h *Hub) QueryProcess(ctx context.Context, terminalID string) (model.ProcessState, error) {
	resp, err := h.request(ctx, terminalID, "query-process", "", QueryTimeout)
	if err != nil {
		return model.ProcessStateUnknown, err
	}
	if resp.ProcessState == "" {
		return model.ProcessStateUnknown, nil
	}
	return resp.ProcessState, nil
}

// LaunchApp 拉起助手进程
func (h *Hub) LaunchApp(ctx context.Context, terminalID string) error {
	return h.commandErr(ctx, terminalID, "launch", "", LaunchTimeout)
}

// ForceStopApp 强停助手进程
func (h *Hub) ForceStopApp(ctx context.Context, terminalID string) error {
	return h.commandErr(ctx, terminalID, "force-stop", "", StopTimeout)
}

// PushInstall 推送并安装更新包
func (h *Hub) PushInstall(ctx context.Context, terminalID string, packageURL string) error {
	return h.commandErr(ctx, terminalID, "push-install", packageURL, PushTimeout)
}

// commandErr 下发命令，只关心成功与否
func (h *Hub) commandErr(ctx context.Context, terminalID, command, payload string, timeout time.Duration) error {
	resp, err := h.request(ctx, terminalID, command, payload, timeout)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("command %s rejected by terminal %s: %s", command, terminalID, resp.Error)
	}
	return nil
}
