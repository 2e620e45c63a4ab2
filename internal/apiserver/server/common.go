// Package server HTTP API 处理器与核心基础设施
//
// 本包实现舰队控制面的对外 API，包括：
//   - 终端管理（注册、配对、状态查询）
//   - 租赁流程（登录码、资格校验、终端锁、会话）
//   - 会员账户（预付余额）
//   - WebSocket 实时通知推送
//
// 文件组织：
//   - common.go: 通用工具函数、Handler 定义与路由
//   - terminals.go: 终端接口
//   - rental.go: 租赁流程接口
//   - members.go: 会员接口
//   - websocket.go: WebSocket 通知网关
//   - metrics.go: Prometheus 指标
//   - sweeper.go: 后台清扫循环
package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"rentalps-admin/api"
	"rentalps-admin/internal/apiserver/logincode"
	"rentalps-admin/internal/apiserver/monitor"
	"rentalps-admin/internal/apiserver/session"
	"rentalps-admin/internal/apiserver/tvlock"
	"rentalps-admin/internal/shared/bridge"
	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/storage"
)

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到各领域管理器
//   - 终端命令通道（WebSocket hub）的接入点
//   - 通知流到观察者 WebSocket 的转发
type Handler struct {
	store storage.PersistentStore
	bus   eventbus.NotificationBus

	hub    *bridge.Hub         // 终端命令通道
	tokens *bridge.TokenIssuer // 配对令牌签发

	codes    *logincode.Manager
	locks    *tvlock.Manager
	sessions *session.Machine
	engine   *monitor.Engine

	gateway *NotificationGateway
	metrics *Metrics
}

// NewHandler 创建 Handler 实例
//
// 领域管理器在这里统一装配：共享同一个存储层和通知总线，
// 监控引擎通过 hub 的连接回调获得事件驱动路径。
func NewHandler(store storage.PersistentStore, bus eventbus.NotificationBus, tokens *bridge.TokenIssuer, monitorConfig *monitor.Config) *Handler {
	if bus == nil {
		bus = &eventbus.NoOpBus{}
	}

	h := &Handler{
		store:  store,
		bus:    bus,
		tokens: tokens,
		hub:    bridge.NewHub(tokens),
	}

	h.codes = logincode.NewManager(store, bus)
	h.locks = tvlock.NewManager(store, bus)
	h.sessions = session.NewMachine(store, bus, h.codes)
	h.engine = monitor.NewEngine(store, h.hub, bus, monitorConfig)

	h.hub.SetConnectHandler(h.engine.OnTerminalConnect)
	h.hub.SetDisconnectHandler(h.engine.OnTerminalDisconnect)
	h.hub.SetHeartbeatHandler(func(terminalID string, _ time.Time) {
		h.engine.OnTerminalHeartbeat(terminalID)
	})

	h.metrics = NewMetrics("rentalps")
	h.engine.SetObserver(h.metrics)
	h.gateway = NewNotificationGateway(bus, h.metrics)

	return h
}

// Engine 返回监控引擎（供入口启动扫描循环）
func (h *Handler) Engine() *monitor.Engine { return h.engine }

// Sessions 返回会话状态机（供入口恢复定时器）
func (h *Handler) Sessions() *session.Machine { return h.sessions }

// Codes 返回登录码管理器
func (h *Handler) Codes() *logincode.Manager { return h.codes }

// Locks 返回终端锁管理器
func (h *Handler) Locks() *tvlock.Manager { return h.locks }

// Gateway 返回通知网关（供入口启动转发循环）
func (h *Handler) Gateway() *NotificationGateway { return h.gateway }

// Metrics 返回指标实例
func (h *Handler) Metrics() *Metrics { return h.metrics }

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health
//
// 终端管理:
//   - POST   /api/v1/terminals                   - 注册终端（进入配对）
//   - GET    /api/v1/terminals                   - 列出终端
//   - GET    /api/v1/terminals/{id}/status       - 终端状态（含会话剩余秒数）
//   - PATCH  /api/v1/terminals/{id}/monitoring   - 开关监控
//
// 租赁流程:
//   - POST   /api/v1/terminals/{id}/code         - 签发登录码
//   - POST   /api/v1/codes/resolve               - 解析登录码
//   - POST   /api/v1/codes/consume               - 消费登录码
//   - GET    /api/v1/claimants/{id}/eligibility  - 资格校验
//   - POST   /api/v1/terminals/{id}/lock         - 获取终端锁
//   - DELETE /api/v1/terminals/{id}/lock         - 释放终端锁
//   - POST   /api/v1/terminals/{id}/session      - 开始会话
//   - DELETE /api/v1/terminals/{id}/session      - 停止会话
//
// 会员:
//   - POST   /api/v1/members                     - 创建会员
//   - GET    /api/v1/members/{id}                - 会员详情
//   - POST   /api/v1/members/{id}/topup          - 充值分钟数
//
// WebSocket:
//   - GET /ws/terminal       - 终端命令通道（带配对令牌）
//   - GET /ws/notifications  - 观察者通知流
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())
	mux.HandleFunc("GET /api/v1/openapi.yaml", h.OpenAPISpec)

	mux.HandleFunc("POST /api/v1/terminals", h.RegisterTerminal)
	mux.HandleFunc("GET /api/v1/terminals", h.ListTerminals)
	mux.HandleFunc("GET /api/v1/terminals/{id}/status", h.GetTerminalStatus)
	mux.HandleFunc("PATCH /api/v1/terminals/{id}/monitoring", h.SetMonitoring)

	mux.HandleFunc("POST /api/v1/terminals/{id}/code", h.IssueCode)
	mux.HandleFunc("POST /api/v1/codes/resolve", h.ResolveCode)
	mux.HandleFunc("POST /api/v1/codes/consume", h.ConsumeCode)
	mux.HandleFunc("GET /api/v1/claimants/{id}/eligibility", h.CheckEligibility)
	mux.HandleFunc("POST /api/v1/terminals/{id}/lock", h.AcquireLock)
	mux.HandleFunc("DELETE /api/v1/terminals/{id}/lock", h.ReleaseLock)
	mux.HandleFunc("POST /api/v1/terminals/{id}/session", h.StartSession)
	mux.HandleFunc("DELETE /api/v1/terminals/{id}/session", h.StopSession)

	mux.HandleFunc("POST /api/v1/members", h.CreateMember)
	mux.HandleFunc("GET /api/v1/members/{id}", h.GetMember)
	mux.HandleFunc("POST /api/v1/members/{id}/topup", h.TopUpMember)

	mux.HandleFunc("GET /ws/terminal", h.hub.HandleTerminalWS)
	mux.HandleFunc("GET /ws/notifications", h.gateway.HandleObserverWS)

	return h.metrics.InstrumentHTTP(mux)
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// generateID 生成带前缀的唯一标识符
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OpenAPISpec 返回嵌入的 OpenAPI 描述
//
// 路由: GET /api/v1/openapi.yaml
func (h *Handler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	data, err := api.OpenAPIFS.ReadFile("openapi/rentalps.yaml")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spec unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}
