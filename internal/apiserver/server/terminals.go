// Package server 终端管理接口
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"rentalps-admin/internal/shared/model"
)

// RegisterTerminal 注册终端
//
// 路由: POST /api/v1/terminals
//
// 新终端以 pairing 状态入库，并返回配对令牌；
// 终端侧用令牌接入 /ws/terminal，首次接通即完成配对。
func (h *Handler) RegisterTerminal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = generateID("tv")
	}

	now := time.Now()
	term := &model.Terminal{
		ID:                req.ID,
		Name:              req.Name,
		Address:           req.Address,
		Status:            model.TerminalStatusPairing,
		LastProcessState:  model.ProcessStateUnknown,
		MonitoringEnabled: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := h.store.CreateTerminal(r.Context(), term); err != nil {
		log.Printf("[server.terminals] create terminal=%s failed: %v", req.ID, err)
		writeError(w, http.StatusConflict, "terminal already exists")
		return
	}

	token, err := h.tokens.Issue(term.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue pairing token failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"terminal":      term,
		"pairing_token": token,
	})
}

// ListTerminals 列出全部终端
//
// 路由: GET /api/v1/terminals
func (h *Handler) ListTerminals(w http.ResponseWriter, r *http.Request) {
	terminals, err := h.store.ListTerminals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list terminals failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"terminals": terminals,
		"total":     len(terminals),
	})
}

// GetTerminalStatus 终端状态查询
//
// 路由: GET /api/v1/terminals/{id}/status
//
// 返回终端当前状态、进程状态、心跳时间和会话剩余秒数（无会话为 0）。
func (h *Handler) GetTerminalStatus(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("id")

	term, err := h.store.GetTerminal(r.Context(), terminalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get terminal failed")
		return
	}
	if term == nil {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}

	_, remaining, err := h.sessions.Status(r.Context(), terminalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get session status failed")
		return
	}

	resp := map[string]interface{}{
		"terminal_id":       term.ID,
		"status":            term.Status,
		"process_state":     term.LastProcessState,
		"remaining_seconds": remaining,
		"recovery_attempts": term.RecoveryAttempts,
		"connected":         h.hub.Connected(term.ID),
	}
	if term.LastHeartbeatAt != nil {
		resp["last_heartbeat"] = term.LastHeartbeatAt.Format(time.RFC3339)
	}
	if term.LastProbeAt != nil {
		resp["last_probe"] = term.LastProbeAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetMonitoring 开关终端监控
//
// 路由: PATCH /api/v1/terminals/{id}/monitoring
func (h *Handler) SetMonitoring(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("id")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	term, err := h.store.GetTerminal(r.Context(), terminalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get terminal failed")
		return
	}
	if term == nil {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}

	if err := h.store.SetMonitoringEnabled(r.Context(), terminalID, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "update monitoring failed")
		return
	}

	log.Printf("[server.terminals] monitoring terminal=%s enabled=%v", terminalID, req.Enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"terminal_id": terminalID,
		"enabled":     req.Enabled,
	})
}
