// Package server 会员接口
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"rentalps-admin/internal/shared/model"
)

// CreateMember 创建会员
//
// 路由: POST /api/v1/members
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		BalanceMinutes int    `json:"balance_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.BalanceMinutes < 0 {
		writeError(w, http.StatusBadRequest, "balance_minutes must be non-negative")
		return
	}
	if req.ID == "" {
		req.ID = generateID("mem")
	}

	now := time.Now()
	member := &model.Member{
		ID:             req.ID,
		Name:           req.Name,
		BalanceMinutes: req.BalanceMinutes,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateMember(r.Context(), member); err != nil {
		writeError(w, http.StatusConflict, "member already exists")
		return
	}

	writeJSON(w, http.StatusCreated, member)
}

// GetMember 会员详情
//
// 路由: GET /api/v1/members/{id}
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.store.GetMember(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get member failed")
		return
	}
	if member == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// TopUpMember 充值分钟数
//
// 路由: POST /api/v1/members/{id}/topup
func (h *Handler) TopUpMember(w http.ResponseWriter, r *http.Request) {
	memberID := r.PathValue("id")

	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "minutes must be positive")
		return
	}

	member, err := h.store.GetMember(r.Context(), memberID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get member failed")
		return
	}
	if member == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	if err := h.store.CreditMemberMinutes(r.Context(), memberID, req.Minutes); err != nil {
		writeError(w, http.StatusInternalServerError, "top up failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"member_id":       memberID,
		"balance_minutes": member.BalanceMinutes + req.Minutes,
	})
}
