// Package server 租赁流程接口
//
// 顾客侧完整链路：扫码（resolve）→ 资格校验 → 锁定终端 → 开始会话 → 停止会话。
// 错误映射遵循统一口径：业务规则失败返回给调用方并不重试。
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"rentalps-admin/internal/apiserver/logincode"
	"rentalps-admin/internal/apiserver/session"
	"rentalps-admin/internal/apiserver/tvlock"
	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

// IssueCode 为终端签发登录码
//
// 路由: POST /api/v1/terminals/{id}/code
func (h *Handler) IssueCode(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("id")

	lc, err := h.codes.IssueCode(r.Context(), terminalID)
	switch {
	case errors.Is(err, logincode.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "issue code failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":       lc.Code,
		"created_at": lc.CreatedAt.Format(time.RFC3339),
	})
}

// ResolveCode 解析登录码
//
// 路由: POST /api/v1/codes/resolve
func (h *Handler) ResolveCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	term, err := h.codes.ResolveCode(r.Context(), req.Code)
	if errors.Is(err, logincode.ErrCodeNotFound) {
		writeError(w, http.StatusNotFound, "code not found or expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolve code failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"terminal": term})
}

// ConsumeCode 消费登录码（恰好一次）
//
// 路由: POST /api/v1/codes/consume
func (h *Handler) ConsumeCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	term, err := h.codes.ConsumeCode(r.Context(), req.Code)
	if errors.Is(err, logincode.ErrCodeNotFound) {
		writeError(w, http.StatusNotFound, "code not found or expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "consume code failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"terminal": term})
}

// CheckEligibility 资格校验
//
// 路由: GET /api/v1/claimants/{id}/eligibility
//
// 会员：账户停用 → 不合格；有余额 → 可用 prepaid。
// 非会员（walk-in）：合格，仅可用 payment。
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	claimantID := r.PathValue("id")

	member, err := h.store.GetMember(r.Context(), claimantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get member failed")
		return
	}

	resp := map[string]interface{}{"eligible": true}
	options := []string{string(model.FundingPayment)}

	if member != nil {
		if !member.Active {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"eligible": false,
				"reason":   "member inactive",
			})
			return
		}
		if member.BalanceMinutes > 0 {
			options = append([]string{string(model.FundingPrepaid)}, options...)
			resp["balance_minutes"] = member.BalanceMinutes
		}
	}

	resp["funding_options"] = options
	writeJSON(w, http.StatusOK, resp)
}

// AcquireLock 获取终端锁
//
// 路由: POST /api/v1/terminals/{id}/lock
//
// 冲突时返回 409 和当前持有者，供前端提示“有人正在下单”。
func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("id")

	var req struct {
		ClaimantID string `json:"claimant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClaimantID == "" {
		writeError(w, http.StatusBadRequest, "claimant_id is required")
		return
	}

	lock, err := h.locks.Acquire(r.Context(), terminalID, req.ClaimantID)
	switch {
	case errors.Is(err, tvlock.ErrLockHeld):
		existing, _ := h.locks.Peek(r.Context(), terminalID)
		resp := map[string]interface{}{"error": "terminal locked"}
		if existing != nil {
			resp["existing_claimant"] = existing.ClaimantID
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "acquire lock failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ttl_seconds": int(time.Until(lock.ExpiresAt).Seconds()),
		"expires_at":  lock.ExpiresAt.Format(time.RFC3339),
	})
}

// ReleaseLock 释放终端锁
//
// 路由: DELETE /api/v1/terminals/{id}/lock
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := h.locks.Release(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "release lock failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// StartSession 开始会话
//
// 路由: POST /api/v1/terminals/{id}/session
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("id")

	var req struct {
		FundingKind string `json:"funding_kind"`
		MemberID    string `json:"member_id"`
		PaymentRef  string `json:"payment_ref"`
		Minutes     int    `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	funding := session.FundingSpec{
		Kind:       model.FundingKind(req.FundingKind),
		MemberID:   req.MemberID,
		PaymentRef: req.PaymentRef,
	}

	sess, err := h.sessions.Start(r.Context(), terminalID, funding, req.Minutes)
	switch {
	case errors.Is(err, session.ErrTerminalBusy):
		writeError(w, http.StatusConflict, "terminal busy")
		return
	case errors.Is(err, session.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient funds")
		return
	case errors.Is(err, session.ErrMemberInactive):
		writeError(w, http.StatusForbidden, "member inactive")
		return
	case errors.Is(err, session.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "invalid duration")
		return
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "member not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "start session failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sess.ID,
		"end_time":   sess.EndAt.Format(time.RFC3339),
	})
}

// StopSession 停止会话
//
// 路由: DELETE /api/v1/terminals/{id}/session
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("id")

	sess, err := h.sessions.Stop(r.Context(), terminalID, model.StopReasonManual)
	if errors.Is(err, session.ErrNoActiveSession) {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stop session failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sess.ID,
		"stop_reason": sess.StopReason,
	})
}
