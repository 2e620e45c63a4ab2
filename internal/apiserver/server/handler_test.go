package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rentalps-admin/internal/shared/bridge"
	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
	sqlitedriver "rentalps-admin/internal/shared/storage/driver/sqlite"
	"rentalps-admin/internal/shared/storage/repository"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *repository.Store, *eventbus.RecordingBus) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.NewRecordingBus()
	tokens := bridge.NewTokenIssuer("test-secret", time.Hour)
	h := NewHandler(store, bus, tokens, nil)
	t.Cleanup(h.sessions.Shutdown)
	return h, store, bus
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func mustCreateIdleTerminal(t *testing.T, s *repository.Store, id string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateTerminal(t.Context(), &model.Terminal{
		ID: id, Name: "TV " + id, Address: "10.0.0.1:5555", Status: model.TerminalStatusIdle,
		LastProcessState: model.ProcessStateUnknown, MonitoringEnabled: true,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doJSON(t, h.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterTerminal(t *testing.T) {
	h, store, _ := newTestHandler(t)
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/terminals", map[string]string{
		"name": "Lobby TV", "address": "10.0.0.9:5555",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["pairing_token"])

	term := body["terminal"].(map[string]interface{})
	id := term["id"].(string)
	assert.True(t, strings.HasPrefix(id, "tv-"))

	created, err := store.GetTerminal(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusPairing, created.Status)

	// 缺 name 拒绝
	rec = doJSON(t, router, http.MethodPost, "/api/v1/terminals", map[string]string{"address": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRentalFlow(t *testing.T) {
	h, store, _ := newTestHandler(t)
	router := h.Router()
	mustCreateIdleTerminal(t, store, "tv-01")

	// 会员开户 + 充值
	rec := doJSON(t, router, http.MethodPost, "/api/v1/members", map[string]interface{}{
		"id": "mem-01", "name": "Guest One", "balance_minutes": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/members/mem-01/topup", map[string]int{"minutes": 30})
	require.Equal(t, http.StatusOK, rec.Code)

	// 签发登录码并解析
	rec = doJSON(t, router, http.MethodPost, "/api/v1/terminals/tv-01/code", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := decodeBody(t, rec)["code"].(string)
	require.Len(t, code, 8)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/codes/resolve", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rec.Code)

	// 资格校验：有余额的会员可用 prepaid
	rec = doJSON(t, router, http.MethodGet, "/api/v1/claimants/mem-01/eligibility", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	elig := decodeBody(t, rec)
	assert.Equal(t, true, elig["eligible"])

	// 锁定终端
	rec = doJSON(t, router, http.MethodPost, "/api/v1/terminals/tv-01/lock", map[string]string{"claimant_id": "mem-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 120, decodeBody(t, rec)["ttl_seconds"].(float64), 2)

	// 他人抢锁冲突
	rec = doJSON(t, router, http.MethodPost, "/api/v1/terminals/tv-01/lock", map[string]string{"claimant_id": "mem-02"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "mem-01", decodeBody(t, rec)["existing_claimant"])

	// 开始会话（reserved 不阻止）
	rec = doJSON(t, router, http.MethodPost, "/api/v1/terminals/tv-01/session", map[string]interface{}{
		"funding_kind": "prepaid", "member_id": "mem-01", "minutes": 45,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["end_time"])

	// 状态查询：active + 剩余秒数
	rec = doJSON(t, router, http.MethodGet, "/api/v1/terminals/tv-01/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "active", status["status"])
	assert.Greater(t, status["remaining_seconds"].(float64), float64(44*60))

	// 重复开会话 → 409
	rec = doJSON(t, router, http.MethodPost, "/api/v1/terminals/tv-01/session", map[string]interface{}{
		"funding_kind": "prepaid", "member_id": "mem-01", "minutes": 10,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 停止会话 → 未用时长退回
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/terminals/tv-01/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	member, err := store.GetMember(t.Context(), "mem-01")
	require.NoError(t, err)
	assert.Equal(t, 59, member.BalanceMinutes) // 60-45+44

	// 再停一次 → 404
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/terminals/tv-01/session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSessionInsufficientFunds(t *testing.T) {
	h, store, _ := newTestHandler(t)
	router := h.Router()
	mustCreateIdleTerminal(t, store, "tv-01")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/members", map[string]interface{}{
		"id": "mem-01", "name": "Broke", "balance_minutes": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/terminals/tv-01/session", map[string]interface{}{
		"funding_kind": "prepaid", "member_id": "mem-01", "minutes": 30,
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestIssueCodeUnknownTerminal(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doJSON(t, h.Router(), http.MethodPost, "/api/v1/terminals/ghost/code", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveUnknownCode(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doJSON(t, h.Router(), http.MethodPost, "/api/v1/codes/resolve", map[string]string{"code": "deadbeef"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckEligibilityWalkIn(t *testing.T) {
	h, _, _ := newTestHandler(t)

	// 非会员也合格，但只能即时支付
	rec := doJSON(t, h.Router(), http.MethodGet, "/api/v1/claimants/stranger/eligibility", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["eligible"])
	assert.Equal(t, []interface{}{"payment"}, body["funding_options"])
}

func TestSetMonitoring(t *testing.T) {
	h, store, _ := newTestHandler(t)
	router := h.Router()
	mustCreateIdleTerminal(t, store, "tv-01")

	rec := doJSON(t, router, http.MethodPatch, "/api/v1/terminals/tv-01/monitoring", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)

	term, err := store.GetTerminal(t.Context(), "tv-01")
	require.NoError(t, err)
	assert.False(t, term.MonitoringEnabled)
}

func TestObserverWebSocketReceivesBroadcast(t *testing.T) {
	h, _, _ := newTestHandler(t)

	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 等注册完成后直接广播
	require.Eventually(t, func() bool {
		h.gateway.mu.Lock()
		defer h.gateway.mu.Unlock()
		return len(h.gateway.clients) == 1
	}, time.Second, 10*time.Millisecond)

	h.gateway.broadcast(&eventbus.Notification{
		ID:         "n-1",
		Type:       eventbus.NotifyStatusChanged,
		TerminalID: "tv-01",
		Timestamp:  time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got eventbus.Notification
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, eventbus.NotifyStatusChanged, got.Type)
	assert.Equal(t, "tv-01", got.TerminalID)
}
