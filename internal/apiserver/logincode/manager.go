// Package logincode 登录码领域
//
// 登录码是顾客与终端配对的一次性凭证：扫码 → 解析 → 消费。
// 生命周期由三条规则共同约束：
//   - 5 分钟主 TTL（面向用户的承诺：码很快过期，由清扫器执行删除）
//   - 解析兜底：终端仍为 idle 的码始终可解析，其余码在 30 分钟绝对 TTL 内可解析
//     （活性保险，防止状态位或时钟问题把终端锁死）
//   - 每终端 30 秒内最多生成 3 个新码（防刷）
package logincode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"rentalps-admin/internal/shared/eventbus"
	"rentalps-admin/internal/shared/model"
	"rentalps-admin/internal/shared/storage"
)

const (
	// CodeLength 登录码长度（十六进制小写字符数）
	CodeLength = 8

	// PrimaryTTL 主 TTL：未使用的码超过此时长视为过期
	PrimaryTTL = 5 * time.Minute

	// FallbackTTL 解析路径的兜底绝对 TTL
	//
	// 终端仍为 idle 时码不受此限（没人可能正处于登录中途），
	// 其余情况码在 30 分钟内依然可解析。这是活性保险而非
	// 用户承诺：清扫器仍按主 TTL 删码。
	FallbackTTL = 30 * time.Minute

	// RateLimitWindow / RateLimitMax 生成频率限制：每终端 30 秒内最多 3 次
	RateLimitWindow = 30 * time.Second
	RateLimitMax    = 3
)

var (
	// ErrRateLimited 终端生成登录码过于频繁
	ErrRateLimited = errors.New("login code generation rate limited")

	// ErrCodeNotFound 码不存在、已使用或已过期
	ErrCodeNotFound = errors.New("login code not found or expired")
)

// Manager 登录码管理器
type Manager struct {
	store storage.PersistentStore
	bus   eventbus.NotificationBus
}

// NewManager 创建登录码管理器
func NewManager(store storage.PersistentStore, bus eventbus.NotificationBus) *Manager {
	if bus == nil {
		bus = &eventbus.NoOpBus{}
	}
	return &Manager{store: store, bus: bus}
}

// IssueCode 为终端签发登录码
//
// 幂等：主 TTL 内已有未使用的码时直接复用，不生成新码也不计入频率限制。
// 只有真正生成新码的请求受 30 秒窗口限制，超限返回 ErrRateLimited。
func (m *Manager) IssueCode(ctx context.Context, terminalID string) (*model.LoginCode, error) {
	term, err := m.store.GetTerminal(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("get terminal: %w", err)
	}
	if term == nil {
		return nil, storage.ErrNotFound
	}

	existing, err := m.store.GetReusableLoginCode(ctx, terminalID, PrimaryTTL)
	if err != nil {
		return nil, fmt.Errorf("lookup reusable code: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	issued, err := m.store.CountLoginCodesIssuedSince(ctx, terminalID, now.Add(-RateLimitWindow))
	if err != nil {
		return nil, fmt.Errorf("count issued codes: %w", err)
	}
	if issued >= RateLimitMax {
		log.Printf("[logincode.issue] rate limited terminal=%s issued=%d window=%s",
			terminalID, issued, RateLimitWindow)
		return nil, ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	lc := &model.LoginCode{
		ID:         uuid.New().String(),
		TerminalID: terminalID,
		Code:       code,
		Used:       false,
		CreatedAt:  now,
	}
	if err := m.store.CreateLoginCode(ctx, lc); err != nil {
		return nil, fmt.Errorf("persist code: %w", err)
	}

	log.Printf("[logincode.issue] terminal=%s code=%s", terminalID, code)
	return lc, nil
}

// ResolveCode 把登录码解析为终端
//
// 码必须未使用，且满足其一：
//   - 码所属终端仍为 idle
//   - 码在兜底 TTL 内
//
// 主 TTL 的“码已过期”体验由清扫器负责（删码并发通知），解析路径
// 只做宽松兜底。其余情况一律 ErrCodeNotFound，不区分“不存在”与
// “已过期”（避免探测）。
func (m *Manager) ResolveCode(ctx context.Context, code string) (*model.Terminal, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return nil, ErrCodeNotFound
	}

	lc, err := m.store.GetLoginCodeByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("lookup code: %w", err)
	}
	if lc == nil || lc.Used {
		return nil, ErrCodeNotFound
	}

	term, err := m.store.GetTerminal(ctx, lc.TerminalID)
	if err != nil {
		return nil, fmt.Errorf("get terminal: %w", err)
	}
	if term == nil {
		return nil, ErrCodeNotFound
	}

	if term.IsIdle() || lc.WithinTTL(time.Now(), FallbackTTL) {
		return term, nil
	}
	return nil, ErrCodeNotFound
}

// ConsumeCode 消费登录码（恰好一次）
//
// 两个并发消费者只有一个成功：存储层守卫 UPDATE 未命中返回 ErrConflict，
// 这里统一折叠为 ErrCodeNotFound。
func (m *Manager) ConsumeCode(ctx context.Context, code string) (*model.Terminal, error) {
	term, err := m.ResolveCode(ctx, code)
	if err != nil {
		return nil, err
	}

	lc, err := m.store.GetLoginCodeByCode(ctx, strings.ToLower(strings.TrimSpace(code)))
	if err != nil {
		return nil, fmt.Errorf("lookup code: %w", err)
	}
	if lc == nil {
		return nil, ErrCodeNotFound
	}

	if err := m.store.MarkLoginCodeUsed(ctx, lc.ID, time.Now()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("mark code used: %w", err)
	}

	log.Printf("[logincode.consume] terminal=%s code=%s", term.ID, lc.Code)
	return term, nil
}

// SweepExpired 清扫过期登录码
//
// 删除主 TTL 外的未使用码（每个发一条 code-expired 通知）。
// 已使用的码出了限流窗口才清理：窗口内的签发记录必须留在表里，
// 否则刚消费掉的码不再计数，限流可被绕过。返回删除的未使用码数量。
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()

	expired, err := m.store.ListExpiredLoginCodes(ctx, now.Add(-PrimaryTTL))
	if err != nil {
		return 0, fmt.Errorf("list expired codes: %w", err)
	}

	removed := 0
	for _, lc := range expired {
		if err := m.store.DeleteLoginCode(ctx, lc.ID); err != nil {
			log.Printf("[logincode.sweep] delete code %s failed: %v", lc.ID, err)
			continue
		}
		removed++

		m.publish(ctx, eventbus.NotifyCodeExpired, lc.TerminalID, map[string]interface{}{
			"code":       lc.Code,
			"created_at": lc.CreatedAt.Format(time.RFC3339),
		})
	}

	purged, err := m.store.PurgeUsedLoginCodes(ctx, now.Add(-RateLimitWindow))
	if err != nil {
		return removed, fmt.Errorf("purge used codes: %w", err)
	}

	if removed > 0 || purged > 0 {
		log.Printf("[logincode.sweep] expired=%d purged_used=%d", removed, purged)
	}
	return removed, nil
}

func (m *Manager) publish(ctx context.Context, typ eventbus.NotificationType, terminalID string, data map[string]interface{}) {
	notif := &eventbus.Notification{
		ID:         uuid.New().String(),
		Type:       typ,
		TerminalID: terminalID,
		Data:       data,
		Timestamp:  time.Now(),
	}
	if err := m.bus.PublishNotification(ctx, notif); err != nil {
		log.Printf("[logincode.notify] publish %s failed: %v", typ, err)
	}
}

// generateCode 生成 8 位十六进制小写登录码
func generateCode() (string, error) {
	buf := make([]byte, CodeLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
