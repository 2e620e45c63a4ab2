package model

import (
	"testing"
	"time"
)

func TestSessionRemainingSeconds(t *testing.T) {
	now := time.Now()
	s := &Session{
		Status:  SessionStatusActive,
		StartAt: now.Add(-10 * time.Minute),
		EndAt:   now.Add(35 * time.Minute),
	}

	if got := s.RemainingSeconds(now); got != 35*60 {
		t.Errorf("RemainingSeconds = %d, want %d", got, 35*60)
	}

	// 永不为负
	if got := s.RemainingSeconds(now.Add(time.Hour)); got != 0 {
		t.Errorf("RemainingSeconds past end = %d, want 0", got)
	}

	// 已结束的会话剩余时长恒为 0
	s.Status = SessionStatusEnded
	if got := s.RemainingSeconds(now); got != 0 {
		t.Errorf("RemainingSeconds on ended session = %d, want 0", got)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{Status: SessionStatusActive, EndAt: now.Add(time.Minute)}

	if s.Expired(now) {
		t.Error("session with future end should not be expired")
	}
	if !s.Expired(now.Add(time.Minute)) {
		t.Error("session at end time should be expired")
	}

	s.Status = SessionStatusEnded
	if s.Expired(now.Add(time.Hour)) {
		t.Error("ended session should never report expired")
	}
}

func TestSessionUnusedMinutes(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		endIn time.Duration
		want  int
	}{
		{"剩余 35 分钟整", 35 * time.Minute, 35},
		{"不足一分钟向下取整", 35*time.Minute + 40*time.Second, 35},
		{"已到期", -time.Minute, 0},
		{"恰好到期", 0, 0},
	}

	for _, tt := range tests {
		s := &Session{Status: SessionStatusActive, EndAt: now.Add(tt.endIn)}
		if got := s.UnusedMinutes(now); got != tt.want {
			t.Errorf("%s: UnusedMinutes = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestTerminalHeartbeatFresh(t *testing.T) {
	now := time.Now()
	stale := 60 * time.Second

	term := &Terminal{}
	if term.HeartbeatFresh(now, stale) {
		t.Error("terminal without heartbeat should be stale")
	}

	recent := now.Add(-30 * time.Second)
	term.LastHeartbeatAt = &recent
	if !term.HeartbeatFresh(now, stale) {
		t.Error("30s-old heartbeat should be fresh within 60s window")
	}

	old := now.Add(-90 * time.Second)
	term.LastHeartbeatAt = &old
	if term.HeartbeatFresh(now, stale) {
		t.Error("90s-old heartbeat should be stale")
	}
}

func TestLoginCodeReusable(t *testing.T) {
	now := time.Now()
	ttl := 5 * time.Minute

	code := &LoginCode{Code: "a1b2c3d4", CreatedAt: now.Add(-time.Minute)}
	if !code.Reusable(now, ttl) {
		t.Error("unused code within TTL should be reusable")
	}

	code.Used = true
	if code.Reusable(now, ttl) {
		t.Error("used code should never be reusable")
	}

	code.Used = false
	code.CreatedAt = now.Add(-10 * time.Minute)
	if code.Reusable(now, ttl) {
		t.Error("code past TTL should not be reusable")
	}
}

func TestTerminalLockHeldBy(t *testing.T) {
	now := time.Now()
	lock := &TerminalLock{TerminalID: "tv-01", ClaimantID: "A", ExpiresAt: now.Add(120 * time.Second)}

	if !lock.HeldBy("A", now) {
		t.Error("lock should be held by claimant A")
	}
	if lock.HeldBy("B", now) {
		t.Error("lock should not be held by claimant B")
	}
	if lock.HeldBy("A", now.Add(3*time.Minute)) {
		t.Error("expired lock should not be held")
	}
}
