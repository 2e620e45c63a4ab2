package monitor

import (
	"sync"
	"time"
)

// cooldownTable 按 key 记录最近一次放行时间的并发安全冷却表
//
// 用于抑制事件风暴：同一 (终端, 事件类型) 在冷却窗口内只放行一次。
// 条目只增不减，需定期调用 GC 清理早已过窗的 key。
type cooldownTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func newCooldownTable(ttl time.Duration) *cooldownTable {
	return &cooldownTable{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Allow 判定 key 是否放行；放行的同时刷新记录
func (c *cooldownTable) Allow(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.entries[key]; ok && now.Sub(last) < c.ttl {
		return false
	}
	c.entries[key] = now
	return true
}

// GC 清理超过冷却窗口两倍的陈旧条目，返回清理数量
func (c *cooldownTable) GC() int {
	cutoff := time.Now().Add(-2 * c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, last := range c.entries {
		if last.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *cooldownTable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// keyedSet 并发安全的字符串集合，用于终端级的 in-flight 互斥
type keyedSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newKeyedSet() *keyedSet {
	return &keyedSet{keys: make(map[string]struct{})}
}

// TryAcquire 尝试占有 key；已被占有返回 false
func (s *keyedSet) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *keyedSet) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}
