// Package monitor 监控引擎配置
package monitor

import "time"

// Config 监控引擎配置
type Config struct {
	// Interval 周期扫描间隔
	Interval time.Duration `yaml:"interval"`

	// Probe 网络探测配置
	Probe ProbeConfig `yaml:"probe"`

	// HeartbeatStaleAfter 心跳超过此时长视为过期
	HeartbeatStaleAfter time.Duration `yaml:"heartbeat_stale_after"`

	// Recovery 自动恢复配置
	Recovery RecoveryConfig `yaml:"recovery"`

	// EventCooldown 同一 (终端, 事件类型) 的通知冷却时长
	EventCooldown time.Duration `yaml:"event_cooldown"`

	// CooldownGCInterval 冷却表垃圾回收间隔
	CooldownGCInterval time.Duration `yaml:"cooldown_gc_interval"`
}

// ProbeConfig 网络探测配置
type ProbeConfig struct {
	// Timeout 单次探测超时
	Timeout time.Duration `yaml:"timeout"`

	// Retries 失败后的重试次数（总尝试数 = 1 + Retries）
	Retries int `yaml:"retries"`
}

// RecoveryConfig 自动恢复配置
//
// 恢复尝试不设上限：终端是无人值守的出租设备，
// 只要窗口内反复失败就反复拉，靠计数窗口衰减观察长期故障。
type RecoveryConfig struct {
	// SettleDelay 强停与重新拉起之间的静置时长
	SettleDelay time.Duration `yaml:"settle_delay"`

	// AttemptResetWindow 距上次恢复超过此时长后尝试计数归零
	AttemptResetWindow time.Duration `yaml:"attempt_reset_window"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Interval: 45 * time.Second,
		Probe: ProbeConfig{
			Timeout: 3 * time.Second,
			Retries: 2,
		},
		HeartbeatStaleAfter: 60 * time.Second,
		Recovery: RecoveryConfig{
			SettleDelay:        3 * time.Second,
			AttemptResetWindow: 10 * time.Minute,
		},
		EventCooldown:      2500 * time.Millisecond,
		CooldownGCInterval: time.Minute,
	}
}

// Validate 校验并修正配置，非法值回退到默认值
func (c *Config) Validate() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = def.Probe.Timeout
	}
	if c.Probe.Retries < 0 {
		c.Probe.Retries = def.Probe.Retries
	}
	if c.HeartbeatStaleAfter <= 0 {
		c.HeartbeatStaleAfter = def.HeartbeatStaleAfter
	}
	if c.Recovery.SettleDelay < 0 {
		c.Recovery.SettleDelay = def.Recovery.SettleDelay
	}
	if c.Recovery.AttemptResetWindow <= 0 {
		c.Recovery.AttemptResetWindow = def.Recovery.AttemptResetWindow
	}
	if c.EventCooldown <= 0 {
		c.EventCooldown = def.EventCooldown
	}
	if c.CooldownGCInterval <= 0 {
		c.CooldownGCInterval = def.CooldownGCInterval
	}
}
