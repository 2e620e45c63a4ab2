// Package bridge 桥接通道 mock 实现（用于测试）
package bridge

import (
	"context"
	"sync"
	"time"

	"rentalps-admin/internal/shared/model"
)

// MockChannel 脚本化的 CommandChannel 实现
//
// 每个终端可独立设置可达性、进程状态和命令失败脚本；
// 所有下发的命令都会被记录，供恢复策略测试断言。
type MockChannel struct {
	mu sync.Mutex

	alive    map[string]bool
	process  map[string]model.ProcessState
	probeErr map[string]error
	cmdErr   map[string]error // key: terminalID+":"+command

	commands []MockCommand
}

// MockCommand 一次被记录的命令下发
type MockCommand struct {
	TerminalID string
	Command    string
	Payload    string
	At         time.Time
}

// NewMockChannel 创建 mock 通道
func NewMockChannel() *MockChannel {
	return &MockChannel{
		alive:    make(map[string]bool),
		process:  make(map[string]model.ProcessState),
		probeErr: make(map[string]error),
		cmdErr:   make(map[string]error),
	}
}

var _ CommandChannel = (*MockChannel)(nil)

// SetAlive 设置终端可达性
func (m *MockChannel) SetAlive(terminalID string, alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[terminalID] = alive
}

// SetProcessState 设置终端进程状态
func (m *MockChannel) SetProcessState(terminalID string, state model.ProcessState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.process[terminalID] = state
}

// SetProbeError 设置探测返回的错误（模拟超时等）
func (m *MockChannel) SetProbeError(terminalID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeErr[terminalID] = err
}

// SetCommandError 设置指定命令返回的错误
func (m *MockChannel) SetCommandError(terminalID, command string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmdErr[terminalID+":"+command] = err
}

// Commands 返回已记录命令的快照
func (m *MockChannel) Commands() []MockCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCommand, len(m.commands))
	copy(out, m.commands)
	return out
}

// CommandsFor 返回指定终端收到的命令名序列
func (m *MockChannel) CommandsFor(terminalID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.commands {
		if c.TerminalID == terminalID {
			out = append(out, c.Command)
		}
	}
	return out
}

func (m *MockChannel) record(terminalID, command, payload string) {
	m.commands = append(m.commands, MockCommand{
		TerminalID: terminalID, Command: command, Payload: payload, At: time.Now(),
	})
}

// Probe 脚本化探测
func (m *MockChannel) Probe(ctx context.Context, terminalID string) (*ProbeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(terminalID, "ping", "")

	if err := m.probeErr[terminalID]; err != nil {
		return nil, err
	}
	if !m.alive[terminalID] {
		return nil, ErrChannelUnreachable
	}
	return &ProbeResult{Alive: true, Latency: 5 * time.Millisecond}, nil
}

// QueryProcess 脚本化进程查询
func (m *MockChannel) QueryProcess(ctx context.Context, terminalID string) (model.ProcessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(terminalID, "query-process", "")

	if err := m.cmdErr[terminalID+":query-process"]; err != nil {
		return model.ProcessStateUnknown, err
	}
	state, ok := m.process[terminalID]
	if !ok {
		return model.ProcessStateUnknown, nil
	}
	return state, nil
}

// LaunchApp 脚本化拉起
func (m *MockChannel) LaunchApp(ctx context.Context, terminalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(terminalID, "launch", "")
	return m.cmdErr[terminalID+":launch"]
}

// ForceStopApp 脚本化强停
func (m *MockChannel) ForceStopApp(ctx context.Context, terminalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(terminalID, "force-stop", "")
	return m.cmdErr[terminalID+":force-stop"]
}

// PushInstall 脚本化推送安装
func (m *MockChannel) PushInstall(ctx context.Context, terminalID string, packageURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(terminalID, "push-install", packageURL)
	return m.cmdErr[terminalID+":push-install"]
}
