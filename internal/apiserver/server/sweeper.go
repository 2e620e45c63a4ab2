// Package server 后台清扫循环
package server

import (
	"context"
	"log"
	"time"
)

// DefaultSweepInterval 清扫间隔
//
// 三类对象共用一个节拍：过期登录码、过期终端锁、过期未关闭会话。
// 定时器和事件路径是主路径，清扫只是兜底，不需要更细的粒度。
const DefaultSweepInterval = 30 * time.Second

// RunSweeper 周期执行全部清扫（阻塞到 ctx 取消，调用方负责起 goroutine）
func (h *Handler) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	log.Printf("[server.sweeper] started interval=%s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[server.sweeper] stopped")
			return
		case <-ticker.C:
			h.sweepOnce(ctx)
		}
	}
}

func (h *Handler) sweepOnce(ctx context.Context) {
	if _, err := h.codes.SweepExpired(ctx); err != nil {
		log.Printf("[server.sweeper] login codes: %v", err)
	}
	if _, err := h.locks.SweepExpired(ctx); err != nil {
		log.Printf("[server.sweeper] locks: %v", err)
	}
	if _, err := h.sessions.ReconcileExpired(ctx); err != nil {
		log.Printf("[server.sweeper] sessions: %v", err)
	}

	if h.metrics != nil {
		h.metrics.TerminalsConnected.Set(float64(h.hub.ConnectedCount()))
	}
}
