// Package server Prometheus 指标导出
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rentalps-admin/internal/shared/model"
)

// Metrics 包含所有 API Server 指标
//
// 每个实例持有独立的 Registry，避免多实例（测试场景）在
// 默认注册表上重复注册。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 监控引擎指标
	MonitorCyclesTotal   prometheus.Counter
	MonitorCycleDuration prometheus.Histogram
	TerminalsByStatus    *prometheus.GaugeVec
	RecoveriesTotal      *prometheus.CounterVec

	// 通知与 WebSocket 指标
	NotificationsTotal  *prometheus.CounterVec
	WSObserversActive   prometheus.Gauge
	TerminalsConnected  prometheus.Gauge
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method"},
		),
		MonitorCyclesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_cycles_total",
				Help:      "Total monitoring cycles completed",
			},
		),
		MonitorCycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "monitor_cycle_duration_seconds",
				Help:      "Monitoring cycle duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		TerminalsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "terminals_by_status",
				Help:      "Terminals per derived status as of the last cycle",
			},
			[]string{"status"},
		),
		RecoveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Automatic recoveries by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications forwarded to observers by type",
			},
			[]string{"type"},
		),
		WSObserversActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_observers_active",
				Help:      "Currently connected observer WebSocket clients",
			},
		),
		TerminalsConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "terminals_connected",
				Help:      "Terminals currently connected to the command channel",
			},
		),
	}
}

// Handler 返回 /metrics 的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CycleCompleted 实现 monitor.Observer
func (m *Metrics) CycleCompleted(duration time.Duration, evaluated int) {
	m.MonitorCyclesTotal.Inc()
	m.MonitorCycleDuration.Observe(duration.Seconds())
}

// StatusCounts 实现 monitor.Observer
func (m *Metrics) StatusCounts(counts map[model.TerminalStatus]int) {
	m.TerminalsByStatus.Reset()
	for status, n := range counts {
		m.TerminalsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// RecoveryFinished 实现 monitor.Observer
func (m *Metrics) RecoveryFinished(strategy string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.RecoveriesTotal.WithLabelValues(strategy, outcome).Inc()
}

// statusRecorder 捕获响应状态码的 ResponseWriter 包装
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHTTP HTTP 请求指标中间件
//
// WebSocket 升级请求绕过包装（Hijacker 透传问题），不计入时延。
func (m *Metrics) InstrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method).Observe(time.Since(started).Seconds())
	})
}
