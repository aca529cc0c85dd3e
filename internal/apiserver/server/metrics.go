// Package server Prometheus 指标导出
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API Server 指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 工作流指标
	InstancesTotal *prometheus.GaugeVec
	TasksTotal     *prometheus.GaugeVec
	TaskDuration   *prometheus.HistogramVec

	// SLA 指标
	SLABreachesTotal      *prometheus.CounterVec
	CheckpointsReassigned prometheus.Counter

	// Worker 指标
	WorkerFetchTotal   *prometheus.CounterVec
	WorkerFetchWaiting prometheus.Gauge

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		InstancesTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_total",
				Help:      "Total workflow instances by status",
			},
			[]string{"status"},
		),
		TasksTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total tasks by status",
			},
			[]string{"status"},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"topic", "outcome"},
		),
		SLABreachesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sla_breaches_total",
				Help:      "Total SLA breaches by step kind",
			},
			[]string{"kind"},
		),
		CheckpointsReassigned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_reassigned_total",
				Help:      "Total checkpoints reassigned to secondary pool",
			},
		),
		WorkerFetchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_fetch_total",
				Help:      "Total worker fetch requests",
			},
			[]string{"topic", "result"},
		),
		WorkerFetchWaiting: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_fetch_waiting",
				Help:      "Worker fetch requests currently long-polling",
			},
		),
		WSConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath 规范化路径，将 ID 替换为占位符
func normalizePath(path string) string {
	// 简单的路径规范化，避免高基数
	// 例如 /api/v1/instances/inst-123 -> /api/v1/instances/{id}
	switch {
	case len(path) > 20 && path[:20] == "/api/v1/definitions/":
		return "/api/v1/definitions/{id}"
	case len(path) > 18 && path[:18] == "/api/v1/instances/":
		return "/api/v1/instances/{id}"
	case len(path) > 14 && path[:14] == "/api/v1/tasks/":
		return "/api/v1/tasks/{id}"
	case len(path) > 20 && path[:20] == "/api/v1/checkpoints/":
		return "/api/v1/checkpoints/{id}"
	default:
		return path
	}
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTaskFinalized 记录任务终结指标
func (m *Metrics) RecordTaskFinalized(topic, outcome string, duration time.Duration) {
	m.TaskDuration.WithLabelValues(topic, outcome).Observe(duration.Seconds())
}

// RecordSLABreach 记录 SLA 违约
func (m *Metrics) RecordSLABreach(kind string) {
	m.SLABreachesTotal.WithLabelValues(kind).Inc()
}

// RecordWorkerFetch 记录 Worker 领取结果
func (m *Metrics) RecordWorkerFetch(topic, result string) {
	m.WorkerFetchTotal.WithLabelValues(topic, result).Inc()
}

// SetInstancesCount 设置实例数量
func (m *Metrics) SetInstancesCount(status string, count int) {
	m.InstancesTotal.WithLabelValues(status).Set(float64(count))
}

// SetTasksCount 设置任务数量
func (m *Metrics) SetTasksCount(status string, count int) {
	m.TasksTotal.WithLabelValues(status).Set(float64(count))
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() {
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() {
	m.WSConnectionsActive.Dec()
}

// RefreshGauges 从数据库刷新实例/任务状态分布
//
// cmd/api-server 以固定周期调用。
func (h *Handler) RefreshGauges(ctx context.Context) {
	if counts, err := h.store.CountInstancesByStatus(ctx); err == nil {
		for status, n := range counts {
			h.metrics.SetInstancesCount(status, n)
		}
	}
	if counts, err := h.store.CountTasksByStatus(ctx); err == nil {
		for status, n := range counts {
			h.metrics.SetTasksCount(status, n)
		}
	}
}
