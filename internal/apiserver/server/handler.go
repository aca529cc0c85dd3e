// Package server 路由配置
//
// 本文件定义 HTTP API 路由，将请求分发到各领域独立包。
// 仍保留在本包的模块：
//   - events.go: WebSocket 事件网关
//   - metrics.go: Prometheus 指标
package server

import (
	"errors"
	"net/http"
	"strconv"

	"caseflow/internal/apiserver/auth"
	"caseflow/internal/apiserver/definition"
	"caseflow/internal/apiserver/hitl"
	"caseflow/internal/apiserver/instance"
	"caseflow/internal/apiserver/worker"
	"caseflow/internal/shared/storage"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 定义管理 (Definition):
//   - POST /api/v1/definitions                                   - 创建草稿
//   - GET  /api/v1/definitions                                   - 列出定义
//   - GET  /api/v1/definitions/{id}                              - 最新已发布版本
//   - GET  /api/v1/definitions/{id}/versions/{version}           - 指定版本
//   - PUT  /api/v1/definitions/{id}/versions/{version}           - 修改草稿
//   - POST /api/v1/definitions/{id}/versions/{version}/publish   - 发布
//   - POST /api/v1/definitions/{id}/versions/{version}/validate  - 仅校验
//
// 实例管理 (Instance):
//   - POST /api/v1/instances               - 启动实例
//   - GET  /api/v1/instances               - 列出实例
//   - GET  /api/v1/instances/{id}          - 实例详情（含任务/检查点）
//   - POST /api/v1/instances/{id}/cancel   - 取消
//   - POST /api/v1/instances/{id}/resume   - 恢复升级态实例
//   - GET  /api/v1/instances/{id}/audit    - 审计台账回放
//   - POST /api/v1/instances/{id}/archive  - 台账归档
//
// Worker:
//   - POST /api/v1/worker/fetch   - 领取任务（长轮询）
//   - POST /api/v1/worker/ack     - 回执结果
//   - GET  /api/v1/worker/online  - 在线 Worker
//
// 人工检查点 (HITL):
//   - GET  /api/v1/checkpoints                - 列出检查点
//   - GET  /api/v1/checkpoints/{id}           - 检查点详情
//   - POST /api/v1/checkpoints/{id}/decision  - 提交决策
//
// 运维:
//   - GET /api/v1/tasks/{id}    - 任务详情
//   - GET /api/v1/audit/recent  - 最近审计记录
//   - GET /api/v1/stats         - 实例/任务状态分布
//   - GET /metrics              - Prometheus 指标
//
// WebSocket:
//   - GET /ws/instances/{id}/events - 实例事件实时推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// 定义管理接口
	defHandler := definition.NewHandler(h.defs)
	defHandler.RegisterRoutes(mux)

	// 实例管理接口
	instHandler := instance.NewHandler(h.store, h.engine, h.auditSvc, h.archiver)
	instHandler.RegisterRoutes(mux)

	// Worker 接口
	workerHandler := worker.NewHandler(h.store, h.engine, h.queue, h.cache, h.workerCfg)
	workerHandler.RegisterRoutes(mux)

	// HITL 接口
	hitlHandler := hitl.NewHandler(h.manager)
	hitlHandler.RegisterRoutes(mux)

	// 运维辅助接口
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("GET /api/v1/audit/recent", h.RecentAudit)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)

	// Auth 路由
	authHandler := auth.NewHandler(h.store, h.authCfg)
	authHandler.RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(mux)

	// 应用认证中间件
	authedHandler := auth.Middleware(h.authCfg)(apiHandler)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(authedHandler)

	// 创建顶层路由，WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	h.eventGateway.SetMetrics(h.metrics)
	topMux.HandleFunc("GET /ws/instances/{id}/events", h.eventGateway.HandleWebSocket)
	topMux.Handle("/", corsHandler)

	return topMux
}

// GetTask 获取任务详情
//
// 路由: GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// RecentAudit 列出最近的审计记录（跨实例）
//
// 路由: GET /api/v1/audit/recent
//
// 查询参数:
//   - limit: 返回数量限制，默认 100，最大 1000
func (h *Handler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	records, err := h.auditSvc.ListRecent(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
