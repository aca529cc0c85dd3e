// Package server 提供 HTTP API 处理器
//
// 本包实现工作流编排系统的 RESTful API 入口，包括：
//   - 流程定义管理（definition 包）
//   - 实例生命周期管理（instance 包）
//   - Worker 任务领取/回执（worker 包）
//   - 人工检查点裁决（hitl 包）
//   - WebSocket 实例事件推送
//
// 文件组织：
//   - common.go: 通用工具函数和 Handler 定义
//   - handler.go: 路由配置
//   - events.go: WebSocket 事件网关
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/containerd/errdefs"

	"caseflow/internal/apiserver/auth"
	"caseflow/internal/audit"
	"caseflow/internal/checkpoint"
	"caseflow/internal/config"
	"caseflow/internal/definition"
	"caseflow/internal/orchestrator"
	"caseflow/internal/shared/cache"
	"caseflow/internal/shared/eventbus"
	"caseflow/internal/shared/infra"
	"caseflow/internal/shared/queue"
	"caseflow/internal/shared/storage"
)

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到各领域处理包
//   - 持有领域服务（定义、引擎、检查点、审计）
//   - 协调事件网关与指标
type Handler struct {
	store storage.PersistentStore // 持久化存储（业务数据 + 审计台账）

	// 通知与缓存接口
	queue queue.Queue       // 任务就绪/推进通知
	bus   eventbus.EventBus // 实例事件/升级事件总线
	cache cache.Cache       // 定义缓存 + Worker 心跳

	// 领域服务
	defs     *definition.Service  // 定义生命周期
	engine   *orchestrator.Engine // 实例推进引擎
	manager  *checkpoint.Manager  // 检查点裁决
	auditSvc *audit.Service       // 审计台账回放
	archiver *audit.Archiver      // 台账归档（对象存储未配置时为 nil）

	workerCfg config.WorkerConfig // Worker fetch 的租约与长轮询上限
	authCfg   auth.Config

	// 内部组件
	eventGateway *EventGateway // WebSocket 事件网关
	metrics      *Metrics      // Prometheus 指标
}

// NewHandler 创建 Handler 实例
//
// infra 携带存储与 Redis 各接口；engine/manager 等领域服务由
// 调用方（cmd/api-server）构建后注入。
func NewHandler(inf *infra.Infrastructure, defs *definition.Service, engine *orchestrator.Engine,
	manager *checkpoint.Manager, archiver *audit.Archiver, workerCfg config.WorkerConfig, authCfg auth.Config) *Handler {
	h := &Handler{
		store:     inf.Storage,
		queue:     inf.Queue,
		bus:       inf.EventBus,
		cache:     inf.Cache,
		defs:      defs,
		engine:    engine,
		manager:   manager,
		auditSvc:  audit.NewService(inf.Storage),
		archiver:  archiver,
		workerCfg: workerCfg,
		authCfg:   authCfg,
	}
	h.eventGateway = NewEventGateway(inf.Storage, inf.EventBus)
	h.metrics = NewMetrics("api")
	return h
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError 将领域错误映射为 HTTP 状态码
//
// 映射规则：
//   - ErrNotFound         -> 404
//   - ErrConflict         -> 409
//   - ErrValidation       -> 400
//   - ErrPermissionDenied -> 403
//   - 其余               -> 500
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errdefs.IsPermissionDenied(err):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
