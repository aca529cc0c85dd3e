// Package instance 流程实例管理接口
//
// 提供实例启动、查询、取消、恢复、审计回放与台账归档能力。
package instance

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"caseflow/internal/apiserver/auth"
	"caseflow/internal/audit"
	"caseflow/internal/orchestrator"
	"caseflow/internal/shared/storage"
)

// Handler 实例相关的 HTTP 处理器
type Handler struct {
	store    storage.PersistentStore
	engine   *orchestrator.Engine
	auditSvc *audit.Service
	archiver *audit.Archiver // 对象存储未配置时为 nil
}

// NewHandler 创建实例处理器
func NewHandler(store storage.PersistentStore, engine *orchestrator.Engine, auditSvc *audit.Service, archiver *audit.Archiver) *Handler {
	return &Handler{store: store, engine: engine, auditSvc: auditSvc, archiver: archiver}
}

// RegisterRoutes 注册实例路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/instances", h.Start)
	mux.HandleFunc("GET /api/v1/instances", h.List)
	mux.HandleFunc("GET /api/v1/instances/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/instances/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/instances/{id}/resume", h.Resume)
	mux.HandleFunc("GET /api/v1/instances/{id}/audit", h.Audit)
	mux.HandleFunc("POST /api/v1/instances/{id}/archive", h.Archive)
}

// ============================================================================
// 请求/响应结构
// ============================================================================

type startRequest struct {
	DefinitionID string          `json:"definition_id"`
	Version      int             `json:"version"` // 0 表示最新已发布版本
	Context      json.RawMessage `json:"context,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// ============================================================================
// Handlers
// ============================================================================

// Start 启动实例
//
// 路由: POST /api/v1/instances
//
// 请求体:
//
//	{"definition_id": "wf-approval", "version": 3, "context": {...}}
//
// version 缺省或为 0 时使用最新已发布版本。
// 只有 published 定义可启动实例，否则返回 409。
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DefinitionID == "" {
		writeError(w, http.StatusBadRequest, "definition_id is required")
		return
	}

	inst, err := h.engine.StartInstance(r.Context(), req.DefinitionID, req.Version, req.Context)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "definition not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, storage.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("[instance.start] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to start instance")
		}
		return
	}

	log.Printf("[instance] started: %s definition=%s v%d", inst.ID, inst.DefinitionID, inst.DefinitionVersion)
	writeJSON(w, http.StatusCreated, inst)
}

// List 列出实例
//
// 路由: GET /api/v1/instances
//
// 查询参数:
//   - status: 过滤状态（running/waiting_human/escalated/completed/failed）
//   - limit: 返回数量限制，默认 50，最大 500
//   - offset: 偏移量
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	instances, err := h.store.ListInstances(r.Context(), status, limit, offset)
	if err != nil {
		log.Printf("[instance.list] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances, "count": len(instances)})
}

// Get 获取实例详情
//
// 路由: GET /api/v1/instances/{id}
//
// 响应附带实例的全部任务与检查点。
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inst, err := h.store.GetInstance(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		log.Printf("[instance.get] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get instance")
		return
	}

	tasks, err := h.store.ListTasksByInstance(r.Context(), id)
	if err != nil {
		log.Printf("[instance.get] ListTasksByInstance error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get instance tasks")
		return
	}
	checkpoints, err := h.store.ListCheckpointsByInstance(r.Context(), id)
	if err != nil {
		log.Printf("[instance.get] ListCheckpointsByInstance error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get instance checkpoints")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance":    inst,
		"tasks":       tasks,
		"checkpoints": checkpoints,
	})
}

// Cancel 取消实例
//
// 路由: POST /api/v1/instances/{id}/cancel
//
// 已终结实例返回 409。取消会批量终结实例的未完任务。
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	if err := h.engine.CancelInstance(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "instance not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, "instance already finished")
		default:
			log.Printf("[instance.cancel] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel instance")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Resume 恢复升级态实例
//
// 路由: POST /api/v1/instances/{id}/resume
//
// 只有 escalated 实例可恢复；恢复后游标上的失败任务重新入队。
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	operator := "operator"
	if user := auth.GetAuthUser(r.Context()); user != nil {
		operator = user.Email
	}

	if err := h.engine.ResumeInstance(r.Context(), r.PathValue("id"), operator); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "instance not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, "only escalated instances can be resumed")
		default:
			log.Printf("[instance.resume] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to resume instance")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// Audit 回放实例审计台账
//
// 路由: GET /api/v1/instances/{id}/audit
//
// 返回按 record_id 升序的完整事件序列。
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	records, err := h.auditSvc.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		log.Printf("[instance.audit] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to replay audit ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

// Archive 将终结实例的台账归档到对象存储
//
// 路由: POST /api/v1/instances/{id}/archive
//
// 未终结实例返回 409；对象存储未配置返回 503。
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}

	id := r.PathValue("id")
	if err := h.archiver.Archive(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "instance not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, "only finished instances can be archived")
		default:
			log.Printf("[instance.archive] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to archive instance")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived", "object_key": audit.ObjectKey(id)})
}

// ============================================================================
// 工具函数
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
