// Package hitl 人工检查点裁决接口
//
// 审核人在此列出待裁决检查点并提交 approve / reject / edit 决策。
// 决策首写生效：并发提交只有第一个成功，其余返回 409。
package hitl

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/containerd/errdefs"

	"caseflow/internal/apiserver/auth"
	"caseflow/internal/checkpoint"
	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

// Handler 检查点相关的 HTTP 处理器
type Handler struct {
	manager *checkpoint.Manager
}

// NewHandler 创建检查点处理器
func NewHandler(manager *checkpoint.Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes 注册检查点路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/checkpoints", h.List)
	mux.HandleFunc("GET /api/v1/checkpoints/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/checkpoints/{id}/decision", h.Decide)
}

// ============================================================================
// 请求/响应结构
// ============================================================================

type decisionRequest struct {
	Decision string          `json:"decision"` // approve | reject | edit
	Patch    json.RawMessage `json:"patch,omitempty"`
	Actor    string          `json:"actor,omitempty"` // 认证开启时忽略，以令牌身份为准
}

// ============================================================================
// Handlers
// ============================================================================

// List 列出检查点
//
// 路由: GET /api/v1/checkpoints
//
// 查询参数:
//   - status: 过滤状态（pending/reassigned/decided），缺省返回全部
//   - limit: 返回数量限制，默认 50，最大 500
//   - offset: 偏移量
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	checkpoints, err := h.manager.List(r.Context(), status, limit, offset)
	if err != nil {
		log.Printf("[hitl.list] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": checkpoints, "count": len(checkpoints)})
}

// Get 获取检查点详情
//
// 路由: GET /api/v1/checkpoints/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	cp, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "checkpoint not found")
			return
		}
		log.Printf("[hitl.get] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// Decide 提交检查点决策
//
// 路由: POST /api/v1/checkpoints/{id}/decision
//
// 请求体:
//
//	{"decision": "approve"}
//	{"decision": "edit", "patch": {"amount": 900}}
//	{"decision": "reject"}
//
// 裁决人取自认证令牌；认证关闭时退回请求体 actor 字段。
//
// 错误响应:
//   - 400: 未知 decision
//   - 403: 裁决人不在审核池内
//   - 404: 检查点不存在
//   - 409: 决策已存在（首写生效）
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor := req.Actor
	if user := auth.GetAuthUser(r.Context()); user != nil {
		actor = user.Email
	}
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	cp, err := h.manager.Decide(r.Context(), r.PathValue("id"), actor, model.Decision(req.Decision), req.Patch)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errdefs.IsPermissionDenied(err):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "checkpoint not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, "checkpoint already decided")
		default:
			log.Printf("[hitl.decide] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to record decision")
		}
		return
	}

	log.Printf("[hitl] decision recorded: checkpoint=%s decision=%s by=%s", cp.ID, req.Decision, actor)
	writeJSON(w, http.StatusOK, cp)
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
