// Package definition 流程定义管理接口
//
// 提供定义草稿的创建/修改、版本发布与查询能力。
// 请求体支持 JSON 与 YAML 两种格式（按 Content-Type 区分）。
package definition

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	defsvc "caseflow/internal/definition"
	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

// Handler 定义相关的 HTTP 处理器
type Handler struct {
	svc *defsvc.Service
}

// NewHandler 创建定义处理器
func NewHandler(svc *defsvc.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册定义路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/definitions", h.CreateDraft)
	mux.HandleFunc("GET /api/v1/definitions", h.List)
	mux.HandleFunc("GET /api/v1/definitions/{id}", h.GetLatest)
	mux.HandleFunc("GET /api/v1/definitions/{id}/versions/{version}", h.GetVersion)
	mux.HandleFunc("PUT /api/v1/definitions/{id}/versions/{version}", h.UpdateDraft)
	mux.HandleFunc("POST /api/v1/definitions/{id}/versions/{version}/publish", h.Publish)
	mux.HandleFunc("POST /api/v1/definitions/{id}/versions/{version}/validate", h.Validate)
}

// ============================================================================
// Handlers
// ============================================================================

// CreateDraft 创建定义草稿
//
// 路由: POST /api/v1/definitions
//
// 请求体为完整定义文档：
//   - Content-Type: application/json -> JSON 格式
//   - Content-Type: application/yaml | text/yaml -> YAML 格式
//
// 版本号由服务端分配（最新版本 + 1），忽略请求体中的 version。
func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.CreateDraft(r.Context(), def); err != nil {
		if errors.Is(err, storage.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[definition.create] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create definition")
		return
	}

	log.Printf("[definition] draft created: %s v%d", def.ID, def.Version)
	writeJSON(w, http.StatusCreated, def)
}

// List 列出定义
//
// 路由: GET /api/v1/definitions
//
// 查询参数:
//   - status: 过滤状态（draft/published），缺省返回全部
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	defs, err := h.svc.List(r.Context(), status)
	if err != nil {
		log.Printf("[definition.list] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list definitions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"definitions": defs, "count": len(defs)})
}

// GetLatest 获取最新已发布版本
//
// 路由: GET /api/v1/definitions/{id}
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.GetLatestPublished(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "definition not found")
			return
		}
		log.Printf("[definition.get] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get definition")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// GetVersion 获取指定版本（含 draft）
//
// 路由: GET /api/v1/definitions/{id}/versions/{version}
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}

	def, err := h.svc.Get(r.Context(), r.PathValue("id"), version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "definition not found")
			return
		}
		log.Printf("[definition.get] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get definition")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// UpdateDraft 修改草稿内容
//
// 路由: PUT /api/v1/definitions/{id}/versions/{version}
//
// 只有 draft 行可修改；published 版本不可变，返回 409。
func (h *Handler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}

	def, err := decodeDefinition(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	def.ID = r.PathValue("id")
	def.Version = version

	if err := h.svc.UpdateDraft(r.Context(), def); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "draft not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, "published versions are immutable")
		default:
			log.Printf("[definition.update] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to update draft")
		}
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// Publish 发布指定版本
//
// 路由: POST /api/v1/definitions/{id}/versions/{version}/publish
//
// 发布前做完整校验；校验失败返回 400 并附带错误与告警列表。
// 重复发布返回 409。
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}

	def, result, err := h.svc.Publish(r.Context(), r.PathValue("id"), version)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrValidation):
			resp := map[string]interface{}{"error": "validation failed"}
			if result != nil {
				resp["errors"] = result.Errors
				resp["warnings"] = result.Warnings
			}
			writeJSON(w, http.StatusBadRequest, resp)
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "definition not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, "version already published")
		default:
			log.Printf("[definition.publish] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to publish definition")
		}
		return
	}

	resp := map[string]interface{}{"definition": def}
	if result != nil && len(result.Warnings) > 0 {
		resp["warnings"] = result.Warnings
	}
	writeJSON(w, http.StatusOK, resp)
}

// Validate 校验指定版本但不发布
//
// 路由: POST /api/v1/definitions/{id}/versions/{version}/validate
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}

	def, err := h.svc.Get(r.Context(), r.PathValue("id"), version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "definition not found")
			return
		}
		log.Printf("[definition.validate] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get definition")
		return
	}

	result := defsvc.Validate(def)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       result.OK(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// ============================================================================
// 工具函数
// ============================================================================

// decodeDefinition 按 Content-Type 解析定义文档
func decodeDefinition(r *http.Request) (*model.WorkflowDefinition, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "yaml") {
		return defsvc.ParseYAML(body)
	}

	var def model.WorkflowDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, errors.New("invalid request body")
	}
	return &def, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
