// Package worker Worker 任务领取/回执接口
//
// Worker 通过长轮询 fetch 领取任务，执行完成后 ack 回执结果。
// tasks 表是队列的事实来源：fetch 先直查数据库，落空后阻塞在
// Redis Streams 就绪通知上，被唤醒（或超时前的周期兜底）再查一次。
// 通知丢失只会让任务等到下一轮 fetch，不会丢任务。
package worker

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/model"
	"caseflow/internal/orchestrator"
	"caseflow/internal/shared/cache"
	"caseflow/internal/shared/queue"
	"caseflow/internal/shared/storage"
)

// Handler Worker 相关的 HTTP 处理器
type Handler struct {
	store      storage.PersistentStore
	engine     *orchestrator.Engine
	taskQueue  queue.TaskQueue
	heartbeats cache.WorkerHeartbeatCache
	cfg        config.WorkerConfig
}

// NewHandler 创建 Worker 处理器
func NewHandler(store storage.PersistentStore, engine *orchestrator.Engine,
	taskQueue queue.TaskQueue, heartbeats cache.WorkerHeartbeatCache, cfg config.WorkerConfig) *Handler {
	return &Handler{
		store:      store,
		engine:     engine,
		taskQueue:  taskQueue,
		heartbeats: heartbeats,
		cfg:        cfg,
	}
}

// RegisterRoutes 注册 Worker 路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/worker/fetch", h.Fetch)
	mux.HandleFunc("POST /api/v1/worker/ack", h.Ack)
	mux.HandleFunc("GET /api/v1/worker/online", h.ListOnline)
}

// ============================================================================
// 请求/响应结构
// ============================================================================

type fetchRequest struct {
	Topic    string `json:"topic"`
	WorkerID string `json:"worker_id"`
	Wait     string `json:"wait,omitempty"`  // 长轮询等待时长，如 "20s"
	Lease    string `json:"lease,omitempty"` // 租约时长，缺省用服务端默认值
}

type ackRequest struct {
	TaskID  string          `json:"task_id"`
	Outcome string          `json:"outcome"` // done | failed
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ============================================================================
// Handlers
// ============================================================================

// Fetch 领取任务（长轮询）
//
// 路由: POST /api/v1/worker/fetch
//
// 请求体:
//
//	{"topic": "billing", "worker_id": "worker-1", "wait": "20s"}
//
// 响应:
//   - 200: 领取到的任务（dispatched、租约已设置、attempt_count 已递增）
//   - 204: 等待期内无任务
//
// 同一任务不会被两个 Worker 同时领到：领取是数据库条件更新，
// Redis 通知只负责唤醒。
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Topic == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "topic and worker_id are required")
		return
	}

	wait := parseDurationOr(req.Wait, 0)
	if wait > h.cfg.MaxWait {
		wait = h.cfg.MaxWait
	}
	lease := parseDurationOr(req.Lease, h.cfg.DefaultLease)

	h.touchHeartbeat(r, req.WorkerID, req.Topic, "")

	// 先直查数据库
	task, err := h.store.ClaimTask(r.Context(), req.Topic, lease)
	if err != nil {
		log.Printf("[worker.fetch] ClaimTask error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to claim task")
		return
	}
	if task == nil && wait > 0 {
		task = h.waitForTask(r, req.Topic, req.WorkerID, wait, lease)
	}

	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.touchHeartbeat(r, req.WorkerID, req.Topic, task.ID)
	log.Printf("[worker.fetch] claimed task=%s topic=%s worker=%s attempt=%d",
		task.ID, task.Topic, req.WorkerID, task.AttemptCount)
	writeJSON(w, http.StatusOK, task)
}

// waitForTask 阻塞在就绪通知上，被唤醒后重新领取
//
// 通知是共享广播：别的 Worker 可能先领走，所以每次唤醒后都要
// 重新 ClaimTask；落空则继续等待剩余时长。
func (h *Handler) waitForTask(r *http.Request, topic, workerID string, wait, lease time.Duration) *model.Task {
	if h.taskQueue == nil {
		return nil
	}

	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		block := remaining
		if block > 5*time.Second {
			block = 5 * time.Second
		}

		notices, err := h.taskQueue.ConsumeTaskNotices(r.Context(), topic, workerID, 1, block)
		if err != nil {
			log.Printf("[worker.fetch] ConsumeTaskNotices error: %v", err)
			return nil
		}
		for _, n := range notices {
			h.taskQueue.AckTaskNotice(r.Context(), topic, n.ID)
		}

		// 通知流不可用或未阻塞时（如 NoOp 队列）退化为固定间隔轮询
		if len(notices) == 0 {
			sleep := 500 * time.Millisecond
			if sleep > remaining {
				sleep = remaining
			}
			select {
			case <-r.Context().Done():
				return nil
			case <-time.After(sleep):
			}
		}

		task, err := h.store.ClaimTask(r.Context(), topic, lease)
		if err != nil {
			log.Printf("[worker.fetch] ClaimTask error: %v", err)
			return nil
		}
		if task != nil {
			return task
		}
	}
}

// Ack 回执任务结果
//
// 路由: POST /api/v1/worker/ack
//
// 请求体:
//
//	{"task_id": "task-abc", "outcome": "done", "result": {...}}
//	{"task_id": "task-abc", "outcome": "failed", "error": "timeout"}
//
// 重复回执是无害空操作，返回 200 与当前任务状态（至少一次投递下
// Worker 重试 ack 不会产生副作用）。
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	var outcome model.TaskOutcome
	switch req.Outcome {
	case "done":
		outcome = model.TaskOutcomeDone
	case "failed":
		outcome = model.TaskOutcomeFailed
	default:
		writeError(w, http.StatusBadRequest, "outcome must be done or failed")
		return
	}

	task, err := h.engine.HandleTaskOutcome(r.Context(), req.TaskID, outcome, req.Result, req.Error)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyFinalized):
			// 幂等：首次回执已生效
			writeJSON(w, http.StatusOK, map[string]interface{}{"status": "already_finalized", "task": task})
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		default:
			log.Printf("[worker.ack] error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to finalize task")
		}
		return
	}

	log.Printf("[worker.ack] task=%s outcome=%s", req.TaskID, req.Outcome)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "task": task})
}

// ListOnline 列出在线 Worker
//
// 路由: GET /api/v1/worker/online
func (h *Handler) ListOnline(w http.ResponseWriter, r *http.Request) {
	if h.heartbeats == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"workers": []string{}, "count": 0})
		return
	}

	workers, err := h.heartbeats.ListOnlineWorkers(r.Context())
	if err != nil {
		log.Printf("[worker.online] error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers, "count": len(workers)})
}

// touchHeartbeat 刷新 Worker 心跳（尽力而为）
func (h *Handler) touchHeartbeat(r *http.Request, workerID, topic, lastTask string) {
	if h.heartbeats == nil {
		return
	}
	status := &cache.WorkerStatus{Topic: topic, LastTask: lastTask, UpdatedAt: time.Now()}
	if err := h.heartbeats.UpdateWorkerHeartbeat(r.Context(), workerID, status); err != nil {
		log.Printf("[worker.heartbeat] update error: %v", err)
	}
}

// ============================================================================
// 工具函数
// ============================================================================

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
