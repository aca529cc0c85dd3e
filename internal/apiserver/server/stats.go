package server

import (
	"net/http"
)

// Stats 运行状态统计
//
// 返回实例/任务的状态分布；带 ?topic= 时附带该主题的通知积压深度。
// 仪表盘和运维巡检用，数据直接来自数据库计数，不走指标缓存。
//
// 路由: GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store.CountInstancesByStatus(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	tasks, err := h.store.CountTasksByStatus(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := map[string]interface{}{
		"instances": instances,
		"tasks":     tasks,
	}

	if topic := r.URL.Query().Get("topic"); topic != "" && h.queue != nil {
		depth, err := h.queue.GetTopicQueueLength(r.Context(), topic)
		if err == nil {
			resp["queue"] = map[string]interface{}{
				"topic":          topic,
				"notice_backlog": depth,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
