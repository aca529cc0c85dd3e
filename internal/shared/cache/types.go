// Package cache 缓存层类型定义
package cache

import (
	"time"
)

// ============================================================================
// 缓存数据类型
// ============================================================================

// WorkerStatus Worker 状态
type WorkerStatus struct {
	Topic     string    `json:"topic"`
	LastTask  string    `json:"last_task,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// Key 前缀
	KeyDefinition      = "definition:"
	KeyWorkerHeartbeat = "worker_heartbeat:"

	// TTL 常量
	TTLDefinition      = 1 * time.Hour
	TTLWorkerHeartbeat = 60 * time.Second
)
