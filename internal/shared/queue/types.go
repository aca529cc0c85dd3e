// Package queue 队列通知类型定义
package queue

import (
	"time"
)

// ============================================================================
// 消息类型
// ============================================================================

// TaskNotice 任务就绪通知
type TaskNotice struct {
	ID         string
	TaskID     string
	InstanceID string
	EnqueuedAt time.Time
}

// AdvanceNotice 实例推进通知
type AdvanceNotice struct {
	ID         string
	InstanceID string
	Reason     string
	NotifiedAt time.Time
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// topic 任务就绪流 - 按 topic 分流
	KeyTopicPrefix = "topics:"
	KeyTopicSuffix = ":ready"

	// 编排器推进流 - 存放待推进的实例通知
	KeyAdvance = "orchestrator:advance"

	// 消费者组
	WorkerConsumerGroup       = "workers"
	OrchestratorConsumerGroup = "orchestrators"
)
