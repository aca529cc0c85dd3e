// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// InstanceEvent 实例生命周期事件
type InstanceEvent struct {
	ID        string                 `json:"id"`
	Seq       int                    `json:"seq"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// EscalationEvent SLA 违约升级事件
type EscalationEvent struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// Key 前缀
	KeyInstanceEvents = "instance_events:"
	KeyEscalations    = "escalations"

	// Stream 最大长度
	MaxStreamLength = 1000
)
