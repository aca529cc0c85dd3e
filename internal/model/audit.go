// Package model 定义核心数据模型
//
// audit.go 包含审计台账的数据模型定义。
// 台账是全系统唯一的一致性基准：任何状态变更在审计记录落盘前都不算提交。
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// AuditEventType - 审计事件类型
// ============================================================================

// AuditEventType 审计事件类型
type AuditEventType string

const (
	// AuditDefinitionPublished 流程定义发布
	AuditDefinitionPublished AuditEventType = "definition_published"

	// AuditInstanceStarted 实例启动
	AuditInstanceStarted AuditEventType = "instance_started"

	// AuditTaskEnqueued 任务入队
	AuditTaskEnqueued AuditEventType = "task_enqueued"

	// AuditTaskDispatched 任务被 Worker 领取
	AuditTaskDispatched AuditEventType = "task_dispatched"

	// AuditTaskCompleted 任务完成
	AuditTaskCompleted AuditEventType = "task_completed"

	// AuditTaskFailed 任务失败（单次尝试）
	AuditTaskFailed AuditEventType = "task_failed"

	// AuditTaskRetried 任务重试入队
	AuditTaskRetried AuditEventType = "task_retried"

	// AuditStepFailedTerminal 重试耗尽，步骤终局失败
	AuditStepFailedTerminal AuditEventType = "step_failed_terminal"

	// AuditSLABreach SLA 超时
	AuditSLABreach AuditEventType = "sla_breach"

	// AuditInstanceEscalated 实例升级
	AuditInstanceEscalated AuditEventType = "instance_escalated"

	// AuditInstanceResumed 运维手工恢复升级实例
	AuditInstanceResumed AuditEventType = "instance_resumed"

	// AuditInstanceCompleted 实例完成
	AuditInstanceCompleted AuditEventType = "instance_completed"

	// AuditInstanceFailed 实例失败
	AuditInstanceFailed AuditEventType = "instance_failed"

	// AuditInstanceCancelled 实例被显式取消
	AuditInstanceCancelled AuditEventType = "instance_cancelled"

	// AuditCheckpointCreated 人工检查点创建（实例挂起）
	AuditCheckpointCreated AuditEventType = "checkpoint_created"

	// AuditCheckpointDecided 检查点决策落盘
	AuditCheckpointDecided AuditEventType = "checkpoint_decided"

	// AuditCheckpointReassigned 检查点 SLA 超时改派二级审核池
	AuditCheckpointReassigned AuditEventType = "checkpoint_reassigned"

	// AuditBranchAmbiguous 歧义分支告警（多条无守卫出边，取定义序第一条）
	AuditBranchAmbiguous AuditEventType = "branch_ambiguous"
)

// ============================================================================
// AuditRecord - 审计记录
// ============================================================================

// AuditRecord 一条不可变的审计记录
//
// 不变量：
//   - 只追加，永不更新或删除
//   - RecordID 全局单调递增；同一实例内按 RecordID 排序即为规范重放顺序
type AuditRecord struct {
	// RecordID 全局单调自增主键
	RecordID int64 `json:"record_id" db:"record_id"`

	// InstanceID 关联实例（定义级事件为定义 ID）
	InstanceID string `json:"instance_id" db:"instance_id"`

	// EventType 事件类型
	EventType AuditEventType `json:"event_type" db:"event_type"`

	// Detail 结构化明细（步骤 ID、任务 ID、原因等）
	Detail json.RawMessage `json:"detail,omitempty" db:"detail"`

	// Timestamp 事件时间
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// AuditDetail 常用明细字段的便捷构造
//
// Detail 是开放的 JSON 对象，这里只是集中常用键，避免各处手写字符串。
type AuditDetail struct {
	StepID     string          `json:"step_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	Topic      string          `json:"topic,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Definition string          `json:"definition,omitempty"`
	Version    int             `json:"version,omitempty"`
	Status     string          `json:"status,omitempty"`
	Cursor     []string        `json:"cursor,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// Marshal 序列化明细，失败时返回空对象（审计明细不阻断主流程）
func (d AuditDetail) Marshal() json.RawMessage {
	b, err := json.Marshal(d)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
