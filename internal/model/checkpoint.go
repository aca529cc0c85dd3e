// Package model 定义核心数据模型
//
// checkpoint.go 包含人在环路（Human-in-the-Loop）相关的数据模型定义：
//   - Checkpoint：人工检查点（实例挂起，等待授权人决策）
//   - Decision：决策枚举（approve/edit/reject）
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Decision - 决策枚举
// ============================================================================

// Decision 授权人对检查点作出的决策
type Decision string

const (
	// DecisionApprove 批准：实例从检查点步骤继续推进，沿用原上下文
	DecisionApprove Decision = "approve"

	// DecisionEdit 修改后批准：Patch 合并进上下文后继续推进
	DecisionEdit Decision = "edit"

	// DecisionReject 拒绝：实例进入 failed，原因入审计
	DecisionReject Decision = "reject"
)

// Valid 判断决策值是否合法
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionEdit || d == DecisionReject
}

// ============================================================================
// CheckpointStatus - 检查点状态
// ============================================================================

// CheckpointStatus 检查点状态
//
// 状态流转：pending → decided / reassigned → decided
//
// 检查点默认没有超时（等人可能要好几天），可选配置自身 SLA：
// 超时不终止实例，而是改派到二级审核池（reassigned）。
type CheckpointStatus string

const (
	// CheckpointStatusPending 待决策
	CheckpointStatusPending CheckpointStatus = "pending"

	// CheckpointStatusReassigned SLA 超时后已改派二级审核池，仍待决策
	CheckpointStatusReassigned CheckpointStatus = "reassigned"

	// CheckpointStatusDecided 已决策（首写生效，并发决策返回冲突）
	CheckpointStatusDecided CheckpointStatus = "decided"
)

// ============================================================================
// Checkpoint - 人工检查点
// ============================================================================

// Checkpoint 人工检查点
//
// 当实例推进到 human_checkpoint 步骤时创建，实例转入 waiting_human，
// 该分支停止推进，直到授权人通过决策 API 作出裁定。
//
// 不变量：
//   - Decision 至多被写入一次（首写生效）；并发的第二次决策返回冲突
//   - 决策人必须属于当前生效的审核池（改派后为二级池）
type Checkpoint struct {
	// ID 唯一标识
	ID string `json:"id" db:"id"`

	// InstanceID 关联的流程实例
	InstanceID string `json:"instance_id" db:"instance_id"`

	// StepID 对应的 human_checkpoint 步骤
	StepID string `json:"step_id" db:"step_id"`

	// TaskID 关联的任务（检查点复用任务行携带上下文载荷）
	TaskID string `json:"task_id" db:"task_id"`

	// Status 状态
	Status CheckpointStatus `json:"status" db:"status"`

	// ReviewerPool 当前生效的可决策身份集合
	ReviewerPool []string `json:"reviewer_pool" db:"reviewer_pool"`

	// SecondaryPool 二级审核池（SLA 超时后改派目标，可为空）
	SecondaryPool []string `json:"secondary_pool,omitempty" db:"secondary_pool"`

	// Decision 决策结果（未决策时为空）
	Decision *Decision `json:"decision,omitempty" db:"decision"`

	// DecidedBy 决策者身份
	DecidedBy *string `json:"decided_by,omitempty" db:"decided_by"`

	// DecidedAt 决策时间
	DecidedAt *time.Time `json:"decided_at,omitempty" db:"decided_at"`

	// Patch edit 决策附带的上下文补丁（按键合并，后写覆盖）
	Patch json.RawMessage `json:"patch,omitempty" db:"patch"`

	// ExpiresAt 检查点自身 SLA 的截止时间（可选，超时改派二级池）
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsPending 判断是否仍待决策
func (c *Checkpoint) IsPending() bool {
	return c.Status == CheckpointStatusPending || c.Status == CheckpointStatusReassigned
}

// AllowsReviewer 判断身份是否在当前生效审核池内
func (c *Checkpoint) AllowsReviewer(actor string) bool {
	for _, r := range c.ReviewerPool {
		if r == actor {
			return true
		}
	}
	return false
}
