// Package model 定义核心数据模型
//
// 本包定义了 caseflow 工作流编排内核的核心领域模型，包括：
//   - WorkflowDefinition（流程定义）：版本化的步骤/分支图，描述"怎么走"
//   - WorkflowInstance（流程实例）：定义的单次执行，记录"走到哪了"
//   - Task（任务）：一个步骤在一个实例中的一次派发单元
//
// Definition 与 Instance 的关系：
//   - Definition 是不可变模板，发布后只能以新版本替代
//   - Instance 是 Definition 的执行实例，终生绑定一个 (id, version) 对
//   - 这种设计支持：历史追溯、审计重放、版本并行运行
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// DefinitionStatus - 流程定义状态
// ============================================================================

// DefinitionStatus 表示流程定义的发布状态
//
// 生命周期：draft → published（不可变，永不删除，只被新版本取代）
type DefinitionStatus string

const (
	// DefinitionStatusDraft 草稿：可编辑，不可被实例引用
	DefinitionStatusDraft DefinitionStatus = "draft"

	// DefinitionStatusPublished 已发布：不可变，可被实例引用
	DefinitionStatusPublished DefinitionStatus = "published"
)

// ============================================================================
// StepKind - 步骤类型
// ============================================================================

// StepKind 表示流程步骤的执行类型
//
// 类型说明：
//   - service_call：调用远程服务（通过任务队列派发到服务 Worker）
//   - agent_invoke：调用 AI Agent（派发方式与 service_call 相同，topic 不同）
//   - human_checkpoint：人工检查点（挂起实例，等待授权人决策）
//   - terminal：终止节点（分支到达即结束，无任务派发）
type StepKind string

const (
	StepKindServiceCall     StepKind = "service_call"
	StepKindAgentInvoke     StepKind = "agent_invoke"
	StepKindHumanCheckpoint StepKind = "human_checkpoint"
	StepKindTerminal        StepKind = "terminal"
)

// ============================================================================
// 失败与 SLA 策略
// ============================================================================

// FailurePolicy 任务失败后的处理策略
type FailurePolicy string

const (
	// FailurePolicyRetry 重试：在 RetryLimit 次数内重新入队
	FailurePolicyRetry FailurePolicy = "retry"

	// FailurePolicyEscalate 升级：实例进入 escalated，交由治理方处理
	FailurePolicyEscalate FailurePolicy = "escalate"

	// FailurePolicyFailInstance 终止：实例直接进入 failed
	FailurePolicyFailInstance FailurePolicy = "fail_instance"
)

// BreachPolicy SLA 超时后的处理策略
type BreachPolicy string

const (
	// BreachPolicyEscalate 升级（默认）：实例进入 escalated 并发出治理事件
	BreachPolicyEscalate BreachPolicy = "escalate"

	// BreachPolicyRetry 重试：任务自动重新入队，实例保持 running
	BreachPolicyRetry BreachPolicy = "retry_on_breach"
)

// JoinMode 并行分支汇聚语义
type JoinMode string

const (
	// JoinAll AND-join（默认）：所有并行分支都到达后才继续
	JoinAll JoinMode = "all"

	// JoinAny OR-join：任一分支到达即继续，其余分支任务被取消
	JoinAny JoinMode = "any"
)

// ============================================================================
// Step - 流程步骤
// ============================================================================

// Step 表示流程定义中的一个节点
//
// 不变量：
//   - Kind != terminal 的步骤必须设置 SLADuration
//   - Start 步骤全图有且只有一个
//
// 字段说明：
//   - ID：步骤标识，定义内唯一
//   - Kind：执行类型
//   - Target：Worker topic 或人工审核队列的引用（不透明字符串）
//   - SLADuration：业务级截止时长，派发时刻起算，设置后永不修改
//   - Start/Terminal：图的入口/出口标记
//   - RetryLimit/OnFailure：失败策略（为零值时使用引擎默认）
//   - OnSLABreach：SLA 超时策略
//   - Join：汇聚语义（多条入边时生效）
//   - ReviewerPool/SecondaryPool：human_checkpoint 专用，可决策身份集合
//   - CheckpointSLA：检查点自身的 SLA（区别于任务 SLA，超时改派二级池）
type Step struct {
	ID            string        `json:"id" yaml:"id" db:"id"`
	Kind          StepKind      `json:"kind" yaml:"kind" db:"kind"`
	Target        string        `json:"target,omitempty" yaml:"target,omitempty" db:"target"`
	SLADuration   time.Duration `json:"sla_duration,omitempty" yaml:"sla_duration,omitempty" db:"sla_duration"`
	Start         bool          `json:"start,omitempty" yaml:"start,omitempty" db:"start"`
	Terminal      bool          `json:"terminal,omitempty" yaml:"terminal,omitempty" db:"terminal"`
	RetryLimit    int           `json:"retry_limit,omitempty" yaml:"retry_limit,omitempty" db:"retry_limit"`
	OnFailure     FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty" db:"on_failure"`
	OnSLABreach   BreachPolicy  `json:"on_sla_breach,omitempty" yaml:"on_sla_breach,omitempty" db:"on_sla_breach"`
	Join          JoinMode      `json:"join,omitempty" yaml:"join,omitempty" db:"join"`
	ReviewerPool  []string      `json:"reviewer_pool,omitempty" yaml:"reviewer_pool,omitempty" db:"reviewer_pool"`
	SecondaryPool []string      `json:"secondary_pool,omitempty" yaml:"secondary_pool,omitempty" db:"secondary_pool"`
	CheckpointSLA time.Duration `json:"checkpoint_sla,omitempty" yaml:"checkpoint_sla,omitempty" db:"checkpoint_sla"`
}

// IsTerminal 判断是否为终止步骤
func (s *Step) IsTerminal() bool {
	return s.Kind == StepKindTerminal || s.Terminal
}

// Link 表示两个步骤之间的有向边
//
// Guard 是布尔表达式，针对实例上下文求值（如 `amount > 1000 && region == "east"`）。
// 空 Guard 恒为真。同一源步骤的多条无守卫边构成歧义分支：
// 允许发布，但运行时按定义顺序取第一条并写入告警审计记录。
type Link struct {
	From  string `json:"from" yaml:"from" db:"from_step"`
	To    string `json:"to" yaml:"to" db:"to_step"`
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty" db:"guard"`
}

// ============================================================================
// WorkflowDefinition - 流程定义
// ============================================================================

// WorkflowDefinition 表示一个版本化的流程定义
//
// 不变量：
//   - 发布后不可变；任何修改都产生新版本（Version 单调递增）
//   - 步骤构成从唯一 start 到至少一个 terminal 的连通 DAG
//   - 非 terminal 步骤必须有 SLADuration
//
// 典型生命周期：
//
//	创建 → draft → published（不可变，被新版本取代但永不删除）
type WorkflowDefinition struct {
	ID          string           `json:"id" db:"id"`
	Version     int              `json:"version" db:"version"`
	Name        string           `json:"name" db:"name"`
	Status      DefinitionStatus `json:"status" db:"status"`
	Steps       []Step           `json:"steps" db:"steps"`
	Links       []Link           `json:"links" db:"links"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	PublishedAt *time.Time       `json:"published_at,omitempty" db:"published_at"`
}

// StepByID 按 ID 查找步骤，未找到返回 nil
func (d *WorkflowDefinition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StartStep 返回 start 步骤，定义合法时必然存在
func (d *WorkflowDefinition) StartStep() *Step {
	for i := range d.Steps {
		if d.Steps[i].Start {
			return &d.Steps[i]
		}
	}
	return nil
}

// LinksFrom 返回某步骤的全部出边，保持定义顺序
func (d *WorkflowDefinition) LinksFrom(stepID string) []Link {
	var out []Link
	for _, l := range d.Links {
		if l.From == stepID {
			out = append(out, l)
		}
	}
	return out
}

// MinSLA 返回定义中最小的非零 SLA 时长，无任务步骤时返回 0
//
// SLA Monitor 用它校验扫描间隔（间隔不得超过最小 SLA 的 1/10）。
func (d *WorkflowDefinition) MinSLA() time.Duration {
	var min time.Duration
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.IsTerminal() || s.SLADuration <= 0 {
			continue
		}
		if min == 0 || s.SLADuration < min {
			min = s.SLADuration
		}
	}
	return min
}

// ============================================================================
// InstanceStatus - 实例状态
// ============================================================================

// InstanceStatus 表示流程实例的整体状态
//
// 状态流转：
//
//	running ⇄ waiting_human
//	   ↓
//	completed / failed / escalated
//
// 说明：
//   - completed/failed 为终态
//   - escalated 对自动处理是终态，但运维方可手工 resume 回 running
//   - waiting_human 表示至少一条分支挂起在人工检查点
type InstanceStatus string

const (
	InstanceStatusRunning      InstanceStatus = "running"
	InstanceStatusWaitingHuman InstanceStatus = "waiting_human"
	InstanceStatusCompleted    InstanceStatus = "completed"
	InstanceStatusFailed       InstanceStatus = "failed"
	InstanceStatusEscalated    InstanceStatus = "escalated"
)

// IsTerminal 判断状态是否对自动处理终结
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusEscalated
}

// ============================================================================
// WorkflowInstance - 流程实例
// ============================================================================

// WorkflowInstance 表示流程定义的一次执行
//
// 不变量：
//   - 终生引用一个不可变的 (DefinitionID, DefinitionVersion) 对，
//     禁止中途升级版本（新版本只能起新实例）
//   - status=completed 当且仅当所有并行分支都到达 terminal 步骤
//   - StateVersion 乐观锁：编排器推进前 CAS，失败重读重试，
//     保证并发完成上报不会把 cursor 推乱
//
// 字段说明：
//   - Cursor：当前活跃步骤 ID 集合（支持并行分支）
//   - Context：跨步骤携带合并的键值载荷（同键后写覆盖）
//   - Archived：终态实例归档标记（归档不删除）
type WorkflowInstance struct {
	ID                string          `json:"id" db:"id"`
	DefinitionID      string          `json:"definition_id" db:"definition_id"`
	DefinitionVersion int             `json:"definition_version" db:"definition_version"`
	Status            InstanceStatus  `json:"status" db:"status"`
	Cursor            []string        `json:"cursor" db:"cursor"`
	Context           json.RawMessage `json:"context,omitempty" db:"context"`
	StateVersion      int64           `json:"state_version" db:"state_version"`
	FailureReason     *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	Archived          bool            `json:"archived" db:"archived"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// CursorContains 判断步骤是否在活跃游标中
func (w *WorkflowInstance) CursorContains(stepID string) bool {
	for _, id := range w.Cursor {
		if id == stepID {
			return true
		}
	}
	return false
}

// ============================================================================
// TaskStatus - 任务状态
// ============================================================================

// TaskStatus 表示派发任务的状态
//
// 生命周期：
//
//	创建 → pending → dispatched → done/failed
//	            ↑         ↓ (租约超时未 ack)
//	            └─────────┘ (重投，task_id 不变)
//	                      ↓ (SLA 截止未 ack)
//	                   expired
//
// 租约超时与 SLA 截止是两个独立机制：
//   - 租约是 Worker 对任务的限时占有，超时回退 pending 重投（至少一次语义）
//   - SLA 是业务级截止时间，派发时一次性设定，超时由 SLA Monitor 标记 expired
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusExpired    TaskStatus = "expired"
)

// IsFinal 判断任务是否已终结（done/failed/expired 之后 ack 均为幂等空操作）
func (s TaskStatus) IsFinal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusExpired
}

// ============================================================================
// Task - 派发任务
// ============================================================================

// Task 表示一个步骤在一个实例中的一次执行派发
//
// 不变量：
//   - ExpiresAt 在首次派发时设定一次（= dispatched_at + sla_duration），
//     重投不重置，保证 SLA 截止时间稳定
//   - 重投时 TaskID 不变，Worker 可据此幂等去重
//   - 同一 (InstanceID, StepID) 同时最多存在一个 pending/dispatched 任务
//     （由编排器入队前保证，队列本身是至少一次投递）
type Task struct {
	ID             string          `json:"id" db:"id"`
	InstanceID     string          `json:"instance_id" db:"instance_id"`
	StepID         string          `json:"step_id" db:"step_id"`
	Topic          string          `json:"topic" db:"topic"`
	Status         TaskStatus      `json:"status" db:"status"`
	Payload        json.RawMessage `json:"payload,omitempty" db:"payload"`
	Result         json.RawMessage `json:"result,omitempty" db:"result"`
	AttemptCount   int             `json:"attempt_count" db:"attempt_count"`
	SLADuration    time.Duration   `json:"sla_duration" db:"sla_duration"`
	DispatchedAt   *time.Time      `json:"dispatched_at,omitempty" db:"dispatched_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	FinalizedAt    *time.Time      `json:"finalized_at,omitempty" db:"finalized_at"`
	Error          *string         `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// SLAExpired 判断任务的业务截止时间是否已过
func (t *Task) SLAExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// TaskOutcome Worker 上报的执行结果
type TaskOutcome string

const (
	TaskOutcomeDone   TaskOutcome = "done"
	TaskOutcomeFailed TaskOutcome = "failed"
)
