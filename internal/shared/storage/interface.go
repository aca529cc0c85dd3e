// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（PostgreSQL/SQLite）、mongostore/（审计台账备选）
//   - 初始化时通过依赖注入传入实现
//
// 注意：事件总线、队列通知在独立包：
//   - eventbus/：事件总线接口
//   - queue/：队列唤醒通知接口
package storage

import (
	"context"
	"encoding/json"
	"time"

	"caseflow/internal/model"
)

// ============================================================================
// 流程定义存储
// ============================================================================

// DefinitionStore 流程定义存储接口
//
// 定义以 (id, version) 为主键；version 由发布流程单调分配。
// published 行不可变：任何修改路径都只对 draft 行生效。
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *model.WorkflowDefinition) error
	UpdateDraftDefinition(ctx context.Context, def *model.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (*model.WorkflowDefinition, error)
	GetLatestPublished(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	GetLatestVersion(ctx context.Context, id string) (int, error)
	ListDefinitions(ctx context.Context, status string) ([]*model.WorkflowDefinition, error)
	// MarkDefinitionPublished 将 draft 行置为 published（条件更新，重复发布返回 ErrConflict）
	MarkDefinitionPublished(ctx context.Context, id string, version int, publishedAt time.Time) error
}

// ============================================================================
// 实例存储
// ============================================================================

// InstanceStore 流程实例存储接口
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error)
	ListInstances(ctx context.Context, status string, limit, offset int) ([]*model.WorkflowInstance, error)
	// UpdateInstanceState CAS 更新：WHERE state_version = inst.StateVersion，
	// 失配返回 ErrConflict；成功后 inst.StateVersion 自增
	UpdateInstanceState(ctx context.Context, inst *model.WorkflowInstance) error
	// ListStaleRunningInstances 查找长时间未推进的 running/waiting_human 实例（保底轮询用）
	ListStaleRunningInstances(ctx context.Context, threshold time.Duration, limit int) ([]*model.WorkflowInstance, error)
	ArchiveInstance(ctx context.Context, id string) error
	CountInstancesByStatus(ctx context.Context) (map[string]int, error)
}

// ============================================================================
// 任务存储（队列的持久化底座）
// ============================================================================

// TaskStore 任务存储接口
//
// tasks 表是队列的事实来源；Redis Streams 只承担唤醒通知。
// 所有状态迁移都是条件更新，保证并发 Worker 下的原子领取与幂等终结。
type TaskStore interface {
	// EnqueueTask 幂等入队：同 task_id 重复插入为空操作，返回是否实际插入
	EnqueueTask(ctx context.Context, task *model.Task) (bool, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// ClaimTask 原子领取 topic 下最旧的 pending 任务：置 dispatched、续租约、
	// 首次派发时设定 expires_at（此后永不修改）、attempt_count+1。
	// 无任务可领时返回 (nil, nil)。
	ClaimTask(ctx context.Context, topic string, lease time.Duration) (*model.Task, error)
	// FinalizeTask 终结任务（done/failed）。任务已终结时返回 ErrAlreadyFinalized。
	FinalizeTask(ctx context.Context, id string, outcome model.TaskOutcome, result json.RawMessage, errMsg string) (*model.Task, error)
	// ExpireTask SLA 截止标记：dispatched/pending → expired（条件更新，恰好一次）
	ExpireTask(ctx context.Context, id string) (bool, error)
	// RequeueTask 失败重试：failed → pending，租约清空，task_id 与 expires_at 不变
	RequeueTask(ctx context.Context, id string) error
	// ReleaseExpiredLeases 租约到期未 ack 的任务回退 pending（至少一次重投）
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error)
	// ListTasksPastSLA 业务截止时间已过且未终结的任务（SLA Monitor 扫描）
	ListTasksPastSLA(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	// ActiveTaskForStep 返回 (instance, step) 上的 pending/dispatched 任务（入队前查重）
	ActiveTaskForStep(ctx context.Context, instanceID, stepID string) (*model.Task, error)
	ListTasksByInstance(ctx context.Context, instanceID string) ([]*model.Task, error)
	// FailTasksForInstance 取消实例时批量终结未完任务，返回受影响数量
	FailTasksForInstance(ctx context.Context, instanceID, reason string) (int, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)
}

// ============================================================================
// 人工检查点存储
// ============================================================================

// CheckpointStore 检查点存储接口
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, status string, limit, offset int) ([]*model.Checkpoint, error)
	ListCheckpointsByInstance(ctx context.Context, instanceID string) ([]*model.Checkpoint, error)
	// RecordDecision 首写生效：decision 已存在时返回 ErrConflict
	RecordDecision(ctx context.Context, id string, decision model.Decision, decidedBy string, patch json.RawMessage, decidedAt time.Time) error
	// ReassignCheckpoint 检查点 SLA 超时改派二级审核池（条件更新，恰好一次）
	ReassignCheckpoint(ctx context.Context, id string) (bool, error)
	// ListCheckpointsPastSLA 自身 SLA 已过且仍 pending 的检查点
	ListCheckpointsPastSLA(ctx context.Context, now time.Time, limit int) ([]*model.Checkpoint, error)
}

// ============================================================================
// 审计台账存储
// ============================================================================

// AuditStore 审计台账存储接口
//
// Append 是唯一写操作；追加失败必须视为致命错误（ErrLedgerUnavailable）：
// 审计记录落盘前，所属状态变更不算提交。
type AuditStore interface {
	AppendAudit(ctx context.Context, rec *model.AuditRecord) error
	ReplayAudit(ctx context.Context, instanceID string) ([]*model.AuditRecord, error)
	ListRecentAudit(ctx context.Context, limit int) ([]*model.AuditRecord, error)
	// ListAuditAfter 按 record_id 升序返回 afterID 之后的记录（镜像/增量消费用）
	ListAuditAfter(ctx context.Context, afterID int64, limit int) ([]*model.AuditRecord, error)
}

// ============================================================================
// 账号存储（审核人/运维身份）
// ============================================================================

// Account 审核人/运维账号
type Account struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// AccountStore 账号存储接口
type AccountStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByID(ctx context.Context, id string) (*Account, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	DefinitionStore
	InstanceStore
	TaskStore
	CheckpointStore
	AuditStore
	AccountStore

	// WithTx 在单个数据库事务内执行 fn，fn 中的所有存储操作原子提交。
	// 状态变更与其审计记录必须经由 WithTx 绑定在同一事务：
	// 这是全系统的核心一致性不变量。
	WithTx(ctx context.Context, fn func(PersistentStore) error) error

	Close() error
}
