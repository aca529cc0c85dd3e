// Package checkpoint 人工检查点决策
//
// 决策流程的不变量：
//   - 首写生效：decision 至多写入一次，并发的第二次决策返回 ErrConflict
//   - 决策人必须属于当前生效的审核池（SLA 改派后为二级池）
//   - 决策落盘与审计记录绑定在同一事务
//
// approve/edit 之后实例从检查点步骤继续推进；reject 使实例进入 failed。
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/containerd/errdefs"

	"caseflow/internal/model"
	"caseflow/internal/orchestrator"
	"caseflow/internal/shared/storage"
)

// Authorizer 外部授权钩子
//
// 审核池校验之外的额外否决点，典型用途是对接企业权限系统。
// 返回非 nil 错误即拒绝本次决策。
type Authorizer interface {
	Authorize(ctx context.Context, cp *model.Checkpoint, actor string) error
}

// Manager 检查点决策管理器
type Manager struct {
	store      storage.PersistentStore
	engine     *orchestrator.Engine
	authorizer Authorizer
}

// NewManager 创建检查点管理器
func NewManager(store storage.PersistentStore, engine *orchestrator.Engine) *Manager {
	return &Manager{store: store, engine: engine}
}

// SetAuthorizer 挂接外部授权钩子，nil 表示仅做审核池校验
func (m *Manager) SetAuthorizer(a Authorizer) {
	m.authorizer = a
}

// Get 读取检查点
func (m *Manager) Get(ctx context.Context, id string) (*model.Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, id)
}

// List 列出检查点（status 为空时不过滤）
func (m *Manager) List(ctx context.Context, status string, limit, offset int) ([]*model.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, status, limit, offset)
}

// ListByInstance 列出实例的全部检查点
func (m *Manager) ListByInstance(ctx context.Context, instanceID string) ([]*model.Checkpoint, error) {
	return m.store.ListCheckpointsByInstance(ctx, instanceID)
}

// Decide 记录授权人决策并推进实例
//
// 错误约定：
//   - 检查点不存在：ErrNotFound
//   - 决策人不在生效审核池：errdefs.ErrPermissionDenied
//   - 已有决策（含并发首写竞争失败）：ErrConflict
func (m *Manager) Decide(ctx context.Context, checkpointID, actor string, decision model.Decision, patch json.RawMessage) (*model.Checkpoint, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: unknown decision %q", storage.ErrValidation, decision)
	}

	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if !cp.AllowsReviewer(actor) {
		return nil, fmt.Errorf("%w: %s is not in the active reviewer pool of checkpoint %s",
			errdefs.ErrPermissionDenied, actor, checkpointID)
	}
	if m.authorizer != nil {
		if err := m.authorizer.Authorize(ctx, cp, actor); err != nil {
			return nil, fmt.Errorf("%w: %s rejected by external authorizer: %v",
				errdefs.ErrPermissionDenied, actor, err)
		}
	}
	if !cp.IsPending() {
		return nil, fmt.Errorf("%w: checkpoint %s already decided", storage.ErrConflict, checkpointID)
	}

	now := time.Now()
	err = m.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		if err := tx.RecordDecision(ctx, checkpointID, decision, actor, patch, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.AuditRecord{
			InstanceID: cp.InstanceID,
			EventType:  model.AuditCheckpointDecided,
			Detail: model.AuditDetail{
				StepID:    cp.StepID,
				Decision:  string(decision),
				DecidedBy: actor,
			}.Marshal(),
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[checkpoint.decided] checkpoint_id=%s instance_id=%s step=%s decision=%s actor=%s",
		checkpointID, cp.InstanceID, cp.StepID, decision, actor)

	// 推进失败不回滚决策：推进由保底轮询兜底
	if m.engine != nil {
		if err := m.engine.Advance(ctx, cp.InstanceID); err != nil {
			log.Printf("[checkpoint.advance.failed] instance_id=%s error=%v", cp.InstanceID, err)
		}
	}

	return m.store.GetCheckpoint(ctx, checkpointID)
}
