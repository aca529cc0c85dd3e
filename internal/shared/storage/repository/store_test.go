// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
	"caseflow/internal/shared/storage/dbutil"
	sqlitedriver "caseflow/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestInstance(t *testing.T, s *Store, id string) *model.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	def := &model.WorkflowDefinition{
		ID: "wf-" + id, Version: 1, Name: "Test Flow",
		Status:    model.DefinitionStatusPublished,
		Steps:     []model.Step{{ID: "start", Kind: model.StepKindServiceCall, Target: "svc.a", Start: true, SLADuration: time.Minute}},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateDefinition(ctx, def))

	inst := &model.WorkflowInstance{
		ID: id, DefinitionID: def.ID, DefinitionVersion: 1,
		Status: model.InstanceStatusRunning, Cursor: []string{"start"},
		Context: json.RawMessage(`{}`), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))
	return inst
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
}

// ============================================================================
// Definition 测试
// ============================================================================

func TestDefinitionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	def := &model.WorkflowDefinition{
		ID: "wf-order", Version: 1, Name: "Order Flow",
		Status: model.DefinitionStatusDraft,
		Steps: []model.Step{
			{ID: "intake", Kind: model.StepKindServiceCall, Target: "svc.intake", Start: true, SLADuration: time.Minute},
			{ID: "done", Kind: model.StepKindTerminal, Terminal: true},
		},
		Links:     []model.Link{{From: "intake", To: "done"}},
		CreatedAt: now,
	}

	// Create
	require.NoError(t, s.CreateDefinition(ctx, def))

	// 重复创建同 (id, version) 返回 ErrDuplicate
	err := s.CreateDefinition(ctx, def)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	// Get
	got, err := s.GetDefinition(ctx, "wf-order", 1)
	require.NoError(t, err)
	assert.Equal(t, "Order Flow", got.Name)
	assert.Len(t, got.Steps, 2)
	assert.Len(t, got.Links, 1)

	// GetLatestVersion
	v, err := s.GetLatestVersion(ctx, "wf-order")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// 未发布时 GetLatestPublished 返回 ErrNotFound
	_, err = s.GetLatestPublished(ctx, "wf-order")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// 草稿可修改
	def.Name = "Order Flow v2"
	require.NoError(t, s.UpdateDraftDefinition(ctx, def))

	// Publish
	require.NoError(t, s.MarkDefinitionPublished(ctx, "wf-order", 1, now))

	// 重复发布返回 ErrConflict
	err = s.MarkDefinitionPublished(ctx, "wf-order", 1, now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// 发布后不可修改
	err = s.UpdateDraftDefinition(ctx, def)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// GetLatestPublished
	pub, err := s.GetLatestPublished(ctx, "wf-order")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Version)
	assert.Equal(t, model.DefinitionStatusPublished, pub.Status)
	require.NotNil(t, pub.PublishedAt)

	// List with status filter
	defs, err := s.ListDefinitions(ctx, string(model.DefinitionStatusPublished))
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	defs, err = s.ListDefinitions(ctx, string(model.DefinitionStatusDraft))
	require.NoError(t, err)
	assert.Len(t, defs, 0)
}

func TestDefinitionVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	for v := 1; v <= 3; v++ {
		def := &model.WorkflowDefinition{
			ID: "wf-multi", Version: v, Name: "Multi",
			Status:    model.DefinitionStatusPublished,
			Steps:     []model.Step{{ID: "s1", Kind: model.StepKindServiceCall, Target: "svc", Start: true, SLADuration: time.Minute}},
			CreatedAt: now,
		}
		require.NoError(t, s.CreateDefinition(ctx, def))
	}

	v, err := s.GetLatestVersion(ctx, "wf-multi")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	pub, err := s.GetLatestPublished(ctx, "wf-multi")
	require.NoError(t, err)
	assert.Equal(t, 3, pub.Version)

	// 不存在定义时 GetLatestVersion 返回 0
	v, err = s.GetLatestVersion(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

// ============================================================================
// Instance 测试
// ============================================================================

func TestInstanceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-001")

	got, err := s.GetInstance(ctx, "inst-001")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, got.Status)
	assert.Equal(t, []string{"start"}, got.Cursor)
	assert.Equal(t, int64(0), got.StateVersion)

	// List
	insts, err := s.ListInstances(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, insts, 1)

	insts, err = s.ListInstances(ctx, string(model.InstanceStatusCompleted), 10, 0)
	require.NoError(t, err)
	assert.Len(t, insts, 0)

	// Get not found
	_, err = s.GetInstance(ctx, "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Counts
	counts, err := s.CountInstancesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[string(model.InstanceStatusRunning)])

	_ = inst
}

func TestInstanceCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-cas")

	// 正常 CAS 更新：state_version 自增
	inst.Cursor = []string{"review"}
	require.NoError(t, s.UpdateInstanceState(ctx, inst))
	assert.Equal(t, int64(1), inst.StateVersion)

	got, err := s.GetInstance(ctx, "inst-cas")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.StateVersion)
	assert.Equal(t, []string{"review"}, got.Cursor)

	// 过期版本号更新返回 ErrConflict
	stale := *got
	stale.StateVersion = 0
	err = s.UpdateInstanceState(ctx, &stale)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestInstanceArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-arc")

	// 非终态不可归档
	err := s.ArchiveInstance(ctx, "inst-arc")
	assert.ErrorIs(t, err, storage.ErrConflict)

	inst.Status = model.InstanceStatusCompleted
	require.NoError(t, s.UpdateInstanceState(ctx, inst))
	require.NoError(t, s.ArchiveInstance(ctx, "inst-arc"))

	got, _ := s.GetInstance(ctx, "inst-arc")
	assert.True(t, got.Archived)
}

func TestListStaleRunningInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestInstance(t, s, "inst-stale")

	// 阈值为 0 时刚创建的实例也算陈旧
	insts, err := s.ListStaleRunningInstances(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, insts, 1)

	// 大阈值下无结果
	insts, err = s.ListStaleRunningInstances(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, insts, 0)
}

// ============================================================================
// Task 测试
// ============================================================================

func newTestTask(t *testing.T, s *Store, instanceID, taskID string) *model.Task {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	task := &model.Task{
		ID: taskID, InstanceID: instanceID, StepID: "start",
		Topic: "svc.a", Status: model.TaskStatusPending,
		Payload: json.RawMessage(`{"order":"o-1"}`), SLADuration: time.Minute,
		CreatedAt: now, UpdatedAt: now,
	}
	inserted, err := s.EnqueueTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, inserted)
	return task
}

func TestTaskEnqueueIdempotent(t *testing.T) {
	s := newTestStore(t)
	inst := newTestInstance(t, s, "inst-t1")
	task := newTestTask(t, s, inst.ID, "task-001")

	// 同 task_id 重复入队为空操作
	inserted, err := s.EnqueueTask(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestTaskClaimAndFinalize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-t2")
	newTestTask(t, s, inst.ID, "task-claim")

	// Claim：pending → dispatched，租约与业务截止时间设定
	claimed, err := s.ClaimTask(ctx, "svc.a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "task-claim", claimed.ID)
	assert.Equal(t, model.TaskStatusDispatched, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.ExpiresAt)
	require.NotNil(t, claimed.LeaseExpiresAt)
	firstDeadline := *claimed.ExpiresAt

	// 队列已空
	claimed2, err := s.ClaimTask(ctx, "svc.a", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed2)

	// Finalize done
	done, err := s.FinalizeTask(ctx, "task-claim", model.TaskOutcomeDone, json.RawMessage(`{"ok":true}`), "")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDone, done.Status)
	require.NotNil(t, done.FinalizedAt)

	// 重复 ack 返回 ErrAlreadyFinalized 与当前任务
	dup, err := s.FinalizeTask(ctx, "task-claim", model.TaskOutcomeDone, nil, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyFinalized)
	require.NotNil(t, dup)
	assert.Equal(t, model.TaskStatusDone, dup.Status)

	_ = firstDeadline
}

func TestTaskRequeuePreservesDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-t3")
	newTestTask(t, s, inst.ID, "task-retry")

	claimed, err := s.ClaimTask(ctx, "svc.a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	firstDeadline := *claimed.ExpiresAt

	// Worker 上报失败
	_, err = s.FinalizeTask(ctx, "task-retry", model.TaskOutcomeFailed, nil, "downstream 500")
	require.NoError(t, err)

	// Requeue：failed → pending，截止时间不变
	require.NoError(t, s.RequeueTask(ctx, "task-retry"))
	got, err := s.GetTask(ctx, "task-retry")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Nil(t, got.Error)

	// 重新领取后 expires_at 仍为首次派发时的值
	claimed2, err := s.ClaimTask(ctx, "svc.a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, 2, claimed2.AttemptCount)
	assert.WithinDuration(t, firstDeadline, *claimed2.ExpiresAt, time.Second)

	// 非 failed 状态 Requeue 返回 ErrConflict
	err = s.RequeueTask(ctx, "task-retry")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestTaskExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-t4")
	newTestTask(t, s, inst.ID, "task-exp")

	// 条件更新：首次迁移成功，重复迁移为空操作
	moved, err := s.ExpireTask(ctx, "task-exp")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.ExpireTask(ctx, "task-exp")
	require.NoError(t, err)
	assert.False(t, moved)

	got, _ := s.GetTask(ctx, "task-exp")
	assert.Equal(t, model.TaskStatusExpired, got.Status)

	// 已过期任务的迟到 ack 返回 ErrAlreadyFinalized
	_, err = s.FinalizeTask(ctx, "task-exp", model.TaskOutcomeDone, nil, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyFinalized)
}

func TestReleaseExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-t5")
	newTestTask(t, s, inst.ID, "task-lease")

	claimed, err := s.ClaimTask(ctx, "svc.a", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// 租约过期后回收，任务回到 pending 可被重新领取
	n, err := s.ReleaseExpiredLeases(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.GetTask(ctx, "task-lease")
	assert.Equal(t, model.TaskStatusPending, got.Status)

	claimed2, err := s.ClaimTask(ctx, "svc.a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, 2, claimed2.AttemptCount)
}

func TestListTasksPastSLA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-t6")

	past := time.Now().Add(-time.Minute)
	task := &model.Task{
		ID: "task-sla", InstanceID: inst.ID, StepID: "start",
		Topic: "svc.a", Status: model.TaskStatusPending,
		SLADuration: time.Minute, ExpiresAt: &past,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	_, err := s.EnqueueTask(ctx, task)
	require.NoError(t, err)

	breached, err := s.ListTasksPastSLA(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, breached, 1)
	assert.Equal(t, "task-sla", breached[0].ID)

	// 终结后不再出现在扫描结果
	moved, err := s.ExpireTask(ctx, "task-sla")
	require.NoError(t, err)
	assert.True(t, moved)

	breached, err = s.ListTasksPastSLA(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, breached, 0)
}

func TestActiveTaskForStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-t7")

	// 无任务时返回 (nil, nil)
	active, err := s.ActiveTaskForStep(ctx, inst.ID, "start")
	require.NoError(t, err)
	assert.Nil(t, active)

	newTestTask(t, s, inst.ID, "task-active")
	active, err = s.ActiveTaskForStep(ctx, inst.ID, "start")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "task-active", active.ID)
}

func TestFailTasksForInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-t8")
	newTestTask(t, s, inst.ID, "task-c1")
	newTestTask(t, s, inst.ID, "task-c2")

	n, err := s.FailTasksForInstance(ctx, inst.ID, "instance cancelled")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks, err := s.ListTasksByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, model.TaskStatusFailed, task.Status)
		require.NotNil(t, task.Error)
		assert.Equal(t, "instance cancelled", *task.Error)
	}

	counts, err := s.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[string(model.TaskStatusFailed)])
}

// ============================================================================
// Checkpoint 测试
// ============================================================================

func newTestCheckpoint(t *testing.T, s *Store, instanceID, cpID string) *model.Checkpoint {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	expires := now.Add(time.Hour)
	cp := &model.Checkpoint{
		ID: cpID, InstanceID: instanceID, StepID: "review", TaskID: "task-cp",
		Status:        model.CheckpointStatusPending,
		ReviewerPool:  []string{"alice", "bob"},
		SecondaryPool: []string{"carol"},
		ExpiresAt:     &expires, CreatedAt: now,
	}
	require.NoError(t, s.CreateCheckpoint(context.Background(), cp))
	return cp
}

func TestCheckpointDecisionFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-cp1")
	newTestCheckpoint(t, s, inst.ID, "cp-001")

	got, err := s.GetCheckpoint(ctx, "cp-001")
	require.NoError(t, err)
	assert.True(t, got.IsPending())
	assert.Equal(t, []string{"alice", "bob"}, got.ReviewerPool)

	// 首次决策生效
	patch := json.RawMessage(`{"amount":42}`)
	require.NoError(t, s.RecordDecision(ctx, "cp-001", model.DecisionEdit, "alice", patch, time.Now()))

	got, err = s.GetCheckpoint(ctx, "cp-001")
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusDecided, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, model.DecisionEdit, *got.Decision)
	assert.Equal(t, "alice", *got.DecidedBy)
	assert.JSONEq(t, `{"amount":42}`, string(got.Patch))

	// 第二次决策返回 ErrConflict，首次结果不变
	err = s.RecordDecision(ctx, "cp-001", model.DecisionReject, "bob", nil, time.Now())
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, _ = s.GetCheckpoint(ctx, "cp-001")
	assert.Equal(t, model.DecisionEdit, *got.Decision)
	assert.Equal(t, "alice", *got.DecidedBy)

	// 不存在的检查点返回 ErrNotFound
	err = s.RecordDecision(ctx, "nonexistent", model.DecisionApprove, "alice", nil, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckpointReassign(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-cp2")
	newTestCheckpoint(t, s, inst.ID, "cp-re")

	// 条件更新：首次改派成功，重复改派为空操作
	moved, err := s.ReassignCheckpoint(ctx, "cp-re")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.ReassignCheckpoint(ctx, "cp-re")
	require.NoError(t, err)
	assert.False(t, moved)

	got, _ := s.GetCheckpoint(ctx, "cp-re")
	assert.Equal(t, model.CheckpointStatusReassigned, got.Status)
	// 改派后仍待决策，二级池成为生效池
	assert.True(t, got.IsPending())
	assert.Equal(t, []string{"carol"}, got.ReviewerPool)
	assert.True(t, got.AllowsReviewer("carol"))
	assert.False(t, got.AllowsReviewer("alice"))

	require.NoError(t, s.RecordDecision(ctx, "cp-re", model.DecisionApprove, "carol", nil, time.Now()))
}

func TestListCheckpointsPastSLA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-cp3")

	past := time.Now().Add(-time.Minute)
	cp := &model.Checkpoint{
		ID: "cp-sla", InstanceID: inst.ID, StepID: "review", TaskID: "task-x",
		Status: model.CheckpointStatusPending, ReviewerPool: []string{"alice"},
		ExpiresAt: &past, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateCheckpoint(ctx, cp))

	overdue, err := s.ListCheckpointsPastSLA(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "cp-sla", overdue[0].ID)

	// 改派后不再出现在扫描结果（reassigned 不重复改派）
	moved, err := s.ReassignCheckpoint(ctx, "cp-sla")
	require.NoError(t, err)
	assert.True(t, moved)

	overdue, err = s.ListCheckpointsPastSLA(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, overdue, 0)
}

func TestListCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-cp4")
	newTestCheckpoint(t, s, inst.ID, "cp-l1")
	newTestCheckpoint(t, s, inst.ID, "cp-l2")

	cps, err := s.ListCheckpoints(ctx, string(model.CheckpointStatusPending), 10, 0)
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	cps, err = s.ListCheckpointsByInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

// ============================================================================
// Audit 测试
// ============================================================================

func TestAuditAppendAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-a1")
	now := time.Now().Truncate(time.Second)

	events := []model.AuditEventType{
		model.AuditInstanceStarted,
		model.AuditTaskEnqueued,
		model.AuditTaskCompleted,
		model.AuditInstanceCompleted,
	}
	var ids []int64
	for _, et := range events {
		rec := &model.AuditRecord{
			InstanceID: inst.ID, EventType: et,
			Detail: json.RawMessage(`{"step_id":"start"}`), Timestamp: now,
		}
		require.NoError(t, s.AppendAudit(ctx, rec))
		ids = append(ids, rec.RecordID)
	}

	// record_id 严格单调递增
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	// 回放按 record_id 升序还原完整历史
	recs, err := s.ReplayAudit(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, model.AuditInstanceStarted, recs[0].EventType)
	assert.Equal(t, model.AuditInstanceCompleted, recs[3].EventType)

	recent, err := s.ListRecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, model.AuditInstanceCompleted, recent[0].EventType)
}

// ============================================================================
// Account 测试
// ============================================================================

func TestAccountCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	account := &storage.Account{
		ID: "acc-001", Email: "alice@example.com",
		PasswordHash: "$2a$12$fake", Role: "reviewer", CreatedAt: now,
	}
	require.NoError(t, s.CreateAccount(ctx, account))

	// 邮箱唯一
	dup := &storage.Account{ID: "acc-002", Email: "alice@example.com", Role: "reviewer", CreatedAt: now}
	err := s.CreateAccount(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := s.GetAccountByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acc-001", got.ID)
	assert.Equal(t, "reviewer", got.Role)

	_, err = s.GetAccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// ============================================================================
// WithTx 测试
// ============================================================================

func TestWithTxCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-tx1")

	// 状态变更与审计记录在同一事务内提交
	err := s.WithTx(ctx, func(tx storage.PersistentStore) error {
		inst.Status = model.InstanceStatusCompleted
		if err := tx.UpdateInstanceState(ctx, inst); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.AuditRecord{
			InstanceID: inst.ID, EventType: model.AuditInstanceCompleted,
			Timestamp: time.Now(),
		})
	})
	require.NoError(t, err)

	got, err := s.GetInstance(ctx, "inst-tx1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, got.Status)

	recs, err := s.ReplayAudit(ctx, "inst-tx1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestWithTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := newTestInstance(t, s, "inst-tx2")

	boom := errors.New("ledger write failed")
	err := s.WithTx(ctx, func(tx storage.PersistentStore) error {
		inst.Status = model.InstanceStatusCompleted
		if err := tx.UpdateInstanceState(ctx, inst); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// 事务回滚后状态变更不可见
	got, err := s.GetInstance(ctx, "inst-tx2")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, got.Status)
	assert.Equal(t, int64(0), got.StateVersion)
}
