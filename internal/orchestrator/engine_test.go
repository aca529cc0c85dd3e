package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/definition"
	"caseflow/internal/model"
	"caseflow/internal/shared/eventbus"
	"caseflow/internal/shared/queue"
	"caseflow/internal/shared/storage"
	sqlitedriver "caseflow/internal/shared/storage/driver/sqlite"
	"caseflow/internal/shared/storage/repository"
)

func newTestEngine(t *testing.T) (*Engine, *repository.Store, *definition.Service) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	defs := definition.NewService(store, nil)
	engine := NewEngine(store, defs, queue.NewNoOpQueue(), nil, DefaultConfig())
	return engine, store, defs
}

// publishDefinition 建草稿并发布，返回已发布版本号
func publishDefinition(t *testing.T, defs *definition.Service, def *model.WorkflowDefinition) int {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, defs.CreateDraft(ctx, def))
	_, _, err := defs.Publish(ctx, def.ID, def.Version)
	require.NoError(t, err)
	return def.Version
}

// completeTask 模拟 Worker 领取并完成 topic 上最旧的任务
func completeTask(t *testing.T, engine *Engine, store *repository.Store, topic string, result json.RawMessage) *model.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.ClaimTask(ctx, topic, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task, "expected a claimable task on topic %s", topic)
	finalized, err := engine.HandleTaskOutcome(ctx, task.ID, model.TaskOutcomeDone, result, "")
	require.NoError(t, err)
	return finalized
}

// failTask 模拟 Worker 领取并上报失败
func failTask(t *testing.T, engine *Engine, store *repository.Store, topic, errMsg string) *model.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.ClaimTask(ctx, topic, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task, "expected a claimable task on topic %s", topic)
	finalized, err := engine.HandleTaskOutcome(ctx, task.ID, model.TaskOutcomeFailed, nil, errMsg)
	require.NoError(t, err)
	return finalized
}

func auditTypes(t *testing.T, store *repository.Store, instanceID string) []model.AuditEventType {
	t.Helper()
	records, err := store.ReplayAudit(context.Background(), instanceID)
	require.NoError(t, err)
	var types []model.AuditEventType
	for _, r := range records {
		types = append(types, r.EventType)
	}
	return types
}

// linearDefinition intake(svc.intake) → done
func linearDefinition(id string) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID: id, Name: id,
		Steps: []model.Step{
			{ID: "intake", Kind: model.StepKindServiceCall, Target: "svc.intake", Start: true, SLADuration: time.Minute},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{{From: "intake", To: "done"}},
	}
}

// ============================================================================
// 启动与完成
// ============================================================================

func TestStartInstanceEnqueuesFirstTask(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, linearDefinition("wf-linear"))

	inst, err := engine.StartInstance(ctx, "wf-linear", 0, json.RawMessage(`{"amount": 500}`))
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, inst.Status)
	assert.Equal(t, []string{"intake"}, inst.Cursor)

	tasks, err := store.ListTasksByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "svc.intake", tasks[0].Topic)
	assert.Equal(t, model.TaskStatusPending, tasks[0].Status)

	types := auditTypes(t, store, inst.ID)
	assert.Contains(t, types, model.AuditInstanceStarted)
	assert.Contains(t, types, model.AuditTaskEnqueued)
}

func TestStartInstanceRejectsDraftDefinition(t *testing.T) {
	engine, _, defs := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, defs.CreateDraft(ctx, linearDefinition("wf-draft")))

	_, err := engine.StartInstance(ctx, "wf-draft", 1, nil)
	assert.Error(t, err)
}

func TestTaskDoneCompletesInstance(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, linearDefinition("wf-linear"))

	inst, err := engine.StartInstance(ctx, "wf-linear", 0, nil)
	require.NoError(t, err)

	completeTask(t, engine, store, "svc.intake", json.RawMessage(`{"score": 87}`))

	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
	assert.Empty(t, final.Cursor)

	// 任务结果并入实例上下文
	var merged map[string]interface{}
	require.NoError(t, json.Unmarshal(final.Context, &merged))
	assert.Equal(t, float64(87), merged["score"])

	types := auditTypes(t, store, inst.ID)
	assert.Contains(t, types, model.AuditTaskCompleted)
	assert.Contains(t, types, model.AuditInstanceCompleted)
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, linearDefinition("wf-linear"))

	_, err := engine.StartInstance(ctx, "wf-linear", 0, nil)
	require.NoError(t, err)

	task := completeTask(t, engine, store, "svc.intake", nil)

	_, err = engine.HandleTaskOutcome(ctx, task.ID, model.TaskOutcomeDone, nil, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyFinalized)
}

// ============================================================================
// 守卫分流
// ============================================================================

func branchingDefinition(id string) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID: id, Name: id,
		Steps: []model.Step{
			{ID: "assess", Kind: model.StepKindServiceCall, Target: "svc.assess", Start: true, SLADuration: time.Minute},
			{ID: "high", Kind: model.StepKindServiceCall, Target: "svc.high", SLADuration: time.Minute},
			{ID: "low", Kind: model.StepKindServiceCall, Target: "svc.low", SLADuration: time.Minute},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "assess", To: "high", Guard: "amount > 1000"},
			{From: "assess", To: "low", Guard: "amount <= 1000"},
			{From: "high", To: "done"},
			{From: "low", To: "done"},
		},
	}
}

func TestGuardRoutesHighValueBranch(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, branchingDefinition("wf-branch"))

	inst, err := engine.StartInstance(ctx, "wf-branch", 0, nil)
	require.NoError(t, err)

	completeTask(t, engine, store, "svc.assess", json.RawMessage(`{"amount": 5000}`))

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"high"}, current.Cursor)

	// low 分支不应有任务
	lowTask, err := store.ClaimTask(ctx, "svc.low", time.Second)
	require.NoError(t, err)
	assert.Nil(t, lowTask)

	completeTask(t, engine, store, "svc.high", nil)
	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
}

func TestGuardRoutesLowValueBranch(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, branchingDefinition("wf-branch"))

	inst, err := engine.StartInstance(ctx, "wf-branch", 0, nil)
	require.NoError(t, err)

	completeTask(t, engine, store, "svc.assess", json.RawMessage(`{"amount": 200}`))

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, current.Cursor)
}

func TestDeadEndFailsInstance(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	def := branchingDefinition("wf-deadend")
	publishDefinition(t, defs, def)

	inst, err := engine.StartInstance(ctx, "wf-deadend", 0, nil)
	require.NoError(t, err)

	// amount 缺失：两条守卫都不满足
	completeTask(t, engine, store, "svc.assess", json.RawMessage(`{"other": 1}`))

	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusFailed, final.Status)
	require.NotNil(t, final.FailureReason)
	assert.Contains(t, *final.FailureReason, "no satisfied outgoing link")
}

func TestAmbiguousBranchTakesFirstAndAudits(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	def := &model.WorkflowDefinition{
		ID: "wf-ambiguous", Name: "ambiguous",
		Steps: []model.Step{
			{ID: "intake", Kind: model.StepKindServiceCall, Target: "svc.intake", Start: true, SLADuration: time.Minute},
			{ID: "first", Kind: model.StepKindTerminal},
			{ID: "second", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "intake", To: "first"},
			{From: "intake", To: "second"},
		},
	}
	publishDefinition(t, defs, def)

	inst, err := engine.StartInstance(ctx, "wf-ambiguous", 0, nil)
	require.NoError(t, err)

	completeTask(t, engine, store, "svc.intake", nil)

	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
	assert.Contains(t, auditTypes(t, store, inst.ID), model.AuditBranchAmbiguous)
}

// ============================================================================
// 失败策略
// ============================================================================

func TestTaskRetryThenInstanceFailure(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	def := linearDefinition("wf-retry")
	def.Steps[0].RetryLimit = 1
	publishDefinition(t, defs, def)

	inst, err := engine.StartInstance(ctx, "wf-retry", 0, nil)
	require.NoError(t, err)

	// 第一次失败：attempt 1 <= limit 1，重新入队
	failTask(t, engine, store, "svc.intake", "upstream 503")
	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, current.Status)
	assert.Contains(t, auditTypes(t, store, inst.ID), model.AuditTaskRetried)

	// 第二次失败：attempt 2 > limit 1，默认策略终止实例
	failTask(t, engine, store, "svc.intake", "upstream 503")
	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusFailed, final.Status)

	types := auditTypes(t, store, inst.ID)
	assert.Contains(t, types, model.AuditStepFailedTerminal)
	assert.Contains(t, types, model.AuditInstanceFailed)
}

func TestEscalatePolicyAndResume(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	def := linearDefinition("wf-escalate")
	def.Steps[0].RetryLimit = 1
	def.Steps[0].OnFailure = model.FailurePolicyEscalate
	publishDefinition(t, defs, def)

	inst, err := engine.StartInstance(ctx, "wf-escalate", 0, nil)
	require.NoError(t, err)

	failTask(t, engine, store, "svc.intake", "boom")
	failTask(t, engine, store, "svc.intake", "boom")

	escalated, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusEscalated, escalated.Status)
	assert.Contains(t, auditTypes(t, store, inst.ID), model.AuditInstanceEscalated)

	// 恢复后失败任务重新入队，实例可以继续
	require.NoError(t, engine.ResumeInstance(ctx, inst.ID, "ops-alice"))
	completeTask(t, engine, store, "svc.intake", nil)

	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
	assert.Contains(t, auditTypes(t, store, inst.ID), model.AuditInstanceResumed)
}

func TestResumeRejectsNonEscalatedInstance(t *testing.T) {
	engine, _, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, linearDefinition("wf-linear"))

	inst, err := engine.StartInstance(ctx, "wf-linear", 0, nil)
	require.NoError(t, err)

	err = engine.ResumeInstance(ctx, inst.ID, "ops-alice")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestCancelInstance(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, linearDefinition("wf-linear"))

	inst, err := engine.StartInstance(ctx, "wf-linear", 0, nil)
	require.NoError(t, err)

	require.NoError(t, engine.CancelInstance(ctx, inst.ID, "duplicate submission"))

	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusFailed, final.Status)

	// 未完任务被终结
	tasks, err := store.ListTasksByInstance(ctx, inst.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.True(t, task.Status.IsFinal())
	}
	assert.Contains(t, auditTypes(t, store, inst.ID), model.AuditInstanceCancelled)

	// 终态实例不可再取消
	err = engine.CancelInstance(ctx, inst.ID, "again")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

// ============================================================================
// 并行分支与汇聚
// ============================================================================

func parallelDefinition(id string, join model.JoinMode) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID: id, Name: id,
		Steps: []model.Step{
			{ID: "split", Kind: model.StepKindServiceCall, Target: "svc.split", Start: true, SLADuration: time.Minute},
			{ID: "left", Kind: model.StepKindServiceCall, Target: "svc.left", SLADuration: time.Minute},
			{ID: "right", Kind: model.StepKindServiceCall, Target: "svc.right", SLADuration: time.Minute},
			{ID: "merge", Kind: model.StepKindServiceCall, Target: "svc.merge", SLADuration: time.Minute, Join: join},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "split", To: "left", Guard: "true"},
			{From: "split", To: "right", Guard: "true"},
			{From: "left", To: "merge"},
			{From: "right", To: "merge"},
			{From: "merge", To: "done"},
		},
	}
}

func TestAndJoinWaitsForAllBranches(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, parallelDefinition("wf-andjoin", model.JoinAll))

	inst, err := engine.StartInstance(ctx, "wf-andjoin", 0, nil)
	require.NoError(t, err)

	completeTask(t, engine, store, "svc.split", nil)

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"left", "right"}, current.Cursor)

	// 只有一条分支完成：汇聚点不派发任务
	completeTask(t, engine, store, "svc.left", nil)
	mergeTask, err := store.ClaimTask(ctx, "svc.merge", time.Second)
	require.NoError(t, err)
	assert.Nil(t, mergeTask, "and-join must wait for all branches")

	// 第二条分支完成：汇聚点就绪
	completeTask(t, engine, store, "svc.right", nil)
	completeTask(t, engine, store, "svc.merge", nil)

	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
}

func TestOrJoinCancelsSiblingBranch(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	publishDefinition(t, defs, parallelDefinition("wf-orjoin", model.JoinAny))

	inst, err := engine.StartInstance(ctx, "wf-orjoin", 0, nil)
	require.NoError(t, err)

	completeTask(t, engine, store, "svc.split", nil)
	completeTask(t, engine, store, "svc.left", nil)

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotContains(t, current.Cursor, "right", "or-join must drop the losing branch")
	assert.Contains(t, current.Cursor, "merge")

	// 落败分支的任务被取消
	tasks, err := store.ListTasksByInstance(ctx, inst.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.StepID == "right" {
			assert.Equal(t, model.TaskStatusFailed, task.Status)
		}
	}

	completeTask(t, engine, store, "svc.merge", nil)
	final, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, final.Status)
}

// ============================================================================
// 人工检查点
// ============================================================================

func TestCheckpointSuspendsInstance(t *testing.T) {
	engine, store, defs := newTestEngine(t)
	ctx := context.Background()
	def := &model.WorkflowDefinition{
		ID: "wf-hitl", Name: "hitl",
		Steps: []model.Step{
			{ID: "intake", Kind: model.StepKindServiceCall, Target: "svc.intake", Start: true, SLADuration: time.Minute},
			{ID: "review", Kind: model.StepKindHumanCheckpoint, ReviewerPool: []string{"alice"}},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "intake", To: "review"},
			{From: "review", To: "done"},
		},
	}
	publishDefinition(t, defs, def)

	inst, err := engine.StartInstance(ctx, "wf-hitl", 0, nil)
	require.NoError(t, err)

	completeTask(t, engine, store, "svc.intake", nil)

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusWaitingHuman, current.Status)
	assert.Equal(t, []string{"review"}, current.Cursor)

	checkpoints, err := store.ListCheckpointsByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, model.CheckpointStatusPending, checkpoints[0].Status)
	assert.Equal(t, []string{"alice"}, checkpoints[0].ReviewerPool)

	assert.Contains(t, auditTypes(t, store, inst.ID), model.AuditCheckpointCreated)
}

// ============================================================================
// 守卫求值
// ============================================================================

func TestEvalGuard(t *testing.T) {
	ok, err := evalGuard(`amount > 1000 && region == "east"`, map[string]interface{}{
		"amount": 2000, "region": "east",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalGuard("amount > 1000", map[string]interface{}{"amount": 100})
	require.NoError(t, err)
	assert.False(t, ok)

	// 未定义变量按 nil 处理，不报错
	ok, err = evalGuard("missing == nil", map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPickSuccessorsAmbiguity(t *testing.T) {
	def := &model.WorkflowDefinition{
		Steps: []model.Step{
			{ID: "a", Kind: model.StepKindServiceCall},
			{ID: "b", Kind: model.StepKindTerminal},
			{ID: "c", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
		},
	}
	result := pickSuccessors(def, "a", nil)
	assert.Equal(t, []string{"b"}, result.StepIDs)
	assert.True(t, result.Ambiguous)
}

// recordingBus 记录发布的升级事件
type recordingBus struct {
	eventbus.NoOpEventBus
	escalations []*eventbus.EscalationEvent
}

func (b *recordingBus) PublishEscalation(ctx context.Context, event *eventbus.EscalationEvent) error {
	b.escalations = append(b.escalations, event)
	return nil
}

func TestEscalationEventCarriesStepAndReason(t *testing.T) {
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	bus := &recordingBus{}
	defs := definition.NewService(store, nil)
	engine := NewEngine(store, defs, queue.NewNoOpQueue(), bus, DefaultConfig())
	ctx := context.Background()

	def := linearDefinition("wf-escalate-event")
	def.Steps[0].RetryLimit = 1
	def.Steps[0].OnFailure = model.FailurePolicyEscalate
	publishDefinition(t, defs, def)

	_, err = engine.StartInstance(ctx, "wf-escalate-event", 0, nil)
	require.NoError(t, err)

	failTask(t, engine, store, "svc.intake", "boom")
	failTask(t, engine, store, "svc.intake", "boom")

	require.Len(t, bus.escalations, 1)
	event := bus.escalations[0]
	assert.Equal(t, "intake", event.StepID)
	assert.Contains(t, event.Reason, "intake")
	assert.NotEmpty(t, event.Reason)
	assert.False(t, event.Timestamp.IsZero())
}
