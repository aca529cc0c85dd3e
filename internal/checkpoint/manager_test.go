package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/definition"
	"caseflow/internal/model"
	"caseflow/internal/orchestrator"
	"caseflow/internal/shared/queue"
	"caseflow/internal/shared/storage"
	sqlitedriver "caseflow/internal/shared/storage/driver/sqlite"
	"caseflow/internal/shared/storage/repository"
)

// newTestWorld 建一个完整环境：发布带检查点的定义并把实例推进到挂起状态
func newTestWorld(t *testing.T) (*Manager, *orchestrator.Engine, *repository.Store, *model.WorkflowInstance, *model.Checkpoint) {
	t.Helper()
	ctx := context.Background()

	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	defs := definition.NewService(store, nil)
	engine := orchestrator.NewEngine(store, defs, queue.NewNoOpQueue(), nil, nil)
	manager := NewManager(store, engine)

	def := &model.WorkflowDefinition{
		ID: "wf-approval", Name: "approval",
		Steps: []model.Step{
			{ID: "intake", Kind: model.StepKindServiceCall, Target: "svc.intake", Start: true, SLADuration: time.Minute},
			{ID: "review", Kind: model.StepKindHumanCheckpoint,
				ReviewerPool: []string{"alice", "bob"}, SecondaryPool: []string{"director"}},
			{ID: "publish", Kind: model.StepKindServiceCall, Target: "svc.publish", SLADuration: time.Minute},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "intake", To: "review"},
			{From: "review", To: "publish"},
			{From: "publish", To: "done"},
		},
	}
	require.NoError(t, defs.CreateDraft(ctx, def))
	_, _, err = defs.Publish(ctx, def.ID, def.Version)
	require.NoError(t, err)

	inst, err := engine.StartInstance(ctx, "wf-approval", 0, json.RawMessage(`{"amount": 750}`))
	require.NoError(t, err)

	// 完成 intake，实例挂起在 review
	task, err := store.ClaimTask(ctx, "svc.intake", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = engine.HandleTaskOutcome(ctx, task.ID, model.TaskOutcomeDone, nil, "")
	require.NoError(t, err)

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, model.InstanceStatusWaitingHuman, current.Status)

	checkpoints, err := store.ListCheckpointsByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)

	return manager, engine, store, current, checkpoints[0]
}

func TestApproveResumesInstance(t *testing.T) {
	manager, _, store, inst, cp := newTestWorld(t)
	ctx := context.Background()

	decided, err := manager.Decide(ctx, cp.ID, "alice", model.DecisionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusDecided, decided.Status)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, "alice", *decided.DecidedBy)

	// 实例离开挂起状态，publish 任务已派发
	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, current.Status)
	assert.Equal(t, []string{"publish"}, current.Cursor)

	task, err := store.ClaimTask(ctx, "svc.publish", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestEditMergesPatchIntoContext(t *testing.T) {
	manager, _, store, inst, cp := newTestWorld(t)
	ctx := context.Background()

	patch := json.RawMessage(`{"amount": 500, "discount": true}`)
	_, err := manager.Decide(ctx, cp.ID, "bob", model.DecisionEdit, patch)
	require.NoError(t, err)

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	var merged map[string]interface{}
	require.NoError(t, json.Unmarshal(current.Context, &merged))
	assert.Equal(t, float64(500), merged["amount"], "patch overrides same key")
	assert.Equal(t, true, merged["discount"])
}

func TestRejectFailsInstance(t *testing.T) {
	manager, _, store, inst, cp := newTestWorld(t)
	ctx := context.Background()

	_, err := manager.Decide(ctx, cp.ID, "alice", model.DecisionReject, nil)
	require.NoError(t, err)

	current, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusFailed, current.Status)
	require.NotNil(t, current.FailureReason)
	assert.Contains(t, *current.FailureReason, "rejected by alice")

	records, err := store.ReplayAudit(ctx, inst.ID)
	require.NoError(t, err)
	var types []model.AuditEventType
	for _, r := range records {
		types = append(types, r.EventType)
	}
	assert.Contains(t, types, model.AuditCheckpointDecided)
	assert.Contains(t, types, model.AuditInstanceFailed)
}

func TestDecisionFirstWriteWins(t *testing.T) {
	manager, _, _, _, cp := newTestWorld(t)
	ctx := context.Background()

	_, err := manager.Decide(ctx, cp.ID, "alice", model.DecisionApprove, nil)
	require.NoError(t, err)

	_, err = manager.Decide(ctx, cp.ID, "bob", model.DecisionReject, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestDecisionOutsideReviewerPoolForbidden(t *testing.T) {
	manager, _, _, _, cp := newTestWorld(t)
	ctx := context.Background()

	_, err := manager.Decide(ctx, cp.ID, "mallory", model.DecisionApprove, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err))
}

func TestSecondaryPoolDecidesAfterReassignment(t *testing.T) {
	manager, _, store, _, cp := newTestWorld(t)
	ctx := context.Background()

	moved, err := store.ReassignCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.True(t, moved)

	// 原池成员失去决策权
	_, err = manager.Decide(ctx, cp.ID, "alice", model.DecisionApprove, nil)
	assert.True(t, errdefs.IsPermissionDenied(err))

	// 二级池成员可决策
	decided, err := manager.Decide(ctx, cp.ID, "director", model.DecisionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusDecided, decided.Status)
}

func TestDecideUnknownCheckpoint(t *testing.T) {
	manager, _, _, _, _ := newTestWorld(t)
	_, err := manager.Decide(context.Background(), "cp-missing", "alice", model.DecisionApprove, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecideRejectsUnknownDecision(t *testing.T) {
	manager, _, _, _, cp := newTestWorld(t)
	_, err := manager.Decide(context.Background(), cp.ID, "alice", model.Decision("maybe"), nil)
	assert.ErrorIs(t, err, storage.ErrValidation)
}

type denyAuthorizer struct{ deny string }

func (a *denyAuthorizer) Authorize(ctx context.Context, cp *model.Checkpoint, actor string) error {
	if actor == a.deny {
		return errors.New("blocked by policy")
	}
	return nil
}

func TestExternalAuthorizerCanVeto(t *testing.T) {
	manager, _, _, _, cp := newTestWorld(t)
	manager.SetAuthorizer(&denyAuthorizer{deny: "alice"})
	ctx := context.Background()

	// 在审核池内但被外部授权钩子否决
	_, err := manager.Decide(ctx, cp.ID, "alice", model.DecisionApprove, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err))

	// 钩子放行的审核人正常决策
	decided, err := manager.Decide(ctx, cp.ID, "bob", model.DecisionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusDecided, decided.Status)
}
