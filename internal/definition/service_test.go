package definition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
	sqlitedriver "caseflow/internal/shared/storage/driver/sqlite"
	"caseflow/internal/shared/storage/repository"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// validDefinition 构造一个合法的最小定义：intake → review → done
func validDefinition(id string) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:   id,
		Name: "Order Flow",
		Steps: []model.Step{
			{ID: "intake", Kind: model.StepKindServiceCall, Target: "svc.intake", Start: true, SLADuration: time.Minute},
			{ID: "review", Kind: model.StepKindHumanCheckpoint, ReviewerPool: []string{"alice", "bob"}},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "intake", To: "review"},
			{From: "review", To: "done"},
		},
	}
}

// ============================================================================
// 校验
// ============================================================================

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	result := Validate(validDefinition("wf-order"))
	assert.True(t, result.OK())
	assert.Empty(t, result.Errors)
}

func TestValidateRejectsMissingStart(t *testing.T) {
	def := validDefinition("wf-order")
	def.Steps[0].Start = false

	result := Validate(def)
	assert.False(t, result.OK())
	assert.Contains(t, result.Errors[0], "no start step")
}

func TestValidateRejectsMultipleStarts(t *testing.T) {
	def := validDefinition("wf-order")
	def.Steps[1] = model.Step{ID: "review", Kind: model.StepKindServiceCall, Target: "svc.review", Start: true, SLADuration: time.Minute}

	result := Validate(def)
	assert.False(t, result.OK())
}

func TestValidateRejectsMissingSLA(t *testing.T) {
	def := validDefinition("wf-order")
	def.Steps[0].SLADuration = 0

	result := Validate(def)
	assert.False(t, result.OK())
	assert.Contains(t, result.Errors[0], "sla_duration")
}

func TestValidateRejectsUnreachableStep(t *testing.T) {
	def := validDefinition("wf-order")
	def.Steps = append(def.Steps, model.Step{
		ID: "orphan", Kind: model.StepKindServiceCall, Target: "svc.orphan", SLADuration: time.Minute,
	})

	result := Validate(def)
	assert.False(t, result.OK())
	assert.Contains(t, result.Errors[0], "unreachable")
}

func TestValidateRejectsCycle(t *testing.T) {
	def := validDefinition("wf-order")
	def.Links = append(def.Links, model.Link{From: "review", To: "intake"})

	result := Validate(def)
	assert.False(t, result.OK())
}

func TestValidateRejectsUnknownLinkTarget(t *testing.T) {
	def := validDefinition("wf-order")
	def.Links = append(def.Links, model.Link{From: "intake", To: "nowhere"})

	result := Validate(def)
	assert.False(t, result.OK())
	assert.Contains(t, result.Errors[0], "unknown step")
}

func TestValidateRejectsBadGuard(t *testing.T) {
	def := validDefinition("wf-order")
	def.Links[0].Guard = "amount >"

	result := Validate(def)
	assert.False(t, result.OK())
	assert.Contains(t, result.Errors[0], "invalid guard")
}

func TestValidateAcceptsGuardExpression(t *testing.T) {
	def := validDefinition("wf-order")
	def.Links[0].Guard = `amount > 1000 && region == "east"`

	result := Validate(def)
	assert.True(t, result.OK())
}

func TestValidateWarnsOnAmbiguousBranch(t *testing.T) {
	def := validDefinition("wf-order")
	def.Steps = append(def.Steps, model.Step{ID: "alt", Kind: model.StepKindTerminal})
	def.Links = append(def.Links, model.Link{From: "intake", To: "alt"})

	result := Validate(def)
	assert.True(t, result.OK(), "ambiguous branches warn but do not block publish")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "unguarded")
}

func TestValidateRejectsCheckpointWithoutReviewers(t *testing.T) {
	def := validDefinition("wf-order")
	def.Steps[1].ReviewerPool = nil

	result := Validate(def)
	assert.False(t, result.OK())
	assert.Contains(t, result.Errors[0], "reviewer_pool")
}

func TestValidateRejectsTerminalWithOutgoingLinks(t *testing.T) {
	def := validDefinition("wf-order")
	def.Steps = append(def.Steps, model.Step{ID: "extra", Kind: model.StepKindTerminal})
	def.Links = append(def.Links, model.Link{From: "done", To: "extra"})

	result := Validate(def)
	assert.False(t, result.OK())
}

// ============================================================================
// 服务
// ============================================================================

func TestCreateDraftAssignsVersions(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil)
	ctx := context.Background()

	def := validDefinition("wf-order")
	require.NoError(t, svc.CreateDraft(ctx, def))
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, model.DefinitionStatusDraft, def.Status)

	second := validDefinition("wf-order")
	require.NoError(t, svc.CreateDraft(ctx, second))
	assert.Equal(t, 2, second.Version)
}

func TestPublishValidDefinition(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil)
	ctx := context.Background()

	def := validDefinition("wf-order")
	require.NoError(t, svc.CreateDraft(ctx, def))

	published, result, err := svc.Publish(ctx, "wf-order", 1)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, model.DefinitionStatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)

	// 发布写入审计记录
	records, err := s.ReplayAudit(ctx, "wf-order")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.AuditDefinitionPublished, records[0].EventType)
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil)
	ctx := context.Background()

	def := validDefinition("wf-order")
	def.Steps[0].SLADuration = 0
	require.NoError(t, svc.CreateDraft(ctx, def))

	_, result, err := svc.Publish(ctx, "wf-order", 1)
	require.ErrorIs(t, err, storage.ErrValidation)
	assert.False(t, result.OK())

	// 校验失败不应写入审计
	records, err := s.ReplayAudit(ctx, "wf-order")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPublishTwiceConflicts(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil)
	ctx := context.Background()

	require.NoError(t, svc.CreateDraft(ctx, validDefinition("wf-order")))
	_, _, err := svc.Publish(ctx, "wf-order", 1)
	require.NoError(t, err)

	_, _, err = svc.Publish(ctx, "wf-order", 1)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestGetLatestPublishedSkipsDrafts(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil)
	ctx := context.Background()

	require.NoError(t, svc.CreateDraft(ctx, validDefinition("wf-order")))
	_, _, err := svc.Publish(ctx, "wf-order", 1)
	require.NoError(t, err)
	require.NoError(t, svc.CreateDraft(ctx, validDefinition("wf-order")))

	latest, err := svc.GetLatestPublished(ctx, "wf-order")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

// ============================================================================
// YAML 解析
// ============================================================================

func TestParseYAML(t *testing.T) {
	doc := []byte(`
id: wf-claims
name: Claims Processing
steps:
  - id: intake
    kind: service_call
    target: svc.intake
    sla: 5m
    start: true
  - id: assess
    kind: agent_invoke
    target: agent.assessor
    sla: 30m
    retry_limit: 2
    on_failure: escalate
  - id: approve
    kind: human_checkpoint
    reviewer_pool: [lead-a, lead-b]
    secondary_pool: [director]
    checkpoint_sla: 48h
  - id: done
    kind: terminal
links:
  - from: intake
    to: assess
  - from: assess
    to: approve
    guard: amount > 1000
  - from: assess
    to: done
    guard: amount <= 1000
  - from: approve
    to: done
`)

	def, err := ParseYAML(doc)
	require.NoError(t, err)
	assert.Equal(t, "wf-claims", def.ID)
	require.Len(t, def.Steps, 4)
	assert.Equal(t, 5*time.Minute, def.Steps[0].SLADuration)
	assert.Equal(t, 30*time.Minute, def.Steps[1].SLADuration)
	assert.Equal(t, model.FailurePolicyEscalate, def.Steps[1].OnFailure)
	assert.Equal(t, 48*time.Hour, def.Steps[2].CheckpointSLA)
	assert.Equal(t, []string{"lead-a", "lead-b"}, def.Steps[2].ReviewerPool)
	require.Len(t, def.Links, 4)
	assert.Equal(t, "amount > 1000", def.Links[1].Guard)

	assert.True(t, Validate(def).OK())
}

func TestParseYAMLRejectsBadDuration(t *testing.T) {
	doc := []byte(`
id: wf-bad
steps:
  - id: a
    kind: service_call
    target: svc.a
    sla: five-minutes
    start: true
`)
	_, err := ParseYAML(doc)
	assert.ErrorIs(t, err, storage.ErrValidation)
}
