// Package orchestrator 工作流编排引擎
//
// 引擎负责实例状态机的推进：
//   - 按定义图从 start 步骤推进游标，支持并行分支与守卫分流
//   - service_call / agent_invoke 步骤派发持久化任务
//   - human_checkpoint 步骤创建检查点并挂起实例
//   - terminal 步骤收敛分支，全部到达后实例 completed
//
// 一致性模型：
//   - 实例推进使用 state_version 乐观锁，冲突重读重试
//   - 每次推进的全部状态变更与审计记录绑定在同一数据库事务
//   - Redis 通知只是唤醒加速，丢失由保底轮询兜底
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"caseflow/internal/definition"
	"caseflow/internal/model"
	"caseflow/internal/shared/eventbus"
	"caseflow/internal/shared/queue"
	"caseflow/internal/shared/storage"
)

// Engine 工作流编排引擎
type Engine struct {
	config *Config
	store  storage.PersistentStore
	defs   *definition.Service
	queue  queue.Queue       // 可为 nil，只靠保底轮询
	bus    eventbus.EventBus // 可为 nil，不发实时事件
}

// NewEngine 创建编排引擎
func NewEngine(store storage.PersistentStore, defs *definition.Service, q queue.Queue, bus eventbus.EventBus, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()
	return &Engine{
		config: config,
		store:  store,
		defs:   defs,
		queue:  q,
		bus:    bus,
	}
}

// generateID 生成带前缀的随机标识
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b))
}

// ============================================================================
// 实例生命周期
// ============================================================================

// StartInstance 启动流程实例
//
// version 为 0 时使用最新已发布版本。实例终生绑定该 (id, version) 对。
func (e *Engine) StartInstance(ctx context.Context, definitionID string, version int, initContext json.RawMessage) (*model.WorkflowInstance, error) {
	var def *model.WorkflowDefinition
	var err error
	if version == 0 {
		def, err = e.defs.GetLatestPublished(ctx, definitionID)
	} else {
		def, err = e.defs.Get(ctx, definitionID, version)
	}
	if err != nil {
		return nil, err
	}
	if def.Status != model.DefinitionStatusPublished {
		return nil, fmt.Errorf("%w: definition %s v%d is not published", storage.ErrValidation, def.ID, def.Version)
	}

	start := def.StartStep()
	if start == nil {
		return nil, fmt.Errorf("%w: definition %s v%d has no start step", storage.ErrValidation, def.ID, def.Version)
	}

	if len(initContext) == 0 {
		initContext = json.RawMessage(`{}`)
	}

	now := time.Now()
	inst := &model.WorkflowInstance{
		ID:                generateID("wfi"),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            model.InstanceStatusRunning,
		Cursor:            []string{start.ID},
		Context:           initContext,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = e.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.AuditRecord{
			InstanceID: inst.ID,
			EventType:  model.AuditInstanceStarted,
			Detail: model.AuditDetail{
				Definition: def.ID,
				Version:    def.Version,
				Cursor:     inst.Cursor,
			}.Marshal(),
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[engine.instance.started] instance_id=%s definition=%s version=%d", inst.ID, def.ID, def.Version)
	e.publishEvent(ctx, inst.ID, "instance_started", map[string]interface{}{
		"definition_id": def.ID,
		"version":       def.Version,
	})

	if err := e.Advance(ctx, inst.ID); err != nil {
		log.Printf("[engine.instance.initial_advance.failed] instance_id=%s error=%v", inst.ID, err)
	}
	return e.store.GetInstance(ctx, inst.ID)
}

// CancelInstance 显式取消实例
//
// 非终态实例转入 failed，未完任务批量终结，原因入审计。
func (e *Engine) CancelInstance(ctx context.Context, instanceID, reason string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s already %s", storage.ErrConflict, instanceID, inst.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	now := time.Now()
	err = e.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		inst.Status = model.InstanceStatusFailed
		inst.FailureReason = &reason
		if err := tx.UpdateInstanceState(ctx, inst); err != nil {
			return err
		}
		if _, err := tx.FailTasksForInstance(ctx, instanceID, reason); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.AuditRecord{
			InstanceID: instanceID,
			EventType:  model.AuditInstanceCancelled,
			Detail:     model.AuditDetail{Reason: reason}.Marshal(),
			Timestamp:  now,
		})
	})
	if err != nil {
		return err
	}

	log.Printf("[engine.instance.cancelled] instance_id=%s reason=%q", instanceID, reason)
	e.publishEvent(ctx, instanceID, "instance_cancelled", map[string]interface{}{"reason": reason})
	return nil
}

// ResumeInstance 运维手工恢复 escalated 实例回 running 并继续推进
func (e *Engine) ResumeInstance(ctx context.Context, instanceID, operator string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != model.InstanceStatusEscalated {
		return fmt.Errorf("%w: instance %s is %s, only escalated instances can be resumed",
			storage.ErrConflict, instanceID, inst.Status)
	}

	tasks, err := e.store.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	now := time.Now()
	err = e.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		inst.Status = model.InstanceStatusRunning
		inst.FailureReason = nil
		if err := tx.UpdateInstanceState(ctx, inst); err != nil {
			return err
		}
		// 游标步骤上重试耗尽的失败任务重新入队，给恢复后的实例新的尝试
		for _, t := range tasks {
			if t.Status == model.TaskStatusFailed && inst.CursorContains(t.StepID) {
				if err := tx.RequeueTask(ctx, t.ID); err != nil {
					return err
				}
			}
		}
		return tx.AppendAudit(ctx, &model.AuditRecord{
			InstanceID: instanceID,
			EventType:  model.AuditInstanceResumed,
			Detail:     model.AuditDetail{DecidedBy: operator}.Marshal(),
			Timestamp:  now,
		})
	})
	if err != nil {
		return err
	}

	log.Printf("[engine.instance.resumed] instance_id=%s operator=%s", instanceID, operator)
	e.publishEvent(ctx, instanceID, "instance_resumed", map[string]interface{}{"operator": operator})
	return e.Advance(ctx, instanceID)
}

// ============================================================================
// 任务结果
// ============================================================================

// HandleTaskOutcome 处理 Worker 上报的任务结果
//
// 终结任务、写审计，然后推进实例。重复 ack 返回 ErrAlreadyFinalized，
// 调用方应视为幂等空操作。
func (e *Engine) HandleTaskOutcome(ctx context.Context, taskID string, outcome model.TaskOutcome, result json.RawMessage, errMsg string) (*model.Task, error) {
	var task *model.Task
	now := time.Now()

	err := e.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		var err error
		task, err = tx.FinalizeTask(ctx, taskID, outcome, result, errMsg)
		if err != nil {
			return err
		}

		eventType := model.AuditTaskCompleted
		if outcome == model.TaskOutcomeFailed {
			eventType = model.AuditTaskFailed
		}
		return tx.AppendAudit(ctx, &model.AuditRecord{
			InstanceID: task.InstanceID,
			EventType:  eventType,
			Detail: model.AuditDetail{
				TaskID:  taskID,
				StepID:  task.StepID,
				Attempt: task.AttemptCount,
				Reason:  errMsg,
			}.Marshal(),
			Timestamp: now,
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyFinalized) {
			log.Printf("[engine.task.duplicate_ack] task_id=%s outcome=%s", taskID, outcome)
		}
		return task, err
	}

	log.Printf("[engine.task.finalized] task_id=%s instance_id=%s step=%s outcome=%s attempt=%d",
		taskID, task.InstanceID, task.StepID, outcome, task.AttemptCount)

	if e.queue != nil {
		if _, err := e.queue.NotifyAdvance(ctx, task.InstanceID, "task_finalized"); err != nil {
			log.Printf("[engine.advance.notify.failed] instance_id=%s error=%v", task.InstanceID, err)
		}
	}
	if err := e.Advance(ctx, task.InstanceID); err != nil {
		log.Printf("[engine.advance.failed] instance_id=%s error=%v", task.InstanceID, err)
	}
	return task, nil
}

// ============================================================================
// 实例推进
// ============================================================================

// Advance 推进实例状态机，直到一轮推进不再产生变化
//
// 乐观锁冲突时重读重试；单轮只处理当前游标，后继步骤的任务派发
// 在下一轮完成，循环至稳定。
func (e *Engine) Advance(ctx context.Context, instanceID string) error {
	conflicts := 0
	for {
		changed, err := e.advanceOnce(ctx, instanceID)
		if errors.Is(err, storage.ErrConflict) {
			conflicts++
			if conflicts >= e.config.AdvanceRetries {
				return fmt.Errorf("advance instance %s: %w", instanceID, storage.ErrConflict)
			}
			log.Printf("[engine.advance.conflict] instance_id=%s attempt=%d", instanceID, conflicts)
			continue
		}
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
}

// advancePlan 单次推进中累积的状态变更
type advancePlan struct {
	cursor          []string
	status          model.InstanceStatus
	context         json.RawMessage
	failureReason   *string
	newTasks        []*model.Task
	newCheckpoints  []*model.Checkpoint
	requeueTasks    []*model.Task
	cancelTasks     map[string]string // task_id -> reason
	audits          []*model.AuditRecord
	changed         bool
	waiting         bool
	escalated       bool
	escalatedStep   string
	escalatedReason string
	failed          bool
}

func (p *advancePlan) addAudit(instanceID string, eventType model.AuditEventType, detail model.AuditDetail) {
	p.audits = append(p.audits, &model.AuditRecord{
		InstanceID: instanceID,
		EventType:  eventType,
		Detail:     detail.Marshal(),
		Timestamp:  time.Now(),
	})
}

func (p *advancePlan) addCursor(stepID string) {
	for _, id := range p.cursor {
		if id == stepID {
			return
		}
	}
	p.cursor = append(p.cursor, stepID)
}

func (p *advancePlan) removeCursor(stepID string) {
	out := p.cursor[:0]
	for _, id := range p.cursor {
		if id != stepID {
			out = append(out, id)
		}
	}
	p.cursor = out
}

func (e *Engine) advanceOnce(ctx context.Context, instanceID string) (bool, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status.IsTerminal() {
		return false, nil
	}

	def, err := e.defs.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return false, err
	}

	tasks, err := e.store.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	checkpoints, err := e.store.ListCheckpointsByInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}

	// 每步骤取最新一条任务/检查点
	taskByStep := make(map[string]*model.Task)
	for _, t := range tasks {
		prev, ok := taskByStep[t.StepID]
		if !ok || t.CreatedAt.After(prev.CreatedAt) {
			taskByStep[t.StepID] = t
		}
	}
	cpByStep := make(map[string]*model.Checkpoint)
	for _, cp := range checkpoints {
		prev, ok := cpByStep[cp.StepID]
		if !ok || cp.CreatedAt.After(prev.CreatedAt) {
			cpByStep[cp.StepID] = cp
		}
	}

	plan := &advancePlan{
		status:      inst.Status,
		context:     inst.Context,
		cancelTasks: map[string]string{},
	}

	for _, stepID := range inst.Cursor {
		step := def.StepByID(stepID)
		if step == nil {
			reason := fmt.Sprintf("cursor references unknown step %s", stepID)
			plan.failed = true
			plan.failureReason = &reason
			plan.changed = true
			continue
		}

		switch {
		case step.IsTerminal():
			// 分支收敛，游标移除
			plan.changed = true

		case step.Kind == model.StepKindHumanCheckpoint:
			e.advanceCheckpointStep(inst, def, step, cpByStep[stepID], plan)

		default:
			e.advanceTaskStep(inst, def, step, taskByStep, cpByStep, plan)
		}
	}

	if !plan.changed {
		return false, nil
	}

	// OR-join 抢先：被满足的 any 汇聚点取消其余前驱分支
	e.resolveAnyJoins(def, taskByStep, plan)

	// 终局状态判定
	switch {
	case plan.failed:
		plan.status = model.InstanceStatusFailed
		plan.cursor = nil
		reason := "instance failed"
		if plan.failureReason != nil {
			reason = *plan.failureReason
		}
		plan.addAudit(instanceID, model.AuditInstanceFailed, model.AuditDetail{Reason: reason})
	case plan.escalated:
		plan.status = model.InstanceStatusEscalated
		plan.addAudit(instanceID, model.AuditInstanceEscalated, model.AuditDetail{
			StepID: plan.escalatedStep, Reason: plan.escalatedReason, Cursor: plan.cursor,
		})
	case len(plan.cursor) == 0:
		plan.status = model.InstanceStatusCompleted
		plan.addAudit(instanceID, model.AuditInstanceCompleted, model.AuditDetail{
			Definition: def.ID, Version: def.Version,
		})
	case plan.waiting:
		plan.status = model.InstanceStatusWaitingHuman
	default:
		plan.status = model.InstanceStatusRunning
	}

	err = e.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		inst.Status = plan.status
		inst.Cursor = plan.cursor
		inst.Context = plan.context
		inst.FailureReason = plan.failureReason
		if err := tx.UpdateInstanceState(ctx, inst); err != nil {
			return err
		}

		for _, task := range plan.newTasks {
			if _, err := tx.EnqueueTask(ctx, task); err != nil {
				return err
			}
		}
		for _, cp := range plan.newCheckpoints {
			if err := tx.CreateCheckpoint(ctx, cp); err != nil {
				return err
			}
		}
		for _, task := range plan.requeueTasks {
			if err := tx.RequeueTask(ctx, task.ID); err != nil {
				return err
			}
		}
		for taskID, reason := range plan.cancelTasks {
			if _, err := tx.FinalizeTask(ctx, taskID, model.TaskOutcomeFailed, nil, reason); err != nil &&
				!errors.Is(err, storage.ErrAlreadyFinalized) {
				return err
			}
		}
		if plan.failed {
			if _, err := tx.FailTasksForInstance(ctx, instanceID, "instance failed"); err != nil {
				return err
			}
		}
		for _, rec := range plan.audits {
			if err := tx.AppendAudit(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	e.afterAdvance(ctx, inst, plan)
	return true, nil
}

// advanceTaskStep 推进 service_call / agent_invoke 步骤
func (e *Engine) advanceTaskStep(inst *model.WorkflowInstance, def *model.WorkflowDefinition,
	step *model.Step, taskByStep map[string]*model.Task, cpByStep map[string]*model.Checkpoint, plan *advancePlan) {

	task := taskByStep[step.ID]
	if task == nil {
		// 汇聚点未就绪时保持等待，不派发任务
		if !e.joinReady(def, step, taskByStep, cpByStep) {
			plan.addCursor(step.ID)
			return
		}
		newTask := &model.Task{
			ID:          generateID("task"),
			InstanceID:  inst.ID,
			StepID:      step.ID,
			Topic:       step.Target,
			Status:      model.TaskStatusPending,
			Payload:     plan.context,
			SLADuration: step.SLADuration,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		plan.newTasks = append(plan.newTasks, newTask)
		plan.addCursor(step.ID)
		plan.changed = true
		plan.addAudit(inst.ID, model.AuditTaskEnqueued, model.AuditDetail{
			TaskID: newTask.ID, StepID: step.ID, Topic: step.Target,
		})
		return
	}

	switch task.Status {
	case model.TaskStatusPending, model.TaskStatusDispatched:
		plan.addCursor(step.ID)

	case model.TaskStatusDone:
		plan.context = model.MergeContext(plan.context, task.Result)
		e.followLinks(inst, def, step, plan)

	case model.TaskStatusFailed:
		e.handleTaskFailure(inst, step, task, plan)

	case model.TaskStatusExpired:
		// SLA Monitor 负责违约处置；此处保持等待其结论
		plan.addCursor(step.ID)
	}
}

// advanceCheckpointStep 推进 human_checkpoint 步骤
func (e *Engine) advanceCheckpointStep(inst *model.WorkflowInstance, def *model.WorkflowDefinition,
	step *model.Step, cp *model.Checkpoint, plan *advancePlan) {

	if cp == nil {
		newCP := &model.Checkpoint{
			ID:            generateID("cp"),
			InstanceID:    inst.ID,
			StepID:        step.ID,
			Status:        model.CheckpointStatusPending,
			ReviewerPool:  step.ReviewerPool,
			SecondaryPool: step.SecondaryPool,
			CreatedAt:     time.Now(),
		}
		if step.CheckpointSLA > 0 {
			expires := time.Now().Add(step.CheckpointSLA)
			newCP.ExpiresAt = &expires
		}
		plan.newCheckpoints = append(plan.newCheckpoints, newCP)
		plan.addCursor(step.ID)
		plan.waiting = true
		plan.changed = true
		plan.addAudit(inst.ID, model.AuditCheckpointCreated, model.AuditDetail{
			StepID: step.ID, Extra: mustJSON(map[string]interface{}{"checkpoint_id": newCP.ID}),
		})
		return
	}

	if cp.IsPending() || cp.Decision == nil {
		plan.addCursor(step.ID)
		plan.waiting = true
		return
	}

	switch *cp.Decision {
	case model.DecisionApprove:
		e.followLinks(inst, def, step, plan)
	case model.DecisionEdit:
		plan.context = model.MergeContext(plan.context, cp.Patch)
		e.followLinks(inst, def, step, plan)
	case model.DecisionReject:
		reason := fmt.Sprintf("checkpoint %s rejected", step.ID)
		if cp.DecidedBy != nil {
			reason = fmt.Sprintf("checkpoint %s rejected by %s", step.ID, *cp.DecidedBy)
		}
		plan.failed = true
		plan.failureReason = &reason
		plan.changed = true
	}
}

// handleTaskFailure 应用失败策略
func (e *Engine) handleTaskFailure(inst *model.WorkflowInstance, step *model.Step, task *model.Task, plan *advancePlan) {
	limit := step.RetryLimit
	if limit <= 0 {
		limit = e.config.DefaultRetryLimit
	}

	if task.AttemptCount <= limit {
		plan.requeueTasks = append(plan.requeueTasks, task)
		plan.addCursor(step.ID)
		plan.changed = true
		plan.addAudit(inst.ID, model.AuditTaskRetried, model.AuditDetail{
			TaskID: task.ID, StepID: step.ID, Attempt: task.AttemptCount,
		})
		return
	}

	// 重试耗尽
	plan.changed = true
	plan.addAudit(inst.ID, model.AuditStepFailedTerminal, model.AuditDetail{
		TaskID: task.ID, StepID: step.ID, Attempt: task.AttemptCount,
	})

	switch step.OnFailure {
	case model.FailurePolicyEscalate:
		plan.escalated = true
		plan.escalatedStep = step.ID
		plan.escalatedReason = fmt.Sprintf("step %s failed after %d attempts", step.ID, task.AttemptCount)
		plan.addCursor(step.ID)
	default:
		reason := fmt.Sprintf("step %s failed after %d attempts", step.ID, task.AttemptCount)
		if task.Error != nil && *task.Error != "" {
			reason = fmt.Sprintf("step %s failed after %d attempts: %s", step.ID, task.AttemptCount, *task.Error)
		}
		plan.failed = true
		plan.failureReason = &reason
	}
}

// followLinks 按守卫分流，把后继步骤写入游标
func (e *Engine) followLinks(inst *model.WorkflowInstance, def *model.WorkflowDefinition, step *model.Step, plan *advancePlan) {
	plan.changed = true

	result := pickSuccessors(def, step.ID, model.ContextMap(plan.context))
	if result.Ambiguous {
		plan.addAudit(inst.ID, model.AuditBranchAmbiguous, model.AuditDetail{
			StepID: step.ID,
			Reason: "multiple unguarded links matched, first in definition order taken",
		})
	}

	if len(result.StepIDs) == 0 {
		reason := fmt.Sprintf("step %s has no satisfied outgoing link", step.ID)
		plan.failed = true
		plan.failureReason = &reason
		return
	}
	for _, next := range result.StepIDs {
		plan.addCursor(next)
	}
}

// joinReady 判断汇聚步骤是否就绪
//
// 多条入边且 join=all（默认）时，要求全部前驱步骤已完成；
// join=any 时任一前驱到达即就绪。
func (e *Engine) joinReady(def *model.WorkflowDefinition, step *model.Step,
	taskByStep map[string]*model.Task, cpByStep map[string]*model.Checkpoint) bool {

	preds := predecessors(def, step.ID)
	if len(preds) <= 1 || step.Join == model.JoinAny {
		return true
	}

	for _, pred := range preds {
		if !stepCompleted(def, pred, taskByStep, cpByStep) {
			return false
		}
	}
	return true
}

// resolveAnyJoins 处理 OR-join：汇聚点被激活后取消其余前驱分支
func (e *Engine) resolveAnyJoins(def *model.WorkflowDefinition, taskByStep map[string]*model.Task, plan *advancePlan) {
	for _, stepID := range append([]string(nil), plan.cursor...) {
		step := def.StepByID(stepID)
		if step == nil || step.Join != model.JoinAny {
			continue
		}
		for _, pred := range predecessors(def, stepID) {
			if !containsString(plan.cursor, pred) {
				continue
			}
			plan.removeCursor(pred)
			plan.changed = true
			if t := taskByStep[pred]; t != nil && !t.Status.IsFinal() {
				plan.cancelTasks[t.ID] = fmt.Sprintf("superseded by or-join at %s", stepID)
			}
		}
	}
}

// stepCompleted 判断前驱步骤是否已成功完成
func stepCompleted(def *model.WorkflowDefinition, stepID string,
	taskByStep map[string]*model.Task, cpByStep map[string]*model.Checkpoint) bool {

	step := def.StepByID(stepID)
	if step == nil {
		return false
	}
	if step.Kind == model.StepKindHumanCheckpoint {
		cp := cpByStep[stepID]
		return cp != nil && cp.Status == model.CheckpointStatusDecided &&
			cp.Decision != nil && *cp.Decision != model.DecisionReject
	}
	t := taskByStep[stepID]
	return t != nil && t.Status == model.TaskStatusDone
}

// predecessors 返回步骤的全部前驱（入边的源步骤），保持定义顺序去重
func predecessors(def *model.WorkflowDefinition, stepID string) []string {
	var out []string
	for _, l := range def.Links {
		if l.To == stepID && !containsString(out, l.From) {
			out = append(out, l.From)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// afterAdvance 事务提交后的通知与事件发布
func (e *Engine) afterAdvance(ctx context.Context, inst *model.WorkflowInstance, plan *advancePlan) {
	log.Printf("[engine.advance.applied] instance_id=%s status=%s cursor=%v tasks=%d checkpoints=%d",
		inst.ID, plan.status, plan.cursor, len(plan.newTasks), len(plan.newCheckpoints))

	if e.queue != nil {
		for _, task := range plan.newTasks {
			if _, err := e.queue.NotifyTaskReady(ctx, task.Topic, task.ID, inst.ID); err != nil {
				log.Printf("[engine.task.notify.failed] task_id=%s topic=%s error=%v", task.ID, task.Topic, err)
			}
		}
		for _, task := range plan.requeueTasks {
			if _, err := e.queue.NotifyTaskReady(ctx, task.Topic, task.ID, inst.ID); err != nil {
				log.Printf("[engine.task.notify.failed] task_id=%s topic=%s error=%v", task.ID, task.Topic, err)
			}
		}
	}

	switch plan.status {
	case model.InstanceStatusCompleted:
		e.publishEvent(ctx, inst.ID, "instance_completed", nil)
	case model.InstanceStatusFailed:
		reason := ""
		if plan.failureReason != nil {
			reason = *plan.failureReason
		}
		e.publishEvent(ctx, inst.ID, "instance_failed", map[string]interface{}{"reason": reason})
	case model.InstanceStatusEscalated:
		e.publishEvent(ctx, inst.ID, "instance_escalated", map[string]interface{}{"step_id": plan.escalatedStep})
		if e.bus != nil {
			reason := plan.escalatedReason
			if reason == "" {
				reason = "retries exhausted"
			}
			event := &eventbus.EscalationEvent{
				InstanceID: inst.ID,
				StepID:     plan.escalatedStep,
				Reason:     reason,
				Timestamp:  time.Now(),
			}
			if err := e.bus.PublishEscalation(ctx, event); err != nil {
				log.Printf("[engine.escalation.publish.failed] instance_id=%s error=%v", inst.ID, err)
			}
		}
	case model.InstanceStatusWaitingHuman:
		e.publishEvent(ctx, inst.ID, "instance_waiting_human", map[string]interface{}{"cursor": plan.cursor})
	default:
		e.publishEvent(ctx, inst.ID, "instance_advanced", map[string]interface{}{"cursor": plan.cursor})
	}
}

// publishEvent 发布实例事件（失败只记日志，不阻断主流程）
func (e *Engine) publishEvent(ctx context.Context, instanceID, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	event := &eventbus.InstanceEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := e.bus.PublishInstanceEvent(ctx, instanceID, event); err != nil {
		log.Printf("[engine.event.publish.failed] instance_id=%s type=%s error=%v", instanceID, eventType, err)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
