// Package slamonitor SLA 监控器
//
// 周期扫描两类超时对象：
//   - 业务截止时间已过的任务：标记 expired 并按步骤的违约策略处置
//   - 自身 SLA 已过的检查点：改派到二级审核池
//
// 违约判定基于任务的 expires_at（首次派发时一次性设定，重投不重置），
// 条件更新保证多副本并发扫描时每次违约只触发一次处置。
package slamonitor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/eventbus"
	"caseflow/internal/shared/queue"
	"caseflow/internal/shared/storage"
)

// Config 监控器配置
type Config struct {
	// Interval 扫描间隔；间隔不得超过全部已发布定义最小 SLA 的 1/10，
	// 否则违约可能在截止后很久才被发现
	Interval time.Duration

	// BatchSize 单轮扫描上限
	BatchSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Interval:  5 * time.Second,
		BatchSize: 100,
	}
}

// Validate 校验并填充默认值
func (c *Config) Validate() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Monitor SLA 监控器
type Monitor struct {
	config *Config
	store  storage.PersistentStore
	bus    eventbus.EventBus // 可为 nil，不发升级事件
	queue  queue.Queue       // 可为 nil，重投任务只靠保底轮询

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New 创建 SLA 监控器
func New(store storage.PersistentStore, bus eventbus.EventBus, q queue.Queue, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()
	return &Monitor{
		config: config,
		store:  store,
		bus:    bus,
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

// CheckInterval 校验扫描间隔相对已发布定义是否足够细
//
// 返回违反 1/10 规则的定义列表，供启动时告警。
func (m *Monitor) CheckInterval(ctx context.Context) []string {
	defs, err := m.store.ListDefinitions(ctx, string(model.DefinitionStatusPublished))
	if err != nil {
		log.Printf("[slamonitor.interval.check.failed] error=%v", err)
		return nil
	}

	var offenders []string
	for _, def := range defs {
		min := def.MinSLA()
		if min > 0 && m.config.Interval > min/10 {
			offenders = append(offenders, def.ID)
			log.Printf("[slamonitor.interval.too_coarse] definition=%s min_sla=%s interval=%s",
				def.ID, min, m.config.Interval)
		}
	}
	return offenders
}

// Start 启动监控循环，阻塞直到 ctx 取消或 Stop 被调用
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Printf("[slamonitor.start] interval=%s batch=%d", m.config.Interval, m.config.BatchSize)
	m.CheckInterval(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[slamonitor.stop] reason=context_cancelled")
			return
		case <-m.stopCh:
			log.Printf("[slamonitor.stop] reason=stop_signal")
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Stop 停止监控器
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// Scan 执行一轮扫描
func (m *Monitor) Scan(ctx context.Context) {
	now := time.Now()
	m.scanTasks(ctx, now)
	m.scanCheckpoints(ctx, now)
}

// ============================================================================
// 任务 SLA 违约
// ============================================================================

func (m *Monitor) scanTasks(ctx context.Context, now time.Time) {
	tasks, err := m.store.ListTasksPastSLA(ctx, now, m.config.BatchSize)
	if err != nil {
		log.Printf("[slamonitor.tasks.query.failed] error=%v", err)
		return
	}

	for _, task := range tasks {
		m.processBreach(ctx, task, now)
	}
}

// processBreach 在单个事务内完成过期标记、违约审计与策略处置
//
// expired 迁移、sla_breach 审计和策略效果要么一起提交、要么一起回滚：
// 事务失败时任务保持 dispatched，下一轮扫描重试，处置不会丢失。
// 条件更新保证多副本并发扫描时每次违约只处置一次。
func (m *Monitor) processBreach(ctx context.Context, task *model.Task, now time.Time) {
	step, err := m.lookupStep(ctx, task)
	if err != nil {
		log.Printf("[slamonitor.breach.lookup.failed] task_id=%s error=%v", task.ID, err)
		return
	}

	policy := model.BreachPolicyEscalate
	if step != nil && step.OnSLABreach != "" {
		policy = step.OnSLABreach
	}

	var handled, escalated bool
	var fresh *model.Task

	err = m.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		moved, err := tx.ExpireTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if !moved {
			// 其他副本已处理，或任务赶在扫描前终结
			return nil
		}
		handled = true

		switch policy {
		case model.BreachPolicyRetry:
			fresh = m.freshRetryTask(task, now)
			return m.retryOnBreach(ctx, tx, task, fresh, now)
		default:
			var err error
			escalated, err = m.escalateOnBreach(ctx, tx, task, now)
			return err
		}
	})
	if err != nil {
		log.Printf("[slamonitor.breach.failed] task_id=%s policy=%s error=%v", task.ID, policy, err)
		return
	}
	if !handled {
		return
	}

	log.Printf("[slamonitor.task.expired] task_id=%s instance_id=%s step=%s deadline=%s",
		task.ID, task.InstanceID, task.StepID, task.ExpiresAt.Format(time.RFC3339))

	// 提交之后的通知侧效：丢失无害，消费方都有保底轮询
	if escalated {
		log.Printf("[slamonitor.instance.escalated] instance_id=%s step=%s task_id=%s",
			task.InstanceID, task.StepID, task.ID)
		if m.bus != nil {
			event := &eventbus.EscalationEvent{
				InstanceID: task.InstanceID,
				StepID:     task.StepID,
				Reason:     "sla_breach",
				Timestamp:  now,
			}
			if err := m.bus.PublishEscalation(ctx, event); err != nil {
				log.Printf("[slamonitor.escalation.publish.failed] instance_id=%s error=%v", task.InstanceID, err)
			}
		}
	}
	if fresh != nil {
		log.Printf("[slamonitor.task.breach_retry] expired_task=%s fresh_task=%s step=%s",
			task.ID, fresh.ID, task.StepID)
		if m.queue != nil {
			if _, err := m.queue.NotifyTaskReady(ctx, fresh.Topic, fresh.ID, fresh.InstanceID); err != nil {
				log.Printf("[slamonitor.task.notify.failed] task_id=%s error=%v", fresh.ID, err)
			}
		}
	}
}

// escalateOnBreach 违约升级：实例进入 escalated，未完任务终结
//
// 返回实例是否真的发生了升级（已终态的实例只记违约审计）。
func (m *Monitor) escalateOnBreach(ctx context.Context, tx storage.PersistentStore, task *model.Task, now time.Time) (bool, error) {
	inst, err := tx.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return false, err
	}
	if err := tx.AppendAudit(ctx, &model.AuditRecord{
		InstanceID: task.InstanceID,
		EventType:  model.AuditSLABreach,
		Detail: model.AuditDetail{
			TaskID: task.ID, StepID: task.StepID, Reason: "sla deadline passed",
		}.Marshal(),
		Timestamp: now,
	}); err != nil {
		return false, err
	}
	if inst.Status.IsTerminal() {
		return false, nil
	}

	inst.Status = model.InstanceStatusEscalated
	if err := tx.UpdateInstanceState(ctx, inst); err != nil {
		return false, err
	}
	if _, err := tx.FailTasksForInstance(ctx, task.InstanceID, "instance escalated on sla breach"); err != nil {
		return false, err
	}
	if err := tx.AppendAudit(ctx, &model.AuditRecord{
		InstanceID: task.InstanceID,
		EventType:  model.AuditInstanceEscalated,
		Detail:     model.AuditDetail{StepID: task.StepID, Reason: "sla breach"}.Marshal(),
		Timestamp:  now,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// retryOnBreach 违约重试：派发全新任务（新 ID、新 SLA 窗口），实例保持 running
func (m *Monitor) retryOnBreach(ctx context.Context, tx storage.PersistentStore, task, fresh *model.Task, now time.Time) error {
	if err := tx.AppendAudit(ctx, &model.AuditRecord{
		InstanceID: task.InstanceID,
		EventType:  model.AuditSLABreach,
		Detail: model.AuditDetail{
			TaskID: task.ID, StepID: task.StepID, Reason: "sla deadline passed, retrying with fresh task",
		}.Marshal(),
		Timestamp: now,
	}); err != nil {
		return err
	}
	if _, err := tx.EnqueueTask(ctx, fresh); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, &model.AuditRecord{
		InstanceID: task.InstanceID,
		EventType:  model.AuditTaskEnqueued,
		Detail: model.AuditDetail{
			TaskID: fresh.ID, StepID: fresh.StepID, Topic: fresh.Topic,
		}.Marshal(),
		Timestamp: now,
	})
}

func (m *Monitor) freshRetryTask(task *model.Task, now time.Time) *model.Task {
	return &model.Task{
		ID:          newTaskID(),
		InstanceID:  task.InstanceID,
		StepID:      task.StepID,
		Topic:       task.Topic,
		Status:      model.TaskStatusPending,
		Payload:     task.Payload,
		SLADuration: task.SLADuration,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// lookupStep 取任务对应的定义步骤
func (m *Monitor) lookupStep(ctx context.Context, task *model.Task) (*model.Step, error) {
	inst, err := m.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	def, err := m.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return def.StepByID(task.StepID), nil
}

// ============================================================================
// 检查点 SLA 违约
// ============================================================================

func (m *Monitor) scanCheckpoints(ctx context.Context, now time.Time) {
	checkpoints, err := m.store.ListCheckpointsPastSLA(ctx, now, m.config.BatchSize)
	if err != nil {
		log.Printf("[slamonitor.checkpoints.query.failed] error=%v", err)
		return
	}

	for _, cp := range checkpoints {
		moved, err := m.store.ReassignCheckpoint(ctx, cp.ID)
		if err != nil {
			log.Printf("[slamonitor.checkpoint.reassign.failed] checkpoint_id=%s error=%v", cp.ID, err)
			continue
		}
		if !moved {
			continue
		}

		eventType := model.AuditCheckpointReassigned
		reason := "checkpoint sla passed, reassigned to secondary pool"
		if len(cp.SecondaryPool) == 0 {
			// 无二级池：状态迁移但原池保留，只记录违约
			eventType = model.AuditSLABreach
			reason = "checkpoint sla passed, no secondary pool configured"
		}

		log.Printf("[slamonitor.checkpoint.reassigned] checkpoint_id=%s instance_id=%s step=%s pool=%v",
			cp.ID, cp.InstanceID, cp.StepID, cp.SecondaryPool)

		rec := &model.AuditRecord{
			InstanceID: cp.InstanceID,
			EventType:  eventType,
			Detail:     model.AuditDetail{StepID: cp.StepID, Reason: reason}.Marshal(),
			Timestamp:  now,
		}
		if err := m.store.AppendAudit(ctx, rec); err != nil {
			log.Printf("[slamonitor.checkpoint.audit.failed] checkpoint_id=%s error=%v", cp.ID, err)
		}
	}
}

// newTaskID 生成违约重试任务的标识
func newTaskID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return fmt.Sprintf("task-%s", hex.EncodeToString(b))
}
