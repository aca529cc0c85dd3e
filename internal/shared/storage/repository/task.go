// Package repository 任务相关的存储操作
//
// tasks 表是任务队列的事实来源，所有状态迁移走条件更新：
//   - ClaimTask：pending → dispatched，并发 Worker 竞争下恰好一个成功
//   - FinalizeTask：dispatched/pending → done/failed，重复 ack 返回 ErrAlreadyFinalized
//   - ExpireTask：未终结 → expired，SLA 违约处置恰好触发一次
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

const taskColumns = `id, instance_id, step_id, topic, status, payload, result,
	attempt_count, sla_duration_ms, dispatched_at, expires_at, lease_expires_at,
	finalized_at, error, created_at, updated_at`

// claimRetries ClaimTask 领取竞争失败时的重试次数
const claimRetries = 3

// EnqueueTask 幂等入队：同 task_id 重复插入为空操作
func (s *Store) EnqueueTask(ctx context.Context, task *model.Task) (bool, error) {
	query := s.rebind(`
		INSERT INTO tasks (id, instance_id, step_id, topic, status, payload,
			attempt_count, sla_duration_ms, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	` + s.dialect.ConflictDoNothing("id"))
	res, err := s.db.ExecContext(ctx, query,
		task.ID, task.InstanceID, task.StepID, task.Topic, task.Status,
		rawOrDefault(task.Payload, `{}`), task.AttemptCount,
		task.SLADuration.Milliseconds(), task.ExpiresAt,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetTask 获取任务
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`)
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

// ClaimTask 原子领取 topic 下最旧的 pending 任务
//
// 先选取候选 ID，再以 WHERE status = 'pending' 条件更新完成领取；
// 并发竞争下条件更新失配说明任务已被他人领走，换下一个候选重试。
// expires_at 仅在首次派发时设定（COALESCE），重投不会顺延业务截止时间。
func (s *Store) ClaimTask(ctx context.Context, topic string, lease time.Duration) (*model.Task, error) {
	selectQuery := s.rebind(`
		SELECT id, sla_duration_ms FROM tasks
		WHERE topic = $1 AND status = $2
		ORDER BY created_at ASC LIMIT 1
	`)
	updateQuery := s.rebind(`
		UPDATE tasks
		SET status = $1, dispatched_at = $2, expires_at = COALESCE(expires_at, $3),
			lease_expires_at = $4, attempt_count = attempt_count + 1, updated_at = $5
		WHERE id = $6 AND status = $7
	`)

	for i := 0; i < claimRetries; i++ {
		var id string
		var slaMS int64
		err := s.db.QueryRowContext(ctx, selectQuery, topic, model.TaskStatusPending).Scan(&id, &slaMS)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		var deadline *time.Time
		if slaMS > 0 {
			t := now.Add(time.Duration(slaMS) * time.Millisecond)
			deadline = &t
		}
		res, err := s.db.ExecContext(ctx, updateQuery,
			model.TaskStatusDispatched, now, deadline, now.Add(lease), now,
			id, model.TaskStatusPending)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		return s.GetTask(ctx, id)
	}
	return nil, nil
}

// FinalizeTask 终结任务（Worker ack）
//
// 条件更新保证幂等：任务已处于终态时返回 (当前任务, ErrAlreadyFinalized)，
// 调用方据此区分重复 ack 与迟到 ack。
func (s *Store) FinalizeTask(ctx context.Context, id string, outcome model.TaskOutcome, result json.RawMessage, errMsg string) (*model.Task, error) {
	status := model.TaskStatusDone
	if outcome == model.TaskOutcomeFailed {
		status = model.TaskStatusFailed
	}
	var errField *string
	if errMsg != "" {
		errField = &errMsg
	}

	now := time.Now()
	query := s.rebind(`
		UPDATE tasks
		SET status = $1, result = $2, error = $3, finalized_at = $4,
			lease_expires_at = NULL, updated_at = $5
		WHERE id = $6 AND status IN ($7, $8)
	`)
	res, err := s.db.ExecContext(ctx, query,
		status, nullableRaw(result), errField, now, now,
		id, model.TaskStatusPending, model.TaskStatusDispatched)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		task, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return task, storage.ErrAlreadyFinalized
	}
	return s.GetTask(ctx, id)
}

// ExpireTask SLA 截止标记：未终结任务置 expired，返回是否实际迁移
func (s *Store) ExpireTask(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	query := s.rebind(`
		UPDATE tasks
		SET status = $1, finalized_at = $2, lease_expires_at = NULL, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`)
	res, err := s.db.ExecContext(ctx, query,
		model.TaskStatusExpired, now, now, id, model.TaskStatusPending, model.TaskStatusDispatched)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueTask 失败重试：failed → pending
//
// 保留 task_id 与 expires_at，重试不会重置业务截止时间。
func (s *Store) RequeueTask(ctx context.Context, id string) error {
	query := s.rebind(`
		UPDATE tasks
		SET status = $1, lease_expires_at = NULL, finalized_at = NULL,
			error = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`)
	res, err := s.db.ExecContext(ctx, query,
		model.TaskStatusPending, time.Now(), id, model.TaskStatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// ReleaseExpiredLeases 租约到期未 ack 的任务回退 pending，等待重新派发
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	query := s.rebind(`
		UPDATE tasks
		SET status = $1, lease_expires_at = NULL, updated_at = $2
		WHERE status = $3 AND lease_expires_at IS NOT NULL AND lease_expires_at < $4
	`)
	res, err := s.db.ExecContext(ctx, query,
		model.TaskStatusPending, now, model.TaskStatusDispatched, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListTasksPastSLA 业务截止时间已过且未终结的任务
func (s *Store) ListTasksPastSLA(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	query := s.rebind(`
		SELECT ` + taskColumns + ` FROM tasks
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND status IN ($2, $3)
		ORDER BY expires_at ASC LIMIT $4
	`)
	rows, err := s.db.QueryContext(ctx, query,
		now, model.TaskStatusPending, model.TaskStatusDispatched, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ActiveTaskForStep 返回 (instance, step) 上的未终结任务，无则返回 (nil, nil)
func (s *Store) ActiveTaskForStep(ctx context.Context, instanceID, stepID string) (*model.Task, error) {
	query := s.rebind(`
		SELECT ` + taskColumns + ` FROM tasks
		WHERE instance_id = $1 AND step_id = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC LIMIT 1
	`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query,
		instanceID, stepID, model.TaskStatusPending, model.TaskStatusDispatched))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	return task, err
}

// ListTasksByInstance 列出实例的全部任务
func (s *Store) ListTasksByInstance(ctx context.Context, instanceID string) ([]*model.Task, error) {
	query := s.rebind(`
		SELECT ` + taskColumns + ` FROM tasks
		WHERE instance_id = $1 ORDER BY created_at ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// FailTasksForInstance 批量终结实例的未完任务（取消/升级时调用）
func (s *Store) FailTasksForInstance(ctx context.Context, instanceID, reason string) (int, error) {
	now := time.Now()
	query := s.rebind(`
		UPDATE tasks
		SET status = $1, error = $2, finalized_at = $3, lease_expires_at = NULL, updated_at = $4
		WHERE instance_id = $5 AND status IN ($6, $7)
	`)
	res, err := s.db.ExecContext(ctx, query,
		model.TaskStatusFailed, reason, now, now,
		instanceID, model.TaskStatusPending, model.TaskStatusDispatched)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountTasksByStatus 按状态统计任务数量（监控接口）
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	query := s.rebind(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// scanTask 从数据库行扫描 Task，sla_duration_ms 还原为 time.Duration
func scanTask(sc scanner) (*model.Task, error) {
	task := &model.Task{}
	var payload, result []byte
	var slaMS int64
	err := sc.Scan(&task.ID, &task.InstanceID, &task.StepID, &task.Topic, &task.Status,
		&payload, &result, &task.AttemptCount, &slaMS,
		&task.DispatchedAt, &task.ExpiresAt, &task.LeaseExpiresAt,
		&task.FinalizedAt, &task.Error, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Payload = nullableRaw(payload)
	task.Result = nullableRaw(result)
	task.SLADuration = time.Duration(slaMS) * time.Millisecond
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
