// Package repository 流程实例相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

const instanceColumns = `id, definition_id, definition_version, status, cursor, context,
	state_version, failure_reason, archived, created_at, updated_at`

// CreateInstance 创建流程实例
func (s *Store) CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	query := s.rebind(`
		INSERT INTO instances (id, definition_id, definition_version, status, cursor, context,
			state_version, failure_reason, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.Status,
		marshalJSON(inst.Cursor, `[]`), rawOrDefault(inst.Context, `{}`),
		inst.StateVersion, inst.FailureReason, inst.Archived,
		inst.CreatedAt, inst.UpdatedAt)
	if err != nil && isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetInstance 获取实例
func (s *Store) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	query := s.rebind(`SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`)
	return scanInstance(s.db.QueryRowContext(ctx, query, id))
}

// ListInstances 列出实例，status 为空时列出全部
func (s *Store) ListInstances(ctx context.Context, status string, limit, offset int) ([]*model.WorkflowInstance, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		query := s.rebind(`SELECT ` + instanceColumns + ` FROM instances
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`)
		rows, err = s.db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := s.rebind(`SELECT ` + instanceColumns + ` FROM instances
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`)
		rows, err = s.db.QueryContext(ctx, query, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// UpdateInstanceState CAS 更新实例状态
//
// WHERE state_version 失配时返回 ErrConflict，调用方重读重试。
// 成功后就地递增 inst.StateVersion，使同一内存对象可继续 CAS。
func (s *Store) UpdateInstanceState(ctx context.Context, inst *model.WorkflowInstance) error {
	now := time.Now()
	query := s.rebind(`
		UPDATE instances
		SET status = $1, cursor = $2, context = $3, failure_reason = $4,
			state_version = state_version + 1, updated_at = $5
		WHERE id = $6 AND state_version = $7
	`)
	res, err := s.db.ExecContext(ctx, query,
		inst.Status, marshalJSON(inst.Cursor, `[]`), rawOrDefault(inst.Context, `{}`),
		inst.FailureReason, now, inst.ID, inst.StateVersion)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrConflict
	}
	inst.StateVersion++
	inst.UpdatedAt = now
	return nil
}

// ListStaleRunningInstances 查找超过阈值未推进的活跃实例（编排器保底轮询）
func (s *Store) ListStaleRunningInstances(ctx context.Context, threshold time.Duration, limit int) ([]*model.WorkflowInstance, error) {
	cutoff := time.Now().Add(-threshold)
	query := s.rebind(`
		SELECT ` + instanceColumns + ` FROM instances
		WHERE status IN ('running', 'waiting_human') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2
	`)
	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// ArchiveInstance 归档终态实例（归档不删除）
func (s *Store) ArchiveInstance(ctx context.Context, id string) error {
	query := s.rebind(`
		UPDATE instances SET archived = $1
		WHERE id = $2 AND status IN ('completed', 'failed', 'escalated')
	`)
	res, err := s.db.ExecContext(ctx, query, true, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// CountInstancesByStatus 按状态统计实例数量（监控接口）
func (s *Store) CountInstancesByStatus(ctx context.Context) (map[string]int, error) {
	query := s.rebind(`SELECT status, COUNT(*) FROM instances GROUP BY status`)
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

// scanInstance 从数据库行扫描 WorkflowInstance
func scanInstance(sc scanner) (*model.WorkflowInstance, error) {
	inst := &model.WorkflowInstance{}
	var cursorJSON, contextJSON []byte
	err := sc.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.Status,
		&cursorJSON, &contextJSON, &inst.StateVersion, &inst.FailureReason,
		&inst.Archived, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Cursor = unmarshalStrings(cursorJSON)
	inst.Context = nullableRaw(contextJSON)
	return inst, nil
}

func collectInstances(rows *sql.Rows) ([]*model.WorkflowInstance, error) {
	var out []*model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
