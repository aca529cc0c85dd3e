// Package repository 人工检查点相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

const checkpointColumns = `id, instance_id, step_id, task_id, status,
	reviewer_pool, secondary_pool, decision, decided_by, decided_at,
	patch, expires_at, created_at`

// CreateCheckpoint 创建检查点
func (s *Store) CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	query := s.rebind(`
		INSERT INTO checkpoints (id, instance_id, step_id, task_id, status,
			reviewer_pool, secondary_pool, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		cp.ID, cp.InstanceID, cp.StepID, cp.TaskID, cp.Status,
		marshalJSON(cp.ReviewerPool, `[]`), marshalJSON(cp.SecondaryPool, `[]`),
		cp.ExpiresAt, cp.CreatedAt)
	if err != nil && isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetCheckpoint 获取检查点
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error) {
	query := s.rebind(`SELECT ` + checkpointColumns + ` FROM checkpoints WHERE id = $1`)
	return scanCheckpoint(s.db.QueryRowContext(ctx, query, id))
}

// ListCheckpoints 列出检查点，status 为空时列出全部
func (s *Store) ListCheckpoints(ctx context.Context, status string, limit, offset int) ([]*model.Checkpoint, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		query := s.rebind(`SELECT ` + checkpointColumns + ` FROM checkpoints
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`)
		rows, err = s.db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := s.rebind(`SELECT ` + checkpointColumns + ` FROM checkpoints
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`)
		rows, err = s.db.QueryContext(ctx, query, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCheckpoints(rows)
}

// ListCheckpointsByInstance 列出实例的全部检查点
func (s *Store) ListCheckpointsByInstance(ctx context.Context, instanceID string) ([]*model.Checkpoint, error) {
	query := s.rebind(`
		SELECT ` + checkpointColumns + ` FROM checkpoints
		WHERE instance_id = $1 ORDER BY created_at ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCheckpoints(rows)
}

// RecordDecision 写入决策结果，首写生效
//
// WHERE decision IS NULL 保证并发决策下恰好一次写入成功；
// 失配时区分「检查点不存在」与「已被他人决策」。
func (s *Store) RecordDecision(ctx context.Context, id string, decision model.Decision, decidedBy string, patch json.RawMessage, decidedAt time.Time) error {
	query := s.rebind(`
		UPDATE checkpoints
		SET status = $1, decision = $2, decided_by = $3, decided_at = $4, patch = $5
		WHERE id = $6 AND decision IS NULL
	`)
	res, err := s.db.ExecContext(ctx, query,
		model.CheckpointStatusDecided, decision, decidedBy, decidedAt,
		nullableRaw(patch), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetCheckpoint(ctx, id); getErr != nil {
			return getErr
		}
		return storage.ErrConflict
	}
	return nil
}

// ReassignCheckpoint SLA 超时改派：pending → reassigned，返回是否实际迁移
//
// 改派后二级审核池成为生效池（决策鉴权据此判断）；
// 未配置二级池时保留原池，只做状态迁移。
// 条件更新保证多个监控副本并发扫描时改派恰好触发一次。
func (s *Store) ReassignCheckpoint(ctx context.Context, id string) (bool, error) {
	query := s.rebind(`
		UPDATE checkpoints SET status = $1,
			reviewer_pool = CASE
				WHEN secondary_pool IS NULL OR secondary_pool = '[]' OR secondary_pool = ''
				THEN reviewer_pool ELSE secondary_pool
			END
		WHERE id = $2 AND status = $3
	`)
	res, err := s.db.ExecContext(ctx, query,
		model.CheckpointStatusReassigned, id, model.CheckpointStatusPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListCheckpointsPastSLA 自身 SLA 已过且仍待决策的检查点
func (s *Store) ListCheckpointsPastSLA(ctx context.Context, now time.Time, limit int) ([]*model.Checkpoint, error) {
	query := s.rebind(`
		SELECT ` + checkpointColumns + ` FROM checkpoints
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND status = $2
		ORDER BY expires_at ASC LIMIT $3
	`)
	rows, err := s.db.QueryContext(ctx, query, now, model.CheckpointStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCheckpoints(rows)
}

// scanCheckpoint 从数据库行扫描 Checkpoint
func scanCheckpoint(sc scanner) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{}
	var reviewerJSON, secondaryJSON, patchJSON []byte
	var decision *string
	err := sc.Scan(&cp.ID, &cp.InstanceID, &cp.StepID, &cp.TaskID, &cp.Status,
		&reviewerJSON, &secondaryJSON, &decision, &cp.DecidedBy, &cp.DecidedAt,
		&patchJSON, &cp.ExpiresAt, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cp.ReviewerPool = unmarshalStrings(reviewerJSON)
	cp.SecondaryPool = unmarshalStrings(secondaryJSON)
	cp.Patch = nullableRaw(patchJSON)
	if decision != nil {
		d := model.Decision(*decision)
		cp.Decision = &d
	}
	return cp, nil
}

func collectCheckpoints(rows *sql.Rows) ([]*model.Checkpoint, error) {
	var out []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
