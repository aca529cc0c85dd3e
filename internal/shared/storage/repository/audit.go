// Package repository 审计台账相关的存储操作
//
// audit_records 是仅追加表：record_id 由数据库单调分配，
// 任何代码路径都不提供 UPDATE/DELETE。
package repository

import (
	"context"
	"fmt"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
	"caseflow/internal/shared/storage/dbutil"
)

const auditColumns = `record_id, instance_id, event_type, detail, timestamp`

// AppendAudit 追加审计记录并回填数据库分配的 record_id
//
// 追加失败包装为 ErrLedgerUnavailable：台账不可写时，
// 所属状态变更必须随事务一并回滚。
func (s *Store) AppendAudit(ctx context.Context, rec *model.AuditRecord) error {
	detail := rawOrDefault(rec.Detail, `{}`)

	if s.dialect.DriverType() == dbutil.DriverPostgres {
		query := s.rebind(`
			INSERT INTO audit_records (instance_id, event_type, detail, timestamp)
			VALUES ($1, $2, $3, $4)
			RETURNING record_id
		`)
		err := s.db.QueryRowContext(ctx, query,
			rec.InstanceID, rec.EventType, detail, rec.Timestamp).Scan(&rec.RecordID)
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
		}
		return nil
	}

	query := s.rebind(`
		INSERT INTO audit_records (instance_id, event_type, detail, timestamp)
		VALUES ($1, $2, $3, $4)
	`)
	res, err := s.db.ExecContext(ctx, query,
		rec.InstanceID, rec.EventType, detail, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	rec.RecordID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	return nil
}

// ReplayAudit 按 record_id 升序回放实例的完整审计历史
func (s *Store) ReplayAudit(ctx context.Context, instanceID string) ([]*model.AuditRecord, error) {
	query := s.rebind(`
		SELECT ` + auditColumns + ` FROM audit_records
		WHERE instance_id = $1 ORDER BY record_id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuditRecord
	for rows.Next() {
		rec := &model.AuditRecord{}
		var detail []byte
		if err := rows.Scan(&rec.RecordID, &rec.InstanceID, &rec.EventType,
			&detail, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Detail = nullableRaw(detail)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRecentAudit 最近的审计记录（运维排查用）
func (s *Store) ListRecentAudit(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	query := s.rebind(`
		SELECT ` + auditColumns + ` FROM audit_records
		ORDER BY record_id DESC LIMIT $1
	`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuditRecord
	for rows.Next() {
		rec := &model.AuditRecord{}
		var detail []byte
		if err := rows.Scan(&rec.RecordID, &rec.InstanceID, &rec.EventType,
			&detail, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Detail = nullableRaw(detail)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAuditAfter 按 record_id 升序返回 afterID 之后的记录
//
// 镜像同步和增量消费的读路径：调用方维护游标（已消费的最大 record_id），
// 每轮以游标为起点拉取一批。
func (s *Store) ListAuditAfter(ctx context.Context, afterID int64, limit int) ([]*model.AuditRecord, error) {
	query := s.rebind(`
		SELECT ` + auditColumns + ` FROM audit_records
		WHERE record_id > $1
		ORDER BY record_id ASC LIMIT $2
	`)
	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuditRecord
	for rows.Next() {
		rec := &model.AuditRecord{}
		var detail []byte
		if err := rows.Scan(&rec.RecordID, &rec.InstanceID, &rec.EventType,
			&detail, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Detail = nullableRaw(detail)
		out = append(out, rec)
	}
	return out, rows.Err()
}
