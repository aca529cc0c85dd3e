// Package audit 终态实例归档
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"caseflow/internal/model"
	"caseflow/internal/shared/objstore"
	"caseflow/internal/shared/storage"
)

// Archiver 把终态实例的审计历史以 JSONL 归档到对象存储
//
// 归档不删除：数据库中的台账与实例行保留，只打 archived 标记。
// 对象键格式：audit/{instance_id}.jsonl
type Archiver struct {
	store storage.PersistentStore
	obj   *objstore.Client
}

// NewArchiver 创建归档器（obj 为 nil 时 Archive 返回错误）
func NewArchiver(store storage.PersistentStore, obj *objstore.Client) *Archiver {
	return &Archiver{store: store, obj: obj}
}

// ObjectKey 返回实例归档对象键
func ObjectKey(instanceID string) string {
	return fmt.Sprintf("audit/%s.jsonl", instanceID)
}

// Archive 归档单个终态实例
//
// 非终态实例返回 ErrConflict。重复归档覆盖同一对象键，幂等。
func (a *Archiver) Archive(ctx context.Context, instanceID string) error {
	if a.obj == nil {
		return fmt.Errorf("archiver: object storage not configured")
	}

	inst, err := a.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s is %s, only terminal instances can be archived",
			storage.ErrConflict, instanceID, inst.Status)
	}

	records, err := a.store.ReplayAudit(ctx, instanceID)
	if err != nil {
		return err
	}

	data, err := encodeJSONL(records)
	if err != nil {
		return err
	}

	key := ObjectKey(instanceID)
	if err := a.obj.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "application/x-ndjson"); err != nil {
		return fmt.Errorf("archive instance %s: %w", instanceID, err)
	}

	if err := a.store.ArchiveInstance(ctx, instanceID); err != nil {
		return err
	}

	log.Printf("[archiver.archived] instance_id=%s key=%s records=%d bytes=%d",
		instanceID, key, len(records), len(data))
	return nil
}

// Sweep 扫描未归档的终态实例并逐个归档，返回归档数量
func (a *Archiver) Sweep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	archived := 0
	for _, status := range []model.InstanceStatus{
		model.InstanceStatusCompleted, model.InstanceStatusFailed,
	} {
		instances, err := a.store.ListInstances(ctx, string(status), limit, 0)
		if err != nil {
			return archived, err
		}
		for _, inst := range instances {
			if inst.Archived {
				continue
			}
			if err := a.Archive(ctx, inst.ID); err != nil {
				log.Printf("[archiver.sweep.failed] instance_id=%s error=%v", inst.ID, err)
				continue
			}
			archived++
		}
	}
	return archived, nil
}

// encodeJSONL 每行一条 JSON 审计记录
func encodeJSONL(records []*model.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
