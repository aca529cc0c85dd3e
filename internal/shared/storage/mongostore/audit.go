package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// AuditStore
// ============================================================================

// auditDoc audit_records 集合的文档结构
type auditDoc struct {
	RecordID   int64     `bson:"record_id"`
	InstanceID string    `bson:"instance_id"`
	EventType  string    `bson:"event_type"`
	Detail     string    `bson:"detail"`
	Timestamp  time.Time `bson:"timestamp"`
}

// counterDoc counters 集合的文档结构
type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// nextRecordID 原子分配下一个 record_id
func (l *Ledger) nextRecordID(ctx context.Context) (int64, error) {
	filter := bson.D{{Key: "_id", Value: counterAudit}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter counterDoc
	if err := l.col(ColCounters).FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter); err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

// AppendAudit 追加审计记录并回填分配的 record_id
//
// 追加失败包装为 ErrLedgerUnavailable，调用方必须放弃所属状态变更。
func (l *Ledger) AppendAudit(ctx context.Context, rec *model.AuditRecord) error {
	id, err := l.nextRecordID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}

	detail := string(rec.Detail)
	if detail == "" {
		detail = "{}"
	}
	doc := auditDoc{
		RecordID:   id,
		InstanceID: rec.InstanceID,
		EventType:  string(rec.EventType),
		Detail:     detail,
		Timestamp:  rec.Timestamp,
	}
	if _, err := l.col(ColAuditRecords).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	rec.RecordID = id
	return nil
}

// ReplayAudit 按 record_id 升序回放实例的完整审计历史
func (l *Ledger) ReplayAudit(ctx context.Context, instanceID string) ([]*model.AuditRecord, error) {
	filter := bson.D{{Key: "instance_id", Value: instanceID}}
	opts := options.Find().SetSort(bson.D{{Key: "record_id", Value: 1}})
	return l.findRecords(ctx, filter, opts)
}

// ListRecentAudit 最近的审计记录
func (l *Ledger) ListRecentAudit(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "record_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return l.findRecords(ctx, bson.D{}, opts)
}

func (l *Ledger) findRecords(ctx context.Context, filter bson.D, opts ...options.Lister[options.FindOptions]) ([]*model.AuditRecord, error) {
	cursor, err := l.col(ColAuditRecords).Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*model.AuditRecord
	for cursor.Next(ctx) {
		var doc auditDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &model.AuditRecord{
			RecordID:   doc.RecordID,
			InstanceID: doc.InstanceID,
			EventType:  model.AuditEventType(doc.EventType),
			Detail:     json.RawMessage(doc.Detail),
			Timestamp:  doc.Timestamp,
		})
	}
	return out, cursor.Err()
}

// ListAuditAfter 按 record_id 升序返回 afterID 之后的记录
func (l *Ledger) ListAuditAfter(ctx context.Context, afterID int64, limit int) ([]*model.AuditRecord, error) {
	filter := bson.D{{Key: "record_id", Value: bson.D{{Key: "$gt", Value: afterID}}}}
	opts := options.Find().SetSort(bson.D{{Key: "record_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return l.findRecords(ctx, filter, opts)
}

// ============================================================================
// 镜像写端（audit.Sink）
// ============================================================================

// LastRecordID 返回台账中最大的 record_id，空台账返回 0
//
// 镜像同步启动时以此恢复游标，保证重启后从断点继续。
func (l *Ledger) LastRecordID(ctx context.Context) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "record_id", Value: -1}})
	var doc auditDoc
	err := l.col(ColAuditRecords).FindOne(ctx, bson.D{}, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, err
	}
	return doc.RecordID, nil
}

// WriteBatch 批量写入镜像记录，保留源头分配的 record_id
//
// 镜像同步失败后会整批重试，已写入的记录靠 record_id 唯一索引去重：
// 无序插入，重复键错误视为成功。
// 与 AppendAudit 不同，镜像写入不经过 counters 自增；
// 为保持混用时的单调性，同步将 counters 游标推进到批次最大值。
func (l *Ledger) WriteBatch(ctx context.Context, recs []*model.AuditRecord) error {
	if len(recs) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(recs))
	var maxID int64
	for _, rec := range recs {
		detail := string(rec.Detail)
		if detail == "" {
			detail = "{}"
		}
		docs = append(docs, auditDoc{
			RecordID:   rec.RecordID,
			InstanceID: rec.InstanceID,
			EventType:  string(rec.EventType),
			Detail:     detail,
			Timestamp:  rec.Timestamp,
		})
		if rec.RecordID > maxID {
			maxID = rec.RecordID
		}
	}

	insertOpts := options.InsertMany().SetOrdered(false)
	if _, err := l.col(ColAuditRecords).InsertMany(ctx, docs, insertOpts); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
		}
	}

	filter := bson.D{{Key: "_id", Value: counterAudit}}
	update := bson.D{{Key: "$max", Value: bson.D{{Key: "seq", Value: maxID}}}}
	upsert := options.UpdateOne().SetUpsert(true)
	if _, err := l.col(ColCounters).UpdateOne(ctx, filter, update, upsert); err != nil {
		log.Printf("WARNING: mongostore: advance counter failed: %v", err)
	}
	return nil
}
