// Package mongostore 实现基于 MongoDB 的审计台账（storage.AuditStore 备选后端）
//
// 使用 mongo-go-driver v2。record_id 通过 counters 集合的原子自增分配，
// 与 SQL 实现的自增主键保持同样的全局单调语义。
package mongostore

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColAuditRecords = "audit_records"
	ColCounters     = "counters"
)

// counterAudit counters 集合中 record_id 序列的文档 _id
const counterAudit = "audit_record_id"

// Ledger 实现 storage.AuditStore 接口的 MongoDB 台账
type Ledger struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewLedger 创建 MongoDB 审计台账
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "caseflow"
func NewLedger(uri, dbName string) (*Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	// 验证连接
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	db := client.Database(dbName)
	l := &Ledger{client: client, db: db}

	// 创建索引
	if err := l.ensureIndexes(ctx); err != nil {
		log.Printf("WARNING: mongostore: ensure indexes failed: %v", err)
	}

	return l, nil
}

// Close 关闭 MongoDB 连接
func (l *Ledger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (l *Ledger) col(name string) *mongo.Collection {
	return l.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (l *Ledger) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "record_id", Value: 1}}},
		{Keys: bson.D{{Key: "record_id", Value: -1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := l.col(ColAuditRecords).Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create index on %s: %w", ColAuditRecords, err)
	}
	return nil
}
