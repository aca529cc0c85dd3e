// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// WithTx 返回绑定在 *sql.Tx 上的 Store 副本，使"状态变更 + 审计追加"
// 能够在同一事务内原子提交。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"caseflow/internal/shared/storage"
	"caseflow/internal/shared/storage/dbutil"
)

// dbtx 抽象 *sql.DB 与 *sql.Tx 的公共操作
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      dbtx
	sqlDB   *sql.DB // 非事务模式下与 db 相同；事务副本中为 nil
	dialect dbutil.Dialect
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, sqlDB: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// WithTx 在单个事务内执行 fn
//
// fn 收到的 Store 副本绑定在事务上；fn 返回错误则回滚，否则提交。
// 事务副本上再次调用 WithTx 时直接复用当前事务（不支持嵌套事务）。
func (s *Store) WithTx(ctx context.Context, fn func(storage.PersistentStore) error) error {
	if s.sqlDB == nil {
		// 已在事务内，直接复用
		return fn(s)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &Store{db: tx, dialect: s.dialect}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// ============================================================================
// JSON 辅助
// ============================================================================

// marshalJSON 序列化为 JSON 字节，nil 输入得到指定缺省值
func marshalJSON(v interface{}, empty string) []byte {
	if v == nil {
		return []byte(empty)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(empty)
	}
	return b
}

// rawOrDefault 原始 JSON 为空时返回缺省值
func rawOrDefault(raw json.RawMessage, empty string) []byte {
	if len(raw) == 0 {
		return []byte(empty)
	}
	return raw
}

// unmarshalStrings 反序列化字符串数组，NULL/非法输入得到 nil
func unmarshalStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	json.Unmarshal(data, &out)
	return out
}

// nullableRaw 将可能为 NULL 的 JSON 字段转为 json.RawMessage
// database/sql 无法直接将 NULL scan 到 json.RawMessage，需要通过 []byte 中间变量
func nullableRaw(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}
