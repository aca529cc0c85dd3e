// Package redis 基于 Redis Streams 的队列通知实现
package redis

import (
	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/queue"
)

// Store 实现 queue.Queue 接口的 Redis Streams 驱动
type Store struct {
	client *redis.Client
}

// NewStoreFromClient 复用现有 Redis 连接创建 Store
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭队列（连接由 infra 层统一管理，这里是空操作）
func (s *Store) Close() error {
	return nil
}

// 确保 Store 实现了 Queue 接口
var _ queue.Queue = (*Store)(nil)
