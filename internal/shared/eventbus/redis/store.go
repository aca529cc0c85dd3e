// Package redis 基于 Redis Streams 的事件总线实现
package redis

import (
	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/eventbus"
)

// Store 实现 eventbus.EventBus 接口的 Redis Streams 驱动
type Store struct {
	client *redis.Client
}

// NewStoreFromClient 复用现有 Redis 连接创建 Store
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭事件总线（连接由 infra 层统一管理，这里是空操作）
func (s *Store) Close() error {
	return nil
}

// 确保 Store 实现了 EventBus 接口
var _ eventbus.EventBus = (*Store)(nil)
