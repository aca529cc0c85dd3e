// Package redis Definition 缓存操作
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/cache"
)

func definitionKey(id string, version int) string {
	return fmt.Sprintf("%s%s:%d", cache.KeyDefinition, id, version)
}

// SetDefinition 缓存已发布定义的序列化内容
func (s *Store) SetDefinition(ctx context.Context, id string, version int, data []byte) error {
	return s.client.Set(ctx, definitionKey(id, version), data, cache.TTLDefinition).Err()
}

// GetDefinition 获取缓存的定义，未命中返回 (nil, nil)
func (s *Store) GetDefinition(ctx context.Context, id string, version int) ([]byte, error) {
	data, err := s.client.Get(ctx, definitionKey(id, version)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteDefinition 删除定义缓存
func (s *Store) DeleteDefinition(ctx context.Context, id string, version int) error {
	return s.client.Del(ctx, definitionKey(id, version)).Err()
}
