// Package redis WorkerHeartbeat 缓存操作
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/cache"
)

// UpdateWorkerHeartbeat 更新 Worker 心跳
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, workerID string, status *cache.WorkerStatus) error {
	key := cache.KeyWorkerHeartbeat + workerID

	status.UpdatedAt = time.Now()
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, data, cache.TTLWorkerHeartbeat).Err()
}

// GetWorkerHeartbeat 获取 Worker 心跳
func (s *Store) GetWorkerHeartbeat(ctx context.Context, workerID string) (*cache.WorkerStatus, error) {
	key := cache.KeyWorkerHeartbeat + workerID

	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status cache.WorkerStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// DeleteWorkerHeartbeat 删除 Worker 心跳缓存
func (s *Store) DeleteWorkerHeartbeat(ctx context.Context, workerID string) error {
	key := cache.KeyWorkerHeartbeat + workerID
	return s.client.Del(ctx, key).Err()
}

// ListOnlineWorkers 列出在线 Worker
//
// 使用 SCAN 替代 KEYS，避免在 Worker 数量大时阻塞 Redis
func (s *Store) ListOnlineWorkers(ctx context.Context) ([]string, error) {
	pattern := cache.KeyWorkerHeartbeat + "*"
	var workerIDs []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		workerIDs = append(workerIDs, key[len(cache.KeyWorkerHeartbeat):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return workerIDs, nil
}
