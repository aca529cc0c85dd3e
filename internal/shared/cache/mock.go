// Package cache 缓存 mock 实现
package cache

import (
	"context"
)

// ============================================================================
// NoOpCache - 空操作的 Cache 实现（用于测试）
// ============================================================================

// NoOpCache 是一个不做任何操作的 Cache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Close 关闭缓存
func (c *NoOpCache) Close() error {
	return nil
}

// DefinitionCache 方法

func (c *NoOpCache) SetDefinition(ctx context.Context, id string, version int, data []byte) error {
	return nil
}
func (c *NoOpCache) GetDefinition(ctx context.Context, id string, version int) ([]byte, error) {
	return nil, nil
}
func (c *NoOpCache) DeleteDefinition(ctx context.Context, id string, version int) error {
	return nil
}

// WorkerHeartbeatCache 方法

func (c *NoOpCache) UpdateWorkerHeartbeat(ctx context.Context, workerID string, status *WorkerStatus) error {
	return nil
}
func (c *NoOpCache) GetWorkerHeartbeat(ctx context.Context, workerID string) (*WorkerStatus, error) {
	return nil, nil
}
func (c *NoOpCache) DeleteWorkerHeartbeat(ctx context.Context, workerID string) error {
	return nil
}
func (c *NoOpCache) ListOnlineWorkers(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

// 确保 NoOpCache 实现了 Cache 接口
var _ Cache = (*NoOpCache)(nil)
