// Package cache 缓存层抽象接口
//
// 提供临时状态和缓存的存取能力，当前由 Redis 实现。
package cache

import (
	"context"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// DefinitionCache 流程定义缓存接口
//
// published 定义不可变，缓存永远不会过期失效出错；
// 只缓存已发布版本，draft 永远直查数据库。
type DefinitionCache interface {
	SetDefinition(ctx context.Context, id string, version int, data []byte) error
	GetDefinition(ctx context.Context, id string, version int) ([]byte, error)
	DeleteDefinition(ctx context.Context, id string, version int) error
}

// WorkerHeartbeatCache Worker 心跳缓存接口
//
// Worker 每次 fetch 时刷新心跳，运维接口据此观测在线 Worker。
type WorkerHeartbeatCache interface {
	UpdateWorkerHeartbeat(ctx context.Context, workerID string, status *WorkerStatus) error
	GetWorkerHeartbeat(ctx context.Context, workerID string) (*WorkerStatus, error)
	DeleteWorkerHeartbeat(ctx context.Context, workerID string) error
	ListOnlineWorkers(ctx context.Context) ([]string, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	DefinitionCache
	WorkerHeartbeatCache
	Close() error
}
