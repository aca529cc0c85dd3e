// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/cache"
	cacheredis "caseflow/internal/shared/cache/redis"
	"caseflow/internal/shared/eventbus"
	eventbusredis "caseflow/internal/shared/eventbus/redis"
	"caseflow/internal/shared/queue"
	queueredis "caseflow/internal/shared/queue/redis"
)

// RedisInfra Redis 基础设施
//
// 共享单个 Redis 连接，组合 Cache、EventBus、Queue 三个组件。
type RedisInfra struct {
	cacheStore    *cacheredis.Store
	eventBusStore *eventbusredis.Store
	queueStore    *queueredis.Store

	// 底层连接
	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:        client,
		cacheStore:    cacheredis.NewStoreFromClient(client),
		eventBusStore: eventbusredis.NewStoreFromClient(client),
		queueStore:    queueredis.NewStoreFromClient(client),
	}, nil
}

// Cache 返回缓存组件接口
func (r *RedisInfra) Cache() cache.Cache {
	return r.cacheStore
}

// EventBus 返回事件总线组件接口
func (r *RedisInfra) EventBus() eventbus.EventBus {
	return r.eventBusStore
}

// Queue 返回队列通知组件接口
func (r *RedisInfra) Queue() queue.Queue {
	return r.queueStore
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
