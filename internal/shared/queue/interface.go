// Package queue 队列唤醒通知抽象接口
//
// tasks 表是队列的事实来源；本包只承担唤醒通知，当前由 Redis Streams 实现。
// 通知丢失不影响正确性：消费方都有数据库保底轮询兜底。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// TaskQueue 任务就绪通知队列接口
//
// 任务入队（tasks 表新增 pending 行）后发布就绪通知，
// 唤醒在对应 topic 上长轮询的 Worker fetch 请求。
type TaskQueue interface {
	// NotifyTaskReady 发布任务就绪通知
	NotifyTaskReady(ctx context.Context, topic, taskID, instanceID string) (string, error)
	CreateTopicConsumerGroup(ctx context.Context, topic string) error
	ConsumeTaskNotices(ctx context.Context, topic, consumerID string, count int64, blockTimeout time.Duration) ([]*TaskNotice, error)
	AckTaskNotice(ctx context.Context, topic, messageID string) error
	GetTopicQueueLength(ctx context.Context, topic string) (int64, error)
	GetTopicPendingCount(ctx context.Context, topic string) (int64, error)
}

// AdvanceQueue 实例推进通知队列接口
//
// 任务终结、决策落盘等事件发布推进通知，唤醒编排器处理对应实例。
type AdvanceQueue interface {
	// NotifyAdvance 通知编排器推进指定实例
	NotifyAdvance(ctx context.Context, instanceID, reason string) (string, error)
	CreateAdvanceConsumerGroup(ctx context.Context) error
	ConsumeAdvanceNotices(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*AdvanceNotice, error)
	AckAdvanceNotice(ctx context.Context, messageID string) error
	GetAdvanceQueueLength(ctx context.Context) (int64, error)
	GetAdvancePendingCount(ctx context.Context) (int64, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Queue 队列通知组合接口
type Queue interface {
	TaskQueue
	AdvanceQueue
	Close() error
}
