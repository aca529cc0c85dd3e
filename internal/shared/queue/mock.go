// Package queue 队列通知 mock 实现
package queue

import (
	"context"
	"time"
)

// ============================================================================
// NoOpQueue - 空操作的 Queue 实现（用于测试）
// ============================================================================

// NoOpQueue 是一个不做任何操作的 Queue 实现
type NoOpQueue struct{}

// NewNoOpQueue 创建 NoOpQueue 实例
func NewNoOpQueue() *NoOpQueue {
	return &NoOpQueue{}
}

// Close 关闭队列
func (q *NoOpQueue) Close() error {
	return nil
}

// TaskQueue 方法

func (q *NoOpQueue) NotifyTaskReady(ctx context.Context, topic, taskID, instanceID string) (string, error) {
	return "", nil
}
func (q *NoOpQueue) CreateTopicConsumerGroup(ctx context.Context, topic string) error {
	return nil
}
func (q *NoOpQueue) ConsumeTaskNotices(ctx context.Context, topic, consumerID string, count int64, blockTimeout time.Duration) ([]*TaskNotice, error) {
	return []*TaskNotice{}, nil
}
func (q *NoOpQueue) AckTaskNotice(ctx context.Context, topic, messageID string) error {
	return nil
}
func (q *NoOpQueue) GetTopicQueueLength(ctx context.Context, topic string) (int64, error) {
	return 0, nil
}
func (q *NoOpQueue) GetTopicPendingCount(ctx context.Context, topic string) (int64, error) {
	return 0, nil
}

// AdvanceQueue 方法

func (q *NoOpQueue) NotifyAdvance(ctx context.Context, instanceID, reason string) (string, error) {
	return "", nil
}
func (q *NoOpQueue) CreateAdvanceConsumerGroup(ctx context.Context) error {
	return nil
}
func (q *NoOpQueue) ConsumeAdvanceNotices(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*AdvanceNotice, error) {
	return []*AdvanceNotice{}, nil
}
func (q *NoOpQueue) AckAdvanceNotice(ctx context.Context, messageID string) error {
	return nil
}
func (q *NoOpQueue) GetAdvanceQueueLength(ctx context.Context) (int64, error) {
	return 0, nil
}
func (q *NoOpQueue) GetAdvancePendingCount(ctx context.Context) (int64, error) {
	return 0, nil
}

// 确保 NoOpQueue 实现了 Queue 接口
var _ Queue = (*NoOpQueue)(nil)
