// Package redis AdvanceQueue 操作
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/queue"
)

// NotifyAdvance 通知编排器推进指定实例
func (s *Store) NotifyAdvance(ctx context.Context, instanceID, reason string) (string, error) {
	args := &redis.XAddArgs{
		Stream: queue.KeyAdvance,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"instance_id": instanceID,
			"reason":      reason,
			"notified_at": time.Now().Format(time.RFC3339Nano),
		},
	}

	return s.client.XAdd(ctx, args).Result()
}

// CreateAdvanceConsumerGroup 创建编排器消费者组
func (s *Store) CreateAdvanceConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyAdvance, queue.OrchestratorConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// ConsumeAdvanceNotices 消费推进通知
func (s *Store) ConsumeAdvanceNotices(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.AdvanceNotice, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.OrchestratorConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyAdvance, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var notices []*queue.AdvanceNotice
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			n := &queue.AdvanceNotice{
				ID: msg.ID,
			}
			if instanceID, ok := msg.Values["instance_id"].(string); ok {
				n.InstanceID = instanceID
			}
			if reason, ok := msg.Values["reason"].(string); ok {
				n.Reason = reason
			}
			if notifiedAt, ok := msg.Values["notified_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, notifiedAt); err == nil {
					n.NotifiedAt = t
				}
			}
			notices = append(notices, n)
		}
	}

	return notices, nil
}

// AckAdvanceNotice 确认推进通知已处理
func (s *Store) AckAdvanceNotice(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyAdvance, queue.OrchestratorConsumerGroup, messageID).Err()
}

// GetAdvanceQueueLength 获取推进流长度
func (s *Store) GetAdvanceQueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyAdvance).Result()
}

// GetAdvancePendingCount 获取未确认推进通知数量
func (s *Store) GetAdvancePendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, queue.KeyAdvance, queue.OrchestratorConsumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}
