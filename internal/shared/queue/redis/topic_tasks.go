// Package redis TaskQueue 操作
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/queue"
)

func topicReadyKey(topic string) string {
	return queue.KeyTopicPrefix + topic + queue.KeyTopicSuffix
}

// NotifyTaskReady 发布任务就绪通知
func (s *Store) NotifyTaskReady(ctx context.Context, topic, taskID, instanceID string) (string, error) {
	key := topicReadyKey(topic)

	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"task_id":     taskID,
			"instance_id": instanceID,
			"enqueued_at": time.Now().Format(time.RFC3339Nano),
		},
	}

	msgID, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to notify task ready on topic %s: %w", topic, err)
	}
	return msgID, nil
}

// CreateTopicConsumerGroup 创建 topic 的 Worker 消费者组
func (s *Store) CreateTopicConsumerGroup(ctx context.Context, topic string) error {
	key := topicReadyKey(topic)

	err := s.client.XGroupCreateMkStream(ctx, key, queue.WorkerConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group for topic %s: %w", topic, err)
	}
	return nil
}

// ConsumeTaskNotices 消费 topic 上的任务就绪通知
func (s *Store) ConsumeTaskNotices(ctx context.Context, topic, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.TaskNotice, error) {
	key := topicReadyKey(topic)

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume task notices: %w", err)
	}

	var notices []*queue.TaskNotice
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			n := &queue.TaskNotice{
				ID: msg.ID,
			}
			if taskID, ok := msg.Values["task_id"].(string); ok {
				n.TaskID = taskID
			}
			if instanceID, ok := msg.Values["instance_id"].(string); ok {
				n.InstanceID = instanceID
			}
			if enqueuedAt, ok := msg.Values["enqueued_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
					n.EnqueuedAt = t
				}
			}
			notices = append(notices, n)
		}
	}

	if len(notices) > 0 {
		log.Printf("[Redis/Queue] Consumed %d task notices on topic: %s", len(notices), topic)
	}

	return notices, nil
}

// AckTaskNotice 确认任务就绪通知已处理
func (s *Store) AckTaskNotice(ctx context.Context, topic, messageID string) error {
	key := topicReadyKey(topic)
	return s.client.XAck(ctx, key, queue.WorkerConsumerGroup, messageID).Err()
}

// GetTopicQueueLength 获取 topic 就绪流长度
func (s *Store) GetTopicQueueLength(ctx context.Context, topic string) (int64, error) {
	return s.client.XLen(ctx, topicReadyKey(topic)).Result()
}

// GetTopicPendingCount 获取 topic 未确认通知数量
func (s *Store) GetTopicPendingCount(ctx context.Context, topic string) (int64, error) {
	pending, err := s.client.XPending(ctx, topicReadyKey(topic), queue.WorkerConsumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}
