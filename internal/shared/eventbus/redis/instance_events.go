// Package redis InstanceEvents 事件总线操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/eventbus"
)

func instanceEventsKey(instanceID string) string {
	return eventbus.KeyInstanceEvents + instanceID
}

// PublishInstanceEvent 发布实例生命周期事件
func (s *Store) PublishInstanceEvent(ctx context.Context, instanceID string, event *eventbus.InstanceEvent) error {
	key := instanceEventsKey(instanceID)

	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      event.Type,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"data":      string(dataJSON),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish instance event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published instance event: %s seq=%s type=%s", instanceID, id, event.Type)
	return nil
}

// GetInstanceEvents 获取实例事件列表
func (s *Store) GetInstanceEvents(ctx context.Context, instanceID string, fromID string, count int64) ([]*eventbus.InstanceEvent, error) {
	key := instanceEventsKey(instanceID)

	if fromID == "" {
		fromID = "0"
	}

	msgs, err := s.client.XRange(ctx, key, fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance events: %w", err)
	}

	var events []*eventbus.InstanceEvent
	for i, msg := range msgs {
		events = append(events, decodeInstanceEvent(msg, i+1))

		if count > 0 && int64(len(events)) >= count {
			break
		}
	}

	return events, nil
}

// GetInstanceEventCount 获取实例事件数量
func (s *Store) GetInstanceEventCount(ctx context.Context, instanceID string) (int64, error) {
	return s.client.XLen(ctx, instanceEventsKey(instanceID)).Result()
}

// SubscribeInstanceEvents 订阅实例事件
func (s *Store) SubscribeInstanceEvents(ctx context.Context, instanceID string) (<-chan *eventbus.InstanceEvent, error) {
	key := instanceEventsKey(instanceID)
	ch := make(chan *eventbus.InstanceEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Redis/EventBus] Instance event subscription error: %v", err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					event := decodeInstanceEvent(msg, 0)

					select {
					case ch <- event:
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteInstanceEvents 删除实例事件流
func (s *Store) DeleteInstanceEvents(ctx context.Context, instanceID string) error {
	return s.client.Del(ctx, instanceEventsKey(instanceID)).Err()
}

// decodeInstanceEvent 将 Stream 消息解码为 InstanceEvent
func decodeInstanceEvent(msg redis.XMessage, seq int) *eventbus.InstanceEvent {
	event := &eventbus.InstanceEvent{
		ID:  msg.ID,
		Seq: seq,
	}
	if typ, ok := msg.Values["type"].(string); ok {
		event.Type = typ
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if dataStr, ok := msg.Values["data"].(string); ok {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(dataStr), &data); err == nil {
			event.Data = data
		}
	}
	return event
}
