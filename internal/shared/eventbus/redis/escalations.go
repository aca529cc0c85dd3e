// Package redis EscalationBus 事件总线操作
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/shared/eventbus"
)

// PublishEscalation 发布 SLA 违约升级事件
func (s *Store) PublishEscalation(ctx context.Context, event *eventbus.EscalationEvent) error {
	args := &redis.XAddArgs{
		Stream: eventbus.KeyEscalations,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"instance_id": event.InstanceID,
			"step_id":     event.StepID,
			"reason":      event.Reason,
			"timestamp":   event.Timestamp.Format(time.RFC3339Nano),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish escalation: %w", err)
	}

	log.Printf("[Redis/EventBus] Published escalation: instance=%s step=%s seq=%s", event.InstanceID, event.StepID, id)
	return nil
}

// SubscribeEscalations 订阅升级事件
func (s *Store) SubscribeEscalations(ctx context.Context) (<-chan *eventbus.EscalationEvent, error) {
	ch := make(chan *eventbus.EscalationEvent, 100)

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
				Streams: []string{eventbus.KeyEscalations, lastID},
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
				log.Printf("[Redis/EventBus] Escalation subscription error: %v", err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					event := &eventbus.EscalationEvent{
						ID: msg.ID,
					}
					if instanceID, ok := msg.Values["instance_id"].(string); ok {
						event.InstanceID = instanceID
					}
					if stepID, ok := msg.Values["step_id"].(string); ok {
						event.StepID = stepID
					}
					if reason, ok := msg.Values["reason"].(string); ok {
						event.Reason = reason
					}
					if ts, ok := msg.Values["timestamp"].(string); ok {
						if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
							event.Timestamp = t
						}
					}

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
