// Package slamonitor 升级事件 Webhook 通知器
package slamonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"caseflow/internal/shared/eventbus"
)

// WebhookNotifier 订阅升级事件并投递到外部值班系统
//
// 投递是尽力而为：外部系统不可达只记日志，升级事实已在审计台账。
type WebhookNotifier struct {
	url    string
	bus    eventbus.EventBus
	client *http.Client
}

// NewWebhookNotifier 创建通知器，url 为空时 Start 直接返回
func NewWebhookNotifier(url string, bus eventbus.EventBus) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		bus: bus,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// escalationPayload Webhook 投递体
type escalationPayload struct {
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id,omitempty"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Start 订阅并投递，阻塞直到 ctx 取消
func (n *WebhookNotifier) Start(ctx context.Context) {
	if n.url == "" || n.bus == nil {
		return
	}

	events, err := n.bus.SubscribeEscalations(ctx)
	if err != nil {
		log.Printf("[webhook.subscribe.failed] error=%v", err)
		return
	}
	log.Printf("[webhook.start] url=%s", n.url)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[webhook.stop] reason=context_cancelled")
			return
		case event, ok := <-events:
			if !ok {
				log.Printf("[webhook.stop] reason=channel_closed")
				return
			}
			n.deliver(ctx, event)
		}
	}
}

// deliver 投递单条升级事件
func (n *WebhookNotifier) deliver(ctx context.Context, event *eventbus.EscalationEvent) {
	payload := escalationPayload{
		InstanceID: event.InstanceID,
		StepID:     event.StepID,
		Reason:     event.Reason,
		Timestamp:  event.Timestamp,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[webhook.marshal.failed] instance_id=%s error=%v", event.InstanceID, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[webhook.request.failed] instance_id=%s error=%v", event.InstanceID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[webhook.deliver.failed] instance_id=%s error=%v", event.InstanceID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[webhook.deliver.rejected] instance_id=%s status=%d", event.InstanceID, resp.StatusCode)
		return
	}
	log.Printf("[webhook.delivered] instance_id=%s reason=%s", event.InstanceID, event.Reason)
}
