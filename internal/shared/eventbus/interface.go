// Package eventbus 事件总线抽象接口
//
// 提供事件的发布/订阅能力，当前由 Redis Streams 实现。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// InstanceEventBus 实例事件总线接口
//
// 实例生命周期事件（启动、推进、等待人工、终结）经此发布，
// WebSocket 网关据此向前端推送实时进度。
type InstanceEventBus interface {
	PublishInstanceEvent(ctx context.Context, instanceID string, event *InstanceEvent) error
	GetInstanceEvents(ctx context.Context, instanceID string, fromID string, count int64) ([]*InstanceEvent, error)
	GetInstanceEventCount(ctx context.Context, instanceID string) (int64, error)
	SubscribeInstanceEvents(ctx context.Context, instanceID string) (<-chan *InstanceEvent, error)
	DeleteInstanceEvents(ctx context.Context, instanceID string) error
}

// EscalationBus 升级事件总线接口
//
// SLA 违约升级事件经此发布，Webhook 通知器订阅后投递到外部值班系统。
type EscalationBus interface {
	PublishEscalation(ctx context.Context, event *EscalationEvent) error
	SubscribeEscalations(ctx context.Context) (<-chan *EscalationEvent, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	InstanceEventBus
	EscalationBus
	Close() error
}
