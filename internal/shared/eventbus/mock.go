// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现（用于测试）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (b *NoOpEventBus) Close() error {
	return nil
}

// InstanceEventBus 方法

func (b *NoOpEventBus) PublishInstanceEvent(ctx context.Context, instanceID string, event *InstanceEvent) error {
	return nil
}
func (b *NoOpEventBus) GetInstanceEvents(ctx context.Context, instanceID string, fromID string, count int64) ([]*InstanceEvent, error) {
	return []*InstanceEvent{}, nil
}
func (b *NoOpEventBus) GetInstanceEventCount(ctx context.Context, instanceID string) (int64, error) {
	return 0, nil
}
func (b *NoOpEventBus) SubscribeInstanceEvents(ctx context.Context, instanceID string) (<-chan *InstanceEvent, error) {
	ch := make(chan *InstanceEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
func (b *NoOpEventBus) DeleteInstanceEvents(ctx context.Context, instanceID string) error {
	return nil
}

// EscalationBus 方法

func (b *NoOpEventBus) PublishEscalation(ctx context.Context, event *EscalationEvent) error {
	return nil
}
func (b *NoOpEventBus) SubscribeEscalations(ctx context.Context) (<-chan *EscalationEvent, error) {
	ch := make(chan *EscalationEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)
