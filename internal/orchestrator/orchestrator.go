// Package orchestrator 编排器运行循环
//
// 架构：Redis Streams 事件驱动 + 数据库保底轮询
//
// 主路径：消费推进通知（实时、低延迟）
// 保底路径：扫描长时间未推进的活跃实例（处理通知丢失）
// 租约回收：Worker 租约到期未 ack 的任务回退 pending 重投
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"caseflow/internal/shared/queue"
	"caseflow/internal/shared/storage"
)

// Orchestrator 编排器运行时
//
// 包装引擎并运行三个并行循环。多副本部署时应通过 leader 选举
// 保证同一时刻只有一个副本运行循环（引擎本身的条件更新保证
// 即使双主也不破坏一致性，只是浪费工作量）。
type Orchestrator struct {
	config *Config
	engine *Engine
	store  storage.PersistentStore
	queue  queue.Queue

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New 创建编排器运行时
func New(engine *Engine, store storage.PersistentStore, q queue.Queue, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()
	return &Orchestrator{
		config: config,
		engine: engine,
		store:  store,
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

// Engine 返回底层引擎
func (o *Orchestrator) Engine() *Engine {
	return o.engine
}

// Start 启动编排器，阻塞直到 ctx 取消或 Stop 被调用
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	log.Printf("[orchestrator.start] consumer_id=%s queue_enabled=%v", o.config.ConsumerID, o.queue != nil)

	var wg sync.WaitGroup

	// 主路径：推进通知消费
	if o.queue != nil {
		if err := o.queue.CreateAdvanceConsumerGroup(ctx); err != nil {
			log.Printf("[orchestrator.redis.group.failed] error=%v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.consumeAdvanceNotices(ctx)
		}()
	}

	// 保底路径：活跃实例扫描
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.fallbackPolling(ctx)
	}()

	// 租约回收
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.leaseReaper(ctx)
	}()

	wg.Wait()
	log.Printf("[orchestrator.stopped] consumer_id=%s", o.config.ConsumerID)
}

// Stop 停止编排器
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		close(o.stopCh)
		o.running = false
	}
}

// consumeAdvanceNotices 消费 Redis Streams 推进通知
func (o *Orchestrator) consumeAdvanceNotices(ctx context.Context) {
	log.Printf("[orchestrator.redis.start] consumer_id=%s", o.config.ConsumerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[orchestrator.redis.stop] reason=context_cancelled")
			return
		case <-o.stopCh:
			log.Printf("[orchestrator.redis.stop] reason=stop_signal")
			return
		default:
		}

		notices, err := o.queue.ConsumeAdvanceNotices(ctx, o.config.ConsumerID,
			int64(o.config.Redis.ReadCount), o.config.Redis.ReadTimeout)
		if err != nil {
			log.Printf("[orchestrator.redis.consume.failed] error=%v", err)
			time.Sleep(1 * time.Second)
			continue
		}
		if len(notices) == 0 {
			continue
		}

		for _, notice := range notices {
			startTime := time.Now()
			if err := o.engine.Advance(ctx, notice.InstanceID); err != nil {
				log.Printf("[orchestrator.advance.failed] instance_id=%s reason=%s error=%v",
					notice.InstanceID, notice.Reason, err)
				continue
			}
			if err := o.queue.AckAdvanceNotice(ctx, notice.ID); err != nil {
				log.Printf("[orchestrator.redis.ack.failed] msg_id=%s error=%v", notice.ID, err)
			}
			log.Printf("[orchestrator.advance.success] instance_id=%s reason=%s duration_ms=%d",
				notice.InstanceID, notice.Reason, time.Since(startTime).Milliseconds())
		}
	}
}

// fallbackPolling 保底轮询
func (o *Orchestrator) fallbackPolling(ctx context.Context) {
	// 启动时立即执行一次
	o.processStaleInstances(ctx)

	ticker := time.NewTicker(o.config.Fallback.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.processStaleInstances(ctx)
		}
	}
}

// processStaleInstances 扫描并推进长时间未动的活跃实例
func (o *Orchestrator) processStaleInstances(ctx context.Context) {
	instances, err := o.store.ListStaleRunningInstances(ctx, o.config.Fallback.StaleThreshold, 100)
	if err != nil {
		log.Printf("[orchestrator.fallback.query.failed] error=%v", err)
		return
	}
	if len(instances) == 0 {
		return
	}

	log.Printf("[orchestrator.fallback.found] count=%d threshold=%s", len(instances), o.config.Fallback.StaleThreshold)
	for _, inst := range instances {
		if err := o.engine.Advance(ctx, inst.ID); err != nil {
			log.Printf("[orchestrator.fallback.failed] instance_id=%s error=%v", inst.ID, err)
		}
	}
}

// leaseReaper 回收到期租约，任务回退 pending 重投
func (o *Orchestrator) leaseReaper(ctx context.Context) {
	ticker := time.NewTicker(o.config.Lease.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			count, err := o.store.ReleaseExpiredLeases(ctx, time.Now())
			if err != nil {
				log.Printf("[orchestrator.lease.reap.failed] error=%v", err)
				continue
			}
			if count > 0 {
				log.Printf("[orchestrator.lease.reaped] count=%d", count)
			}
		}
	}
}
