package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

// Sink 镜像台账的写端
//
// 镜像记录保留源头分配的 record_id，写端不得重新编号。
type Sink interface {
	// LastRecordID 返回已镜像的最大 record_id，空台账返回 0
	LastRecordID(ctx context.Context) (int64, error)
	// WriteBatch 按 record_id 升序批量写入
	WriteBatch(ctx context.Context, recs []*model.AuditRecord) error
}

// Mirror 审计台账异步镜像
//
// 事务台账（SQL）是唯一的一致性基准，镜像是它的异步副本：
// 定期拉取游标之后的新记录批量写入 Sink。写入失败只记日志，
// 游标不前移，下一轮整批重试，因此镜像端可能收到重复记录，
// 以 record_id 幂等去重（MongoDB 端靠 record_id 唯一索引）。
type Mirror struct {
	src      storage.AuditStore
	dst      Sink
	interval time.Duration

	cursor int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// DefaultMirrorInterval 默认同步间隔
const DefaultMirrorInterval = 5 * time.Second

// mirrorBatchSize 单轮最多同步的记录数
const mirrorBatchSize = 500

// NewMirror 创建审计镜像
func NewMirror(src storage.AuditStore, dst Sink, interval time.Duration) *Mirror {
	if interval <= 0 {
		interval = DefaultMirrorInterval
	}
	return &Mirror{
		src:      src,
		dst:      dst,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动镜像同步循环，阻塞直到 ctx 取消或 Stop 被调用
//
// 启动时从 Sink 恢复游标，保证进程重启后从断点续传。
func (m *Mirror) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	cursor, err := m.dst.LastRecordID(ctx)
	if err != nil {
		log.Printf("[audit.mirror] restore cursor failed, starting from 0: %v", err)
		cursor = 0
	}
	m.cursor = cursor
	log.Printf("[audit.mirror.start] cursor=%d interval=%s", cursor, m.interval)

	m.Sync(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[audit.mirror.stop] reason=context_cancelled cursor=%d", m.cursor)
			return
		case <-m.stopCh:
			log.Printf("[audit.mirror.stop] reason=stop_signal cursor=%d", m.cursor)
			return
		case <-ticker.C:
			m.Sync(ctx)
		}
	}
}

// Stop 停止镜像同步
func (m *Mirror) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// Sync 执行一轮同步，返回本轮镜像的记录数
//
// 每轮循环拉取游标之后的批次直到追平；任何一批失败立即返回，
// 游标停在最后成功的位置。
func (m *Mirror) Sync(ctx context.Context) int {
	total := 0
	for {
		recs, err := m.src.ListAuditAfter(ctx, m.cursor, mirrorBatchSize)
		if err != nil {
			log.Printf("[audit.mirror] list after cursor=%d failed: %v", m.cursor, err)
			return total
		}
		if len(recs) == 0 {
			return total
		}

		if err := m.dst.WriteBatch(ctx, recs); err != nil {
			log.Printf("[audit.mirror] write batch failed cursor=%d count=%d: %v",
				m.cursor, len(recs), err)
			return total
		}

		m.cursor = recs[len(recs)-1].RecordID
		total += len(recs)

		if len(recs) < mirrorBatchSize {
			return total
		}
	}
}

// Cursor 返回当前游标（已镜像的最大 record_id）
func (m *Mirror) Cursor() int64 {
	return m.cursor
}
