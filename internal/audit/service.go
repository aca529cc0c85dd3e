// Package audit 审计台账服务
//
// 台账是全系统唯一的一致性基准：任何状态变更在审计记录落盘前都不算提交
// （写路径由 storage.WithTx 保证）。本包提供读路径与终态实例的归档。
package audit

import (
	"context"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

// Service 审计台账读服务
type Service struct {
	store storage.AuditStore
}

// NewService 创建审计服务
func NewService(store storage.AuditStore) *Service {
	return &Service{store: store}
}

// Replay 按 record_id 升序重放实例的完整审计历史
//
// 重放顺序即实例状态演化的规范顺序，可用于事后重建任意时点的实例状态。
func (s *Service) Replay(ctx context.Context, instanceID string) ([]*model.AuditRecord, error) {
	return s.store.ReplayAudit(ctx, instanceID)
}

// ListRecent 按时间倒序列出最近的审计记录
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListRecentAudit(ctx, limit)
}
