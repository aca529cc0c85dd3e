// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore）负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（乐观锁失败，或检查点重复决策）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrAlreadyFinalized 任务已终结，后续 ack 为幂等空操作（不是真正的错误）
	ErrAlreadyFinalized = errors.New("task already finalized")

	// ErrValidation 流程定义校验失败（发布被拒绝）
	ErrValidation = errors.New("definition validation failed")

	// ErrLedgerUnavailable 审计台账不可用——致命错误
	// 审计记录落盘前任何状态变更都不算提交，调用方必须整体中止操作
	ErrLedgerUnavailable = errors.New("audit ledger unavailable")
)
