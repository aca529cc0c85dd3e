// Package repository 流程定义相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"caseflow/internal/model"
	"caseflow/internal/shared/storage"
)

const definitionColumns = `id, version, name, status, steps, links, created_at, published_at`

// CreateDefinition 创建定义行（draft 或直接 published）
func (s *Store) CreateDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	query := s.rebind(`
		INSERT INTO definitions (id, version, name, status, steps, links, created_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	_, err := s.db.ExecContext(ctx, query,
		def.ID, def.Version, def.Name, def.Status,
		marshalJSON(def.Steps, `[]`), marshalJSON(def.Links, `[]`),
		def.CreatedAt, def.PublishedAt)
	if err != nil && isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// UpdateDraftDefinition 更新草稿内容；published 行不可变，更新不命中返回 ErrConflict
func (s *Store) UpdateDraftDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	query := s.rebind(`
		UPDATE definitions SET name = $1, steps = $2, links = $3
		WHERE id = $4 AND version = $5 AND status = 'draft'
	`)
	res, err := s.db.ExecContext(ctx, query,
		def.Name, marshalJSON(def.Steps, `[]`), marshalJSON(def.Links, `[]`),
		def.ID, def.Version)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// GetDefinition 获取指定版本的定义
func (s *Store) GetDefinition(ctx context.Context, id string, version int) (*model.WorkflowDefinition, error) {
	query := s.rebind(`SELECT ` + definitionColumns + ` FROM definitions WHERE id = $1 AND version = $2`)
	return scanDefinition(s.db.QueryRowContext(ctx, query, id, version))
}

// GetLatestPublished 获取最新已发布版本
func (s *Store) GetLatestPublished(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	query := s.rebind(`
		SELECT ` + definitionColumns + ` FROM definitions
		WHERE id = $1 AND status = 'published'
		ORDER BY version DESC LIMIT 1
	`)
	return scanDefinition(s.db.QueryRowContext(ctx, query, id))
}

// GetLatestVersion 获取该定义 ID 的最大版本号（含草稿），无记录返回 0
func (s *Store) GetLatestVersion(ctx context.Context, id string) (int, error) {
	query := s.rebind(`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE id = $1`)
	var v int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// ListDefinitions 列出定义，status 为空时列出全部
func (s *Store) ListDefinitions(ctx context.Context, status string) ([]*model.WorkflowDefinition, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		query := s.rebind(`SELECT ` + definitionColumns + ` FROM definitions WHERE status = $1 ORDER BY id, version`)
		rows, err = s.db.QueryContext(ctx, query, status)
	} else {
		query := s.rebind(`SELECT ` + definitionColumns + ` FROM definitions ORDER BY id, version`)
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// MarkDefinitionPublished 将 draft 行置为 published
// 条件更新保证不可变性：已发布的行不会被二次发布
func (s *Store) MarkDefinitionPublished(ctx context.Context, id string, version int, publishedAt time.Time) error {
	query := s.rebind(`
		UPDATE definitions SET status = 'published', published_at = $1
		WHERE id = $2 AND version = $3 AND status = 'draft'
	`)
	res, err := s.db.ExecContext(ctx, query, publishedAt, id, version)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// scanner 行扫描抽象（*sql.Row 与 *sql.Rows 通用）
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanDefinition 从数据库行扫描 WorkflowDefinition
func scanDefinition(sc scanner) (*model.WorkflowDefinition, error) {
	def := &model.WorkflowDefinition{}
	var stepsJSON, linksJSON []byte
	err := sc.Scan(&def.ID, &def.Version, &def.Name, &def.Status,
		&stepsJSON, &linksJSON, &def.CreatedAt, &def.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(stepsJSON) > 0 {
		json.Unmarshal(stepsJSON, &def.Steps)
	}
	if len(linksJSON) > 0 {
		json.Unmarshal(linksJSON, &def.Links)
	}
	return def, nil
}

// isDuplicateErr 识别主键/唯一键冲突
// PostgreSQL 返回 SQLSTATE 23505，SQLite 返回 "UNIQUE constraint failed"
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
