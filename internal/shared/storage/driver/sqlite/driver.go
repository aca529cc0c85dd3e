// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"caseflow/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) ConflictDoNothing(conflictColumn string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:caseflow.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
//
// 四张逻辑表：definitions / instances / tasks / audit_records，
// 外加 checkpoints（人工检查点）。外部接口不依赖内部 Schema。
const schema = `
-- definitions
CREATE TABLE IF NOT EXISTS definitions (
    id VARCHAR(64) NOT NULL,
    version INTEGER NOT NULL,
    name VARCHAR(200),
    status VARCHAR(32) DEFAULT 'draft',
    steps TEXT NOT NULL,
    links TEXT NOT NULL,
    created_at DATETIME DEFAULT (datetime('now')),
    published_at DATETIME,
    PRIMARY KEY (id, version)
);

-- instances
CREATE TABLE IF NOT EXISTS instances (
    id VARCHAR(64) PRIMARY KEY,
    definition_id VARCHAR(64) NOT NULL,
    definition_version INTEGER NOT NULL,
    status VARCHAR(32) DEFAULT 'running',
    cursor TEXT DEFAULT '[]',
    context TEXT DEFAULT '{}',
    state_version INTEGER DEFAULT 0,
    failure_reason TEXT,
    archived INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

-- tasks
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    instance_id VARCHAR(64) NOT NULL REFERENCES instances(id),
    step_id VARCHAR(64) NOT NULL,
    topic VARCHAR(200) NOT NULL,
    status VARCHAR(32) DEFAULT 'pending',
    payload TEXT,
    result TEXT,
    attempt_count INTEGER DEFAULT 0,
    sla_duration_ms INTEGER DEFAULT 0,
    dispatched_at DATETIME,
    expires_at DATETIME,
    lease_expires_at DATETIME,
    finalized_at DATETIME,
    error TEXT,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_topic_status ON tasks(topic, status);
CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);

-- checkpoints
CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(64) PRIMARY KEY,
    instance_id VARCHAR(64) NOT NULL REFERENCES instances(id),
    step_id VARCHAR(64) NOT NULL,
    task_id VARCHAR(64) NOT NULL,
    status VARCHAR(32) DEFAULT 'pending',
    reviewer_pool TEXT DEFAULT '[]',
    secondary_pool TEXT DEFAULT '[]',
    decision VARCHAR(32),
    decided_by VARCHAR(128),
    decided_at DATETIME,
    patch TEXT,
    expires_at DATETIME,
    created_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);

-- audit_records (append-only)
CREATE TABLE IF NOT EXISTS audit_records (
    record_id INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id VARCHAR(64) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    detail TEXT,
    timestamp DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_records(instance_id, record_id);

-- accounts (运维/审核人账号，HITL 决策 API 身份来源)
CREATE TABLE IF NOT EXISTS accounts (
    id VARCHAR(64) PRIMARY KEY,
    email VARCHAR(200) UNIQUE,
    password_hash VARCHAR(200),
    role VARCHAR(32) DEFAULT 'reviewer',
    created_at DATETIME DEFAULT (datetime('now'))
);
`
