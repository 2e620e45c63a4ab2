// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单店轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"rentalps-admin/internal/shared/storage/dbutil"

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

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.BuildUpsertConflict(conflictColumn, updateExprs)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:rental.db?cache=shared&mode=rwc" 或 ":memory:"
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

// schema SQLite 完整建表语句（等价于 PostgreSQL 建表语句）
const schema = `
-- terminals
CREATE TABLE IF NOT EXISTS terminals (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pairing',
	current_session_id TEXT,
	last_probe_at DATETIME,
	last_heartbeat_at DATETIME,
	last_process_state TEXT NOT NULL DEFAULT 'unknown',
	recovery_attempts INTEGER NOT NULL DEFAULT 0,
	last_recovery_at DATETIME,
	monitoring_enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_terminals_status ON terminals(status);
CREATE INDEX IF NOT EXISTS idx_terminals_monitoring ON terminals(monitoring_enabled);

-- sessions
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	terminal_id TEXT NOT NULL REFERENCES terminals(id),
	member_id TEXT,
	funding_kind TEXT NOT NULL,
	funding_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	start_at DATETIME NOT NULL,
	end_at DATETIME NOT NULL,
	stopped_at DATETIME,
	stop_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_terminal ON sessions(terminal_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_end_at ON sessions(end_at);

-- login_codes
CREATE TABLE IF NOT EXISTS login_codes (
	id TEXT PRIMARY KEY,
	terminal_id TEXT NOT NULL REFERENCES terminals(id),
	code TEXT NOT NULL UNIQUE,
	used INTEGER NOT NULL DEFAULT 0,
	used_at DATETIME,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_codes_terminal ON login_codes(terminal_id);
CREATE INDEX IF NOT EXISTS idx_login_codes_created ON login_codes(created_at);

-- terminal_locks
CREATE TABLE IF NOT EXISTS terminal_locks (
	terminal_id TEXT PRIMARY KEY REFERENCES terminals(id),
	claimant_id TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_terminal_locks_expires ON terminal_locks(expires_at);

-- members
CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	balance_minutes INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`
