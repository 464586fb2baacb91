package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store backed by modernc.org/sqlite.
//
// It is meant for development, tests and single-process deployments. WAL mode
// is enabled so readers (status polling, log listing) do not block the
// engine's writes.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./flowrun.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// Use ":memory:" for a throwaway database in tests.
type SQLiteStore struct {
	sqlStore
	path string
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT,
		output TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost_usd REAL NOT NULL DEFAULT 0,
		checkpoint TEXT,
		can_resume INTEGER NOT NULL DEFAULT 0,
		resumed_from_id TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		heartbeat_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status_heartbeat ON executions(status, heartbeat_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		execution_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		node_name TEXT NOT NULL,
		node_type TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (execution_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_started ON execution_logs(execution_id, started_at)`,
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// ":memory:" databases alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{
			db: db,
			dialect: dialect{
				name:   "sqlite",
				schema: sqliteSchema,
				isDuplicate: func(err error) bool {
					return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
						strings.Contains(err.Error(), "PRIMARY KEY")
				},
			},
		},
		path: path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database location this store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}
