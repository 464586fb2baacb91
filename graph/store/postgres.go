package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL Store using lib/pq.
//
// databaseURL is a postgres:// URL or a key=value connection string.
type PostgresStore struct {
	sqlStore
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT,
		output TEXT,
		error TEXT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		checkpoint TEXT,
		can_resume BOOLEAN NOT NULL DEFAULT FALSE,
		resumed_from_id TEXT,
		created_at BIGINT NOT NULL,
		started_at BIGINT,
		completed_at BIGINT,
		heartbeat_at BIGINT NOT NULL
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
		started_at BIGINT NOT NULL,
		completed_at BIGINT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (execution_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_started ON execution_logs(execution_id, started_at)`,
}

// NewPostgresStore connects, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{sqlStore: sqlStore{
		db: db,
		dialect: dialect{
			name:     "postgres",
			numbered: true,
			schema:   postgresSchema,
			isDuplicate: func(err error) bool {
				var pqErr *pq.Error
				return errors.As(err, &pqErr) && pqErr.Code == "23505"
			},
		},
	}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
