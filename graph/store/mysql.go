package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB Store for multi-process deployments.
//
// The DSN format is the go-sql-driver one:
//
//	user:password@tcp(localhost:3306)/flowrun
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	sqlStore
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		workflow_id VARCHAR(255) NOT NULL,
		organization_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL,
		input LONGTEXT NULL,
		output LONGTEXT NULL,
		error TEXT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		total_tokens INT NOT NULL DEFAULT 0,
		estimated_cost_usd DOUBLE NOT NULL DEFAULT 0,
		checkpoint LONGTEXT NULL,
		can_resume BOOLEAN NOT NULL DEFAULT FALSE,
		resumed_from_id VARCHAR(64) NULL,
		created_at BIGINT NOT NULL,
		started_at BIGINT NULL,
		completed_at BIGINT NULL,
		heartbeat_at BIGINT NOT NULL,
		INDEX idx_executions_status_heartbeat (status, heartbeat_at),
		INDEX idx_executions_workflow (workflow_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		execution_id VARCHAR(64) NOT NULL,
		node_id VARCHAR(255) NOT NULL,
		node_name VARCHAR(255) NOT NULL,
		node_type VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		output LONGTEXT NULL,
		error TEXT NULL,
		started_at BIGINT NOT NULL,
		completed_at BIGINT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		input_tokens INT NOT NULL DEFAULT 0,
		output_tokens INT NOT NULL DEFAULT 0,
		total_tokens INT NOT NULL DEFAULT 0,
		PRIMARY KEY (execution_id, node_id),
		INDEX idx_execution_logs_started (execution_id, started_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// NewMySQLStore connects, verifies the connection and creates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore: sqlStore{
		db: db,
		dialect: dialect{
			name:   "mysql",
			schema: mysqlSchema,
			isDuplicate: func(err error) bool {
				var myErr *mysql.MySQLError
				return errors.As(err, &myErr) && myErr.Number == 1062
			},
		},
	}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
