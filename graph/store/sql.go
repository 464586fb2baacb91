package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	schema   []string
	// isDuplicate recognizes unique-constraint violations from the driver.
	isDuplicate func(error) bool
}

// sqlStore implements Store on database/sql. SQLiteStore, MySQLStore and
// PostgresStore embed it and differ only in dialect and connection setup.
//
// Timestamps are stored as unix milliseconds so that every driver scans them
// the same way.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

const executionColumns = `id, workflow_id, organization_id, user_id, status, input, output, error,
	duration_ms, total_tokens, estimated_cost_usd, checkpoint, can_resume, resumed_from_id,
	created_at, started_at, completed_at, heartbeat_at`

func (s *sqlStore) bind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (s *sqlStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := s.bind(`INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.WorkflowID, exec.OrganizationID, exec.UserID, string(exec.Status),
		nullableBytes(exec.Input), nullableBytes(exec.Output), nullableString(exec.Error),
		exec.DurationMs, exec.TotalTokens, exec.EstimatedCostUSD, nullableBytes(exec.Checkpoint),
		exec.CanResume, nullableString(exec.ResumedFromID),
		toMillis(exec.CreatedAt), toMillisPtr(exec.StartedAt), toMillisPtr(exec.CompletedAt), toMillis(exec.HeartbeatAt),
	)
	if err != nil {
		if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.update(ctx, exec, false)
	return err
}

func (s *sqlStore) UpdateIfRunning(ctx context.Context, exec *Execution) (bool, error) {
	return s.update(ctx, exec, true)
}

func (s *sqlStore) update(ctx context.Context, exec *Execution, onlyRunning bool) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	query := `UPDATE executions SET status = ?, input = ?, output = ?, error = ?,
		duration_ms = ?, total_tokens = ?, estimated_cost_usd = ?, checkpoint = ?, can_resume = ?,
		resumed_from_id = ?, started_at = ?, completed_at = ?, heartbeat_at = ?
		WHERE id = ?`
	args := []any{
		string(exec.Status), nullableBytes(exec.Input), nullableBytes(exec.Output), nullableString(exec.Error),
		exec.DurationMs, exec.TotalTokens, exec.EstimatedCostUSD, nullableBytes(exec.Checkpoint), exec.CanResume,
		nullableString(exec.ResumedFromID), toMillisPtr(exec.StartedAt), toMillisPtr(exec.CompletedAt),
		toMillis(exec.HeartbeatAt), exec.ID,
	}
	if onlyRunning {
		query += ` AND status = ?`
		args = append(args, string(StatusRunning))
	}
	res, err := s.db.ExecContext(ctx, s.bind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	return s.unchanged(ctx, exec.ID, onlyRunning)
}

// unchanged interprets a zero-row update. MySQL reports 0 affected rows
// when the new values equal the old ones, so the row is read back.
func (s *sqlStore) unchanged(ctx context.Context, id string, onlyRunning bool) (bool, error) {
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return false, err
	}
	return !onlyRunning || current.Status == StatusRunning, nil
}

func (s *sqlStore) TouchHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE executions SET heartbeat_at = ? WHERE id = ? AND status = ?`),
		toMillis(at), id, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	return s.unchanged(ctx, id, true)
}

func (s *sqlStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

func (s *sqlStore) AppendLog(ctx context.Context, log ExecutionLog) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := s.bind(`INSERT INTO execution_logs (execution_id, node_id, node_name, node_type, status,
		output, error, started_at, completed_at, duration_ms, input_tokens, output_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		log.ExecutionID, log.NodeID, log.NodeName, log.NodeType, log.Status,
		nullableBytes(log.Output), nullableString(log.Error),
		toMillis(log.StartedAt), toMillis(log.CompletedAt), log.DurationMs,
		log.InputTokens, log.OutputTokens, log.TotalTokens,
	)
	if err != nil {
		if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

func (s *sqlStore) ListLogs(ctx context.Context, executionID string) ([]ExecutionLog, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT execution_id, node_id, node_name, node_type, status,
		output, error, started_at, completed_at, duration_ms, input_tokens, output_tokens, total_tokens
		FROM execution_logs WHERE execution_id = ? ORDER BY started_at ASC, completed_at ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []ExecutionLog
	for rows.Next() {
		var (
			l                  ExecutionLog
			output             []byte
			errMsg             sql.NullString
			startedAt, endedAt int64
		)
		if err := rows.Scan(&l.ExecutionID, &l.NodeID, &l.NodeName, &l.NodeType, &l.Status,
			&output, &errMsg, &startedAt, &endedAt, &l.DurationMs,
			&l.InputTokens, &l.OutputTokens, &l.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		l.Output = output
		l.Error = errMsg.String
		l.StartedAt = fromMillis(startedAt)
		l.CompletedAt = fromMillis(endedAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *sqlStore) ConsumeResume(ctx context.Context, id string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		s.bind(`UPDATE executions SET can_resume = ? WHERE id = ? AND can_resume = ?`), false, id, true)
	if err != nil {
		return false, fmt.Errorf("failed to consume resume flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqlStore) ListStuck(ctx context.Context, staleBefore time.Time) ([]*Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT `+executionColumns+` FROM executions WHERE status = ? AND heartbeat_at < ? ORDER BY heartbeat_at ASC`),
		string(StatusRunning), toMillis(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *sqlStore) FailIfRunning(ctx context.Context, id, message string, at time.Time, canResume bool) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE executions
		SET status = ?, error = ?, completed_at = ?, can_resume = ?,
			duration_ms = CASE WHEN started_at IS NULL THEN duration_ms ELSE ? - started_at END
		WHERE id = ? AND status = ?`),
		string(StatusFailed), message, toMillis(at), canResume, toMillis(at), id, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to fail execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                      Execution
		status                 string
		input, output, cp      []byte
		errMsg, resumedFrom    sql.NullString
		createdAt, heartbeatAt int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.OrganizationID, &e.UserID, &status,
		&input, &output, &errMsg, &e.DurationMs, &e.TotalTokens, &e.EstimatedCostUSD,
		&cp, &e.CanResume, &resumedFrom, &createdAt, &startedAt, &completedAt, &heartbeatAt); err != nil {
		return nil, err
	}
	e.Status = ExecutionStatus(status)
	e.Input = input
	e.Output = output
	e.Checkpoint = cp
	e.Error = errMsg.String
	e.ResumedFromID = resumedFrom.String
	e.CreatedAt = fromMillis(createdAt)
	e.HeartbeatAt = fromMillis(heartbeatAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		e.CompletedAt = &t
	}
	return &e, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
