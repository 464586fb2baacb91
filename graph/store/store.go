// Package store persists workflow executions and their per-node logs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested execution does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a log row for the same (executionId, nodeId)
// was already appended, or an execution id is reused.
var ErrDuplicate = errors.New("duplicate record")

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether s is COMPLETED, FAILED or CANCELLED.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is the durable record of one workflow run.
//
// Input, Output and Checkpoint are opaque JSON documents. Checkpoint is nil
// when no checkpoint has been written. HeartbeatAt is refreshed on every
// checkpoint write and is what the stuck-execution sweep compares against.
type Execution struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflowId"`
	OrganizationID   string          `json:"organizationId"`
	UserID           string          `json:"userId"`
	Status           ExecutionStatus `json:"status"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	DurationMs       int64           `json:"durationMs"`
	TotalTokens      int             `json:"totalTokens"`
	EstimatedCostUSD float64         `json:"estimatedCostUsd"`
	Checkpoint       json.RawMessage `json:"checkpoint,omitempty"`
	CanResume        bool            `json:"canResume"`
	ResumedFromID    string          `json:"resumedFromId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	HeartbeatAt      time.Time       `json:"heartbeatAt"`
}

// Clone returns a deep copy of e.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Input = cloneRaw(e.Input)
	c.Output = cloneRaw(e.Output)
	c.Checkpoint = cloneRaw(e.Checkpoint)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

// ExecutionLog is the append-only record of one node's result.
type ExecutionLog struct {
	ExecutionID  string          `json:"executionId"`
	NodeID       string          `json:"nodeId"`
	NodeName     string          `json:"nodeName"`
	NodeType     string          `json:"nodeType"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  time.Time       `json:"completedAt"`
	DurationMs   int64           `json:"durationMs"`
	InputTokens  int             `json:"inputTokens"`
	OutputTokens int             `json:"outputTokens"`
	TotalTokens  int             `json:"totalTokens"`
}

// Store persists executions and execution logs.
//
// Implementations must make ConsumeResume, UpdateIfRunning, TouchHeartbeat
// and FailIfRunning atomic with respect to concurrent callers: they are the
// only concurrency control the engine relies on across processes.
type Store interface {
	// CreateExecution inserts a new execution. Returns ErrDuplicate if the id exists.
	CreateExecution(ctx context.Context, exec *Execution) error

	// UpdateExecution overwrites the mutable fields of an existing execution.
	// Returns ErrNotFound if the id does not exist.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// UpdateIfRunning is UpdateExecution guarded by the stored status: the
	// row is written only while it is still RUNNING. It reports whether the
	// write applied. Returns ErrNotFound if the id does not exist.
	UpdateIfRunning(ctx context.Context, exec *Execution) (bool, error)

	// TouchHeartbeat sets HeartbeatAt of a RUNNING execution. It reports
	// false when the execution is no longer RUNNING.
	TouchHeartbeat(ctx context.Context, id string, at time.Time) (bool, error)

	// GetExecution loads an execution by id. Returns ErrNotFound if absent.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// AppendLog appends one node result. Returns ErrDuplicate if a row for the
	// same (executionId, nodeId) exists.
	AppendLog(ctx context.Context, log ExecutionLog) error

	// ListLogs returns the logs of an execution ordered by StartedAt.
	ListLogs(ctx context.Context, executionID string) ([]ExecutionLog, error)

	// ConsumeResume atomically flips CanResume from true to false. It returns
	// true only for the single caller that performed the flip.
	ConsumeResume(ctx context.Context, id string) (bool, error)

	// ListStuck returns RUNNING executions whose HeartbeatAt is before staleBefore.
	ListStuck(ctx context.Context, staleBefore time.Time) ([]*Execution, error)

	// FailIfRunning marks the execution FAILED with message and sets
	// CanResume, but only if it is still RUNNING. It reports whether the row
	// was changed.
	FailIfRunning(ctx context.Context, id, message string, at time.Time, canResume bool) (bool, error)

	// Close releases resources held by the store.
	Close() error
}
