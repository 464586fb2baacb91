package graph

import (
	"time"

	"github.com/dshills/flowrun/graph/store"
)

// NodeStatus is the terminal state of a node within one run.
type NodeStatus string

const (
	StatusSuccess NodeStatus = "success"
	StatusError   NodeStatus = "error"
	StatusSkipped NodeStatus = "skipped"
)

// TokenUsage counts LLM tokens consumed by a node.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// NodeResult is the outcome of one node. It is a plain value so it can be
// copied into checkpoints and logs without aliasing engine state.
type NodeResult struct {
	NodeID    string      `json:"nodeId"`
	NodeName  string      `json:"nodeName"`
	NodeType  NodeType    `json:"nodeType"`
	Status    NodeStatus  `json:"status"`
	Output    any         `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`
	Handle    string      `json:"handle,omitempty"`
	StartedAt time.Time   `json:"startedAt"`
	EndedAt   time.Time   `json:"completedAt"`
	Duration  int64       `json:"durationMs"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
	Model     string      `json:"model,omitempty"`
	Sequence  int         `json:"sequence"`
	// BranchErrors lists predecessor failures tolerated by a MERGE with
	// errorStrategy "continue".
	BranchErrors []BranchStatus `json:"branchErrors,omitempty"`
}

// Terminal reports whether r holds a final status.
func (r NodeResult) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusError || r.Status == StatusSkipped
}

// ExecutionResult is returned by Engine.Execute and Engine.Resume.
type ExecutionResult struct {
	Status           store.ExecutionStatus `json:"status"`
	ExecutionID      string                `json:"executionId"`
	Output           any                   `json:"output,omitempty"`
	Error            string                `json:"error,omitempty"`
	Duration         int64                 `json:"durationMs"`
	TotalTokens      int                   `json:"totalTokens"`
	EstimatedCostUSD float64               `json:"estimatedCostUsd"`
}

// Workflow binds a WorkflowConfig to the identities that own a run.
type Workflow struct {
	ID             string
	OrganizationID string
	UserID         string
	Config         WorkflowConfig
}
