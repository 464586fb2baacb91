package graph

import (
	"errors"
	"fmt"
)

// Error codes carried by EngineError and NodeError.
const (
	CodeInvalidWorkflow   = "INVALID_WORKFLOW"
	CodeCycleDetected     = "CYCLE_DETECTED"
	CodeGraphChanged      = "GRAPH_CHANGED"
	CodeNotResumable      = "NOT_RESUMABLE"
	CodeResumeConsumed    = "RESUME_CONSUMED"
	CodeNodeTimeout       = "NODE_TIMEOUT"
	CodeLoopLimit         = "LOOP_LIMIT"
	CodeUnresolvedRef     = "UNRESOLVED_REFERENCE"
	CodeValidation        = "VALIDATION_ERROR"
	CodeProvider          = "PROVIDER_ERROR"
	CodeSandbox           = "SANDBOX_ERROR"
	CodeMergeFailed       = "MERGE_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeInternal          = "INTERNAL"
	CodeUnsupportedConfig = "UNSUPPORTED_CONFIG"
)

// Sentinel errors. EngineError values compare equal to these via errors.Is
// when their codes match.
var (
	ErrInvalidWorkflow     = errors.New("invalid workflow")
	ErrCycleDetected       = errors.New("workflow graph contains a cycle")
	ErrGraphChanged        = errors.New("workflow graph has changed since the checkpoint was taken")
	ErrNotResumable        = errors.New("execution cannot be resumed")
	ErrResumeConsumed      = errors.New("checkpoint has already been used to resume")
	ErrUnresolvedReference = errors.New("unresolved variable reference")
	ErrLoopLimit           = errors.New("loop exceeded engine iteration cap")
)

var codeSentinels = map[string]error{
	CodeInvalidWorkflow: ErrInvalidWorkflow,
	CodeCycleDetected:   ErrCycleDetected,
	CodeGraphChanged:    ErrGraphChanged,
	CodeNotResumable:    ErrNotResumable,
	CodeResumeConsumed:  ErrResumeConsumed,
	CodeUnresolvedRef:   ErrUnresolvedReference,
	CodeLoopLimit:       ErrLoopLimit,
}

// EngineError represents an engine-level failure with a machine-readable code.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Is lets errors.Is match an EngineError against the sentinel for its code.
func (e *EngineError) Is(target error) bool {
	if sentinel, ok := codeSentinels[e.Code]; ok && sentinel == target {
		return true
	}
	var other *EngineError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// NodeError is a failure attributed to one node. It is what ends up, as a
// string, in NodeResult.Error and in the Execution's error field.
type NodeError struct {
	Message  string
	Code     string
	NodeID   string
	NodeName string
	Cause    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q (%s) failed: %s", e.NodeName, e.NodeID, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// nodeFailure builds the NodeError for a failed result.
func nodeFailure(res NodeResult) *NodeError {
	return &NodeError{
		Message:  res.Error,
		Code:     res.ErrorCode,
		NodeID:   res.NodeID,
		NodeName: res.NodeName,
	}
}
