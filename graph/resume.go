package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/flowrun/graph/store"
	log "github.com/sirupsen/logrus"
)

// Resume continues a FAILED execution from its checkpoint in a new
// execution. Completed nodes are not re-run; the failed node is.
//
// It returns ErrNotResumable when the original is not a resumable failure,
// ErrGraphChanged when wf no longer matches the checkpoint, and
// ErrResumeConsumed when another caller already resumed it.
func (e *Engine) Resume(ctx context.Context, executionID string, wf Workflow) (ExecutionResult, error) {
	r, seeds, err := e.prepareResume(ctx, executionID, wf)
	if err != nil {
		return ExecutionResult{}, err
	}
	return r.execute(ctx, seeds), nil
}

// StartResume is Resume in the background. It returns the id of the new
// execution once the checkpoint has been consumed.
func (e *Engine) StartResume(ctx context.Context, executionID string, wf Workflow) (string, <-chan ExecutionResult, error) {
	r, seeds, err := e.prepareResume(ctx, executionID, wf)
	if err != nil {
		return "", nil, err
	}
	return r.exec.ID, e.background(ctx, r, seeds), nil
}

func (e *Engine) prepareResume(ctx context.Context, executionID string, wf Workflow) (*run, []NodeResult, error) {
	orig, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, &EngineError{Message: fmt.Sprintf("execution %s not found", executionID), Code: CodeNotResumable}
		}
		return nil, nil, fmt.Errorf("load execution: %w", err)
	}
	if reason, code := blockReason(orig); reason != "" {
		return nil, nil, &EngineError{Message: reason, Code: code}
	}
	cp, err := UnmarshalCheckpoint(orig.Checkpoint)
	if err != nil {
		return nil, nil, &EngineError{Message: err.Error(), Code: CodeNotResumable}
	}
	if err := cp.VerifyHash(&wf.Config); err != nil {
		return nil, nil, err
	}
	if err := wf.Config.Validate(); err != nil {
		return nil, nil, err
	}

	won, err := e.store.ConsumeResume(ctx, orig.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("consume checkpoint: %w", err)
	}
	if !won {
		return nil, nil, &EngineError{Message: fmt.Sprintf("checkpoint of execution %s was already used", orig.ID), Code: CodeResumeConsumed}
	}

	var input any
	if len(orig.Input) > 0 {
		if err := json.Unmarshal(orig.Input, &input); err != nil {
			return nil, nil, fmt.Errorf("decode stored input: %w", err)
		}
	}

	r, err := e.start(ctx, wf, input, orig.ID)
	if err != nil {
		return nil, nil, err
	}
	seeds := cp.Ordered()
	r.logger.WithFields(log.Fields{
		"seeded_nodes": len(seeds),
		"failed_node":  deref(cp.FailedNodeID),
	}).Info("resuming from checkpoint")
	return r, seeds, nil
}

// blockReason explains why exec cannot be resumed, or returns "". A
// FAILED execution that lost canResume while its checkpoint holds
// successful results was consumed by an earlier resume.
func blockReason(exec *store.Execution) (string, string) {
	switch {
	case exec.Status != store.StatusFailed:
		return fmt.Sprintf("execution is %s; only FAILED executions can be resumed", exec.Status), CodeNotResumable
	case len(exec.Checkpoint) == 0:
		return "execution has no checkpoint", CodeNotResumable
	case !exec.CanResume:
		if cp, err := UnmarshalCheckpoint(exec.Checkpoint); err == nil && cp.SuccessCount() > 0 {
			return "checkpoint has already been used to resume", CodeResumeConsumed
		}
		return "no node completed before the failure", CodeNotResumable
	}
	return "", ""
}

// ResumeStatus describes whether an execution can be resumed.
type ResumeStatus struct {
	ExecutionID       string                `json:"executionId"`
	Status            store.ExecutionStatus `json:"status"`
	CanResume         bool                  `json:"canResume"`
	ResumeBlockReason string                `json:"resumeBlockReason,omitempty"`
	LastCheckpoint    *time.Time            `json:"lastCheckpoint"`
	ResumedFromID     string                `json:"resumedFromId,omitempty"`
	Error             string                `json:"error,omitempty"`
	CheckpointInfo    *CheckpointInfo       `json:"checkpointInfo"`
}

type CheckpointInfo struct {
	CompletedNodesCount int     `json:"completedNodesCount"`
	FailedNodeID        *string `json:"failedNodeId"`
}

// ResumeStatus reports the resumability of executionID. When wf is given,
// a graph that changed since the checkpoint blocks the resume.
func (e *Engine) ResumeStatus(ctx context.Context, executionID string, wf *Workflow) (ResumeStatus, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return ResumeStatus{}, err
	}
	rs := ResumeStatus{
		ExecutionID:   exec.ID,
		Status:        exec.Status,
		ResumedFromID: exec.ResumedFromID,
		Error:         exec.Error,
	}
	rs.ResumeBlockReason, _ = blockReason(exec)
	if len(exec.Checkpoint) == 0 {
		rs.CanResume = false
		return rs, nil
	}

	hb := exec.HeartbeatAt
	rs.LastCheckpoint = &hb
	cp, err := UnmarshalCheckpoint(exec.Checkpoint)
	if err != nil {
		rs.ResumeBlockReason = err.Error()
		return rs, nil
	}
	rs.CheckpointInfo = &CheckpointInfo{
		CompletedNodesCount: len(cp.CompletedNodes),
		FailedNodeID:        cp.FailedNodeID,
	}
	if rs.ResumeBlockReason == "" && wf != nil {
		if err := cp.VerifyHash(&wf.Config); err != nil {
			var ee *EngineError
			if errors.As(err, &ee) {
				rs.ResumeBlockReason = ee.Message
			} else {
				rs.ResumeBlockReason = err.Error()
			}
		}
	}
	rs.CanResume = rs.ResumeBlockReason == ""
	return rs, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
