package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dshills/flowrun/graph/store"
)

// failedRun executes the linear workflow with a provider that rejects the
// first call, leaving a resumable FAILED execution.
func failedRun(t *testing.T) (*testEngine, ExecutionResult) {
	t.Helper()
	wf, chat := failingWorkflow()
	te := newTestEngine(t, chat)
	res, err := te.Execute(context.Background(), wf, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	return te, res
}

func TestResume_ContinuesFromCheckpoint(t *testing.T) {
	te, failed := failedRun(t)

	res, err := te.Resume(context.Background(), failed.ExecutionID, linearWorkflow())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", res.Status, res.Error)
	}
	if res.ExecutionID == failed.ExecutionID {
		t.Fatal("resume must create a new execution")
	}
	if out := res.Output.(map[string]any); out["content"] != "recovered" {
		t.Errorf("expected recovered output, got %v", out)
	}
	if res.TotalTokens != 2 {
		t.Errorf("expected only the re-run node's tokens, got %d", res.TotalTokens)
	}

	resumed := te.execution(t, res.ExecutionID)
	if resumed.ResumedFromID != failed.ExecutionID {
		t.Errorf("expected resumedFromId %s, got %q", failed.ExecutionID, resumed.ResumedFromID)
	}

	// The input node is restored, not re-run.
	statuses := te.statuses(t, res.ExecutionID)
	if _, ran := statuses["in"]; ran {
		t.Error("checkpointed node was executed again")
	}
	if statuses["llm"] != string(StatusSuccess) || statuses["out"] != string(StatusSuccess) {
		t.Errorf("expected llm and out to run, got %v", statuses)
	}
	if te.chat.CallCount() != 2 {
		t.Errorf("expected one failed and one successful LLM call, got %d", te.chat.CallCount())
	}

	if te.execution(t, failed.ExecutionID).CanResume {
		t.Error("original execution must lose canResume once resumed")
	}
}

func TestResume_PreservesCheckpointedResults(t *testing.T) {
	te, failed := failedRun(t)
	before := te.checkpoint(t, failed.ExecutionID).CompletedNodes["in"]

	res, err := te.Resume(context.Background(), failed.ExecutionID, linearWorkflow())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	after := te.checkpoint(t, res.ExecutionID).CompletedNodes["in"]

	if after.Status != before.Status || after.NodeName != before.NodeName {
		t.Errorf("restored result differs: %+v vs %+v", after, before)
	}
	if !after.StartedAt.Equal(before.StartedAt) || !after.EndedAt.Equal(before.EndedAt) {
		t.Error("restored result timestamps changed")
	}
	if Stringify(after.Output) != Stringify(before.Output) {
		t.Errorf("restored output changed: %s vs %s", Stringify(after.Output), Stringify(before.Output))
	}
	if after.Sequence != before.Sequence {
		t.Errorf("restored sequence changed: %d vs %d", after.Sequence, before.Sequence)
	}
	if llm := te.checkpoint(t, res.ExecutionID).CompletedNodes["llm"]; llm.Sequence <= after.Sequence {
		t.Errorf("re-run node sequence %d must follow restored %d", llm.Sequence, after.Sequence)
	}
}

func TestResume_OnlyOnce(t *testing.T) {
	te, failed := failedRun(t)

	if _, err := te.Resume(context.Background(), failed.ExecutionID, linearWorkflow()); err != nil {
		t.Fatalf("first Resume failed: %v", err)
	}
	_, err := te.Resume(context.Background(), failed.ExecutionID, linearWorkflow())
	if !errors.Is(err, ErrResumeConsumed) {
		t.Fatalf("expected ErrResumeConsumed, got %v", err)
	}
}

func TestResume_ConcurrentCallersOneWins(t *testing.T) {
	te, failed := failedRun(t)

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := te.Resume(context.Background(), failed.ExecutionID, linearWorkflow())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrResumeConsumed):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("expected exactly one successful resume, got %d", won)
	}
}

func TestResume_GraphChanged(t *testing.T) {
	te, failed := failedRun(t)

	changed := linearWorkflow()
	changed.Config.Nodes[1].Config["prompt"] = "Translate: {{Input.text}}"

	_, err := te.Resume(context.Background(), failed.ExecutionID, changed)
	if !errors.Is(err, ErrGraphChanged) {
		t.Fatalf("expected ErrGraphChanged, got %v", err)
	}
	if !te.execution(t, failed.ExecutionID).CanResume {
		t.Error("a rejected resume must not consume the checkpoint")
	}

	rs, err := te.ResumeStatus(context.Background(), failed.ExecutionID, &changed)
	if err != nil {
		t.Fatalf("ResumeStatus failed: %v", err)
	}
	if rs.CanResume || rs.ResumeBlockReason == "" {
		t.Errorf("expected status blocked by graph change, got %+v", rs)
	}
}

func TestResume_Rejections(t *testing.T) {
	t.Run("unknown execution", func(t *testing.T) {
		te := newTestEngine(t, nil)
		_, err := te.Resume(context.Background(), "nope", linearWorkflow())
		if !errors.Is(err, ErrNotResumable) {
			t.Errorf("expected ErrNotResumable, got %v", err)
		}
	})

	t.Run("completed execution", func(t *testing.T) {
		te := newTestEngine(t, nil)
		res, _ := te.Execute(context.Background(), linearWorkflow(), map[string]any{"text": "hi"})
		_, err := te.Resume(context.Background(), res.ExecutionID, linearWorkflow())
		if !errors.Is(err, ErrNotResumable) {
			t.Errorf("expected ErrNotResumable, got %v", err)
		}
	})

	t.Run("failure before any node completed", func(t *testing.T) {
		te := newTestEngine(t, nil)
		res, _ := te.Execute(context.Background(), linearWorkflow(), map[string]any{})
		if res.Status != store.StatusFailed {
			t.Fatalf("expected FAILED, got %s", res.Status)
		}
		_, err := te.Resume(context.Background(), res.ExecutionID, linearWorkflow())
		if !errors.Is(err, ErrNotResumable) {
			t.Errorf("expected ErrNotResumable, got %v", err)
		}
	})
}

func TestEngine_ResumeStatus(t *testing.T) {
	te, failed := failedRun(t)
	wf := linearWorkflow()

	rs, err := te.ResumeStatus(context.Background(), failed.ExecutionID, &wf)
	if err != nil {
		t.Fatalf("ResumeStatus failed: %v", err)
	}
	if !rs.CanResume || rs.ResumeBlockReason != "" {
		t.Errorf("expected resumable, got %+v", rs)
	}
	if rs.CheckpointInfo == nil || rs.CheckpointInfo.CompletedNodesCount != 1 {
		t.Fatalf("expected checkpoint info with 1 node, got %+v", rs.CheckpointInfo)
	}
	if deref(rs.CheckpointInfo.FailedNodeID) != "llm" {
		t.Errorf("expected failed node llm, got %q", deref(rs.CheckpointInfo.FailedNodeID))
	}
	if rs.LastCheckpoint == nil || rs.LastCheckpoint.IsZero() {
		t.Error("expected lastCheckpoint timestamp")
	}

	resumed, _ := te.Resume(context.Background(), failed.ExecutionID, wf)
	rs, _ = te.ResumeStatus(context.Background(), failed.ExecutionID, nil)
	if rs.CanResume || !strings.Contains(rs.ResumeBlockReason, "already") {
		t.Errorf("expected consumed checkpoint, got %+v", rs)
	}

	rs, _ = te.ResumeStatus(context.Background(), resumed.ExecutionID, nil)
	if rs.CanResume || rs.ResumedFromID != failed.ExecutionID {
		t.Errorf("expected completed resumed execution, got %+v", rs)
	}

	if _, err := te.ResumeStatus(context.Background(), "nope", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_StartResume(t *testing.T) {
	te, failed := failedRun(t)

	id, done, err := te.StartResume(context.Background(), failed.ExecutionID, linearWorkflow())
	if err != nil {
		t.Fatalf("StartResume failed: %v", err)
	}
	if id == failed.ExecutionID {
		t.Fatal("resume must create a new execution")
	}
	res := <-done
	if res.Status != store.StatusCompleted || res.ExecutionID != id {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := te.execution(t, id).ResumedFromID; got != failed.ExecutionID {
		t.Errorf("expected resumedFromId %s, got %q", failed.ExecutionID, got)
	}

	if _, _, err := te.StartResume(context.Background(), failed.ExecutionID, linearWorkflow()); !errors.Is(err, ErrResumeConsumed) {
		t.Errorf("expected ErrResumeConsumed, got %v", err)
	}
}
