package graph

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dshills/flowrun/graph/emit"
	"github.com/dshills/flowrun/graph/store"
)

func insertRunning(t *testing.T, st store.Store, id string, heartbeat time.Time) {
	t.Helper()
	started := heartbeat
	err := st.CreateExecution(context.Background(), &store.Execution{
		ID:          id,
		WorkflowID:  "wf-1",
		Status:      store.StatusRunning,
		CreatedAt:   heartbeat,
		StartedAt:   &started,
		HeartbeatAt: heartbeat,
	})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
}

func TestEngine_CleanupStuck(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	insertRunning(t, te.store, "stale", now.Add(-time.Hour))
	insertRunning(t, te.store, "fresh", now)

	n, err := te.CleanupStuck(ctx, time.Minute)
	if err != nil {
		t.Fatalf("CleanupStuck failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 execution failed, got %d", n)
	}

	stale := te.execution(t, "stale")
	if stale.Status != store.StatusFailed {
		t.Errorf("expected stale execution FAILED, got %s", stale.Status)
	}
	if !strings.Contains(stale.Error, "timed out") {
		t.Errorf("expected timeout message, got %q", stale.Error)
	}
	if stale.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
	if fresh := te.execution(t, "fresh"); fresh.Status != store.StatusRunning {
		t.Errorf("fresh execution must stay RUNNING, got %s", fresh.Status)
	}

	history := te.events.GetHistory("stale")
	if len(history) != 1 || history[0].Type != emit.ExecutionError {
		t.Errorf("expected one execution_error event, got %+v", history)
	}

	// A second sweep finds nothing new.
	n, err = te.CleanupStuck(ctx, time.Minute)
	if err != nil || n != 0 {
		t.Errorf("expected idempotent sweep, got %d, %v", n, err)
	}
}

func TestEngine_CleanupStuckUsesDefaultTimeout(t *testing.T) {
	te := newTestEngine(t, nil, WithStuckTimeout(10*time.Minute))
	now := time.Now().UTC()
	insertRunning(t, te.store, "five-minutes", now.Add(-5*time.Minute))
	insertRunning(t, te.store, "an-hour", now.Add(-time.Hour))

	n, err := te.CleanupStuck(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanupStuck failed: %v", err)
	}
	if n != 1 || te.execution(t, "an-hour").Status != store.StatusFailed {
		t.Errorf("expected only the hour-old execution failed, got %d", n)
	}
}

func TestEngine_CleanupLeavesFinishedExecutions(t *testing.T) {
	te := newTestEngine(t, nil)
	res, _ := te.Execute(context.Background(), linearWorkflow(), map[string]any{"text": "hi"})

	n, err := te.CleanupStuck(context.Background(), time.Nanosecond)
	if err != nil {
		t.Fatalf("CleanupStuck failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no executions failed, got %d", n)
	}
	if got := te.execution(t, res.ExecutionID).Status; got != store.StatusCompleted {
		t.Errorf("completed execution changed to %s", got)
	}
}

func TestCleanupScheduler(t *testing.T) {
	t.Run("rejects invalid cron expressions", func(t *testing.T) {
		te := newTestEngine(t, nil)
		if _, err := NewCleanupScheduler(te.Engine, "not a cron", time.Minute); err == nil {
			t.Fatal("expected error for invalid expression")
		}
	})

	t.Run("sweeps on schedule", func(t *testing.T) {
		te := newTestEngine(t, nil)
		insertRunning(t, te.store, "stale", time.Now().UTC().Add(-time.Hour))

		s, err := NewCleanupScheduler(te.Engine, "@every 1s", time.Minute)
		if err != nil {
			t.Fatalf("NewCleanupScheduler failed: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := s.Start(ctx); err != nil {
			t.Fatalf("second Start failed: %v", err)
		}
		defer s.Stop()

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if te.execution(t, "stale").Status == store.StatusFailed {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Fatal("scheduled sweep did not fail the stale execution")
	})
}

// busyWorkflow is TRIGGER -> CODE (busy for ms) -> OUTPUT.
func busyWorkflow(ms int) Workflow {
	return workflow(
		[]NodeConfig{
			node("in", NodeTrigger, "Start", nil),
			node("busy", NodeCode, "Busy", map[string]any{
				"language": "javascript",
				"code":     fmt.Sprintf("var end = Date.now() + %d; while (Date.now() < end) {} return 1;", ms),
				"timeout":  60000,
			}),
			node("out", NodeOutput, "Result", map[string]any{"format": "text", "content": "{{Busy.result}}"}),
		},
		[]Edge{edge("in", "busy"), edge("busy", "out")},
	)
}

func terminalEvents(te *testEngine, id string) int {
	n := 0
	for _, ev := range te.events.GetHistory(id) {
		if ev.Type.Terminal() {
			n++
		}
	}
	return n
}

func TestEngine_HeartbeatKeepsLongNodeAlive(t *testing.T) {
	te := newTestEngine(t, nil, WithStuckTimeout(300*time.Millisecond))
	id, done, err := te.Start(context.Background(), busyWorkflow(600), nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	n, err := te.CleanupStuck(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanupStuck failed: %v", err)
	}
	if n != 0 {
		t.Errorf("sweep failed %d executions while the node was still running", n)
	}

	res := <-done
	if res.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", res.Status, res.Error)
	}
	if got := te.execution(t, id).Status; got != store.StatusCompleted {
		t.Errorf("stored status %s", got)
	}
	if got := terminalEvents(te, id); got != 1 {
		t.Errorf("expected one terminal event, got %d", got)
	}
}

func TestEngine_SweptRunDoesNotOverwriteFailure(t *testing.T) {
	te := newTestEngine(t, nil)
	wf := busyWorkflow(5000)
	id, done, err := te.Start(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	n, err := te.CleanupStuck(context.Background(), 50*time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("expected the sweep to fail 1 execution, got %d, %v", n, err)
	}

	var res ExecutionResult
	select {
	case res = <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("swept execution kept running")
	}
	if res.Status != store.StatusFailed || !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected the sweep's failure, got %s %q", res.Status, res.Error)
	}

	stored := te.execution(t, id)
	if stored.Status != store.StatusFailed || !strings.Contains(stored.Error, "timed out") {
		t.Errorf("stored execution overwritten: %s %q", stored.Status, stored.Error)
	}
	if got := terminalEvents(te, id); got != 1 {
		t.Errorf("expected one terminal event, got %d", got)
	}
	if _, ok := te.statuses(t, id)["out"]; ok {
		t.Error("downstream node ran after the sweep")
	}

	rs, err := te.ResumeStatus(context.Background(), id, &wf)
	if err != nil {
		t.Fatalf("ResumeStatus failed: %v", err)
	}
	if !rs.CanResume || rs.ResumeBlockReason != "" {
		t.Errorf("expected swept execution with a completed node to be resumable, got %+v", rs)
	}
}

func TestEngine_CleanupStuckWithoutSuccessesIsNotResumable(t *testing.T) {
	te := newTestEngine(t, nil)
	insertRunning(t, te.store, "stale", time.Now().UTC().Add(-time.Hour))

	if n, err := te.CleanupStuck(context.Background(), time.Minute); err != nil || n != 1 {
		t.Fatalf("expected 1 execution failed, got %d, %v", n, err)
	}
	if te.execution(t, "stale").CanResume {
		t.Error("execution without a checkpoint must not become resumable")
	}
	rs, err := te.ResumeStatus(context.Background(), "stale", nil)
	if err != nil {
		t.Fatalf("ResumeStatus failed: %v", err)
	}
	if rs.CanResume {
		t.Errorf("expected not resumable, got %+v", rs)
	}
}
