package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// storeContract runs the behavior every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	newExec := func(id string) *Execution {
		started := base
		return &Execution{
			ID:             id,
			WorkflowID:     "wf-1",
			OrganizationID: "org-1",
			UserID:         "user-1",
			Status:         StatusRunning,
			Input:          json.RawMessage(`{"text":"hi"}`),
			CreatedAt:      base,
			StartedAt:      &started,
			HeartbeatAt:    base,
		}
	}

	t.Run("create and get round trip", func(t *testing.T) {
		s := newStore(t)
		exec := newExec("exec-rt")
		exec.Checkpoint = json.RawMessage(`{"completedNodes":{}}`)
		exec.CanResume = true
		exec.ResumedFromID = "exec-prev"
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}

		got, err := s.GetExecution(ctx, "exec-rt")
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		if got.Status != StatusRunning {
			t.Errorf("expected status RUNNING, got %s", got.Status)
		}
		if string(got.Input) != `{"text":"hi"}` {
			t.Errorf("expected input to round trip, got %s", got.Input)
		}
		if !got.CanResume || got.ResumedFromID != "exec-prev" {
			t.Errorf("expected canResume=true resumedFromId=exec-prev, got %v %q", got.CanResume, got.ResumedFromID)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(base) {
			t.Errorf("expected startedAt %v, got %v", base, got.StartedAt)
		}
		if got.CompletedAt != nil {
			t.Errorf("expected nil completedAt, got %v", got.CompletedAt)
		}
		if got.Output != nil {
			t.Errorf("expected nil output, got %s", got.Output)
		}
	})

	t.Run("duplicate create rejected", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateExecution(ctx, newExec("exec-dup")); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}
		if err := s.CreateExecution(ctx, newExec("exec-dup")); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("missing execution", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetExecution(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.UpdateExecution(ctx, newExec("nope")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on update, got %v", err)
		}
	})

	t.Run("update overwrites mutable fields", func(t *testing.T) {
		s := newStore(t)
		exec := newExec("exec-up")
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}
		done := base.Add(2 * time.Second)
		exec.Status = StatusCompleted
		exec.Output = json.RawMessage(`"done"`)
		exec.TotalTokens = 42
		exec.DurationMs = 2000
		exec.CompletedAt = &done
		if err := s.UpdateExecution(ctx, exec); err != nil {
			t.Fatalf("UpdateExecution failed: %v", err)
		}
		got, _ := s.GetExecution(ctx, "exec-up")
		if got.Status != StatusCompleted || got.TotalTokens != 42 || string(got.Output) != `"done"` {
			t.Errorf("unexpected execution after update: %+v", got)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("expected completedAt %v, got %v", done, got.CompletedAt)
		}
	})

	t.Run("logs are append-only and ordered by startedAt", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateExecution(ctx, newExec("exec-logs")); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}
		// Appended out of order on purpose.
		for i, nodeID := range []string{"c", "a", "b"} {
			offset := map[string]time.Duration{"a": 0, "b": time.Second, "c": 2 * time.Second}[nodeID]
			log := ExecutionLog{
				ExecutionID: "exec-logs",
				NodeID:      nodeID,
				NodeName:    "Node " + nodeID,
				NodeType:    "PROCESS",
				Status:      "success",
				Output:      json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
				StartedAt:   base.Add(offset),
				CompletedAt: base.Add(offset + 100*time.Millisecond),
				DurationMs:  100,
				TotalTokens: 10,
			}
			if err := s.AppendLog(ctx, log); err != nil {
				t.Fatalf("AppendLog(%s) failed: %v", nodeID, err)
			}
		}

		err := s.AppendLog(ctx, ExecutionLog{ExecutionID: "exec-logs", NodeID: "a", NodeName: "dup", NodeType: "PROCESS", Status: "success", StartedAt: base, CompletedAt: base})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate for repeated node log, got %v", err)
		}

		logs, err := s.ListLogs(ctx, "exec-logs")
		if err != nil {
			t.Fatalf("ListLogs failed: %v", err)
		}
		if len(logs) != 3 {
			t.Fatalf("expected 3 logs, got %d", len(logs))
		}
		for i, want := range []string{"a", "b", "c"} {
			if logs[i].NodeID != want {
				t.Errorf("expected log %d to be %s, got %s", i, want, logs[i].NodeID)
			}
		}
		if logs[0].TotalTokens != 10 {
			t.Errorf("expected tokens to round trip, got %d", logs[0].TotalTokens)
		}
	})

	t.Run("consume resume is single use under contention", func(t *testing.T) {
		s := newStore(t)
		exec := newExec("exec-resume")
		exec.Status = StatusFailed
		exec.CanResume = true
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ConsumeResume(ctx, "exec-resume")
				if err != nil {
					t.Errorf("ConsumeResume failed: %v", err)
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("expected exactly one successful consume, got %d", wins)
		}
		got, _ := s.GetExecution(ctx, "exec-resume")
		if got.CanResume {
			t.Error("expected canResume=false after consume")
		}
		if _, err := s.ConsumeResume(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing execution, got %v", err)
		}
	})

	t.Run("stuck executions are listed and failed only while running", func(t *testing.T) {
		s := newStore(t)
		stale := newExec("exec-stale")
		fresh := newExec("exec-fresh")
		fresh.HeartbeatAt = base.Add(20 * time.Minute)
		done := newExec("exec-done")
		done.Status = StatusCompleted
		for _, e := range []*Execution{stale, fresh, done} {
			if err := s.CreateExecution(ctx, e); err != nil {
				t.Fatalf("CreateExecution failed: %v", err)
			}
		}

		stuck, err := s.ListStuck(ctx, base.Add(10*time.Minute))
		if err != nil {
			t.Fatalf("ListStuck failed: %v", err)
		}
		if len(stuck) != 1 || stuck[0].ID != "exec-stale" {
			t.Fatalf("expected only exec-stale to be stuck, got %+v", stuck)
		}

		at := base.Add(11 * time.Minute)
		changed, err := s.FailIfRunning(ctx, "exec-stale", "timed out", at, true)
		if err != nil || !changed {
			t.Fatalf("expected FailIfRunning to change row, got %v %v", changed, err)
		}
		changed, err = s.FailIfRunning(ctx, "exec-done", "timed out", at, true)
		if err != nil || changed {
			t.Errorf("expected completed execution to be left alone, got %v %v", changed, err)
		}

		got, _ := s.GetExecution(ctx, "exec-stale")
		if got.Status != StatusFailed || got.Error != "timed out" {
			t.Errorf("expected FAILED with error, got %s %q", got.Status, got.Error)
		}
		if !got.CanResume {
			t.Error("expected canResume to be set by FailIfRunning")
		}
		if done, _ := s.GetExecution(ctx, "exec-done"); done.CanResume {
			t.Error("completed execution must keep canResume=false")
		}
		if got.DurationMs != (11 * time.Minute).Milliseconds() {
			t.Errorf("expected duration %d, got %d", (11 * time.Minute).Milliseconds(), got.DurationMs)
		}
	})

	t.Run("conditional updates apply only while running", func(t *testing.T) {
		s := newStore(t)
		exec := newExec("exec-cond")
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}

		exec.Checkpoint = json.RawMessage(`{"completedNodes":{"a":{}}}`)
		exec.HeartbeatAt = base.Add(time.Minute)
		applied, err := s.UpdateIfRunning(ctx, exec)
		if err != nil || !applied {
			t.Fatalf("expected update of a running execution, got %v %v", applied, err)
		}
		// Writing identical values still counts as applied.
		if applied, err := s.UpdateIfRunning(ctx, exec); err != nil || !applied {
			t.Fatalf("expected repeated update to apply, got %v %v", applied, err)
		}

		beat := base.Add(2 * time.Minute)
		touched, err := s.TouchHeartbeat(ctx, "exec-cond", beat)
		if err != nil || !touched {
			t.Fatalf("expected heartbeat of a running execution, got %v %v", touched, err)
		}
		got, _ := s.GetExecution(ctx, "exec-cond")
		if !got.HeartbeatAt.Equal(beat) {
			t.Errorf("expected heartbeat %v, got %v", beat, got.HeartbeatAt)
		}

		if changed, err := s.FailIfRunning(ctx, "exec-cond", "timed out", base.Add(3*time.Minute), false); err != nil || !changed {
			t.Fatalf("FailIfRunning failed: %v %v", changed, err)
		}

		exec.Status = StatusCompleted
		applied, err = s.UpdateIfRunning(ctx, exec)
		if err != nil || applied {
			t.Errorf("expected update of a failed execution to be refused, got %v %v", applied, err)
		}
		touched, err = s.TouchHeartbeat(ctx, "exec-cond", base.Add(4*time.Minute))
		if err != nil || touched {
			t.Errorf("expected heartbeat of a failed execution to be refused, got %v %v", touched, err)
		}
		got, _ = s.GetExecution(ctx, "exec-cond")
		if got.Status != StatusFailed || got.Error != "timed out" {
			t.Errorf("failed execution was overwritten: %s %q", got.Status, got.Error)
		}

		missing := newExec("exec-missing")
		if _, err := s.UpdateIfRunning(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.TouchHeartbeat(ctx, "exec-missing", base); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
