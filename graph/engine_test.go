package graph

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dshills/flowrun/graph/emit"
	"github.com/dshills/flowrun/graph/model"
	"github.com/dshills/flowrun/graph/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_Validation(t *testing.T) {
	t.Run("requires a store", func(t *testing.T) {
		if _, err := New(nil, nil, nil); err == nil {
			t.Fatal("expected error for nil store")
		}
	})

	t.Run("rejects invalid options", func(t *testing.T) {
		_, err := New(store.NewMemStore(), nil, nil, WithMaxConcurrent(0))
		if err == nil {
			t.Fatal("expected error for zero concurrency")
		}
	})
}

// TestEngine_Linear covers INPUT -> PROCESS -> OUTPUT end to end.
func TestEngine_Linear(t *testing.T) {
	te := newTestEngine(t, &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "a greeting", Usage: model.Usage{InputTokens: 10, OutputTokens: 4}},
	}})

	res, err := te.Execute(context.Background(), linearWorkflow(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", res.Status, res.Error)
	}
	out, ok := res.Output.(map[string]any)
	if !ok || out["content"] != "a greeting" {
		t.Errorf("expected output content %q, got %#v", "a greeting", res.Output)
	}
	if res.TotalTokens != 14 {
		t.Errorf("expected 14 tokens, got %d", res.TotalTokens)
	}

	statuses := te.statuses(t, res.ExecutionID)
	for _, id := range []string{"in", "llm", "out"} {
		if statuses[id] != string(StatusSuccess) {
			t.Errorf("node %s: expected success, got %q", id, statuses[id])
		}
	}

	req, _ := te.chat.LastRequest()
	if got := req.Messages[len(req.Messages)-1].Content; got != "Summarize: hi" {
		t.Errorf("expected resolved prompt, got %q", got)
	}

	exec := te.execution(t, res.ExecutionID)
	if exec.Status != store.StatusCompleted || exec.CompletedAt == nil || exec.StartedAt == nil {
		t.Errorf("expected persisted COMPLETED with timestamps, got %+v", exec)
	}
	if exec.CanResume {
		t.Error("completed execution must not be resumable")
	}

	history := te.events.GetHistory(res.ExecutionID)
	if len(history) != 7 {
		t.Fatalf("expected 7 events (3 start, 3 complete, 1 terminal), got %d", len(history))
	}
	if history[0].Type != emit.NodeStart || history[0].NodeID != "in" || history[0].TotalNodes != 3 {
		t.Errorf("unexpected first event %+v", history[0])
	}
	last := history[len(history)-1]
	if last.Type != emit.ExecutionComplete || last.Progress != 100 || last.CompletedNodes != 3 {
		t.Errorf("unexpected terminal event %+v", last)
	}
}

func TestEngine_InvalidWorkflowCreatesNoExecution(t *testing.T) {
	te := newTestEngine(t, nil)
	wf := workflow(
		[]NodeConfig{node("a", NodeInput, "A", nil)},
		[]Edge{edge("a", "missing")},
	)
	_, err := te.Execute(context.Background(), wf, nil)
	if !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("expected ErrInvalidWorkflow, got %v", err)
	}
	if _, err := te.store.GetExecution(context.Background(), "exec-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no execution row, got %v", err)
	}
}

func branchingWorkflow() Workflow {
	return workflow(
		[]NodeConfig{
			node("in", NodeInput, "Input", nil),
			node("cond", NodeCondition, "IsA", map[string]any{
				"conditions": []any{map[string]any{"variable": "{{input.value}}", "operator": "equals", "value": "A"}},
			}),
			node("pa", NodeProcess, "ProcessA", map[string]any{"provider": "mock", "prompt": "A"}),
			node("pb", NodeProcess, "ProcessB", map[string]any{"provider": "mock", "prompt": "B"}),
			node("merge", NodeMerge, "Join", map[string]any{"mergeStrategy": "all"}),
			node("out", NodeOutput, "Result", map[string]any{"format": "json", "content": "{{Join}}"}),
		},
		[]Edge{
			edge("in", "cond"),
			edge("cond", "pa", HandleTrue),
			edge("cond", "pb", HandleFalse),
			edge("pa", "merge"),
			edge("pb", "merge"),
			edge("merge", "out"),
		},
	)
}

// TestEngine_Branching checks that the selected branch runs, the other is
// skipped and never errors, and that the merge fires after the live branch.
func TestEngine_Branching(t *testing.T) {
	tests := []struct {
		value   string
		ran     string
		skipped string
	}{
		{value: "A", ran: "pa", skipped: "pb"},
		{value: "B", ran: "pb", skipped: "pa"},
	}

	for _, tt := range tests {
		t.Run("value "+tt.value, func(t *testing.T) {
			// Repeated runs must select the same branch.
			for i := 0; i < 3; i++ {
				te := newTestEngine(t, nil)
				res, err := te.Execute(context.Background(), branchingWorkflow(), map[string]any{"value": tt.value})
				if err != nil {
					t.Fatalf("Execute failed: %v", err)
				}
				if res.Status != store.StatusCompleted {
					t.Fatalf("expected COMPLETED, got %s (%s)", res.Status, res.Error)
				}
				statuses := te.statuses(t, res.ExecutionID)
				if statuses[tt.ran] != string(StatusSuccess) {
					t.Errorf("%s: expected success, got %q", tt.ran, statuses[tt.ran])
				}
				if statuses[tt.skipped] != string(StatusSkipped) {
					t.Errorf("%s: expected skipped, got %q", tt.skipped, statuses[tt.skipped])
				}
				if statuses["merge"] != string(StatusSuccess) {
					t.Errorf("merge: expected success, got %q", statuses["merge"])
				}
				if te.chat.CallCount() != 1 {
					t.Errorf("expected exactly one LLM call, got %d", te.chat.CallCount())
				}

				cp := te.checkpoint(t, res.ExecutionID)
				if cp.CompletedNodes["merge"].Sequence <= cp.CompletedNodes[tt.ran].Sequence {
					t.Error("merge completed before its live predecessor")
				}
			}
		})
	}
}

func TestEngine_SkippedReferenceResolvesToMarker(t *testing.T) {
	te := newTestEngine(t, nil)
	wf := branchingWorkflow()
	for i, n := range wf.Config.Nodes {
		if n.ID == "out" {
			wf.Config.Nodes[i].Config = map[string]any{"format": "text", "content": "B said {{ProcessB.text}}"}
		}
	}

	res, err := te.Execute(context.Background(), wf, map[string]any{"value": "A"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	out := res.Output.(map[string]any)
	if out["content"] != "B said "+NotExecutedMarker {
		t.Errorf("expected marker in output, got %q", out["content"])
	}
}

func mergeWorkflow(strategy, errorStrategy, outputMode string, failB bool) Workflow {
	codeB := "return 'b'"
	if failB {
		codeB = "throw new Error('boom')"
	}
	return workflow(
		[]NodeConfig{
			node("in", NodeTrigger, "Start", nil),
			node("a", NodeCode, "A", jsCode("return 'a'")),
			node("b", NodeCode, "B", jsCode(codeB)),
			node("merge", NodeMerge, "Join", map[string]any{
				"mergeStrategy": strategy,
				"errorStrategy": errorStrategy,
				"outputMode":    outputMode,
			}),
		},
		[]Edge{edge("in", "a"), edge("in", "b"), edge("a", "merge"), edge("b", "merge")},
	)
}

func TestEngine_MergeJoin(t *testing.T) {
	t.Run("all waits for every predecessor", func(t *testing.T) {
		te := newTestEngine(t, nil)
		res, err := te.Execute(context.Background(), mergeWorkflow(MergeAll, ErrorFailFast, OutputArray, false), nil)
		if err != nil || res.Status != store.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %v / %+v", err, res)
		}
		cp := te.checkpoint(t, res.ExecutionID)
		merge := cp.CompletedNodes["merge"]
		for _, pred := range []string{"a", "b"} {
			if merge.Sequence <= cp.CompletedNodes[pred].Sequence {
				t.Errorf("merge (seq %d) completed before %s (seq %d)", merge.Sequence, pred, cp.CompletedNodes[pred].Sequence)
			}
		}
		if got := merge.Output.([]any); len(got) != 2 {
			t.Errorf("expected 2 merged outputs, got %v", got)
		}
	})

	t.Run("race fires once on the first arrival", func(t *testing.T) {
		// One worker makes arrival order follow declaration order.
		te := newTestEngine(t, nil, WithMaxConcurrent(1))
		res, err := te.Execute(context.Background(), mergeWorkflow(MergeRace, ErrorFailFast, OutputArray, false), nil)
		if err != nil || res.Status != store.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %v / %+v", err, res)
		}
		logs, _ := te.store.ListLogs(context.Background(), res.ExecutionID)
		count := 0
		for _, l := range logs {
			if l.NodeID == "merge" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("expected merge to run once, ran %d times", count)
		}
		merge := te.checkpoint(t, res.ExecutionID).CompletedNodes["merge"]
		got := merge.Output.([]any)
		if len(got) != 1 {
			t.Fatalf("expected a single raced output, got %v", got)
		}
		if got[0].(map[string]any)["result"] != "a" {
			t.Errorf("expected first predecessor to win, got %v", got[0])
		}
	})

	t.Run("fail_fast fails the execution", func(t *testing.T) {
		te := newTestEngine(t, nil)
		res, err := te.Execute(context.Background(), mergeWorkflow(MergeAll, ErrorFailFast, OutputArray, true), nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != store.StatusFailed || !strings.Contains(res.Error, `"B"`) {
			t.Errorf("expected FAILED naming B, got %s %q", res.Status, res.Error)
		}
	})

	t.Run("continue records branch errors", func(t *testing.T) {
		te := newTestEngine(t, nil)
		res, err := te.Execute(context.Background(), mergeWorkflow(MergeAll, ErrorContinue, OutputArray, true), nil)
		if err != nil || res.Status != store.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %v / %+v", err, res)
		}
		merge := te.checkpoint(t, res.ExecutionID).CompletedNodes["merge"]
		if len(merge.BranchErrors) != 1 || merge.BranchErrors[0].NodeID != "b" {
			t.Errorf("expected branch error from b, got %+v", merge.BranchErrors)
		}
		if got := merge.Output.([]any); len(got) != 1 {
			t.Errorf("expected only the successful branch in output, got %v", got)
		}
	})

	t.Run("collect reports per-branch status", func(t *testing.T) {
		te := newTestEngine(t, nil)
		res, err := te.Execute(context.Background(), mergeWorkflow(MergeAny, ErrorCollect, OutputMerge, true), nil)
		if err != nil || res.Status != store.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %v / %+v", err, res)
		}
		out := te.checkpoint(t, res.ExecutionID).CompletedNodes["merge"].Output.(map[string]any)
		if out["succeeded"] != float64(1) || out["failed"] != float64(1) {
			t.Errorf("expected 1 success and 1 failure, got %v", out)
		}
		branches := out["branches"].([]any)
		if len(branches) != 2 {
			t.Fatalf("expected both branches reported, got %v", branches)
		}
		for _, raw := range branches {
			b := raw.(map[string]any)
			if b["nodeId"] == "b" && (b["status"] != "error" || b["error"] == nil) {
				t.Errorf("expected error branch with message, got %v", b)
			}
		}
	})
}

func loopWorkflow(loopCfg map[string]any, withBody bool) Workflow {
	nodes := []NodeConfig{
		node("in", NodeInput, "Input", nil),
		node("loop", NodeLoop, "Each", loopCfg),
		node("out", NodeOutput, "Result", map[string]any{"format": "json", "content": "{{Each.results}}"}),
	}
	edges := []Edge{edge("in", "loop"), edge("loop", "out", HandleDone)}
	if withBody {
		nodes = append(nodes, node("double", NodeCode, "Double", jsCode("return variables.factor * inputs.loop.item")))
		edges = append(edges, edge("loop", "double", HandleBody), edge("double", "loop"))
	}
	wf := workflow(nodes, edges)
	wf.Config.GlobalVariables = map[string]any{"factor": 2}
	return wf
}

func TestEngine_Loop(t *testing.T) {
	t.Run("for loop aggregates one result per item", func(t *testing.T) {
		te := newTestEngine(t, nil)
		wf := loopWorkflow(map[string]any{"loopType": "for", "arrayVariable": "{{input.items}}"}, true)
		res, err := te.Execute(context.Background(), wf, map[string]any{"items": []any{1, 2, 3}})
		if err != nil || res.Status != store.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %v / %+v", err, res)
		}
		loop := te.checkpoint(t, res.ExecutionID).CompletedNodes["loop"]
		if loop.Status != StatusSuccess {
			t.Fatalf("expected loop success, got %s", loop.Status)
		}
		out := loop.Output.(map[string]any)
		results := out["results"].([]any)
		if len(results) != 3 || out["iterations"] != float64(3) {
			t.Fatalf("expected 3 iteration results, got %v", out)
		}
		for i, want := range []float64{2, 4, 6} {
			if got := results[i].(map[string]any)["result"]; got != want {
				t.Errorf("iteration %d: expected %v, got %v", i, want, got)
			}
		}
		if _, logged := te.statuses(t, res.ExecutionID)["double"]; logged {
			t.Error("loop body nodes must not be logged as outer results")
		}
	})

	t.Run("while loop stops on its condition", func(t *testing.T) {
		te := newTestEngine(t, nil)
		wf := loopWorkflow(map[string]any{
			"loopType":      "while",
			"maxIterations": 50,
			"conditions":    []any{map[string]any{"variable": "{{loop.index}}", "operator": "lessThan", "value": 4}},
		}, false)
		res, _ := te.Execute(context.Background(), wf, nil)
		out := te.checkpoint(t, res.ExecutionID).CompletedNodes["loop"].Output.(map[string]any)
		if out["iterations"] != float64(4) || out["maxIterationsReached"] != false {
			t.Errorf("expected 4 iterations without hitting max, got %v", out)
		}
	})

	t.Run("maxIterations ends an endless while loop", func(t *testing.T) {
		te := newTestEngine(t, nil)
		wf := loopWorkflow(map[string]any{"loopType": "while", "maxIterations": 5}, false)
		res, _ := te.Execute(context.Background(), wf, nil)
		if res.Status != store.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s (%s)", res.Status, res.Error)
		}
		out := te.checkpoint(t, res.ExecutionID).CompletedNodes["loop"].Output.(map[string]any)
		if out["iterations"] != float64(5) || out["maxIterationsReached"] != true {
			t.Errorf("expected 5 iterations with max reached, got %v", out)
		}
	})

	t.Run("engine hard cap is a node error", func(t *testing.T) {
		te := newTestEngine(t, nil, WithLoopHardCap(3))
		wf := loopWorkflow(map[string]any{"loopType": "while", "maxIterations": 10}, false)
		res, _ := te.Execute(context.Background(), wf, nil)
		if res.Status != store.StatusFailed {
			t.Fatalf("expected FAILED, got %s", res.Status)
		}
		if !strings.Contains(res.Error, "engine limit of 3") {
			t.Errorf("expected hard cap message, got %q", res.Error)
		}
	})
}

func failingWorkflow() (Workflow, *model.MockChatModel) {
	chat := &model.MockChatModel{
		Errs:      []error{errors.New("invalid api key")},
		Responses: []model.ChatOut{{Text: "recovered", Usage: model.Usage{InputTokens: 1, OutputTokens: 1}}},
	}
	return linearWorkflow(), chat
}

// TestEngine_FailingNode covers a provider failure in the middle of a chain.
func TestEngine_FailingNode(t *testing.T) {
	wf, chat := failingWorkflow()
	te := newTestEngine(t, chat)

	res, err := te.Execute(context.Background(), wf, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if !strings.Contains(res.Error, `"Summarize"`) || !strings.Contains(res.Error, "invalid api key") {
		t.Errorf("expected error naming the node, got %q", res.Error)
	}

	exec := te.execution(t, res.ExecutionID)
	if !exec.CanResume {
		t.Error("expected canResume after a partial success")
	}
	cp := te.checkpoint(t, res.ExecutionID)
	if len(cp.CompletedNodes) != 1 || cp.CompletedNodes["in"].Status != StatusSuccess {
		t.Errorf("expected checkpoint with only the input node, got %v", cp.CompletedNodes)
	}
	if cp.FailedNodeID == nil || *cp.FailedNodeID != "llm" {
		t.Errorf("expected failedNodeId llm, got %v", cp.FailedNodeID)
	}
	if _, ran := te.statuses(t, res.ExecutionID)["out"]; ran {
		t.Error("successor of a failed node must not run")
	}

	last, ok := te.Bus().Last(res.ExecutionID)
	if !ok || last.Type != emit.ExecutionError {
		t.Errorf("expected execution_error as last event, got %+v", last)
	}
}

func TestEngine_FirstNodeFailureIsNotResumable(t *testing.T) {
	te := newTestEngine(t, nil)
	wf := workflow(
		[]NodeConfig{
			node("in", NodeInput, "Input", map[string]any{
				"fields": []any{map[string]any{"name": "text", "type": "string", "required": true}},
			}),
		}, nil)
	res, _ := te.Execute(context.Background(), wf, map[string]any{})
	if res.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if te.execution(t, res.ExecutionID).CanResume {
		t.Error("expected canResume=false without any completed node")
	}
}

func TestEngine_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemStore()
	eng, err := New(st, emit.NewBus(0), NewExecutor(),
		WithIDGenerator(sequentialIDs()),
		WithEmitter(emit.EmitterFunc(func(ev emit.Event) {
			if ev.Type == emit.NodeStart && ev.NodeID == "spin" {
				cancel()
			}
		})),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	wf := workflow(
		[]NodeConfig{
			node("in", NodeTrigger, "Start", nil),
			node("spin", NodeCode, "Spin", map[string]any{"language": "javascript", "code": "while (true) {}", "timeout": 60000}),
		},
		[]Edge{edge("in", "spin")},
	)

	done := make(chan ExecutionResult, 1)
	go func() {
		res, _ := eng.Execute(ctx, wf, nil)
		done <- res
	}()

	select {
	case res := <-done:
		if res.Status != store.StatusCancelled {
			t.Fatalf("expected CANCELLED, got %s (%s)", res.Status, res.Error)
		}
		exec, _ := st.GetExecution(context.Background(), res.ExecutionID)
		if exec.Status != store.StatusCancelled {
			t.Errorf("expected persisted CANCELLED, got %s", exec.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled execution did not finish")
	}

	if eng.Cancel("exec-unknown") {
		t.Error("expected Cancel of an unknown execution to report false")
	}
}

// panickingStore injects an orchestration fault after the run has started.
type panickingStore struct {
	*store.MemStore
}

func (p panickingStore) AppendLog(ctx context.Context, log store.ExecutionLog) error {
	panic("disk on fire")
}

func TestEngine_OrchestrationPanicEndsFailed(t *testing.T) {
	st := panickingStore{store.NewMemStore()}
	eng, err := New(st, nil, NewExecutor(WithChatModel("mock", &model.MockChatModel{})), WithIDGenerator(sequentialIDs()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := eng.Execute(context.Background(), linearWorkflow(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != store.StatusFailed || res.Error != internalErrorMessage {
		t.Errorf("expected FAILED with %q, got %s %q", internalErrorMessage, res.Status, res.Error)
	}
	exec, _ := st.GetExecution(context.Background(), res.ExecutionID)
	if exec.Status != store.StatusFailed {
		t.Errorf("expected persisted FAILED, never RUNNING; got %s", exec.Status)
	}
}

func TestEngine_RedactsStoredInput(t *testing.T) {
	te := newTestEngine(t, nil, WithRedactKeys("ssn"))
	res, _ := te.Execute(context.Background(), linearWorkflow(), map[string]any{
		"text": "hi", "apiKey": "sk-123", "ssn": "000-00-0000",
	})
	stored := string(te.execution(t, res.ExecutionID).Input)
	if strings.Contains(stored, "sk-123") || strings.Contains(stored, "000-00-0000") {
		t.Errorf("secrets leaked into stored input: %s", stored)
	}
	if !strings.Contains(stored, `"text":"hi"`) {
		t.Errorf("expected non-secret fields preserved, got %s", stored)
	}
}

func TestEngine_ConcurrentFanOut(t *testing.T) {
	te := newTestEngine(t, nil, WithMaxConcurrent(4))
	nodes := []NodeConfig{node("in", NodeTrigger, "Start", nil)}
	edges := []Edge{}
	for _, id := range []string{"a", "b", "c", "d"} {
		nodes = append(nodes, node(id, NodeCode, strings.ToUpper(id), jsCode("return '"+id+"'")))
		edges = append(edges, edge("in", id), edge(id, "merge"))
	}
	nodes = append(nodes, node("merge", NodeMerge, "Join", map[string]any{"outputMode": "array"}))

	res, err := te.Execute(context.Background(), workflow(nodes, edges), nil)
	if err != nil || res.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v / %+v", err, res)
	}
	merge := te.checkpoint(t, res.ExecutionID).CompletedNodes["merge"]
	got := make([]string, 0, 4)
	for _, o := range merge.Output.([]any) {
		got = append(got, o.(map[string]any)["result"].(string))
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 merged outputs, got %v", got)
	}
}

func TestEngine_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)
	te := newTestEngine(t, &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "x", Model: "gpt-4o-mini", Usage: model.Usage{InputTokens: 1000, OutputTokens: 500}},
	}}, WithMetrics(metrics))

	res, _ := te.Execute(context.Background(), linearWorkflow(), map[string]any{"text": "hi"})
	if res.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if got := testutil.ToFloat64(metrics.executions.WithLabelValues("COMPLETED")); got != 1 {
		t.Errorf("expected 1 completed execution, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.tokens.WithLabelValues("gpt-4o-mini", "input")); got != 1000 {
		t.Errorf("expected 1000 input tokens, got %v", got)
	}
	if res.EstimatedCostUSD <= 0 {
		t.Errorf("expected a positive cost estimate for a priced model, got %v", res.EstimatedCostUSD)
	}
	if got := testutil.ToFloat64(metrics.inflightNodes); got != 0 {
		t.Errorf("expected no inflight nodes after the run, got %v", got)
	}
}

func TestEngine_FinalOutputKeyedByName(t *testing.T) {
	te := newTestEngine(t, nil)
	wf := workflow(
		[]NodeConfig{
			node("in", NodeInput, "Input", nil),
			node("o1", NodeOutput, "First", map[string]any{"content": "one"}),
			node("o2", NodeOutput, "Second", map[string]any{"content": "two"}),
		},
		[]Edge{edge("in", "o1"), edge("in", "o2")},
	)
	res, _ := te.Execute(context.Background(), wf, nil)
	want := map[string]any{
		"First":  map[string]any{"format": "text", "content": "one"},
		"Second": map[string]any{"format": "text", "content": "two"},
	}
	if !reflect.DeepEqual(res.Output, want) {
		t.Errorf("expected outputs keyed by name, got %#v", res.Output)
	}
}

func TestEngine_StartRunsInBackground(t *testing.T) {
	te := newTestEngine(t, nil)

	id, done, err := te.Start(context.Background(), linearWorkflow(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if id != "exec-1" {
		t.Errorf("expected exec-1, got %q", id)
	}

	select {
	case res := <-done:
		if res.Status != store.StatusCompleted || res.ExecutionID != id {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("background execution did not finish")
	}
	if _, ok := <-done; ok {
		t.Error("expected the result channel to be closed")
	}
	if len(te.Running()) != 0 {
		t.Errorf("expected no running executions, got %v", te.Running())
	}
}

func TestEngine_StartCanBeCancelledImmediately(t *testing.T) {
	te := newTestEngine(t, nil)
	wf := workflow(
		[]NodeConfig{
			node("in", NodeTrigger, "Start", nil),
			node("spin", NodeCode, "Spin", map[string]any{"language": "javascript", "code": "while (true) {}", "timeout": 60000}),
		},
		[]Edge{edge("in", "spin")},
	)

	id, done, err := te.Start(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !te.Cancel(id) {
		t.Fatal("expected Cancel to find the started execution")
	}

	select {
	case res := <-done:
		if res.Status != store.StatusCancelled {
			t.Errorf("expected CANCELLED, got %s (%s)", res.Status, res.Error)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled execution did not finish")
	}
}

func TestEngine_StartRejectsInvalidWorkflow(t *testing.T) {
	te := newTestEngine(t, nil)
	_, _, err := te.Start(context.Background(), workflow(nil, nil), nil)
	if !errors.Is(err, ErrInvalidWorkflow) {
		t.Errorf("expected ErrInvalidWorkflow, got %v", err)
	}
}
