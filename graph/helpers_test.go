package graph

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/flowrun/graph/emit"
	"github.com/dshills/flowrun/graph/model"
	"github.com/dshills/flowrun/graph/store"
)

func node(id string, typ NodeType, name string, cfg map[string]any) NodeConfig {
	return NodeConfig{ID: id, Type: typ, Name: name, Config: cfg}
}

func edge(source, target string, handle ...string) Edge {
	e := Edge{ID: source + "->" + target, Source: source, Target: target}
	if len(handle) > 0 {
		e.SourceHandle = handle[0]
		e.ID += ":" + handle[0]
	}
	return e
}

func workflow(nodes []NodeConfig, edges []Edge) Workflow {
	return Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		Config:         WorkflowConfig{Nodes: nodes, Edges: edges, Version: 1},
	}
}

// sequentialIDs returns an id generator producing exec-1, exec-2, ...
func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("exec-%d", atomic.AddInt64(&n, 1))
	}
}

type testEngine struct {
	*Engine
	store  *store.MemStore
	chat   *model.MockChatModel
	events *emit.BufferedEmitter
}

func newTestEngine(t *testing.T, chat *model.MockChatModel, opts ...Option) *testEngine {
	t.Helper()
	if chat == nil {
		chat = &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok", Usage: model.Usage{InputTokens: 3, OutputTokens: 2}}}}
	}
	st := store.NewMemStore()
	events := emit.NewBufferedEmitter()
	exec := NewExecutor(
		WithChatModel("mock", chat),
		WithProviderRetry(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Retryable: IsTransient}),
	)
	all := append([]Option{WithIDGenerator(sequentialIDs()), WithEmitter(events)}, opts...)
	eng, err := New(st, emit.NewBus(0), exec, all...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testEngine{Engine: eng, store: st, chat: chat, events: events}
}

func (te *testEngine) execution(t *testing.T, id string) *store.Execution {
	t.Helper()
	exec, err := te.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution(%s) failed: %v", id, err)
	}
	return exec
}

func (te *testEngine) checkpoint(t *testing.T, id string) *Checkpoint {
	t.Helper()
	cp, err := UnmarshalCheckpoint(te.execution(t, id).Checkpoint)
	if err != nil {
		t.Fatalf("UnmarshalCheckpoint failed: %v", err)
	}
	return cp
}

// statuses maps node id to the status recorded in the execution log.
func (te *testEngine) statuses(t *testing.T, id string) map[string]string {
	t.Helper()
	logs, err := te.store.ListLogs(context.Background(), id)
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	out := make(map[string]string, len(logs))
	for _, l := range logs {
		if _, dup := out[l.NodeID]; dup {
			t.Fatalf("node %s logged twice", l.NodeID)
		}
		out[l.NodeID] = l.Status
	}
	return out
}

// linearWorkflow is INPUT -> PROCESS -> OUTPUT.
func linearWorkflow() Workflow {
	return workflow(
		[]NodeConfig{
			node("in", NodeInput, "Input", map[string]any{
				"fields": []any{map[string]any{"name": "text", "type": "string", "required": true}},
			}),
			node("llm", NodeProcess, "Summarize", map[string]any{
				"provider": "mock",
				"prompt":   "Summarize: {{Input.text}}",
			}),
			node("out", NodeOutput, "Result", map[string]any{
				"format":  "text",
				"content": "{{Summarize.text}}",
			}),
		},
		[]Edge{edge("in", "llm"), edge("llm", "out")},
	)
}

func jsCode(src string) map[string]any {
	return map[string]any{"language": "javascript", "code": src}
}
