package tool

import (
	"context"
	"sync"
)

// MockTool is a scripted Tool for tests.
//
//	mock := &MockTool{ToolName: "http_request", Responses: []map[string]interface{}{
//	    {"statusCode": 200, "body": "ok"},
//	}}
type MockTool struct {
	ToolName string

	// Responses are returned in order; the last one repeats.
	Responses []map[string]interface{}

	// Err, if set, is returned by every call.
	Err error

	// Handler, if set, computes the response from the input and takes
	// precedence over Responses.
	Handler func(input map[string]interface{}) (map[string]interface{}, error)

	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation.
type MockToolCall struct {
	Input map[string]interface{}
}

func (m *MockTool) Name() string {
	return m.ToolName
}

func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Handler != nil {
		return m.Handler(input)
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds Responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastInput returns the input of the most recent call.
func (m *MockTool) LastInput() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return m.Calls[len(m.Calls)-1].Input
}
