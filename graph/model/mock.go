package model

import (
	"context"
	"sync"
)

// MockChatModel is a ChatModel for tests.
//
// Each call returns the next entry of Responses, repeating the last one when
// exhausted. Err, when set, is returned instead. Errs, when set, is consumed
// first, one error per call, which lets tests simulate transient failures.
//
//	mock := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}
type MockChatModel struct {
	Responses []ChatOut
	Err       error
	Errs      []error

	Calls []ChatRequest

	mu        sync.Mutex
	callIndex int
}

func (m *MockChatModel) Chat(ctx context.Context, req ChatRequest) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		if err != nil {
			return ChatOut{}, err
		}
	}
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{Model: req.Model}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	out := m.Responses[idx]
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

// Reset clears the call history and rewinds the responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastRequest returns the most recent request, if any.
func (m *MockChatModel) LastRequest() (ChatRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return ChatRequest{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// MockImageModel is an ImageModel for tests.
type MockImageModel struct {
	Out   ImageOut
	Err   error
	Calls []ImageRequest

	mu sync.Mutex
}

func (m *MockImageModel) Generate(ctx context.Context, req ImageRequest) (ImageOut, error) {
	if ctx.Err() != nil {
		return ImageOut{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return ImageOut{}, m.Err
	}
	return m.Out, nil
}
