package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and single-process use.
//
// All mutations take the write lock, which is what makes the conditional
// updates atomic here.
type MemStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	logs       map[string][]ExecutionLog
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		executions: make(map[string]*Execution),
		logs:       make(map[string][]ExecutionLog),
	}
}

func (m *MemStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; exists {
		return ErrDuplicate
	}
	m.executions[exec.ID] = exec.Clone()
	return nil
}

func (m *MemStore) UpdateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; !exists {
		return ErrNotFound
	}
	m.executions[exec.ID] = exec.Clone()
	return nil
}

func (m *MemStore) UpdateIfRunning(_ context.Context, exec *Execution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.executions[exec.ID]
	if !exists {
		return false, ErrNotFound
	}
	if current.Status != StatusRunning {
		return false, nil
	}
	m.executions[exec.ID] = exec.Clone()
	return true, nil
}

func (m *MemStore) TouchHeartbeat(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if exec.Status != StatusRunning {
		return false, nil
	}
	exec.HeartbeatAt = at
	return true, nil
}

func (m *MemStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

func (m *MemStore) AppendLog(_ context.Context, log ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.logs[log.ExecutionID] {
		if existing.NodeID == log.NodeID {
			return ErrDuplicate
		}
	}
	log.Output = cloneRaw(log.Output)
	m.logs[log.ExecutionID] = append(m.logs[log.ExecutionID], log)
	return nil
}

func (m *MemStore) ListLogs(_ context.Context, executionID string) ([]ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExecutionLog, len(m.logs[executionID]))
	copy(out, m.logs[executionID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) ConsumeResume(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !exec.CanResume {
		return false, nil
	}
	exec.CanResume = false
	return true, nil
}

func (m *MemStore) ListStuck(_ context.Context, staleBefore time.Time) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.executions {
		if exec.Status == StatusRunning && exec.HeartbeatAt.Before(staleBefore) {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeartbeatAt.Before(out[j].HeartbeatAt) })
	return out, nil
}

func (m *MemStore) FailIfRunning(_ context.Context, id, message string, at time.Time, canResume bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if exec.Status != StatusRunning {
		return false, nil
	}
	exec.Status = StatusFailed
	exec.Error = message
	exec.CanResume = canResume
	completed := at
	exec.CompletedAt = &completed
	if exec.StartedAt != nil {
		exec.DurationMs = at.Sub(*exec.StartedAt).Milliseconds()
	}
	return true, nil
}

func (m *MemStore) Close() error {
	return nil
}
