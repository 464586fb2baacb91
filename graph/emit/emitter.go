// Package emit delivers execution progress events to observers: live
// subscribers (Bus, SSE), logs, traces and remote fan-out.
package emit

import "sync"

// Emitter receives execution events.
//
// Emit must not block the engine for long and must not panic; slow backends
// should buffer or drop.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(event Event) { f(event) }

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// NewMulti drops nil entries so callers can pass optional emitters directly.
func NewMulti(emitters ...Emitter) Multi {
	out := make(Multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

// NullEmitter discards every event.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

func (n *NullEmitter) Emit(Event) {}

// BufferedEmitter keeps every event in memory, grouped by execution id.
// It backs tests and debugging views; it never evicts.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter. Empty fields match anything.
type HistoryFilter struct {
	NodeID string
	Type   EventType
}

func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns a copy of every event recorded for executionID.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, ev := range b.events[executionID] {
		if filter.NodeID != "" && ev.NodeID != filter.NodeID {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Clear drops the history of executionID, or everything when it is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
