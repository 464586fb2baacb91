package emit

import (
	"sync"
)

// DefaultMaxExecutions bounds how many executions a Bus tracks at once.
const DefaultMaxExecutions = 1024

// Bus is the process-wide publish/subscribe registry keyed by execution id.
//
// It tracks at most maxExecutions entries. When full, the oldest entry is
// evicted, preferring finished executions without subscribers. Subscriber
// callbacks run on the publishing goroutine, outside the Bus lock, and must
// not block.
type Bus struct {
	mu            sync.Mutex
	maxExecutions int
	entries       map[string]*busEntry
	order         []string
	nextID        uint64
	closed        bool
	done          chan struct{}
}

type busEntry struct {
	subscribers map[uint64]func(Event)
	last        *Event
	// seq counts events published to the entry; it never goes back.
	seq      uint64
	finished bool
}

// NewBus creates a Bus. maxExecutions <= 0 selects DefaultMaxExecutions.
func NewBus(maxExecutions int) *Bus {
	if maxExecutions <= 0 {
		maxExecutions = DefaultMaxExecutions
	}
	return &Bus{
		maxExecutions: maxExecutions,
		entries:       make(map[string]*busEntry),
		done:          make(chan struct{}),
	}
}

// InitExecution registers executionID so that subscribers attaching before
// the first event are tracked. Calling it again resets the entry's history.
func (b *Bus) InitExecution(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if e, ok := b.entries[executionID]; ok {
		e.last = nil
		e.finished = false
		return
	}
	b.addLocked(executionID)
}

func (b *Bus) addLocked(executionID string) *busEntry {
	for len(b.entries) >= b.maxExecutions {
		b.evictLocked()
	}
	e := &busEntry{subscribers: make(map[uint64]func(Event))}
	b.entries[executionID] = e
	b.order = append(b.order, executionID)
	return e
}

func (b *Bus) evictLocked() {
	preferences := []func(*busEntry) bool{
		func(e *busEntry) bool { return e.finished && len(e.subscribers) == 0 },
		func(e *busEntry) bool { return len(e.subscribers) == 0 },
		func(e *busEntry) bool { return e.finished },
		func(*busEntry) bool { return true },
	}
	for _, match := range preferences {
		for i, id := range b.order {
			if match(b.entries[id]) {
				delete(b.entries, id)
				b.order = append(b.order[:i], b.order[i+1:]...)
				return
			}
		}
	}
}

// Subscribe attaches fn to executionID and returns the function that detaches
// it. If an event was already published, fn first receives the latest one so
// late observers see current progress. fn is attached only once no newer
// event arrived during that replay, so it never sees progress go backwards.
func (b *Bus) Subscribe(executionID string, fn func(Event)) (unsubscribe func()) {
	var (
		id       uint64
		replayed uint64
	)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return func() {}
		}
		e, ok := b.entries[executionID]
		if !ok {
			e = b.addLocked(executionID)
		}
		if e.last == nil || e.seq == replayed {
			b.nextID++
			id = b.nextID
			e.subscribers[id] = fn
			b.mu.Unlock()
			break
		}
		replay := *e.last
		replayed = e.seq
		b.mu.Unlock()
		deliver(fn, replay)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if e, ok := b.entries[executionID]; ok {
				delete(e.subscribers, id)
			}
		})
	}
}

// Emit publishes event to every subscriber of event.ExecutionID.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	e, ok := b.entries[event.ExecutionID]
	if !ok {
		e = b.addLocked(event.ExecutionID)
	}
	ev := event
	e.last = &ev
	e.seq++
	if event.Type.Terminal() {
		e.finished = true
	}
	subs := make([]func(Event), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		deliver(fn, event)
	}
}

// deliver isolates the publisher from a misbehaving subscriber.
func deliver(fn func(Event), event Event) {
	defer func() { _ = recover() }()
	fn(event)
}

// Last returns the most recent event published for executionID.
func (b *Bus) Last(executionID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[executionID]
	if !ok || e.last == nil {
		return Event{}, false
	}
	return *e.last, true
}

// SubscriberCount reports how many subscribers executionID has.
func (b *Bus) SubscriberCount(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[executionID]; ok {
		return len(e.subscribers)
	}
	return 0
}

// Len reports how many executions are tracked.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Shutdown drops every entry and closes Done. Later calls are no-ops.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.entries = make(map[string]*busEntry)
	b.order = nil
	close(b.done)
}

// Done is closed when the Bus shuts down.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}
