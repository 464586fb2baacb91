package emit

import "time"

// EventType names the kind of progress event.
type EventType string

const (
	NodeStart         EventType = "node_start"
	NodeComplete      EventType = "node_complete"
	NodeError         EventType = "node_error"
	ExecutionComplete EventType = "execution_complete"
	ExecutionError    EventType = "execution_error"
)

// Terminal reports whether no further events follow t for the same execution.
func (t EventType) Terminal() bool {
	return t == ExecutionComplete || t == ExecutionError
}

// Event is one progress notification for an execution. Its JSON form is what
// SSE clients receive verbatim.
type Event struct {
	ExecutionID      string    `json:"executionId"`
	Type             EventType `json:"type"`
	Progress         int       `json:"progress"`
	CompletedNodes   int       `json:"completedNodes"`
	TotalNodes       int       `json:"totalNodes"`
	CurrentNodeIndex int       `json:"currentNodeIndex"`
	Timestamp        int64     `json:"timestamp"`
	Error            string    `json:"error,omitempty"`
	NodeID           string    `json:"nodeId,omitempty"`
	NodeName         string    `json:"nodeName,omitempty"`

	// Meta carries extra detail for log and trace backends, e.g.
	// "duration_ms", "tokens", "model", "status". It is not streamed.
	Meta map[string]any `json:"-"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ProgressPercent computes an integer percentage, clamped to [0, 100].
func ProgressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := completed * 100 / total
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
