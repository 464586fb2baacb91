package emit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHeartbeat is the interval between SSE comment heartbeats.
const DefaultHeartbeat = 15 * time.Second

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")

// ServeSSE streams events for executionID as text/event-stream until a
// terminal event is sent, the client disconnects, or the bus shuts down.
//
// Each event is framed as "data: <json>\n\n"; every heartbeat interval a
// ": heartbeat\n\n" comment keeps idle proxies from closing the connection.
// The subscription and the heartbeat ticker are always released on return.
func ServeSSE(w http.ResponseWriter, r *http.Request, bus *Bus, executionID string, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan Event, 256)
	unsubscribe := bus.Subscribe(executionID, func(ev Event) {
		select {
		case events <- ev:
		default:
			// Dropped; a dropped terminal event is recovered from bus.Last on the next tick.
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-bus.Done():
			return nil
		case ev := <-events:
			if err := WriteSSEEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
			if ev.Type.Terminal() {
				return nil
			}
		case <-ticker.C:
			if last, ok := bus.Last(executionID); ok && last.Type.Terminal() && len(events) == 0 {
				if err := WriteSSEEvent(w, last); err != nil {
					return err
				}
				flusher.Flush()
				return nil
			}
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// WriteSSEEvent writes one "data:" frame.
func WriteSSEEvent(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
