package emit

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// LogEmitter writes events as structured logrus entries.
//
// Text mode uses logrus.TextFormatter; JSON mode emits one JSON object per
// line:
//
//	{"executionId":"exec-1a2b3c4d","level":"info","msg":"node_complete","nodeId":"p1","progress":66,...}
//
// Error events are logged at warn level so failing workflows stand out
// without being mistaken for engine faults.
type LogEmitter struct {
	logger log.FieldLogger
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when nil).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	l := log.New()
	l.SetOutput(writer)
	if jsonMode {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return &LogEmitter{logger: l.WithField("module", "events")}
}

// NewLogEmitterFrom wraps an existing logger, e.g. the process logger.
func NewLogEmitterFrom(logger log.FieldLogger) *LogEmitter {
	return &LogEmitter{logger: logger.WithField("module", "events")}
}

func (l *LogEmitter) Emit(event Event) {
	fields := log.Fields{
		"executionId":      event.ExecutionID,
		"progress":         event.Progress,
		"completedNodes":   event.CompletedNodes,
		"totalNodes":       event.TotalNodes,
		"currentNodeIndex": event.CurrentNodeIndex,
	}
	if event.NodeID != "" {
		fields["nodeId"] = event.NodeID
		fields["nodeName"] = event.NodeName
	}
	for k, v := range event.Meta {
		fields[k] = v
	}
	entry := l.logger.WithFields(fields)

	if event.Error != "" {
		entry.WithField("error", event.Error).Warn(string(event.Type))
		return
	}
	entry.Info(string(event.Type))
}
