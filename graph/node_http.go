package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/flowrun/graph/tool"
)

// runHTTP hands the resolved HTTP config to the HTTP tool. The tool applies
// the node's own timeout and retries.
func (e *Executor) runHTTP(ctx context.Context, cfg map[string]any) (nodeOutcome, error) {
	out, err := e.http.Call(ctx, cfg)
	if err != nil {
		return nodeOutcome{}, toolError(ctx, e.http.Name(), err)
	}
	return nodeOutcome{output: out}, nil
}

// runNotification posts a chat webhook message.
func (e *Executor) runNotification(ctx context.Context, cfg map[string]any) (nodeOutcome, error) {
	out, err := e.notifier.Call(ctx, cfg)
	if err != nil {
		return nodeOutcome{}, toolError(ctx, e.notifier.Name(), err)
	}
	return nodeOutcome{output: out}, nil
}

func toolError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var status *tool.StatusError
	switch {
	case errors.As(err, &status):
		return &EngineError{Message: fmt.Sprintf("%s: %v", name, status), Code: CodeProvider}
	case errors.Is(err, context.DeadlineExceeded):
		return &EngineError{Message: fmt.Sprintf("%s: %v", name, err), Code: CodeNodeTimeout}
	}
	return &EngineError{Message: fmt.Sprintf("%s: %v", name, err), Code: CodeProvider}
}
