// Package tool holds the outbound side effects workflow nodes perform:
// HTTP requests and chat-platform webhooks.
package tool

import "context"

// Tool is an outbound action invoked with a resolved node config.
//
// Implementations check ctx before doing I/O and report failures as errors;
// the caller turns them into node error results. Output must be JSON
// compatible because it becomes the node's output.
type Tool interface {
	// Name identifies the tool in logs, e.g. "http_request".
	Name() string

	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

func stringArg(input map[string]interface{}, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func intArg(input map[string]interface{}, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func mapArg(input map[string]interface{}, key string) map[string]interface{} {
	if v, ok := input[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
