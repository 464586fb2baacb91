// Package model defines the LLM and image-generation interfaces used by
// PROCESS, media and IMAGE_GEN nodes, with provider adapters in the
// openai, anthropic and google subpackages.
package model

import (
	"context"
	"strings"
)

// ChatModel is an LLM chat provider.
//
// Implementations convert the provider-neutral request into the provider's
// format, honor ctx cancellation, and report token usage when the provider
// returns it. Retries are left to the caller.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (ChatOut, error)
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Standard roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is one completion call. An empty Model selects the adapter's
// default model; MaxTokens <= 0 selects the adapter default.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Usage is provider-reported token accounting.
type Usage struct {
	InputTokens  int `json:"input"`
	OutputTokens int `json:"output"`
	TotalTokens  int `json:"total"`
}

// ChatOut is the completion result.
type ChatOut struct {
	Text  string
	Model string
	Usage Usage
}

// SplitSystem separates system messages, joined with blank lines, from the
// conversation. Providers with a dedicated system parameter use it.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	var rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// Normalize fills TotalTokens when a provider only reports the parts.
func (u Usage) Normalize() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}
