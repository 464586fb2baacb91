// Package anthropic adapts the Anthropic Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/dshills/flowrun/graph/model"
)

const (
	// DefaultModel is used when neither the adapter nor the request names one.
	DefaultModel = "claude-sonnet-4-5"
	// DefaultMaxTokens is sent when the request leaves MaxTokens unset; the
	// Messages API requires it.
	DefaultMaxTokens = 1024
)

// ChatModel implements model.ChatModel for Claude models.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, model.ChatRequest{Messages: msgs})
type ChatModel struct {
	modelName string
	client    anthropicClient
}

// anthropicClient is the slice of the SDK the adapter needs.
type anthropicClient interface {
	createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type sdkClient struct {
	client *anthropic.Client
}

func (c *sdkClient) createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}

// NewChatModel creates an adapter. An empty modelName selects DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...option.RequestOption) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{client: &client},
	}
}

func (m *ChatModel) Chat(ctx context.Context, req model.ChatRequest) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params, err := m.buildParams(req)
	if err != nil {
		return model.ChatOut{}, err
	}

	msg, err := m.client.createMessage(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := model.ChatOut{
		Text:  text.String(),
		Model: string(msg.Model),
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		}.Normalize(),
	}
	if out.Model == "" {
		out.Model = string(params.Model)
	}
	return out, nil
}

func (m *ChatModel) buildParams(req model.ChatRequest) (anthropic.MessageNewParams, error) {
	system, rest := model.SplitSystem(req.Messages)
	if len(rest) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: at least one user message is required")
	}

	name := req.Model
	if name == "" {
		name = m.modelName
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(name),
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(rest)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, msg := range rest {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params, nil
}
