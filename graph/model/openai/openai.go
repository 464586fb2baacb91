// Package openai adapts the OpenAI API to model.ChatModel and
// model.ImageModel using the official openai-go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/flowrun/graph/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultChatModel and DefaultImageModel are used when neither the adapter
// nor the request names a model.
const (
	DefaultChatModel  = "gpt-4o-mini"
	DefaultImageModel = openai.ImageModelDallE3
)

// openaiClient is the subset of the SDK used here, so tests can substitute
// canned responses.
type openaiClient interface {
	complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
	generateImage(ctx context.Context, params openai.ImageGenerateParams) (*openai.ImagesResponse, error)
}

type sdkClient struct {
	client *openai.Client
}

func (c *sdkClient) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

func (c *sdkClient) generateImage(ctx context.Context, params openai.ImageGenerateParams) (*openai.ImagesResponse, error) {
	return c.client.Images.Generate(ctx, params)
}

// ChatModel implements model.ChatModel and model.ImageModel.
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
//	out, err := m.Chat(ctx, model.ChatRequest{Messages: msgs})
type ChatModel struct {
	modelName string
	client    openaiClient
}

// NewChatModel creates an adapter. An empty modelName selects
// DefaultChatModel. Extra request options (base URL, org) are passed through
// to the SDK client.
func NewChatModel(apiKey, modelName string, opts ...option.RequestOption) *ChatModel {
	if modelName == "" {
		modelName = DefaultChatModel
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{client: &client},
	}
}

func (m *ChatModel) Chat(ctx context.Context, req model.ChatRequest) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if len(req.Messages) == 0 {
		return model.ChatOut{}, errors.New("openai: at least one message is required")
	}

	name := req.Model
	if name == "" {
		name = m.modelName
	}
	params := openai.ChatCompletionNewParams{
		Model:    name,
		Messages: convertMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := m.client.complete(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: response contained no choices")
	}

	out := model.ChatOut{
		Text:  completion.Choices[0].Message.Content,
		Model: completion.Model,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		}.Normalize(),
	}
	if out.Model == "" {
		out.Model = name
	}
	return out, nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// Generate implements model.ImageModel with the Images API.
func (m *ChatModel) Generate(ctx context.Context, req model.ImageRequest) (model.ImageOut, error) {
	if ctx.Err() != nil {
		return model.ImageOut{}, ctx.Err()
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return model.ImageOut{}, errors.New("openai: image prompt is required")
	}

	name := req.Model
	if name == "" {
		name = DefaultImageModel
	}
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  name,
	}
	if req.N > 0 {
		params.N = openai.Int(int64(req.N))
	}
	if req.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(req.Size)
	}
	if req.Quality != "" {
		params.Quality = openai.ImageGenerateParamsQuality(req.Quality)
	}
	// gpt-image models always return base64 and reject response_format.
	if strings.HasPrefix(name, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}

	resp, err := m.client.generateImage(ctx, params)
	if err != nil {
		return model.ImageOut{}, fmt.Errorf("openai image generation: %w", err)
	}

	out := model.ImageOut{Model: name}
	for _, img := range resp.Data {
		out.Images = append(out.Images, model.GeneratedImage{URL: img.URL, B64JSON: img.B64JSON})
		if out.RevisedPrompt == "" {
			out.RevisedPrompt = img.RevisedPrompt
		}
	}
	if len(out.Images) == 0 {
		return model.ImageOut{}, errors.New("openai: image response contained no data")
	}
	return out, nil
}
