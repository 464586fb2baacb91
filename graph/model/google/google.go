// Package google adapts the Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/flowrun/graph/model"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultModel is used when neither the adapter nor the request names one.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// Safety blocks are reported as *SafetyFilterError:
//
//	out, err := m.Chat(ctx, req)
//	var blocked *google.SafetyFilterError
//	if errors.As(err, &blocked) {
//	    log.Printf("blocked: %s", blocked.Category())
//	}
type ChatModel struct {
	apiKey    string
	modelName string
	client    googleClient
}

// generateCall is one fully converted Gemini request.
type generateCall struct {
	Model       string
	System      string
	Temperature *float32
	MaxTokens   int32
	History     []*genai.Content
	Parts       []genai.Part
}

// googleClient isolates the SDK so tests can script responses.
type googleClient interface {
	generate(ctx context.Context, call generateCall) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a Gemini adapter. An empty modelName selects
// DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey},
	}
}

func (m *ChatModel) Chat(ctx context.Context, req model.ChatRequest) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	call, err := m.buildCall(req)
	if err != nil {
		return model.ChatOut{}, err
	}

	resp, err := m.client.generate(ctx, call)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return model.ChatOut{}, safetyError(blocked)
		}
		return model.ChatOut{}, fmt.Errorf("google API error: %w", err)
	}
	return convertResponse(resp, call.Model), nil
}

func (m *ChatModel) buildCall(req model.ChatRequest) (generateCall, error) {
	system, rest := model.SplitSystem(req.Messages)
	if len(rest) == 0 {
		return generateCall{}, errors.New("google: at least one user message is required")
	}

	call := generateCall{Model: req.Model, System: system}
	if call.Model == "" {
		call.Model = m.modelName
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		call.Temperature = &t
	}
	if req.MaxTokens > 0 {
		call.MaxTokens = int32(req.MaxTokens)
	}

	// Gemini takes earlier turns as history and the final turn as the
	// message to send.
	for _, msg := range rest[:len(rest)-1] {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		call.History = append(call.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	call.Parts = []genai.Part{genai.Text(rest[len(rest)-1].Content)}
	return call, nil
}

// defaultClient wraps the official Gemini SDK client.
type defaultClient struct {
	apiKey string
}

func (c *defaultClient) generate(ctx context.Context, call generateCall) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(call.Model)
	if call.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(call.System)}}
	}
	if call.Temperature != nil {
		gm.SetTemperature(*call.Temperature)
	}
	if call.MaxTokens > 0 {
		gm.SetMaxOutputTokens(call.MaxTokens)
	}

	if len(call.History) == 0 {
		return gm.GenerateContent(ctx, call.Parts...)
	}
	cs := gm.StartChat()
	cs.History = call.History
	return cs.SendMessage(ctx, call.Parts...)
}

func convertResponse(resp *genai.GenerateContentResponse, modelName string) model.ChatOut {
	out := model.ChatOut{Model: modelName}
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}.Normalize()
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(string(text))
		}
	}
	out.Text = b.String()
	return out
}

// SafetyFilterError reports a prompt or candidate blocked by Gemini's
// safety filters.
type SafetyFilterError struct {
	reason   string
	category string
	cause    error
}

func safetyError(blocked *genai.BlockedError) *SafetyFilterError {
	e := &SafetyFilterError{reason: "SAFETY", cause: blocked}
	switch {
	case blocked.Candidate != nil:
		e.reason = blocked.Candidate.FinishReason.String()
		for _, r := range blocked.Candidate.SafetyRatings {
			if r != nil && r.Blocked {
				e.category = r.Category.String()
				break
			}
		}
	case blocked.PromptFeedback != nil:
		e.reason = blocked.PromptFeedback.BlockReason.String()
		for _, r := range blocked.PromptFeedback.SafetyRatings {
			if r != nil && r.Blocked {
				e.category = r.Category.String()
				break
			}
		}
	}
	if e.category == "" {
		e.category = e.reason
	}
	return e
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

func (e *SafetyFilterError) Unwrap() error { return e.cause }

// Category returns the harm category that triggered the block.
func (e *SafetyFilterError) Category() string { return e.category }

// Reason returns the finish or block reason reported by the API.
func (e *SafetyFilterError) Reason() string { return e.reason }
