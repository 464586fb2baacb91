package openai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/flowrun/graph/model"
	"github.com/openai/openai-go"
)

type fakeClient struct {
	completion *openai.ChatCompletion
	images     *openai.ImagesResponse
	err        error

	chatParams  []openai.ChatCompletionNewParams
	imageParams []openai.ImageGenerateParams
}

func (f *fakeClient) complete(_ context.Context, p openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	f.chatParams = append(f.chatParams, p)
	return f.completion, f.err
}

func (f *fakeClient) generateImage(_ context.Context, p openai.ImageGenerateParams) (*openai.ImagesResponse, error) {
	f.imageParams = append(f.imageParams, p)
	return f.images, f.err
}

func TestNewChatModel_DefaultModel(t *testing.T) {
	m := NewChatModel("test-key", "")
	if m.modelName != DefaultChatModel {
		t.Errorf("expected default model %q, got %q", DefaultChatModel, m.modelName)
	}
}

func TestChatModel_Chat(t *testing.T) {
	fake := &fakeClient{completion: &openai.ChatCompletion{
		Model:   "gpt-4o-2024-08-06",
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Paris"}}},
		Usage:   openai.CompletionUsage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}}
	m := &ChatModel{modelName: "gpt-4o", client: fake}
	temp := 0.2

	out, err := m.Chat(context.Background(), model.ChatRequest{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "capital of France?"},
		},
		Temperature: &temp,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Text != "Paris" || out.Model != "gpt-4o-2024-08-06" {
		t.Errorf("unexpected output %+v", out)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 3 || out.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", out.Usage)
	}

	p := fake.chatParams[0]
	if p.Model != "gpt-4o" {
		t.Errorf("expected adapter model, got %q", p.Model)
	}
	if len(p.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(p.Messages))
	}
	if !p.Temperature.Valid() || p.Temperature.Value != 0.2 {
		t.Errorf("temperature not forwarded")
	}
	if !p.MaxTokens.Valid() || p.MaxTokens.Value != 64 {
		t.Errorf("max tokens not forwarded")
	}
}

func TestChatModel_RequestModelOverrides(t *testing.T) {
	fake := &fakeClient{completion: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
	}}
	m := &ChatModel{modelName: "gpt-4o", client: fake}

	out, err := m.Chat(context.Background(), model.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if fake.chatParams[0].Model != "gpt-4o-mini" || out.Model != "gpt-4o-mini" {
		t.Errorf("expected request model to win, got param %q out %q", fake.chatParams[0].Model, out.Model)
	}
}

func TestChatModel_Errors(t *testing.T) {
	t.Run("provider error is wrapped", func(t *testing.T) {
		boom := errors.New("503 service unavailable")
		m := &ChatModel{modelName: "gpt-4o", client: &fakeClient{err: boom}}
		_, err := m.Chat(context.Background(), model.ChatRequest{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
		if !errors.Is(err, boom) {
			t.Errorf("expected wrapped provider error, got %v", err)
		}
	})

	t.Run("empty choices", func(t *testing.T) {
		m := &ChatModel{modelName: "gpt-4o", client: &fakeClient{completion: &openai.ChatCompletion{}}}
		_, err := m.Chat(context.Background(), model.ChatRequest{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
		if err == nil || !strings.Contains(err.Error(), "no choices") {
			t.Errorf("expected no choices error, got %v", err)
		}
	})

	t.Run("no messages", func(t *testing.T) {
		m := &ChatModel{modelName: "gpt-4o", client: &fakeClient{}}
		if _, err := m.Chat(context.Background(), model.ChatRequest{}); err == nil {
			t.Error("expected error for empty request")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		fake := &fakeClient{}
		m := &ChatModel{modelName: "gpt-4o", client: fake}
		if _, err := m.Chat(ctx, model.ChatRequest{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if len(fake.chatParams) != 0 {
			t.Error("client must not be called after cancellation")
		}
	})
}

func TestChatModel_Generate(t *testing.T) {
	fake := &fakeClient{images: &openai.ImagesResponse{Data: []openai.Image{
		{URL: "https://img.example/1.png", RevisedPrompt: "a red fox in snow"},
		{URL: "https://img.example/2.png"},
	}}}
	m := &ChatModel{modelName: "gpt-4o", client: fake}

	out, err := m.Generate(context.Background(), model.ImageRequest{Prompt: "a fox", Size: "1024x1024", N: 2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out.Images) != 2 || out.Images[0].URL != "https://img.example/1.png" {
		t.Errorf("unexpected images %+v", out.Images)
	}
	if out.RevisedPrompt != "a red fox in snow" {
		t.Errorf("unexpected revised prompt %q", out.RevisedPrompt)
	}

	p := fake.imageParams[0]
	if p.Model != DefaultImageModel || string(p.Size) != "1024x1024" || p.N.Value != 2 {
		t.Errorf("unexpected params %+v", p)
	}
	if p.ResponseFormat != openai.ImageGenerateParamsResponseFormatURL {
		t.Errorf("expected url response format for dall-e, got %q", p.ResponseFormat)
	}
}

func TestChatModel_GenerateRequiresPrompt(t *testing.T) {
	m := &ChatModel{client: &fakeClient{}}
	if _, err := m.Generate(context.Background(), model.ImageRequest{Prompt: "  "}); err == nil {
		t.Error("expected error for empty prompt")
	}
}
