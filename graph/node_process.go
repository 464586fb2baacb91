package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/flowrun/graph/model"
)

const defaultRAGTopK = 3

func (e *Executor) runProcess(ctx context.Context, node NodeConfig, s *ProcessSpec, env *execEnv) (nodeOutcome, error) {
	prompt := s.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = s.UserPrompt
	}
	if strings.TrimSpace(prompt) == "" {
		return nodeOutcome{}, &EngineError{Message: "prompt is required", Code: CodeValidation}
	}

	knowledge := append([]KnowledgeItem(nil), s.KnowledgeItems...)
	if s.RAG != nil && s.RAG.Enabled {
		chunks, err := e.retrieve(ctx, s.RAG, prompt)
		if err != nil {
			return nodeOutcome{}, err
		}
		knowledge = append(knowledge, chunks...)
	}

	var messages []model.Message
	if system := buildSystemPrompt(s.SystemPrompt, knowledge); system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	out, err := e.chatCall(ctx, node, s.Provider, model.ChatRequest{
		Model:       s.Model,
		Messages:    messages,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	}, env)
	if err != nil {
		return nodeOutcome{}, err
	}

	usage := out.Usage.Normalize()
	return nodeOutcome{
		output: map[string]any{
			"text":  out.Text,
			"model": out.Model,
			"usage": map[string]any{
				"input":  usage.InputTokens,
				"output": usage.OutputTokens,
				"total":  usage.TotalTokens,
			},
		},
		tokens: &TokenUsage{Input: usage.InputTokens, Output: usage.OutputTokens, Total: usage.TotalTokens},
		model:  out.Model,
	}, nil
}

// chatCall picks the provider's model and calls it under the retry policy.
// Token usage is reported through env.onLLM.
func (e *Executor) chatCall(ctx context.Context, node NodeConfig, provider string, req model.ChatRequest, env *execEnv) (model.ChatOut, error) {
	m, name, err := e.chatModel(provider)
	if err != nil {
		return model.ChatOut{}, err
	}

	var out model.ChatOut
	attempts, err := withRetry(ctx, e.retry, func(ctx context.Context) error {
		var callErr error
		out, callErr = m.Chat(ctx, req)
		return callErr
	})
	if env != nil && env.onRetry != nil {
		for i := 1; i < attempts; i++ {
			env.onRetry(node)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return model.ChatOut{}, ctx.Err()
		}
		return model.ChatOut{}, &EngineError{Message: fmt.Sprintf("%s: %v", name, err), Code: CodeProvider}
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if env != nil && env.onLLM != nil {
		env.onLLM(node, out.Model, out.Usage.Normalize())
	}
	return out, nil
}

func (e *Executor) chatModel(provider string) (model.ChatModel, string, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		name = e.defaultProvider
	}
	m, ok := e.chat[name]
	if !ok || m == nil {
		if name == "" {
			return nil, "", &EngineError{Message: "no chat model configured", Code: CodeUnsupportedConfig}
		}
		return nil, "", &EngineError{Message: fmt.Sprintf("no chat model registered for provider %q", name), Code: CodeUnsupportedConfig}
	}
	return m, name, nil
}

func (e *Executor) retrieve(ctx context.Context, rag *RAGConfig, prompt string) ([]KnowledgeItem, error) {
	if e.retriever == nil {
		return nil, &EngineError{Message: "rag is enabled but no retriever is configured", Code: CodeUnsupportedConfig}
	}
	query := rag.Query
	if strings.TrimSpace(query) == "" {
		query = prompt
	}
	topK := rag.TopK
	if topK <= 0 {
		topK = defaultRAGTopK
	}
	chunks, err := e.retriever.Retrieve(ctx, query, topK, rag.KnowledgeBaseID)
	if err != nil {
		return nil, &EngineError{Message: fmt.Sprintf("knowledge retrieval: %v", err), Code: CodeProvider}
	}
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

// buildSystemPrompt appends reference material after the system prompt.
func buildSystemPrompt(system string, knowledge []KnowledgeItem) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(system))
	if len(knowledge) == 0 {
		return b.String()
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString("Use the following reference material when answering.\n")
	for _, k := range knowledge {
		b.WriteString("\n### ")
		if k.Title != "" {
			b.WriteString(k.Title)
		} else {
			b.WriteString("Reference")
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(k.Content))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
