package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/flowrun/graph/model"
)

// runMedia loads the files of a DATA, IMAGE, VIDEO or AUDIO node. Inline
// content is used as is; URLs are fetched up to the executor's size cap.
// With process enabled, the textual files and the prompt go to a chat
// model and its answer is returned as analysis.
func (e *Executor) runMedia(ctx context.Context, node NodeConfig, s *MediaSpec, env *execEnv) (nodeOutcome, error) {
	files := make([]any, 0, len(s.Files))
	var texts []string
	for i, f := range s.Files {
		entry := map[string]any{"name": f.Name, "mimeType": f.MimeType}
		switch {
		case f.Content != "":
			entry["content"] = f.Content
			entry["size"] = len(f.Content)
			texts = append(texts, labelled(f.Name, i, f.Content))
		case f.URL != "":
			entry["url"] = f.URL
			fetched, err := e.fetcher.Fetch(ctx, f.URL, e.maxFileBytes)
			if err != nil {
				if ctx.Err() != nil {
					return nodeOutcome{}, ctx.Err()
				}
				return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("file %d: %v", i+1, err), Code: CodeProvider}
			}
			if f.Name == "" {
				entry["name"] = fetched.Name
			}
			if f.MimeType == "" {
				entry["mimeType"] = fetched.MimeType
			}
			entry["size"] = fetched.Size
			if fetched.Text() {
				entry["content"] = string(fetched.Data)
				texts = append(texts, labelled(fetched.Name, i, string(fetched.Data)))
			} else {
				entry["data"] = fetched.Base64()
			}
		default:
			return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("file %d has neither url nor content", i+1), Code: CodeValidation}
		}
		files = append(files, entry)
	}

	out := map[string]any{
		"type":  strings.ToLower(string(s.Kind)),
		"files": files,
		"count": len(files),
	}
	if s.Process == nil || !s.Process.Enabled {
		return nodeOutcome{output: out}, nil
	}

	prompt := strings.TrimSpace(s.Process.Prompt)
	if prompt == "" {
		prompt = fmt.Sprintf("Describe the provided %s.", strings.ToLower(string(s.Kind)))
	}
	if len(texts) > 0 {
		prompt += "\n\n" + strings.Join(texts, "\n\n")
	}
	chat, err := e.chatCall(ctx, node, s.Process.Provider, model.ChatRequest{
		Model:    s.Process.Model,
		Messages: []model.Message{{Role: model.RoleUser, Content: prompt}},
	}, env)
	if err != nil {
		return nodeOutcome{}, err
	}
	usage := chat.Usage.Normalize()
	out["analysis"] = chat.Text
	out["model"] = chat.Model
	return nodeOutcome{
		output: out,
		tokens: &TokenUsage{Input: usage.InputTokens, Output: usage.OutputTokens, Total: usage.TotalTokens},
		model:  chat.Model,
	}, nil
}

func labelled(name string, i int, content string) string {
	if name == "" {
		name = fmt.Sprintf("file %d", i+1)
	}
	return "--- " + name + " ---\n" + content
}
