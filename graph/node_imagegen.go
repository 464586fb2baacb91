package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/flowrun/graph/model"
)

func (e *Executor) runImageGen(ctx context.Context, node NodeConfig, s *ImageGenSpec, env *execEnv) (nodeOutcome, error) {
	if strings.TrimSpace(s.Prompt) == "" {
		return nodeOutcome{}, &EngineError{Message: "prompt is required", Code: CodeValidation}
	}
	m, name, err := e.imageModel(s.Provider)
	if err != nil {
		return nodeOutcome{}, err
	}

	req := model.ImageRequest{Model: s.Model, Prompt: s.Prompt, Size: s.Size, Quality: s.Quality, N: s.N}
	var out model.ImageOut
	attempts, err := withRetry(ctx, e.retry, func(ctx context.Context) error {
		var callErr error
		out, callErr = m.Generate(ctx, req)
		return callErr
	})
	if env != nil && env.onRetry != nil {
		for i := 1; i < attempts; i++ {
			env.onRetry(node)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nodeOutcome{}, ctx.Err()
		}
		return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("%s: %v", name, err), Code: CodeProvider}
	}

	images := make([]any, 0, len(out.Images))
	for _, img := range out.Images {
		entry := map[string]any{}
		if img.URL != "" {
			entry["url"] = img.URL
		}
		if img.B64JSON != "" {
			entry["b64"] = img.B64JSON
		}
		images = append(images, entry)
	}
	modelName := out.Model
	if modelName == "" {
		modelName = s.Model
	}
	return nodeOutcome{
		output: map[string]any{
			"images":        images,
			"revisedPrompt": out.RevisedPrompt,
			"model":         modelName,
			"size":          s.Size,
		},
		model: modelName,
	}, nil
}

// imageModel returns the named provider's image model, or the
// alphabetically first one when the node names no provider.
func (e *Executor) imageModel(provider string) (model.ImageModel, string, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		if _, ok := e.images[e.defaultProvider]; ok {
			name = e.defaultProvider
		} else {
			names := make([]string, 0, len(e.images))
			for n := range e.images {
				names = append(names, n)
			}
			sort.Strings(names)
			if len(names) > 0 {
				name = names[0]
			}
		}
	}
	m, ok := e.images[name]
	if !ok || m == nil {
		return nil, "", &EngineError{Message: fmt.Sprintf("no image model registered for provider %q", name), Code: CodeUnsupportedConfig}
	}
	return m, name, nil
}
