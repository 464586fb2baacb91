package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	LoopFor   = "for"
	LoopWhile = "while"
)

// runLoop iterates the loop body. Each iteration runs in a child scope
// exposing {{loop.item}}, {{loop.index}}, {{loop.iteration}} and the
// results gathered so far as {{loop.results}}.
//
// maxIterations ends the loop successfully with maxIterationsReached set.
// Needing more iterations than the engine hard cap is a LOOP_LIMIT error.
func (e *Executor) runLoop(ctx context.Context, node NodeConfig, s *LoopSpec, scope *Scope, env *execEnv) (nodeOutcome, error) {
	hardCap := DefaultLoopHardCap
	if env != nil && env.hardCap > 0 {
		hardCap = env.hardCap
	}

	var items []any
	loopType := strings.ToLower(s.LoopType)
	switch loopType {
	case "", LoopFor, "foreach", "for_each":
		loopType = LoopFor
		list, err := loopItems(s.ArrayVariable)
		if err != nil {
			return nodeOutcome{}, err
		}
		items = list
	case LoopWhile:
	default:
		return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("unknown loopType %q", s.LoopType), Code: CodeValidation}
	}

	results := make([]any, 0)
	var tokens TokenUsage
	reachedMax := false
	i := 0
	for ; ; i++ {
		if err := ctx.Err(); err != nil {
			return nodeOutcome{}, err
		}
		if loopType == LoopFor && i >= len(items) {
			break
		}
		if i >= s.MaxIterations {
			reachedMax = true
			break
		}
		if i >= hardCap {
			return nodeOutcome{}, &EngineError{
				Message: fmt.Sprintf("loop %q exceeded the engine limit of %d iterations", node.Name, hardCap),
				Code:    CodeLoopLimit,
			}
		}

		vars := map[string]any{
			"index":     i,
			"iteration": i + 1,
			"results":   cloneJSON(results),
		}
		if loopType == LoopFor {
			vars["item"] = items[i]
		}
		iter := scope.Child(vars)

		if loopType == LoopWhile {
			ok, err := loopContinues(iter, s)
			if err != nil {
				return nodeOutcome{}, err
			}
			if !ok {
				break
			}
		}

		if env == nil || env.body == nil {
			results = append(results, cloneJSON(vars["item"]))
			continue
		}
		out, used, err := env.body(ctx, iter)
		tokens.Input += used.Input
		tokens.Output += used.Output
		tokens.Total += used.Total
		if err != nil {
			return nodeOutcome{tokens: tokenPtr(tokens)}, err
		}
		results = append(results, out)
	}

	return nodeOutcome{
		output: map[string]any{
			"results":              results,
			"iterations":           len(results),
			"maxIterationsReached": reachedMax,
		},
		tokens: tokenPtr(tokens),
	}, nil
}

// loopItems accepts an array or a JSON array encoded as a string.
func loopItems(v any) ([]any, error) {
	switch t := toJSONValue(v).(type) {
	case []any:
		return t, nil
	case nil:
		return []any{}, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return []any{}, nil
		}
		var list []any
		if err := json.Unmarshal([]byte(t), &list); err == nil {
			return list, nil
		}
	}
	return nil, &EngineError{Message: fmt.Sprintf("arrayVariable is not an array: %s", Stringify(v)), Code: CodeValidation}
}

// loopContinues resolves the while conditions against the iteration scope
// and evaluates them.
func loopContinues(iter *Scope, s *LoopSpec) (bool, error) {
	clauses := make([]Clause, len(s.Conditions))
	for i, c := range s.Conditions {
		variable, err := iter.Resolve(c.Variable)
		if err != nil {
			return false, err
		}
		value, err := iter.Resolve(c.Value)
		if err != nil {
			return false, err
		}
		clauses[i] = Clause{Variable: variable, Operator: c.Operator, Value: value}
	}
	ok, err := evaluateClauses(clauses, s.EvaluationMode)
	if err != nil {
		return false, &EngineError{Message: err.Error(), Code: CodeValidation}
	}
	return ok, nil
}

func tokenPtr(t TokenUsage) *TokenUsage {
	if t.Total == 0 && t.Input == 0 && t.Output == 0 {
		return nil
	}
	return &t
}
