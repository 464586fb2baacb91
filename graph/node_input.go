package graph

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// runInput validates the invocation payload against the declared fields
// and fills in defaults.
func (e *Executor) runInput(s *InputSpec, scope *Scope) (nodeOutcome, error) {
	payload := scope.Input()
	if len(s.Fields) == 0 {
		return nodeOutcome{output: passThrough(payload)}, nil
	}

	var data map[string]any
	switch p := toJSONValue(payload).(type) {
	case nil:
		data = map[string]any{}
	case map[string]any:
		data = cloneJSON(p).(map[string]any)
	default:
		return nodeOutcome{}, &EngineError{
			Message: fmt.Sprintf("input must be an object with fields %s, got %T", fieldNames(s.Fields), payload),
			Code:    CodeValidation,
		}
	}

	for _, f := range s.Fields {
		if _, ok := data[f.Name]; !ok && f.Default != nil {
			data[f.Name] = f.Default
		}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(inputSchema(s.Fields)),
		gojsonschema.NewGoLoader(data),
	)
	if err != nil {
		return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("input schema: %v", err), Code: CodeValidation}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return nodeOutcome{}, &EngineError{
			Message: "input validation failed: " + strings.Join(msgs, "; "),
			Code:    CodeValidation,
		}
	}
	return nodeOutcome{output: data}, nil
}

func inputSchema(fields []InputField) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]any, 0)
	for _, f := range fields {
		prop := map[string]any{}
		if t := jsonSchemaType(f.Type); t != "" {
			prop["type"] = t
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// jsonSchemaType maps field types from the workflow editor to JSON Schema
// types. Unknown types (file, any) are left unconstrained.
func jsonSchemaType(t string) string {
	switch strings.ToLower(t) {
	case "string", "text", "textarea", "select", "url", "email":
		return "string"
	case "number", "float":
		return "number"
	case "integer", "int":
		return "integer"
	case "boolean", "bool", "checkbox":
		return "boolean"
	case "array", "list":
		return "array"
	case "object", "json":
		return "object"
	}
	return ""
}

func fieldNames(fields []InputField) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return "[" + strings.Join(names, ", ") + "]"
}
