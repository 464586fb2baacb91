package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// evaluateClauses combines clause results with mode "all" (AND, the
// default) or "any" (OR). An empty clause list is true.
func evaluateClauses(clauses []Clause, mode string) (bool, error) {
	if len(clauses) == 0 {
		return true, nil
	}
	anyMode := strings.EqualFold(mode, "any") || strings.EqualFold(mode, "or")
	for i, c := range clauses {
		ok, err := evaluateClause(c)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i+1, err)
		}
		if anyMode && ok {
			return true, nil
		}
		if !anyMode && !ok {
			return false, nil
		}
	}
	return !anyMode, nil
}

func evaluateClause(c Clause) (bool, error) {
	left, right := c.Variable, c.Value
	switch c.Operator {
	case "equals", "eq", "==", "":
		return looseEqual(left, right), nil
	case "notEquals", "ne", "!=":
		return !looseEqual(left, right), nil
	case "contains":
		return contains(left, right), nil
	case "notContains":
		return !contains(left, right), nil
	case "startsWith":
		return strings.HasPrefix(Stringify(left), Stringify(right)), nil
	case "endsWith":
		return strings.HasSuffix(Stringify(left), Stringify(right)), nil
	case "greaterThan", "gt", ">":
		return compareNumbers(left, right, func(a, b float64) bool { return a > b })
	case "lessThan", "lt", "<":
		return compareNumbers(left, right, func(a, b float64) bool { return a < b })
	case "greaterThanOrEqual", "gte", ">=":
		return compareNumbers(left, right, func(a, b float64) bool { return a >= b })
	case "lessThanOrEqual", "lte", "<=":
		return compareNumbers(left, right, func(a, b float64) bool { return a <= b })
	case "isEmpty":
		return isEmpty(left), nil
	case "isNotEmpty":
		return !isEmpty(left), nil
	case "isTrue":
		return truthy(left), nil
	case "isFalse":
		return !truthy(left), nil
	case "matches", "regex":
		re, err := regexp.Compile(Stringify(right))
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", Stringify(right), err)
		}
		return re.MatchString(Stringify(left)), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

// toNumber accepts numeric values and numeric strings.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	if ab, ok := a.(bool); ok {
		return ab == truthy(b)
	}
	if bb, ok := b.(bool); ok {
		return bb == truthy(a)
	}
	if a == nil || b == nil {
		return isEmpty(a) && isEmpty(b)
	}
	switch a.(type) {
	case map[string]any, []any:
		return reflect.DeepEqual(toJSONValue(a), toJSONValue(b))
	}
	return Stringify(a) == Stringify(b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[Stringify(needle)]
		return ok
	case nil:
		return false
	}
	return strings.Contains(Stringify(haystack), Stringify(needle))
}

func compareNumbers(a, b any, cmp func(float64, float64) bool) (bool, error) {
	an, ok := toNumber(a)
	if !ok {
		return false, fmt.Errorf("left operand %q is not a number", Stringify(a))
	}
	bn, ok := toNumber(b)
	if !ok {
		return false, fmt.Errorf("right operand %q is not a number", Stringify(b))
	}
	return cmp(an, bn), nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "yes"
	case nil:
		return false
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	return !isEmpty(v)
}

// conditionHandle maps a CONDITION outcome to its source handle.
func conditionHandle(result bool) string {
	if result {
		return HandleTrue
	}
	return HandleFalse
}

// switchOutcome is the branch selected by a SWITCH node. Handle is empty
// when nothing matched and there is no default case.
type switchOutcome struct {
	Matched bool
	Default bool
	CaseID  string
	Label   string
	Handle  string
}

// evaluateSwitch returns the first case whose value matches, falling back
// to the isDefault case.
func evaluateSwitch(spec *SwitchSpec) (switchOutcome, error) {
	var def *SwitchCase
	for i := range spec.Cases {
		c := &spec.Cases[i]
		if c.IsDefault {
			if def == nil {
				def = c
			}
			continue
		}
		mt := c.MatchType
		if mt == "" {
			mt = spec.MatchType
		}
		ok, err := switchMatch(spec.SwitchVariable, c.Value, mt)
		if err != nil {
			return switchOutcome{}, fmt.Errorf("case %q: %w", caseHandle(*c), err)
		}
		if ok {
			return switchOutcome{Matched: true, CaseID: c.ID, Label: c.Label, Handle: caseHandle(*c)}, nil
		}
	}
	if def != nil {
		return switchOutcome{Default: true, CaseID: def.ID, Label: def.Label, Handle: caseHandle(*def)}, nil
	}
	return switchOutcome{}, nil
}

func caseHandle(c SwitchCase) string {
	if c.ID != "" {
		return c.ID
	}
	return c.Label
}

func switchMatch(variable, value any, matchType string) (bool, error) {
	switch matchType {
	case "", "exact":
		return looseEqual(variable, value), nil
	case "contains":
		return contains(variable, value), nil
	case "regex":
		re, err := regexp.Compile(Stringify(value))
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(Stringify(variable)), nil
	}
	return false, fmt.Errorf("unknown matchType %q", matchType)
}

// edgeSelected reports whether e leaves a CONDITION or SWITCH node on the
// branch recorded in res. Other node types select every outgoing edge.
func edgeSelected(res NodeResult, e Edge) bool {
	switch res.NodeType {
	case NodeCondition:
		return e.SourceHandle == res.Handle
	case NodeSwitch:
		if res.Handle == "" {
			return false
		}
		if e.SourceHandle == res.Handle {
			return true
		}
		if out, ok := res.Output.(map[string]any); ok {
			if label, ok := out["label"].(string); ok && label != "" && e.SourceHandle == label {
				return true
			}
		}
		return false
	}
	return true
}
