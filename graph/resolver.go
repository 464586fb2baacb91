package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Markers substituted for references to nodes that produced no output.
const (
	NotExecutedMarker = "[not executed]"
	FailedMarker      = "[failed]"
)

var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Scope is the variable-resolution context a node executes against: results
// of earlier nodes, global variables, the invocation payload and, inside a
// loop body, the current iteration. Child scopes layer over their parent so
// body results of one iteration never leak into the outer run.
type Scope struct {
	parent  *Scope
	results map[string]NodeResult
	names   map[string]string
	globals map[string]any
	input   any
	loop    map[string]any
}

// NewScope creates a root scope.
func NewScope(globals map[string]any, input any) *Scope {
	return &Scope{
		results: make(map[string]NodeResult),
		names:   make(map[string]string),
		globals: globals,
		input:   input,
	}
}

// Child creates an iteration scope. loopVars is exposed as {{loop.*}}.
func (s *Scope) Child(loopVars map[string]any) *Scope {
	return &Scope{
		parent:  s,
		results: make(map[string]NodeResult),
		names:   make(map[string]string),
		loop:    loopVars,
	}
}

// Set records res in this scope.
func (s *Scope) Set(res NodeResult) {
	s.results[res.NodeID] = res
	if res.NodeName != "" {
		s.names[res.NodeName] = res.NodeID
	}
}

// snapshot copies this level's results so a worker can read them while the
// coordinator keeps recording. Enclosing scopes are shared; they are never
// written once a child exists.
func (s *Scope) snapshot() *Scope {
	c := *s
	c.results = make(map[string]NodeResult, len(s.results))
	for k, v := range s.results {
		c.results[k] = v
	}
	c.names = make(map[string]string, len(s.names))
	for k, v := range s.names {
		c.names[k] = v
	}
	return &c
}

// Result finds a node result by id, searching enclosing scopes.
func (s *Scope) Result(id string) (NodeResult, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if r, ok := cur.results[id]; ok {
			return r, true
		}
	}
	return NodeResult{}, false
}

func (s *Scope) resultByName(name string) (NodeResult, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if id, ok := cur.names[name]; ok {
			return cur.results[id], true
		}
	}
	return NodeResult{}, false
}

// Input returns the invocation payload.
func (s *Scope) Input() any {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.parent == nil {
			return cur.input
		}
	}
	return nil
}

// Globals returns the workflow's global variables.
func (s *Scope) Globals() map[string]any {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.parent == nil {
			return cur.globals
		}
	}
	return nil
}

func (s *Scope) loopVars() map[string]any {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.loop != nil {
			return cur.loop
		}
	}
	return nil
}

// Outputs returns every visible successful output keyed by node name, the
// shape handed to CODE nodes as `inputs`.
func (s *Scope) Outputs() map[string]any {
	out := make(map[string]any)
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, r := range chain[i].results {
			if r.Status == StatusSuccess {
				out[r.NodeName] = r.Output
			}
		}
	}
	if lv := s.loopVars(); lv != nil {
		out["loop"] = lv
	}
	return out
}

// Resolve walks every string leaf of v and substitutes {{...}} references.
// v is not modified. A reference that makes up a whole string keeps the
// referenced value's type; embedded references are rendered as text.
func (s *Scope) Resolve(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return s.ResolveString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := s.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := s.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveConfig resolves a node config map.
func (s *Scope) ResolveConfig(cfg map[string]any) (map[string]any, error) {
	if cfg == nil {
		return map[string]any{}, nil
	}
	r, err := s.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return r.(map[string]any), nil
}

func (s *Scope) ResolveString(str string) (any, error) {
	if !strings.Contains(str, "{{") {
		return str, nil
	}
	if m := refPattern.FindStringSubmatchIndex(str); m != nil && m[0] == 0 && m[1] == len(str) {
		return s.lookupRef(str[m[2]:m[3]])
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(str, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := refPattern.FindStringSubmatch(match)[1]
		v, err := s.lookupRef(inner)
		if err != nil {
			firstErr = err
			return match
		}
		return Stringify(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (s *Scope) lookupRef(ref string) (any, error) {
	optional := strings.HasSuffix(ref, "?")
	ref = strings.TrimSpace(strings.TrimSuffix(ref, "?"))
	v, ok := s.Lookup(ref)
	if ok {
		return v, nil
	}
	if optional {
		return nil, nil
	}
	return nil, &EngineError{
		Message: fmt.Sprintf("unresolved reference {{%s}}", ref),
		Code:    CodeUnresolvedRef,
	}
}

// Lookup evaluates a dotted reference such as "Summarize.text",
// "loop.item.name" or "input.items[0]".
func (s *Scope) Lookup(ref string) (any, bool) {
	segments := splitPath(ref)
	if len(segments) == 0 {
		return nil, false
	}
	root, rest := segments[0], segments[1:]

	if r, ok := s.resultByName(root); ok {
		return resultValue(r, rest)
	}
	if r, ok := s.Result(root); ok {
		return resultValue(r, rest)
	}
	switch root {
	case "loop":
		if lv := s.loopVars(); lv != nil {
			return navigate(lv, rest)
		}
	case "global", "globals":
		if g := s.Globals(); g != nil {
			return navigate(g, rest)
		}
	}
	if g := s.Globals(); g != nil {
		if v, ok := g[root]; ok {
			return navigate(v, rest)
		}
	}
	if root == "input" {
		return navigate(s.Input(), rest)
	}
	return nil, false
}

func resultValue(r NodeResult, path []string) (any, bool) {
	switch r.Status {
	case StatusSkipped:
		return NotExecutedMarker, true
	case StatusError:
		return FailedMarker, true
	}
	if len(path) == 0 {
		return r.Output, true
	}
	if v, ok := navigate(r.Output, path); ok {
		return v, true
	}
	switch path[0] {
	case "output", "data":
		return navigate(r.Output, path[1:])
	case "status":
		return string(r.Status), len(path) == 1
	case "branchErrors":
		return navigate(toJSONValue(r.BranchErrors), path[1:])
	}
	return nil, false
}

// splitPath splits "a.b[0].c" into ["a", "b", "0", "c"].
func splitPath(ref string) []string {
	var out []string
	for _, part := range strings.Split(ref, ".") {
		part = strings.TrimSpace(part)
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				out = append(out, part)
				break
			}
			if open > 0 {
				out = append(out, part[:open])
			}
			end := strings.IndexByte(part[open:], ']')
			if end < 0 {
				out = append(out, part[open:])
				break
			}
			out = append(out, strings.Trim(part[open+1:open+end], `"' `))
			part = part[open+end+1:]
		}
	}
	return out
}

func navigate(v any, path []string) (any, bool) {
	cur := v
	for i, seg := range path {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				if seg == "length" {
					cur = len(t)
					continue
				}
				return nil, false
			}
			if idx < 0 {
				idx += len(t)
			}
			if idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		case nil:
			return nil, false
		default:
			normalized := toJSONValue(t)
			switch normalized.(type) {
			case map[string]any, []any:
				return navigate(normalized, path[i:])
			}
			return nil, false
		}
	}
	return cur, true
}

// toJSONValue converts typed Go values into the map/slice form produced by
// encoding/json so the resolver can walk them.
func toJSONValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Stringify renders a resolved value for embedding in a larger string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
