// Package graph provides the workflow execution engine for flowrun.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// NodeType identifies the kind of a workflow node.
type NodeType string

// Node types understood by the engine.
const (
	NodeInput        NodeType = "INPUT"
	NodeProcess      NodeType = "PROCESS"
	NodeCode         NodeType = "CODE"
	NodeOutput       NodeType = "OUTPUT"
	NodeCondition    NodeType = "CONDITION"
	NodeLoop         NodeType = "LOOP"
	NodeSwitch       NodeType = "SWITCH"
	NodeMerge        NodeType = "MERGE"
	NodeHTTP         NodeType = "HTTP"
	NodeData         NodeType = "DATA"
	NodeImage        NodeType = "IMAGE"
	NodeVideo        NodeType = "VIDEO"
	NodeAudio        NodeType = "AUDIO"
	NodeImageGen     NodeType = "IMAGE_GEN"
	NodeNotification NodeType = "NOTIFICATION"
	NodeTrigger      NodeType = "TRIGGER"
	NodeGroup        NodeType = "GROUP"
	NodeApproval     NodeType = "APPROVAL"
)

// AllNodeTypes lists every node type in declaration order.
var AllNodeTypes = []NodeType{
	NodeInput, NodeProcess, NodeCode, NodeOutput, NodeCondition, NodeLoop,
	NodeSwitch, NodeMerge, NodeHTTP, NodeData, NodeImage, NodeVideo, NodeAudio,
	NodeImageGen, NodeNotification, NodeTrigger, NodeGroup, NodeApproval,
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, known := range AllNodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Source handles with engine-level meaning.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
	HandleBody  = "body"
	HandleDone  = "done"
)

// WorkflowConfig is the immutable graph handed to the engine.
type WorkflowConfig struct {
	Nodes           []NodeConfig   `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges           []Edge         `json:"edges" yaml:"edges" validate:"dive"`
	GlobalVariables map[string]any `json:"globalVariables,omitempty" yaml:"globalVariables"`
	Version         int            `json:"version" yaml:"version" validate:"gte=0"`
}

// NodeConfig describes one node. Position is carried for round-tripping
// editor payloads and never read by the engine.
type NodeConfig struct {
	ID       string         `json:"id" yaml:"id" validate:"required"`
	Type     NodeType       `json:"type" yaml:"type" validate:"required"`
	Name     string         `json:"name" yaml:"name" validate:"required"`
	Config   map[string]any `json:"config,omitempty" yaml:"config"`
	Position *Position      `json:"position,omitempty" yaml:"position"`
}

// Position is the editor layout coordinate of a node.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Edge connects two nodes. SourceHandle selects a branch on CONDITION,
// SWITCH and LOOP nodes.
type Edge struct {
	ID           string `json:"id" yaml:"id" validate:"required"`
	Source       string `json:"source" yaml:"source" validate:"required"`
	Target       string `json:"target" yaml:"target" validate:"required"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ParseWorkflowConfig decodes a JSON workflow definition.
func ParseWorkflowConfig(data []byte) (WorkflowConfig, error) {
	var cfg WorkflowConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return WorkflowConfig{}, &EngineError{
			Message: fmt.Sprintf("decode workflow: %v", err),
			Code:    CodeInvalidWorkflow,
		}
	}
	return cfg, nil
}

// Node returns the node with the given id.
func (c *WorkflowConfig) Node(id string) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// Validate checks graph integrity: struct-level constraints, unique ids,
// known types, dangling edges, merge policies, and cycles outside LOOP
// bodies.
func (c *WorkflowConfig) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		return &EngineError{Message: fmt.Sprintf("invalid workflow: %v", err), Code: CodeInvalidWorkflow}
	}

	ids := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if ids[n.ID] {
			return &EngineError{Message: fmt.Sprintf("duplicate node id %q", n.ID), Code: CodeInvalidWorkflow}
		}
		if !n.Type.Valid() {
			return &EngineError{Message: fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type), Code: CodeInvalidWorkflow}
		}
		ids[n.ID] = true
	}

	edgeIDs := make(map[string]bool, len(c.Edges))
	for _, e := range c.Edges {
		if edgeIDs[e.ID] {
			return &EngineError{Message: fmt.Sprintf("duplicate edge id %q", e.ID), Code: CodeInvalidWorkflow}
		}
		edgeIDs[e.ID] = true
		if !ids[e.Source] {
			return &EngineError{Message: fmt.Sprintf("edge %q references missing source node %q", e.ID, e.Source), Code: CodeInvalidWorkflow}
		}
		if !ids[e.Target] {
			return &EngineError{Message: fmt.Sprintf("edge %q references missing target node %q", e.ID, e.Target), Code: CodeInvalidWorkflow}
		}
	}

	for _, n := range c.Nodes {
		if n.Type != NodeMerge {
			continue
		}
		if _, err := ParseSpec(NodeMerge, n.Config); err != nil {
			return &EngineError{Message: fmt.Sprintf("merge node %q: %v", n.ID, err), Code: CodeInvalidWorkflow}
		}
	}

	return detectCycles(newTopology(c))
}

// detectCycles runs a DFS over the graph with loop back-edges removed.
func detectCycles(t *topology) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(t.order))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, e := range t.outgoing[id] {
			if t.isBackEdge(e) {
				continue
			}
			switch color[e.Target] {
			case grey:
				return &EngineError{
					Message: fmt.Sprintf("cycle detected through edge %q (%s -> %s)", e.ID, e.Source, e.Target),
					Code:    CodeCycleDetected,
				}
			case white:
				if err := visit(e.Target); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range t.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// topology is the indexed, read-only view of a WorkflowConfig used by the
// engine. Loop bodies are computed once here.
type topology struct {
	nodes    map[string]NodeConfig
	order    []string
	position map[string]int
	incoming map[string][]Edge
	outgoing map[string][]Edge
	// loopBody maps a LOOP node id to the set of nodes executed per iteration.
	loopBody map[string]map[string]bool
	// bodyOf maps a body node to its innermost owning LOOP.
	bodyOf map[string]string
}

func newTopology(c *WorkflowConfig) *topology {
	t := &topology{
		nodes:    make(map[string]NodeConfig, len(c.Nodes)),
		position: make(map[string]int, len(c.Nodes)),
		incoming: make(map[string][]Edge),
		outgoing: make(map[string][]Edge),
		loopBody: make(map[string]map[string]bool),
		bodyOf:   make(map[string]string),
	}
	for i, n := range c.Nodes {
		t.nodes[n.ID] = n
		t.order = append(t.order, n.ID)
		t.position[n.ID] = i
	}
	for _, e := range c.Edges {
		t.outgoing[e.Source] = append(t.outgoing[e.Source], e)
		t.incoming[e.Target] = append(t.incoming[e.Target], e)
	}
	for _, id := range t.order {
		if t.nodes[id].Type == NodeLoop {
			t.loopBody[id] = t.computeLoopBody(id)
		}
	}
	// Outer loops are visited first so nested loops overwrite with the innermost owner.
	loops := make([]string, 0, len(t.loopBody))
	for id := range t.loopBody {
		loops = append(loops, id)
	}
	sort.Slice(loops, func(i, j int) bool { return len(t.loopBody[loops[i]]) > len(t.loopBody[loops[j]]) })
	for _, loopID := range loops {
		for member := range t.loopBody[loopID] {
			t.bodyOf[member] = loopID
		}
	}
	return t
}

// computeLoopBody returns the nodes reachable from the loop's "body" edges
// without passing back through the loop node. An explicit bodyNodeIds list
// in the loop config takes precedence.
func (t *topology) computeLoopBody(loopID string) map[string]bool {
	body := make(map[string]bool)
	if raw, ok := t.nodes[loopID].Config["bodyNodeIds"].([]any); ok && len(raw) > 0 {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				if _, exists := t.nodes[s]; exists && s != loopID {
					body[s] = true
				}
			}
		}
		return body
	}

	var stack []string
	for _, e := range t.outgoing[loopID] {
		if e.SourceHandle == HandleBody {
			stack = append(stack, e.Target)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == loopID || body[id] {
			continue
		}
		body[id] = true
		for _, e := range t.outgoing[id] {
			stack = append(stack, e.Target)
		}
	}
	return body
}

// isBackEdge reports whether e returns from a loop body to its LOOP node.
func (t *topology) isBackEdge(e Edge) bool {
	body, ok := t.loopBody[e.Target]
	return ok && body[e.Source]
}

// isBodyEdge reports whether e enters a loop body from its LOOP node.
func (t *topology) isBodyEdge(e Edge) bool {
	body, ok := t.loopBody[e.Source]
	return ok && body[e.Target]
}

// outerNodes returns the ids that belong to no loop body, in declaration order.
func (t *topology) outerNodes() []string {
	out := make([]string, 0, len(t.order))
	for _, id := range t.order {
		if _, inBody := t.bodyOf[id]; !inBody {
			out = append(out, id)
		}
	}
	return out
}
