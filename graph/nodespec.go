package graph

import (
	"encoding/json"
	"fmt"
)

// NodeSpec is the decoded, type-specific configuration of a node. It is a
// closed set: only the NodeSpec types in this file implement it, and the
// executor's dispatch switch covers each of them.
type NodeSpec interface {
	kind() NodeType
}

type InputField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

type InputSpec struct {
	Fields []InputField `json:"fields"`
}

type KnowledgeItem struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type RAGConfig struct {
	Enabled         bool   `json:"enabled"`
	Query           string `json:"query"`
	TopK            int    `json:"topK"`
	KnowledgeBaseID string `json:"knowledgeBaseId"`
}

type ProcessSpec struct {
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	SystemPrompt   string          `json:"systemPrompt"`
	Prompt         string          `json:"prompt"`
	UserPrompt     string          `json:"userPrompt"`
	Temperature    *float64        `json:"temperature"`
	MaxTokens      int             `json:"maxTokens"`
	KnowledgeItems []KnowledgeItem `json:"knowledgeItems"`
	RAG            *RAGConfig      `json:"rag"`
}

type CodeSpec struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout"`
}

type OutputSpec struct {
	Format   string `json:"format"`
	Content  any    `json:"content"`
	Template string `json:"template"`
	Title    string `json:"title"`
	FileName string `json:"fileName"`
}

// Clause is one `variable operator value` predicate. Variable and Value are
// already resolved when the clause is evaluated.
type Clause struct {
	Variable any    `json:"variable"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type ConditionSpec struct {
	Conditions     []Clause `json:"conditions"`
	EvaluationMode string   `json:"evaluationMode"`
}

type SwitchCase struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Value     any    `json:"value"`
	MatchType string `json:"matchType"`
	IsDefault bool   `json:"isDefault"`
}

type SwitchSpec struct {
	SwitchVariable any          `json:"switchVariable"`
	MatchType      string       `json:"matchType"`
	Cases          []SwitchCase `json:"cases"`
}

type LoopSpec struct {
	LoopType       string   `json:"loopType"`
	ArrayVariable  any      `json:"arrayVariable"`
	Conditions     []Clause `json:"conditions"`
	EvaluationMode string   `json:"evaluationMode"`
	MaxIterations  int      `json:"maxIterations"`
	BodyNodeIDs    []string `json:"bodyNodeIds"`
}

// Merge strategies.
const (
	MergeAll  = "all"
	MergeAny  = "any"
	MergeRace = "race"

	ErrorFailFast = "fail_fast"
	ErrorContinue = "continue"
	ErrorCollect  = "collect"

	OutputMerge = "merge"
	OutputArray = "array"
	OutputFirst = "first"
)

type MergeSpec struct {
	MergeStrategy string `json:"mergeStrategy"`
	ErrorStrategy string `json:"errorStrategy"`
	OutputMode    string `json:"outputMode"`
}

// tolerates reports whether predecessor errors flow into the merge instead
// of failing the execution.
func (m MergeSpec) tolerates() bool {
	return m.ErrorStrategy == ErrorContinue || m.ErrorStrategy == ErrorCollect
}

type HTTPAuth struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	// In is "header" (default) or "query" for apiKey auth.
	In string `json:"in"`
}

type HTTPSpec struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	Headers     map[string]any `json:"headers"`
	QueryParams map[string]any `json:"queryParams"`
	Body        any            `json:"body"`
	Auth        *HTTPAuth      `json:"auth"`
	Timeout     int            `json:"timeout"`
	Retries     int            `json:"retries"`
}

type MediaFile struct {
	URL      string `json:"url"`
	Content  string `json:"content"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

type MediaProcess struct {
	Enabled  bool   `json:"enabled"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// MediaSpec configures DATA, IMAGE, VIDEO and AUDIO nodes.
type MediaSpec struct {
	Kind    NodeType      `json:"-"`
	Files   []MediaFile   `json:"files"`
	Process *MediaProcess `json:"process"`
}

type ImageGenSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Size     string `json:"size"`
	Quality  string `json:"quality"`
	N        int    `json:"n"`
}

type NotificationSpec struct {
	Platform    string   `json:"platform"`
	WebhookURL  string   `json:"webhookUrl"`
	Secret      string   `json:"secret"`
	MessageType string   `json:"messageType"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	AtMobiles   []string `json:"atMobiles"`
	AtAll       bool     `json:"atAll"`
}

type TriggerSpec struct {
	TriggerType string `json:"triggerType"`
}

type GroupSpec struct {
	ChildNodeIDs []string `json:"childNodeIds"`
}

type ApprovalSpec struct {
	Approvers []string `json:"approvers"`
	Mode      string   `json:"mode"`
}

func (*InputSpec) kind() NodeType        { return NodeInput }
func (*ProcessSpec) kind() NodeType      { return NodeProcess }
func (*CodeSpec) kind() NodeType         { return NodeCode }
func (*OutputSpec) kind() NodeType       { return NodeOutput }
func (*ConditionSpec) kind() NodeType    { return NodeCondition }
func (*SwitchSpec) kind() NodeType       { return NodeSwitch }
func (*LoopSpec) kind() NodeType         { return NodeLoop }
func (*MergeSpec) kind() NodeType        { return NodeMerge }
func (*HTTPSpec) kind() NodeType         { return NodeHTTP }
func (s *MediaSpec) kind() NodeType      { return s.Kind }
func (*ImageGenSpec) kind() NodeType     { return NodeImageGen }
func (*NotificationSpec) kind() NodeType { return NodeNotification }
func (*TriggerSpec) kind() NodeType      { return NodeTrigger }
func (*GroupSpec) kind() NodeType        { return NodeGroup }
func (*ApprovalSpec) kind() NodeType     { return NodeApproval }

// ParseSpec decodes a (resolved) node config into the NodeSpec for typ and
// fills in defaults.
func ParseSpec(typ NodeType, cfg map[string]any) (NodeSpec, error) {
	var spec NodeSpec
	switch typ {
	case NodeInput:
		spec = &InputSpec{}
	case NodeProcess:
		spec = &ProcessSpec{}
	case NodeCode:
		spec = &CodeSpec{Language: "javascript", Timeout: 30000}
	case NodeOutput:
		spec = &OutputSpec{Format: "text"}
	case NodeCondition:
		spec = &ConditionSpec{EvaluationMode: "all"}
	case NodeSwitch:
		spec = &SwitchSpec{MatchType: "exact"}
	case NodeLoop:
		spec = &LoopSpec{LoopType: "for", EvaluationMode: "all", MaxIterations: 100}
	case NodeMerge:
		spec = &MergeSpec{MergeStrategy: MergeAll, ErrorStrategy: ErrorFailFast, OutputMode: OutputMerge}
	case NodeHTTP:
		spec = &HTTPSpec{Method: "GET", Timeout: 30000}
	case NodeData, NodeImage, NodeVideo, NodeAudio:
		spec = &MediaSpec{Kind: typ}
	case NodeImageGen:
		spec = &ImageGenSpec{Size: "1024x1024", N: 1}
	case NodeNotification:
		spec = &NotificationSpec{MessageType: "text"}
	case NodeTrigger:
		spec = &TriggerSpec{}
	case NodeGroup:
		spec = &GroupSpec{}
	case NodeApproval:
		spec = &ApprovalSpec{Mode: "auto"}
	default:
		return nil, &EngineError{Message: fmt.Sprintf("unsupported node type %q", typ), Code: CodeUnsupportedConfig}
	}

	if len(cfg) > 0 {
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, &EngineError{Message: fmt.Sprintf("encode %s config: %v", typ, err), Code: CodeValidation}
		}
		if err := json.Unmarshal(data, spec); err != nil {
			return nil, &EngineError{Message: fmt.Sprintf("invalid %s config: %v", typ, err), Code: CodeValidation}
		}
	}
	if m, ok := spec.(*MediaSpec); ok {
		m.Kind = typ
	}
	if l, ok := spec.(*LoopSpec); ok && l.MaxIterations <= 0 {
		l.MaxIterations = 100
	}
	if m, ok := spec.(*MergeSpec); ok {
		if m.MergeStrategy == "" {
			m.MergeStrategy = MergeAll
		}
		if m.ErrorStrategy == "" {
			m.ErrorStrategy = ErrorFailFast
		}
		if m.OutputMode == "" {
			m.OutputMode = OutputMerge
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

func (m *MergeSpec) validate() error {
	switch m.MergeStrategy {
	case MergeAll, MergeAny, MergeRace:
	default:
		return &EngineError{Message: fmt.Sprintf("unknown mergeStrategy %q", m.MergeStrategy), Code: CodeValidation}
	}
	switch m.ErrorStrategy {
	case ErrorFailFast, ErrorContinue, ErrorCollect:
	default:
		return &EngineError{Message: fmt.Sprintf("unknown errorStrategy %q", m.ErrorStrategy), Code: CodeValidation}
	}
	switch m.OutputMode {
	case OutputMerge, OutputArray, OutputFirst:
	default:
		return &EngineError{Message: fmt.Sprintf("unknown outputMode %q", m.OutputMode), Code: CodeValidation}
	}
	return nil
}

// mergeSpecOf decodes the MERGE config without resolving references; merge
// configs carry no templates.
func mergeSpecOf(n NodeConfig) MergeSpec {
	spec, err := ParseSpec(NodeMerge, n.Config)
	if err != nil {
		return MergeSpec{MergeStrategy: MergeAll, ErrorStrategy: ErrorFailFast, OutputMode: OutputMerge}
	}
	return *spec.(*MergeSpec)
}
