package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/dshills/flowrun/graph/model"
	"github.com/dshills/flowrun/graph/tool"
	log "github.com/sirupsen/logrus"
)

// Retriever supplies knowledge chunks for PROCESS nodes with rag enabled.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, knowledgeBaseID string) ([]KnowledgeItem, error)
}

// fileFetcher downloads media node files.
type fileFetcher interface {
	Fetch(ctx context.Context, rawURL string, limit int64) (tool.File, error)
}

// Executor runs a single node against a scope. It owns the provider
// registry and the outbound tools; it holds no per-run state and is safe
// for concurrent use.
type Executor struct {
	chat            map[string]model.ChatModel
	defaultProvider string
	images          map[string]model.ImageModel
	retriever       Retriever
	http            tool.Tool
	fetcher         fileFetcher
	notifier        tool.Tool
	python          string
	retry           RetryPolicy
	maxFileBytes    int64
	logger          log.FieldLogger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithChatModel registers m under provider ("openai", "anthropic",
// "google", ...). The first registered provider becomes the default.
func WithChatModel(provider string, m model.ChatModel) ExecutorOption {
	return func(e *Executor) {
		e.chat[provider] = m
		if e.defaultProvider == "" {
			e.defaultProvider = provider
		}
	}
}

// WithDefaultProvider selects the provider used when a node names none.
func WithDefaultProvider(provider string) ExecutorOption {
	return func(e *Executor) { e.defaultProvider = provider }
}

// WithImageModel registers an image generation model for IMAGE_GEN nodes.
func WithImageModel(provider string, m model.ImageModel) ExecutorOption {
	return func(e *Executor) { e.images[provider] = m }
}

func WithRetriever(r Retriever) ExecutorOption {
	return func(e *Executor) { e.retriever = r }
}

// WithHTTPTool replaces the tool HTTP nodes call.
func WithHTTPTool(t tool.Tool) ExecutorOption {
	return func(e *Executor) { e.http = t }
}

// WithNotifier replaces the tool NOTIFICATION nodes call.
func WithNotifier(t tool.Tool) ExecutorOption {
	return func(e *Executor) { e.notifier = t }
}

// WithPythonBinary sets the interpreter for python CODE nodes.
func WithPythonBinary(path string) ExecutorOption {
	return func(e *Executor) { e.python = path }
}

// WithProviderRetry sets the retry policy for provider calls.
func WithProviderRetry(rp RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = rp }
}

// WithMaxFileBytes caps media files fetched over HTTP.
func WithMaxFileBytes(n int64) ExecutorOption {
	return func(e *Executor) { e.maxFileBytes = n }
}

func WithExecutorLogger(logger log.FieldLogger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an Executor with the default HTTP and webhook tools.
func NewExecutor(opts ...ExecutorOption) *Executor {
	httpTool := tool.NewHTTPTool()
	logger := log.New()
	logger.SetOutput(io.Discard)

	e := &Executor{
		chat:         make(map[string]model.ChatModel),
		images:       make(map[string]model.ImageModel),
		http:         httpTool,
		fetcher:      httpTool,
		notifier:     tool.NewWebhook(nil),
		python:       "python3",
		retry:        DefaultRetryPolicy(),
		maxFileBytes: 20 << 20,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execEnv carries what a node needs from the traversal that runs it.
type execEnv struct {
	now func() time.Time

	// arrivals are the predecessor branches seen by a MERGE node.
	arrivals []BranchStatus

	// body runs one LOOP iteration's body subgraph. Nil means the loop has
	// no body and each iteration yields its item.
	body    func(ctx context.Context, iter *Scope) (any, TokenUsage, error)
	hardCap int

	onLLM   func(node NodeConfig, modelName string, usage model.Usage)
	onRetry func(node NodeConfig)
}

func (env *execEnv) clock() time.Time {
	if env != nil && env.now != nil {
		return env.now()
	}
	return time.Now()
}

// nodeOutcome is what a node handler produces besides its output.
type nodeOutcome struct {
	output       any
	handle       string
	tokens       *TokenUsage
	model        string
	branchErrors []BranchStatus
}

// ExecuteNode resolves node's config against scope and runs it. Failures
// are returned as error results, never as Go errors or panics.
func (e *Executor) ExecuteNode(ctx context.Context, node NodeConfig, scope *Scope) NodeResult {
	return e.execute(ctx, node, scope, &execEnv{hardCap: DefaultLoopHardCap})
}

func (e *Executor) execute(ctx context.Context, node NodeConfig, scope *Scope, env *execEnv) (res NodeResult) {
	started := env.clock()
	res = NodeResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		NodeType:  node.Type,
		StartedAt: started,
	}
	finish := func() {
		res.EndedAt = env.clock()
		res.Duration = res.EndedAt.Sub(started).Milliseconds()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(log.Fields{
				"module":  "executor",
				"node_id": node.ID,
				"panic":   r,
				"stack":   string(debug.Stack()),
			}).Error("node executor panicked")
			res.Status = StatusError
			res.Output = nil
			res.Error = fmt.Sprintf("panic: %v", r)
			res.ErrorCode = CodeInternal
			finish()
		}
	}()

	out, err := e.dispatch(ctx, node, scope, env)
	finish()
	if err != nil {
		res.Status = StatusError
		res.Error, res.ErrorCode = describeError(ctx, err)
		res.BranchErrors = out.branchErrors
		res.Tokens = out.tokens
		return res
	}
	res.Status = StatusSuccess
	res.Output = out.output
	res.Handle = out.handle
	res.Tokens = out.tokens
	res.Model = out.model
	res.BranchErrors = out.branchErrors
	return res
}

// describeError maps err to the message and code stored on a result.
func describeError(ctx context.Context, err error) (string, string) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Message, ee.Code
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return "execution cancelled", CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return err.Error(), CodeNodeTimeout
	}
	return err.Error(), CodeInternal
}

// unresolvedKeys lists config keys each node type evaluates itself.
var unresolvedKeys = map[NodeType][]string{
	NodeCode: {"code"},
	NodeLoop: {"conditions"},
}

func (e *Executor) dispatch(ctx context.Context, node NodeConfig, scope *Scope, env *execEnv) (nodeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nodeOutcome{}, err
	}

	raw := node.Config
	held := make(map[string]any)
	if keys := unresolvedKeys[node.Type]; len(keys) > 0 && raw != nil {
		trimmed := make(map[string]any, len(raw))
		for k, v := range raw {
			trimmed[k] = v
		}
		for _, k := range keys {
			if v, ok := trimmed[k]; ok {
				held[k] = v
				delete(trimmed, k)
			}
		}
		raw = trimmed
	}

	resolved, err := scope.ResolveConfig(raw)
	if err != nil {
		return nodeOutcome{}, err
	}
	for k, v := range held {
		resolved[k] = v
	}

	spec, err := ParseSpec(node.Type, resolved)
	if err != nil {
		return nodeOutcome{}, err
	}

	switch s := spec.(type) {
	case *InputSpec:
		return e.runInput(s, scope)
	case *TriggerSpec:
		return nodeOutcome{output: passThrough(scope.Input())}, nil
	case *ProcessSpec:
		return e.runProcess(ctx, node, s, env)
	case *CodeSpec:
		return e.runCode(ctx, s, scope)
	case *OutputSpec:
		return e.runOutput(s, scope)
	case *ConditionSpec:
		return runCondition(s)
	case *SwitchSpec:
		return runSwitch(s)
	case *LoopSpec:
		return e.runLoop(ctx, node, s, scope, env)
	case *MergeSpec:
		return runMerge(s, env.arrivals)
	case *HTTPSpec:
		return e.runHTTP(ctx, resolved)
	case *MediaSpec:
		return e.runMedia(ctx, node, s, env)
	case *ImageGenSpec:
		return e.runImageGen(ctx, node, s, env)
	case *NotificationSpec:
		return e.runNotification(ctx, resolved)
	case *GroupSpec:
		return nodeOutcome{output: passThrough(scope.Outputs())}, nil
	case *ApprovalSpec:
		return nodeOutcome{output: map[string]any{"approved": true, "mode": "auto", "approvers": s.Approvers}}, nil
	}
	return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("no handler for node type %q", node.Type), Code: CodeUnsupportedConfig}
}

// passThrough returns a detached copy of v.
func passThrough(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return cloneJSON(v)
}

func runCondition(s *ConditionSpec) (nodeOutcome, error) {
	ok, err := evaluateClauses(s.Conditions, s.EvaluationMode)
	if err != nil {
		return nodeOutcome{}, &EngineError{Message: err.Error(), Code: CodeValidation}
	}
	return nodeOutcome{output: map[string]any{"result": ok}, handle: conditionHandle(ok)}, nil
}

func runSwitch(s *SwitchSpec) (nodeOutcome, error) {
	outcome, err := evaluateSwitch(s)
	if err != nil {
		return nodeOutcome{}, &EngineError{Message: err.Error(), Code: CodeValidation}
	}
	out := map[string]any{
		"matched": outcome.Matched,
		"value":   toJSONValue(s.SwitchVariable),
	}
	if outcome.Handle != "" {
		out["caseId"] = outcome.CaseID
		out["label"] = outcome.Label
		out["default"] = outcome.Default
	}
	return nodeOutcome{output: out, handle: outcome.Handle}, nil
}

func runMerge(s *MergeSpec, arrivals []BranchStatus) (nodeOutcome, error) {
	output, branchErrors, errMsg := combineMerge(*s, arrivals)
	if errMsg != "" {
		return nodeOutcome{branchErrors: branchErrors}, &EngineError{Message: errMsg, Code: CodeMergeFailed}
	}
	return nodeOutcome{output: output, branchErrors: branchErrors}, nil
}
