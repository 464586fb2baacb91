package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/flowrun/graph/emit"
	"github.com/dshills/flowrun/graph/model"
	"github.com/dshills/flowrun/graph/store"
	log "github.com/sirupsen/logrus"
)

// internalErrorMessage is stored on executions whose orchestration panicked.
const internalErrorMessage = "internal engine error"

// Engine executes workflows and owns their durable records.
//
// The Engine is the runtime that:
//   - validates the graph and creates the Execution row
//   - walks the graph honoring branches, merges and loops
//   - dispatches nodes to the Executor under per-node timeouts
//   - writes a log row and a checkpoint after every node
//   - publishes progress events on the Bus and extra emitters
//   - resumes failed executions from their checkpoint
//
// Independent executions share only the store and the bus; an Engine is safe
// for concurrent use.
type Engine struct {
	store    store.Store
	bus      *emit.Bus
	executor *Executor
	cfg      engineConfig
	emitter  emit.Emitter

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an Engine. bus may be nil when nobody streams progress.
//
//	bus := emit.NewBus(0)
//	engine, err := graph.New(store.NewMemStore(), bus, graph.NewExecutor(
//	    graph.WithChatModel("openai", openai.NewChatModel(apiKey, "")),
//	))
func New(st store.Store, bus *emit.Bus, executor *Executor, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if executor == nil {
		executor = NewExecutor()
	}
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("invalid engine option: %w", err)
		}
	}
	if cfg.pricing == nil {
		cfg.pricing = DefaultModelPricing()
	}

	emitters := make([]emit.Emitter, 0, len(cfg.emitters)+1)
	if bus != nil {
		emitters = append(emitters, bus)
	}
	emitters = append(emitters, cfg.emitters...)

	return &Engine{
		store:    st,
		bus:      bus,
		executor: executor,
		cfg:      cfg,
		emitter:  emit.NewMulti(emitters...),
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// Store returns the engine's execution store.
func (e *Engine) Store() store.Store { return e.store }

// Bus returns the engine's event bus, possibly nil.
func (e *Engine) Bus() *emit.Bus { return e.bus }

// Execute runs wf to completion against input.
//
// Graph-integrity errors are returned before any execution row exists.
// Node failures are not Go errors: they produce a FAILED ExecutionResult.
// Cancelling ctx ends the run as CANCELLED.
func (e *Engine) Execute(ctx context.Context, wf Workflow, input any) (ExecutionResult, error) {
	if err := wf.Config.Validate(); err != nil {
		return ExecutionResult{}, err
	}
	r, err := e.start(ctx, wf, input, "")
	if err != nil {
		return ExecutionResult{}, err
	}
	return r.execute(ctx, nil), nil
}

// Start validates wf, creates the execution row and runs it in the
// background. The returned channel receives the result and is closed.
func (e *Engine) Start(ctx context.Context, wf Workflow, input any) (string, <-chan ExecutionResult, error) {
	if err := wf.Config.Validate(); err != nil {
		return "", nil, err
	}
	r, err := e.start(ctx, wf, input, "")
	if err != nil {
		return "", nil, err
	}
	return r.exec.ID, e.background(ctx, r, nil), nil
}

// background runs r on its own goroutine. The execution is registered
// before Start returns so an immediate Cancel finds it.
func (e *Engine) background(ctx context.Context, r *run, seeds []NodeResult) <-chan ExecutionResult {
	runCtx, cancel := context.WithCancel(ctx)
	e.register(r.exec.ID, cancel)
	done := make(chan ExecutionResult, 1)
	go func() {
		defer close(done)
		defer cancel()
		done <- r.execute(runCtx, seeds)
	}()
	return done
}

// Cancel stops a running execution started by this engine. It reports
// whether the execution was found.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the ids of executions in flight in this process.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) register(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Engine) now() time.Time {
	return e.cfg.clock().UTC()
}

// start creates the execution row, flips it to RUNNING and prepares the
// run state.
func (e *Engine) start(ctx context.Context, wf Workflow, input any, resumedFrom string) (*run, error) {
	now := e.now()
	rawInput, err := json.Marshal(Redact(input, e.cfg.opts.RedactKeys))
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	cp, err := NewCheckpoint(&wf.Config)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:             e.cfg.newID(),
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		UserID:         wf.UserID,
		Status:         store.StatusPending,
		Input:          rawInput,
		ResumedFromID:  resumedFrom,
		CreatedAt:      now,
		HeartbeatAt:    now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	exec.Status = store.StatusRunning
	exec.StartedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	if e.bus != nil {
		e.bus.InitExecution(exec.ID)
	}

	r := &run{
		eng:     e,
		wf:      wf,
		topo:    newTopology(&wf.Config),
		exec:    exec,
		cp:      cp,
		scope:   NewScope(wf.Config.GlobalVariables, input),
		cost:    NewCostTracker(exec.ID, e.cfg.pricing),
		opts:    e.cfg.opts,
		metrics: e.cfg.metrics,
		clock:   e.now,
		started: now,
		logger: e.cfg.logger.WithFields(log.Fields{
			"module":       "engine",
			"execution_id": exec.ID,
			"workflow_id":  wf.ID,
		}),
	}
	r.logger.WithField("resumed_from", resumedFrom).Info("execution started")
	return r, nil
}

// run is the state of one execution. Everything except the cost tracker
// and metrics is owned by the coordinator goroutine.
type run struct {
	eng     *Engine
	wf      Workflow
	topo    *topology
	exec    *store.Execution
	cp      *Checkpoint
	scope   *Scope
	cost    *CostTracker
	opts    Options
	metrics *PrometheusMetrics
	clock   func() time.Time
	logger  log.FieldLogger
	started time.Time

	// abort cancels the walk; lost is set once the row stopped being
	// RUNNING under this run, e.g. after the stuck-execution sweep.
	abort    context.CancelFunc
	lost     atomic.Bool
	stopBeat func()

	seq       int
	total     int
	completed int
	index     map[string]int
	// produced holds the results computed by this execution, excluding
	// results seeded from a checkpoint.
	produced []NodeResult
}

// execute walks the graph and persists the terminal state. Panics in the
// orchestration are recovered and the execution is forced to FAILED.
func (r *run) execute(ctx context.Context, seeds []NodeResult) (result ExecutionResult) {
	persistCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.abort = cancel
	r.eng.register(r.exec.ID, cancel)
	defer r.eng.unregister(r.exec.ID)
	r.stopBeat = r.heartbeat(runCtx, persistCtx)
	defer r.stopBeat()

	defer func() {
		if p := recover(); p != nil {
			r.logger.WithFields(log.Fields{
				"panic": p,
				"stack": string(debug.Stack()),
			}).Error("orchestration panicked")
			result = r.finish(persistCtx, store.StatusFailed, nil, internalErrorMessage)
		}
	}()

	w := r.newWalker("", r.scope, r.opts.MaxConcurrentNodes)
	r.total = len(w.members)
	r.index = make(map[string]int, len(w.members))
	for i, id := range w.members {
		r.index[id] = i
	}
	w.onStart = r.nodeStarted
	w.record = func(res NodeResult, failing bool) NodeResult {
		return r.recordNode(persistCtx, res, failing)
	}
	if len(seeds) > 0 {
		for _, s := range seeds {
			r.cp.Record(s)
			if s.Sequence > r.seq {
				r.seq = s.Sequence
			}
			if w.member[s.NodeID] {
				r.completed++
			}
		}
		w.seed(seeds)
	}

	err := w.walk(runCtx)
	switch {
	case w.failed != nil:
		return r.finish(persistCtx, store.StatusFailed, nil, nodeFailure(*w.failed).Error())
	case err != nil:
		return r.finish(persistCtx, store.StatusCancelled, nil, "execution cancelled")
	}
	return r.finish(persistCtx, store.StatusCompleted, r.finalOutput(w), "")
}

func (r *run) nodeStarted(node NodeConfig) {
	r.logger.WithFields(log.Fields{
		"node_id":   node.ID,
		"node_type": node.Type,
	}).Debug("node started")
	r.emit(emit.Event{
		Type:             emit.NodeStart,
		NodeID:           node.ID,
		NodeName:         node.Name,
		CurrentNodeIndex: r.index[node.ID] + 1,
	})
}

// recordNode stamps, logs, checkpoints and announces an outer-level result.
func (r *run) recordNode(ctx context.Context, res NodeResult, failing bool) NodeResult {
	r.seq++
	res.Sequence = r.seq
	r.completed++
	r.produced = append(r.produced, res)

	if failing {
		r.cp.Fail(res.NodeID)
	} else {
		r.cp.Record(res)
	}
	if len(res.BranchErrors) > 0 {
		r.metrics.AddBranchErrors(mergeSpecOf(r.topo.nodes[res.NodeID]).ErrorStrategy, len(res.BranchErrors))
	}

	fields := log.Fields{
		"node_id":     res.NodeID,
		"node_type":   res.NodeType,
		"status":      res.Status,
		"duration_ms": res.Duration,
	}
	if res.Status == StatusError {
		fields["error_code"] = res.ErrorCode
		r.logger.WithFields(fields).WithField("error", res.Error).Warn("node failed")
	} else {
		r.logger.WithFields(fields).Debug("node finished")
	}

	if err := r.eng.store.AppendLog(ctx, executionLog(r.exec.ID, res)); err != nil {
		r.logger.WithError(err).WithField("node_id", res.NodeID).Error("append execution log")
	}
	r.saveCheckpoint(ctx)

	ev := emit.Event{
		Type:             emit.NodeComplete,
		NodeID:           res.NodeID,
		NodeName:         res.NodeName,
		CurrentNodeIndex: r.index[res.NodeID] + 1,
		Meta: map[string]any{
			"status":      string(res.Status),
			"duration_ms": res.Duration,
			"node_type":   string(res.NodeType),
		},
	}
	if res.Status == StatusError {
		ev.Type = emit.NodeError
		ev.Error = res.Error
	}
	if res.Tokens != nil {
		ev.Meta["tokens"] = res.Tokens.Total
	}
	if res.Model != "" {
		ev.Meta["model"] = res.Model
	}
	r.emit(ev)
	return res
}

func (r *run) saveCheckpoint(ctx context.Context) {
	if r.lost.Load() {
		return
	}
	data, err := r.cp.Marshal()
	if err != nil {
		r.logger.WithError(err).Error("encode checkpoint")
		return
	}
	r.exec.Checkpoint = data
	r.exec.HeartbeatAt = r.clock()
	applied, err := r.eng.store.UpdateIfRunning(ctx, r.exec)
	switch {
	case err != nil:
		r.logger.WithError(err).Error("save checkpoint")
	case !applied:
		r.lose("checkpoint")
	}
}

// heartbeat refreshes heartbeatAt every third of the stuck timeout so a
// long node does not look stuck. The returned func stops it and waits.
func (r *run) heartbeat(runCtx, persistCtx context.Context) func() {
	interval := r.opts.StuckTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				alive, err := r.eng.store.TouchHeartbeat(persistCtx, r.exec.ID, r.clock())
				if err != nil {
					r.logger.WithError(err).Warn("touch heartbeat")
					continue
				}
				if !alive {
					r.lose("heartbeat")
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}

// lose stops a run whose execution row was finalized by someone else.
func (r *run) lose(by string) {
	if r.lost.Swap(true) {
		return
	}
	r.logger.WithField("detected_by", by).Warn("execution is no longer running; stopping")
	r.abort()
}

// finalOutput is the OUTPUT node's output, or the OUTPUT outputs keyed by
// node name when there are several.
func (r *run) finalOutput(w *walker) any {
	var outputs []NodeResult
	for _, id := range w.members {
		res, ok := w.results[id]
		if ok && res.NodeType == NodeOutput && res.Status == StatusSuccess {
			outputs = append(outputs, res)
		}
	}
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		return outputs[0].Output
	}
	out := make(map[string]any, len(outputs))
	for _, res := range outputs {
		out[res.NodeName] = res.Output
	}
	return out
}

// finish writes the terminal state exactly once and emits the terminal event.
func (r *run) finish(ctx context.Context, status store.ExecutionStatus, output any, message string) ExecutionResult {
	if r.stopBeat != nil {
		r.stopBeat()
	}
	if r.lost.Load() {
		return r.abandoned(ctx)
	}
	now := r.clock()
	tokens := 0
	for _, res := range r.produced {
		if res.Tokens != nil {
			tokens += res.Tokens.Total
		}
	}

	r.exec.Status = status
	r.exec.Error = message
	r.exec.DurationMs = now.Sub(r.started).Milliseconds()
	r.exec.TotalTokens = tokens
	r.exec.EstimatedCostUSD = r.cost.TotalCost()
	r.exec.CompletedAt = &now
	r.exec.HeartbeatAt = now
	if output != nil {
		if data, err := json.Marshal(output); err == nil {
			r.exec.Output = data
		} else {
			r.logger.WithError(err).Error("encode execution output")
		}
	}
	if data, err := r.cp.Marshal(); err == nil {
		r.exec.Checkpoint = data
	}
	r.exec.CanResume = status == store.StatusFailed && r.cp.SuccessCount() > 0

	applied, err := r.eng.store.UpdateIfRunning(ctx, r.exec)
	if err != nil {
		r.logger.WithError(err).Error("persist final execution state")
	} else if !applied {
		r.lost.Store(true)
		return r.abandoned(ctx)
	}
	r.metrics.ExecutionFinished(string(status))

	ev := emit.Event{Type: emit.ExecutionComplete}
	entry := r.logger.WithFields(log.Fields{
		"status":      status,
		"duration_ms": r.exec.DurationMs,
		"tokens":      tokens,
	})
	if status == store.StatusCompleted {
		entry.Info("execution completed")
	} else {
		ev.Type = emit.ExecutionError
		ev.Error = message
		entry.WithField("error", message).Warn("execution did not complete")
	}
	r.emit(ev)

	return ExecutionResult{
		Status:           status,
		ExecutionID:      r.exec.ID,
		Output:           output,
		Error:            message,
		Duration:         r.exec.DurationMs,
		TotalTokens:      tokens,
		EstimatedCostUSD: r.exec.EstimatedCostUSD,
	}
}

// abandoned reports the terminal state someone else wrote. No terminal
// event is emitted: the writer announced it.
func (r *run) abandoned(ctx context.Context) ExecutionResult {
	res := ExecutionResult{ExecutionID: r.exec.ID, Status: store.StatusFailed}
	stored, err := r.eng.store.GetExecution(ctx, r.exec.ID)
	if err != nil {
		r.logger.WithError(err).Error("load finalized execution")
		res.Error = "execution was finalized elsewhere"
		return res
	}
	r.logger.WithFields(log.Fields{
		"status": stored.Status,
		"error":  stored.Error,
	}).Warn("execution was finalized elsewhere")
	res.Status = stored.Status
	res.Error = stored.Error
	res.Duration = stored.DurationMs
	res.TotalTokens = stored.TotalTokens
	res.EstimatedCostUSD = stored.EstimatedCostUSD
	return res
}

// emit fills the progress fields and publishes ev.
func (r *run) emit(ev emit.Event) {
	ev.ExecutionID = r.exec.ID
	ev.Timestamp = r.clock().UnixMilli()
	ev.CompletedNodes = r.completed
	ev.TotalNodes = r.total
	ev.Progress = emit.ProgressPercent(r.completed, r.total)
	if ev.Type == emit.ExecutionComplete {
		ev.Progress = 100
	}
	r.eng.emitter.Emit(ev)
}

// onLLM runs on worker goroutines.
func (r *run) onLLM(node NodeConfig, modelName string, usage model.Usage) {
	if err := r.cost.RecordLLMCall(modelName, usage.InputTokens, usage.OutputTokens, node.ID); err != nil {
		r.logger.WithError(err).WithField("node_id", node.ID).Warn("record llm cost")
	}
	r.metrics.AddTokens(modelName, usage.InputTokens, usage.OutputTokens)
}

func (r *run) onRetry(node NodeConfig) {
	r.metrics.IncrementRetries(node.Type)
	r.logger.WithField("node_id", node.ID).Debug("retrying provider call")
}

func executionLog(executionID string, res NodeResult) store.ExecutionLog {
	entry := store.ExecutionLog{
		ExecutionID: executionID,
		NodeID:      res.NodeID,
		NodeName:    res.NodeName,
		NodeType:    string(res.NodeType),
		Status:      string(res.Status),
		Error:       res.Error,
		StartedAt:   res.StartedAt.UTC(),
		CompletedAt: res.EndedAt.UTC(),
		DurationMs:  res.Duration,
	}
	if res.Output != nil {
		if data, err := json.Marshal(res.Output); err == nil {
			entry.Output = data
		}
	}
	if res.Tokens != nil {
		entry.InputTokens = res.Tokens.Input
		entry.OutputTokens = res.Tokens.Output
		entry.TotalTokens = res.Tokens.Total
	}
	return entry
}
