package graph

import (
	"context"
	"fmt"
)

type edgeState int

const (
	edgePending edgeState = iota
	edgeLive
	edgeDead
	edgeErrored
)

// walker traverses one level of the graph: the outer run (owner "") or a
// single iteration of a loop body (owner is the LOOP node id). All fields
// are owned by the goroutine calling walk; workers only see scope
// snapshots and report back over a channel.
type walker struct {
	r           *run
	owner       string
	scope       *Scope
	concurrency int

	members  []string
	member   map[string]bool
	incoming map[string][]Edge
	outgoing map[string][]Edge

	state    map[string]edgeState
	arrivals map[string][]BranchStatus
	queued   map[string]bool
	results  map[string]NodeResult
	queue    *readyQueue

	// failed is the first result whose error no downstream merge tolerates.
	failed *NodeResult

	// onStart and record are set on the outer walker only; loop bodies
	// produce no logs or events.
	onStart func(node NodeConfig)
	record  func(res NodeResult, failing bool) NodeResult
}

func (r *run) newWalker(owner string, scope *Scope, concurrency int) *walker {
	t := r.topo
	w := &walker{
		r:           r,
		owner:       owner,
		scope:       scope,
		concurrency: concurrency,
		member:      make(map[string]bool),
		incoming:    make(map[string][]Edge),
		outgoing:    make(map[string][]Edge),
		state:       make(map[string]edgeState),
		arrivals:    make(map[string][]BranchStatus),
		queued:      make(map[string]bool),
		results:     make(map[string]NodeResult),
		queue:       newReadyQueue(),
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}

	if owner == "" {
		for _, id := range t.outerNodes() {
			n := t.nodes[id]
			if n.Type == NodeGroup && len(t.incoming[id]) == 0 && len(t.outgoing[id]) == 0 {
				continue
			}
			w.members = append(w.members, id)
		}
	} else {
		for _, id := range t.order {
			if t.bodyOf[id] == owner {
				w.members = append(w.members, id)
			}
		}
	}
	for _, id := range w.members {
		w.member[id] = true
	}
	for _, id := range w.members {
		for _, e := range t.outgoing[id] {
			if !w.member[e.Target] || t.isBackEdge(e) || t.isBodyEdge(e) {
				continue
			}
			w.outgoing[id] = append(w.outgoing[id], e)
			w.incoming[e.Target] = append(w.incoming[e.Target], e)
		}
	}
	return w
}

// seed marks results restored from a checkpoint as already terminal and
// rebuilds their outgoing edge states.
func (w *walker) seed(results []NodeResult) {
	for _, res := range results {
		if w.member[res.NodeID] {
			w.queued[res.NodeID] = true
		}
	}
	for _, res := range results {
		if !w.member[res.NodeID] {
			continue
		}
		w.results[res.NodeID] = res
		w.scope.Set(res)
		w.propagate(res)
	}
}

// walk runs every member node to a terminal state, stopping early on an
// untolerated failure or cancellation. It returns ctx's error when the
// context ended the walk; failures are reported through w.failed.
func (w *walker) walk(ctx context.Context) error {
	for _, id := range w.members {
		if len(w.incoming[id]) == 0 && !w.queued[id] {
			w.enqueue(id, nil)
		}
	}

	done := make(chan NodeResult, w.concurrency)
	inflight := 0
	for {
		for w.failed == nil && ctx.Err() == nil && inflight < w.concurrency {
			item, ok := w.queue.Pop()
			if !ok {
				break
			}
			node := w.r.topo.nodes[item.NodeID]
			if w.onStart != nil {
				w.onStart(node)
			}
			snap := w.scope.snapshot()
			inflight++
			go func(node NodeConfig, snap *Scope, arrivals []BranchStatus) {
				done <- w.r.runNode(ctx, node, snap, arrivals)
			}(node, snap, item.Arrivals)
		}
		if inflight == 0 {
			break
		}
		res := <-done
		inflight--
		if ctx.Err() != nil && res.Status == StatusError {
			// Interrupted by cancellation; never recorded.
			continue
		}
		w.complete(res)
	}
	return ctx.Err()
}

func (w *walker) enqueue(id string, arrivals []BranchStatus) {
	w.queued[id] = true
	w.queue.Push(readyItem{NodeID: id, Position: w.r.topo.position[id], Arrivals: arrivals})
}

// complete records a terminal result and resolves its outgoing edges.
func (w *walker) complete(res NodeResult) {
	tolerated := res.Status != StatusError || w.tolerated(res.NodeID)
	if !tolerated && w.failed == nil {
		f := res
		w.failed = &f
	}
	if w.record != nil {
		res = w.record(res, !tolerated)
	}
	w.results[res.NodeID] = res
	w.scope.Set(res)
	if tolerated {
		w.propagate(res)
	}
}

// tolerated reports whether an error from id flows into merges instead of
// failing the walk: every outgoing edge must lead to a MERGE with
// errorStrategy continue or collect.
func (w *walker) tolerated(id string) bool {
	outs := w.outgoing[id]
	if len(outs) == 0 {
		return false
	}
	for _, e := range outs {
		target := w.r.topo.nodes[e.Target]
		if target.Type != NodeMerge || !mergeSpecOf(target).tolerates() {
			return false
		}
	}
	return true
}

func (w *walker) propagate(res NodeResult) {
	for _, e := range w.outgoing[res.NodeID] {
		st := edgeDead
		switch {
		case res.Status == StatusError:
			st = edgeErrored
		case res.Status == StatusSuccess && edgeSelected(res, e):
			st = edgeLive
		}
		w.state[e.ID] = st
		if w.r.topo.nodes[e.Target].Type == NodeMerge {
			w.arrivals[e.Target] = append(w.arrivals[e.Target], branchFrom(res, st == edgeLive))
		}
		w.evaluate(e.Target)
	}
}

// evaluate queues or skips id once its incoming edges allow it.
func (w *walker) evaluate(id string) {
	if w.queued[id] {
		return
	}
	node := w.r.topo.nodes[id]
	if node.Type == NodeMerge {
		arrivals := w.arrivals[id]
		switch decideMerge(mergeSpecOf(node), arrivals, len(w.incoming[id])) {
		case mergeFire:
			w.enqueue(id, append([]BranchStatus(nil), arrivals...))
		case mergeSkip:
			w.skip(node)
		}
		return
	}

	live := 0
	for _, e := range w.incoming[id] {
		switch w.state[e.ID] {
		case edgePending:
			return
		case edgeLive:
			live++
		}
	}
	if live > 0 {
		w.enqueue(id, nil)
		return
	}
	w.skip(node)
}

func (w *walker) skip(node NodeConfig) {
	w.queued[node.ID] = true
	now := w.r.clock()
	w.complete(NodeResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		NodeType:  node.Type,
		Status:    StatusSkipped,
		StartedAt: now,
		EndedAt:   now,
	})
}

// sinkOutput is a loop iteration's result: the output of the body's single
// successful sink, or the successful sinks keyed by name.
func (w *walker) sinkOutput() any {
	var sinks []NodeResult
	for _, id := range w.members {
		if len(w.outgoing[id]) > 0 {
			continue
		}
		if res, ok := w.results[id]; ok && res.Status == StatusSuccess {
			sinks = append(sinks, res)
		}
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return cloneJSON(sinks[0].Output)
	}
	out := make(map[string]any, len(sinks))
	for _, s := range sinks {
		out[s.NodeName] = cloneJSON(s.Output)
	}
	return out
}

// runNode executes one node on a worker goroutine.
func (r *run) runNode(ctx context.Context, node NodeConfig, scope *Scope, arrivals []BranchStatus) NodeResult {
	env := &execEnv{
		now:      r.clock,
		arrivals: arrivals,
		hardCap:  r.opts.LoopHardCap,
		onLLM:    r.onLLM,
		onRetry:  r.onRetry,
	}
	if node.Type == NodeLoop && len(r.topo.loopBody[node.ID]) > 0 {
		env.body = r.loopBody(node)
	}

	r.metrics.NodeStarted()
	defer r.metrics.NodeFinished()

	res := executeNodeWithTimeout(ctx, node, r.opts.DefaultNodeTimeout, func(ctx context.Context) NodeResult {
		return r.eng.executor.execute(ctx, node, scope, env)
	})
	r.metrics.RecordNode(node.Type, res.Status, res.EndedAt.Sub(res.StartedAt))
	return res
}

// loopBody returns the per-iteration body runner for a LOOP node. Body
// nodes run one at a time against the iteration scope.
func (r *run) loopBody(loop NodeConfig) func(ctx context.Context, iter *Scope) (any, TokenUsage, error) {
	return func(ctx context.Context, iter *Scope) (any, TokenUsage, error) {
		w := r.newWalker(loop.ID, iter, 1)
		err := w.walk(ctx)

		var used TokenUsage
		for _, res := range w.results {
			if res.Tokens != nil {
				used.Input += res.Tokens.Input
				used.Output += res.Tokens.Output
				used.Total += res.Tokens.Total
			}
		}
		if err != nil {
			return nil, used, err
		}
		if w.failed != nil {
			code := w.failed.ErrorCode
			if code == "" {
				code = CodeInternal
			}
			return nil, used, &EngineError{
				Message: fmt.Sprintf("body node %q failed: %s", w.failed.NodeName, w.failed.Error),
				Code:    code,
			}
		}
		return w.sinkOutput(), used, nil
	}
}
