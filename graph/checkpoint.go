package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Checkpoint is the durable progress snapshot stored on an Execution.
//
// CompletedNodes holds value copies of every terminal outer-level result,
// keyed by node id. FailedNodeID names the node whose error stopped the run.
// WorkflowHash fingerprints the graph the results were produced by; a
// resume against a different graph is refused.
type Checkpoint struct {
	CompletedNodes map[string]NodeResult `json:"completedNodes"`
	FailedNodeID   *string               `json:"failedNodeId"`
	WorkflowHash   string                `json:"workflowHash"`
}

// NewCheckpoint creates an empty checkpoint bound to cfg.
func NewCheckpoint(cfg *WorkflowConfig) (*Checkpoint, error) {
	hash, err := ComputeWorkflowHash(cfg)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		CompletedNodes: make(map[string]NodeResult),
		WorkflowHash:   hash,
	}, nil
}

// Record stores a deep copy of res.
func (c *Checkpoint) Record(res NodeResult) {
	c.CompletedNodes[res.NodeID] = cloneResult(res)
}

// Fail marks nodeID as the node that stopped the run.
func (c *Checkpoint) Fail(nodeID string) {
	id := nodeID
	c.FailedNodeID = &id
}

// SuccessCount counts results with status success.
func (c *Checkpoint) SuccessCount() int {
	n := 0
	for _, r := range c.CompletedNodes {
		if r.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// Ordered returns the recorded results by completion sequence.
func (c *Checkpoint) Ordered() []NodeResult {
	out := make([]NodeResult, 0, len(c.CompletedNodes))
	for _, r := range c.CompletedNodes {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCheckpoint decodes a checkpoint blob.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.CompletedNodes == nil {
		c.CompletedNodes = make(map[string]NodeResult)
	}
	return &c, nil
}

// VerifyHash fails with ErrGraphChanged when cfg no longer matches.
func (c *Checkpoint) VerifyHash(cfg *WorkflowConfig) error {
	hash, err := ComputeWorkflowHash(cfg)
	if err != nil {
		return err
	}
	if hash != c.WorkflowHash {
		return &EngineError{
			Message: fmt.Sprintf("workflow graph has changed since the checkpoint was taken (checkpoint %s, current %s)", short(c.WorkflowHash), short(hash)),
			Code:    CodeGraphChanged,
		}
	}
	return nil
}

func short(hash string) string {
	const n = len("sha256:") + 12
	if len(hash) > n {
		return hash[:n]
	}
	return hash
}

type hashNode struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

// ComputeWorkflowHash returns "sha256:<hex>" over the canonical JSON of the
// graph's nodes and edges. Layout positions and node/edge ordering do not
// affect the hash; encoding/json sorts map keys so configs are canonical.
func ComputeWorkflowHash(cfg *WorkflowConfig) (string, error) {
	nodes := make([]hashNode, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes = append(nodes, hashNode{ID: n.ID, Type: n.Type, Name: n.Name, Config: n.Config})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := append([]Edge(nil), cfg.Edges...)
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	data, err := json.Marshal(struct {
		Nodes []hashNode `json:"nodes"`
		Edges []Edge     `json:"edges"`
	}{nodes, edges})
	if err != nil {
		return "", fmt.Errorf("hash workflow: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// cloneResult detaches res from engine memory: outputs are copied through
// JSON and timestamps are normalized to UTC without monotonic readings.
func cloneResult(res NodeResult) NodeResult {
	out := res
	out.Output = cloneJSON(res.Output)
	out.StartedAt = res.StartedAt.UTC().Round(0)
	out.EndedAt = res.EndedAt.UTC().Round(0)
	if res.Tokens != nil {
		t := *res.Tokens
		out.Tokens = &t
	}
	if res.BranchErrors != nil {
		out.BranchErrors = make([]BranchStatus, len(res.BranchErrors))
		for i, b := range res.BranchErrors {
			b.Output = cloneJSON(b.Output)
			out.BranchErrors[i] = b
		}
	}
	return out
}

func cloneJSON(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
