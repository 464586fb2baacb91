package graph

import "fmt"

// BranchStatus is the state of one MERGE predecessor as seen by the merge.
type BranchStatus struct {
	NodeID   string     `json:"nodeId"`
	NodeName string     `json:"nodeName"`
	Status   NodeStatus `json:"status"`
	Output   any        `json:"output,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type mergeVerdict int

const (
	mergeWait mergeVerdict = iota
	mergeFire
	mergeSkip
)

// decideMerge applies the join policy to the predecessors that have
// arrived so far, in arrival order. total is the number of incoming edges.
//
// collect always waits for every branch. Once every branch has arrived
// without a single success or error, the merge is skipped.
func decideMerge(spec MergeSpec, arrivals []BranchStatus, total int) mergeVerdict {
	var succeeded, failed int
	for _, a := range arrivals {
		switch a.Status {
		case StatusSuccess:
			succeeded++
		case StatusError:
			failed++
		}
	}
	allArrived := len(arrivals) >= total

	strategy := spec.MergeStrategy
	if spec.ErrorStrategy == ErrorCollect {
		strategy = MergeAll
	}
	switch strategy {
	case MergeAny:
		if succeeded > 0 {
			return mergeFire
		}
	case MergeRace:
		if succeeded+failed > 0 {
			return mergeFire
		}
	}
	if !allArrived {
		return mergeWait
	}
	if succeeded+failed == 0 {
		return mergeSkip
	}
	return mergeFire
}

// combineMerge builds the merge output from the arrived branches. It
// returns an error message when no branch succeeded.
func combineMerge(spec MergeSpec, arrivals []BranchStatus) (output any, branchErrors []BranchStatus, errMsg string) {
	var successes []BranchStatus
	for _, a := range arrivals {
		switch a.Status {
		case StatusSuccess:
			successes = append(successes, a)
		case StatusError:
			branchErrors = append(branchErrors, a)
		}
	}

	payload := mergePayload(spec.OutputMode, successes)

	if len(successes) == 0 && len(branchErrors) > 0 {
		errMsg = fmt.Sprintf("all %d merged branches failed; first error from %q: %s",
			len(branchErrors), branchErrors[0].NodeName, branchErrors[0].Error)
		if spec.ErrorStrategy != ErrorCollect {
			return nil, branchErrors, errMsg
		}
	}

	if spec.ErrorStrategy == ErrorCollect {
		branches := make([]any, 0, len(arrivals))
		for _, a := range arrivals {
			entry := map[string]any{
				"nodeId":   a.NodeID,
				"nodeName": a.NodeName,
				"status":   string(a.Status),
			}
			if a.Status == StatusSuccess {
				entry["output"] = toJSONValue(a.Output)
			}
			if a.Error != "" {
				entry["error"] = a.Error
			}
			branches = append(branches, entry)
		}
		return map[string]any{
			"results":   payload,
			"branches":  branches,
			"succeeded": len(successes),
			"failed":    len(branchErrors),
		}, nil, errMsg
	}
	return payload, branchErrors, ""
}

func mergePayload(mode string, successes []BranchStatus) any {
	switch mode {
	case OutputArray:
		out := make([]any, 0, len(successes))
		for _, s := range successes {
			out = append(out, toJSONValue(s.Output))
		}
		return out
	case OutputFirst:
		if len(successes) == 0 {
			return nil
		}
		return toJSONValue(successes[0].Output)
	default:
		out := make(map[string]any)
		for _, s := range successes {
			if m, ok := toJSONValue(s.Output).(map[string]any); ok {
				for k, v := range m {
					out[k] = v
				}
				continue
			}
			out[s.NodeName] = toJSONValue(s.Output)
		}
		return out
	}
}

// branchFrom converts a predecessor result into its merge view.
func branchFrom(res NodeResult, live bool) BranchStatus {
	b := BranchStatus{NodeID: res.NodeID, NodeName: res.NodeName, Status: res.Status}
	switch {
	case res.Status == StatusError:
		b.Error = res.Error
	case !live || res.Status == StatusSkipped:
		b.Status = StatusSkipped
	default:
		b.Output = res.Output
	}
	return b
}
