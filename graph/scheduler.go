package graph

import "container/heap"

// readyItem is a node whose incoming edges are resolved and that is waiting
// for a free worker slot.
type readyItem struct {
	NodeID string
	// Position is the node's index in the workflow's node list. Ready
	// nodes are dispatched lowest position first.
	Position int
	// Arrivals is the frozen branch view handed to a MERGE node.
	Arrivals []BranchStatus
}

type readyHeap []readyItem

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].Position < h[j].Position }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(readyItem))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue orders ready nodes by declaration position so that dispatch
// order does not depend on which worker finished first. It is owned by a
// single coordinator goroutine and is not safe for concurrent use.
type readyQueue struct {
	items readyHeap
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(&q.items)
	return q
}

func (q *readyQueue) Push(item readyItem) {
	heap.Push(&q.items, item)
}

// Pop removes the ready node with the lowest position.
func (q *readyQueue) Pop() (readyItem, bool) {
	if q.items.Len() == 0 {
		return readyItem{}, false
	}
	return heap.Pop(&q.items).(readyItem), true
}

func (q *readyQueue) Len() int {
	return q.items.Len()
}
