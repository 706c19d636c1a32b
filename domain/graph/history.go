package graph

// historyLimit bounds the undo stack to the last five structural changes.
const historyLimit = 5

type snapshot struct {
	nodes []*Node
	edges []*Edge
}

// history is a bounded undo/redo stack over the node and edge arrays.
// Ephemeral state (selection, presence) is deliberately excluded.
type history struct {
	limit int
	past  []snapshot
	next  []snapshot
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

// push records the state as it was before a structural change and clears the
// redo stack.
func (h *history) push(nodes []*Node, edges []*Edge) {
	h.past = append(h.past, capture(nodes, edges))
	if len(h.past) > h.limit {
		h.past = h.past[len(h.past)-h.limit:]
	}
	h.next = nil
}

// undo returns the snapshot to restore, capturing the current state onto the
// redo stack.
func (h *history) undo(nodes []*Node, edges []*Edge) ([]*Node, []*Edge, bool) {
	if len(h.past) == 0 {
		return nil, nil, false
	}
	snap := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.next = append(h.next, capture(nodes, edges))
	return snap.nodes, snap.edges, true
}

// redo re-applies the most recently undone snapshot.
func (h *history) redo(nodes []*Node, edges []*Edge) ([]*Node, []*Edge, bool) {
	if len(h.next) == 0 {
		return nil, nil, false
	}
	snap := h.next[len(h.next)-1]
	h.next = h.next[:len(h.next)-1]
	h.past = append(h.past, capture(nodes, edges))
	return snap.nodes, snap.edges, true
}

func capture(nodes []*Node, edges []*Edge) snapshot {
	snap := snapshot{
		nodes: make([]*Node, len(nodes)),
		edges: make([]*Edge, len(edges)),
	}
	for i, n := range nodes {
		snap.nodes[i] = n.Clone()
	}
	for i, e := range edges {
		c := *e
		snap.edges[i] = &c
	}
	return snap
}
