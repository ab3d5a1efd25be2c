package reflow

import "sync"

// ExecutionNode is the finalized snapshot of one execution context.
type ExecutionNode struct {
	ID       string
	ParentID string
	Tags     map[any]any
}

// GetTag reads a tag from the snapshot.
func (n *ExecutionNode) GetTag(tag any) (any, bool) {
	v, ok := n.Tags[tag]
	return v, ok
}

// SetTag is present to satisfy the typed tag accessors; nodes are
// otherwise immutable snapshots.
func (n *ExecutionNode) SetTag(tag any, val any) {
	n.Tags[tag] = val
}

// ExecutionTree is the scope's bounded record of finished executions.
// When the node budget is exceeded the oldest root and its subtree are
// evicted.
type ExecutionTree struct {
	mu       sync.RWMutex
	nodes    map[string]*ExecutionNode
	byParent map[string][]string
	roots    []string
	limit    int
}

func newExecutionTree(limit int) *ExecutionTree {
	return &ExecutionTree{
		nodes:    make(map[string]*ExecutionNode),
		byParent: make(map[string][]string),
		limit:    limit,
	}
}

func (t *ExecutionTree) addNode(node *ExecutionNode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes[node.ID] = node
	if node.ParentID == "" {
		t.roots = append(t.roots, node.ID)
	} else {
		t.byParent[node.ParentID] = append(t.byParent[node.ParentID], node.ID)
	}

	for len(t.nodes) > t.limit && len(t.roots) > 0 {
		oldest := t.roots[0]
		t.roots = t.roots[1:]
		t.removeSubtree(oldest)
	}
}

func (t *ExecutionTree) removeSubtree(id string) {
	delete(t.nodes, id)
	children := t.byParent[id]
	delete(t.byParent, id)
	for _, child := range children {
		t.removeSubtree(child)
	}
}

// GetNode returns a node by id.
func (t *ExecutionTree) GetNode(id string) *ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

// GetChildren returns the direct children of a node.
func (t *ExecutionTree) GetChildren(id string) []*ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.byParent[id]
	out := make([]*ExecutionNode, 0, len(ids))
	for _, cid := range ids {
		if n := t.nodes[cid]; n != nil {
			out = append(out, n)
		}
	}
	return out
}

// GetRoots returns all root executions, oldest first.
func (t *ExecutionTree) GetRoots() []*ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ExecutionNode, 0, len(t.roots))
	for _, id := range t.roots {
		if n := t.nodes[id]; n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Filter returns every node matching the predicate.
func (t *ExecutionTree) Filter(pred func(*ExecutionNode) bool) []*ExecutionNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*ExecutionNode
	for _, n := range t.nodes {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out
}

// Walk visits a subtree depth-first; the visitor returns false to stop
// descending.
func (t *ExecutionTree) Walk(rootID string, visit func(*ExecutionNode) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.walk(rootID, visit)
}

func (t *ExecutionTree) walk(id string, visit func(*ExecutionNode) bool) {
	n := t.nodes[id]
	if n == nil || !visit(n) {
		return
	}
	for _, child := range t.byParent[id] {
		t.walk(child, visit)
	}
}
