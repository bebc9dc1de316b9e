package dag

import (
	"fmt"
	"slices"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddNode adds a new node with the given ID to the graph. If a node with
// the same ID already exists, the function does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}

	g.nodes[id] = &node{
		id:         id,
		index:      len(g.order),
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
	g.order = append(g.order, id)
}

// AddEdge creates a directed edge from the `fromID` node to the `toID` node.
// This signifies that `toID` has a dependency on `fromID`. An error is returned
// if either node does not exist or if the edge would create a self-reference.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}

	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode

	return nil
}

// Has reports whether a node with the given ID exists.
func (g *Graph) Has(id string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.order)
}

// Nodes returns all node IDs in insertion order.
func (g *Graph) Nodes() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return slices.Clone(g.order)
}

// Dependencies returns the IDs of the nodes the given node depends on, in
// insertion order.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedIDs(n.deps), nil
}

// Dependents returns the IDs of the nodes that depend on the given node, in
// insertion order.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedIDs(n.dependents), nil
}

// DetectCycles checks the graph for cycles. It returns a *CycleError naming
// the first cycle found, walking nodes and their dependencies in insertion
// order.
func (g *Graph) DetectCycles() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.detectCyclesLocked()
}

func (g *Graph) detectCyclesLocked() error {
	// permanent: fully visited and known to be outside any cycle.
	// stack: the current DFS path, used to report the cycle.
	permanent := make(map[string]bool)
	onStack := make(map[string]int)
	var stack []string

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if pos, ok := onStack[n.id]; ok {
			path := append(slices.Clone(stack[pos:]), n.id)
			return &CycleError{Path: path}
		}

		onStack[n.id] = len(stack)
		stack = append(stack, n.id)

		for _, depID := range sortedIDs(n.deps) {
			if err := visit(n.deps[depID]); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range g.order {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalSort returns every node ID such that each node appears after all
// of its dependencies. Among nodes that are ready at the same time the one
// added first wins, so the result is deterministic.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if err := g.detectCyclesLocked(); err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(g.nodes))
	var ready []*node
	for _, id := range g.order {
		n := g.nodes[id]
		remaining[id] = len(n.deps)
		if len(n.deps) == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		// ready is kept sorted by insertion index.
		n := ready[0]
		ready = ready[1:]
		out = append(out, n.id)

		for _, depID := range sortedIDs(n.dependents) {
			remaining[depID]--
			if remaining[depID] == 0 {
				d := n.dependents[depID]
				i, _ := slices.BinarySearchFunc(ready, d.index, func(x *node, idx int) int {
					return x.index - idx
				})
				ready = slices.Insert(ready, i, d)
			}
		}
	}
	return out, nil
}

// sortedIDs returns the keys of a neighbor set ordered by insertion index.
func sortedIDs(set map[string]*node) []string {
	nodes := make([]*node, 0, len(set))
	for _, n := range set {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b *node) int { return a.index - b.index })

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.id
	}
	return ids
}
