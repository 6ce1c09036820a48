package graph

import (
	"fmt"
	"sort"
)

// Graph is the static shape of a workflow: nodes indexed by name, ordered
// edges, and an entry point. A Graph instance is built per run and is not
// shared; it holds no execution state.
//
// Edges reference nodes by name, so cyclic workflows introduce no ownership
// cycles in the structure itself. Cycles are legal (a conditional self-loop
// or back-edge is the mechanism for bounded loops) and are surfaced through
// FindCycles for visualization, not rejected.
type Graph struct {
	Name        string
	Description string

	nodes      map[string]*Node
	nodeOrder  []string
	edges      *EdgeManager
	entryPoint string
}

// NewGraph creates an empty graph with the given name.
func NewGraph(name, description string) *Graph {
	return &Graph{
		Name:        name,
		Description: description,
		nodes:       make(map[string]*Node),
		edges:       NewEdgeManager(),
	}
}

// AddNode registers a node. Re-adding a name returns an error; node names
// are unique within a graph.
func (g *Graph) AddNode(n *Node) error {
	if _, exists := g.nodes[n.Name()]; exists {
		return fmt.Errorf("node %q already exists in graph %q", n.Name(), g.Name)
	}
	g.nodes[n.Name()] = n
	g.nodeOrder = append(g.nodeOrder, n.Name())
	return nil
}

// AddEdge registers an unconditional edge from -> to.
func (g *Graph) AddEdge(from, to string) {
	g.edges.Add(Edge{From: from, To: to})
}

// AddConditionalEdge registers an edge taken only when pred returns true.
func (g *Graph) AddConditionalEdge(from, to string, pred Predicate) {
	g.edges.Add(Edge{From: from, To: to, When: pred})
}

// SetEntryPoint sets the node traversal starts from.
func (g *Graph) SetEntryPoint(name string) { g.entryPoint = name }

// EntryPoint returns the configured entry node name.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Node returns the node with the given name, or nil.
func (g *Graph) Node(name string) *Node { return g.nodes[name] }

// NodeNames returns all node names in insertion order.
func (g *Graph) NodeNames() []string {
	return append([]string{}, g.nodeOrder...)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// Edges returns the graph's edge index.
func (g *Graph) Edges() *EdgeManager { return g.edges }

// Validate checks the graph's structural invariants and returns a
// *ValidationError naming the first offense. Checks run in a fixed order:
//
//  1. The entry point is set and names a known node.
//  2. Every edge endpoint names a known node.
//  3. No node has an unconditional self-loop.
//  4. Every node is reachable from the entry point.
//
// Cycles do not fail validation; use FindCycles to report them.
func (g *Graph) Validate() error {
	if g.entryPoint == "" {
		return &ValidationError{
			Message: "entry point is not set",
			Code:    "ENTRY_POINT_MISSING",
		}
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return &ValidationError{
			Message: fmt.Sprintf("entry point %q is not a node", g.entryPoint),
			Code:    "ENTRY_POINT_UNKNOWN",
		}
	}

	for _, e := range g.edges.All() {
		if _, ok := g.nodes[e.From]; !ok {
			return &ValidationError{
				Message: fmt.Sprintf("edge references unknown source node %q", e.From),
				Code:    "EDGE_ENDPOINT_UNKNOWN",
			}
		}
		if _, ok := g.nodes[e.To]; !ok {
			return &ValidationError{
				Message: fmt.Sprintf("edge references unknown target node %q", e.To),
				Code:    "EDGE_ENDPOINT_UNKNOWN",
			}
		}
	}

	for _, e := range g.edges.All() {
		if e.From == e.To && !e.Conditional() {
			return &ValidationError{
				Message: fmt.Sprintf("node %q has an unconditional self-loop", e.From),
				Code:    "UNCONDITIONAL_SELF_LOOP",
			}
		}
	}

	reached := g.reachable()
	for _, name := range g.nodeOrder {
		if !reached[name] {
			return &ValidationError{
				Message: fmt.Sprintf("node %q is not reachable from entry point %q", name, g.entryPoint),
				Code:    "NODE_UNREACHABLE",
			}
		}
	}
	return nil
}

// reachable returns the set of nodes reachable from the entry point via a
// breadth-first walk of the directed edges.
func (g *Graph) reachable() map[string]bool {
	seen := map[string]bool{g.entryPoint: true}
	queue := []string{g.entryPoint}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.edges.From(cur) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

// FindCycles returns every elementary cycle discovered by a depth-first walk
// from the entry point, as ordered node-name slices. This is an advisory API
// for visualization and diagnostics; cycles are legal.
func (g *Graph) FindCycles() [][]string {
	var cycles [][]string
	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	var stack []string

	var visit func(name string)
	visit = func(name string) {
		state[name] = 1
		stack = append(stack, name)
		for _, e := range g.edges.From(name) {
			switch state[e.To] {
			case 0:
				visit(e.To)
			case 1:
				// Back edge: slice the current stack from the cycle head.
				for i, n := range stack {
					if n == e.To {
						cycles = append(cycles, append([]string{}, stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = 2
	}

	if _, ok := g.nodes[g.entryPoint]; ok {
		visit(g.entryPoint)
	}
	// Nodes unreachable from the entry point can still form cycles worth
	// reporting before validation runs.
	names := append([]string{}, g.nodeOrder...)
	sort.Strings(names)
	for _, name := range names {
		if state[name] == 0 {
			visit(name)
		}
	}
	return cycles
}

// EndNodes returns the names of nodes with no outgoing edges, in insertion
// order. Useful for rendering; traversal termination is decided dynamically
// by predicate evaluation, not by this set.
func (g *Graph) EndNodes() []string {
	var out []string
	for _, name := range g.nodeOrder {
		if len(g.edges.From(name)) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Definition is the serialized wire form of a graph: node and edge lists
// referencing tools and predicates by name. This is what travels through the
// HTTP surface and the graphs table; it is rehydrated into an executable
// Graph through the tool and predicate registries.
type Definition struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []NodeDef `json:"nodes"`
	Edges       []EdgeDef `json:"edges"`
	EntryPoint  string    `json:"entry_point"`
}

// NodeDef names a node and the registered tool it executes.
type NodeDef struct {
	Name string `json:"name"`
	Tool string `json:"tool"`
}

// EdgeDef is a serialized edge. An empty Condition means unconditional;
// otherwise Condition names a registered predicate.
type EdgeDef struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}
