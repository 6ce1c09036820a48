package graph

import (
	"context"
	"fmt"
)

// Predicate decides whether a conditional edge is taken for the current
// state. Predicates must be pure with respect to the state: evaluating one
// must not mutate it. A predicate may suspend (ctx-aware I/O) but most are
// plain inspections of state data.
type Predicate func(ctx context.Context, s WorkflowState) (bool, error)

// Edge is a directed transition between two nodes. A nil When makes the edge
// unconditional: it is always taken when reached during routing.
type Edge struct {
	From string
	To   string
	When Predicate
}

// Conditional reports whether the edge carries a predicate.
func (e Edge) Conditional() bool { return e.When != nil }

// EdgeManager indexes edges by source node and resolves the next node during
// traversal. Edges are kept in insertion order per source; Next selects the
// first edge whose predicate passes (an unconditional edge always passes),
// so callers wanting fallthrough behavior register unconditional edges last.
type EdgeManager struct {
	edges    []Edge
	bySource map[string][]int
}

// NewEdgeManager creates an empty edge index.
func NewEdgeManager() *EdgeManager {
	return &EdgeManager{bySource: make(map[string][]int)}
}

// Add appends an edge, preserving per-source insertion order.
func (m *EdgeManager) Add(e Edge) {
	m.bySource[e.From] = append(m.bySource[e.From], len(m.edges))
	m.edges = append(m.edges, e)
}

// From returns the outgoing edges of node in insertion order.
func (m *EdgeManager) From(node string) []Edge {
	idx := m.bySource[node]
	out := make([]Edge, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.edges[i])
	}
	return out
}

// All returns every edge in insertion order.
func (m *EdgeManager) All() []Edge {
	return append([]Edge{}, m.edges...)
}

// Len returns the number of registered edges.
func (m *EdgeManager) Len() int { return len(m.edges) }

// Next resolves the node to visit after current. It walks current's outgoing
// edges in insertion order and selects the first whose predicate returns
// true; an edge without a predicate is selected immediately.
//
// Returns ("", false, nil) when no edge matches: current is a terminal node
// for this state. A predicate error aborts routing with an *EdgeError.
func (m *EdgeManager) Next(ctx context.Context, current string, s WorkflowState) (string, bool, error) {
	for _, i := range m.bySource[current] {
		e := m.edges[i]
		if e.When == nil {
			return e.To, true, nil
		}
		ok, err := e.When(ctx, s)
		if err != nil {
			return "", false, &EdgeError{From: e.From, To: e.To, Message: err.Error(), Cause: err}
		}
		if ok {
			return e.To, true, nil
		}
	}
	return "", false, nil
}

// Common predicate constructors. These cover the conditions a serialized
// graph definition typically names; domain workflows register their own.

// DataEquals matches when Data[key] deep-equals value after JSON-style
// numeric coercion (all numbers compared as float64).
func DataEquals(key string, value any) Predicate {
	return func(_ context.Context, s WorkflowState) (bool, error) {
		got, ok := s.Get(key)
		if !ok {
			return false, nil
		}
		if gf, wf, numeric := asFloats(got, value); numeric {
			return gf == wf, nil
		}
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", value), nil
	}
}

// DataGreaterThan matches when Data[key] is numeric and strictly greater
// than threshold.
func DataGreaterThan(key string, threshold float64) Predicate {
	return func(_ context.Context, s WorkflowState) (bool, error) {
		if _, ok := s.Get(key); !ok {
			return false, nil
		}
		return s.GetFloat(key) > threshold, nil
	}
}

// DataLessThan matches when Data[key] is numeric and strictly less than
// threshold.
func DataLessThan(key string, threshold float64) Predicate {
	return func(_ context.Context, s WorkflowState) (bool, error) {
		if _, ok := s.Get(key); !ok {
			return false, nil
		}
		return s.GetFloat(key) < threshold, nil
	}
}

// HasNoErrors matches when the state has accumulated no errors.
func HasNoErrors() Predicate {
	return func(_ context.Context, s WorkflowState) (bool, error) {
		return len(s.Errors) == 0, nil
	}
}

func asFloats(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
