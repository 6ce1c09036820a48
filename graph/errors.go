package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine loop. Callers distinguish them with
// errors.Is to decide the terminal run status.
var (
	// ErrMaxIterations is returned when a run reaches the configured
	// iteration bound before traversal terminates. It is the guard against
	// runaway conditional loops.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrRunTimeout is returned when the per-run wall-clock budget elapses.
	// It is checked between nodes; a node already executing is not preempted.
	ErrRunTimeout = errors.New("run timeout exceeded")

	// ErrRunCancelled is returned when cancellation was requested for the
	// run. Like the timeout it takes effect at the next loop head.
	ErrRunCancelled = errors.New("run cancelled")
)

// ValidationError reports the first structural offense found by
// Graph.Validate. Code is a stable machine-readable identifier.
//
// Codes:
//   - ENTRY_POINT_MISSING: no entry point set
//   - ENTRY_POINT_UNKNOWN: entry point names no node
//   - EDGE_ENDPOINT_UNKNOWN: an edge references a missing node
//   - UNCONDITIONAL_SELF_LOOP: a node loops to itself without a predicate
//   - NODE_UNREACHABLE: a node cannot be reached from the entry point
type ValidationError struct {
	Message string
	Code    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph validation failed: %s", e.Message)
}

// NodeError wraps a failure raised by a node's tool. The engine captures it,
// appends the message to the state's error list, and terminates the run.
type NodeError struct {
	Node    string
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q failed: %s", e.Node, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Cause }

// EdgeError wraps a failure raised by an edge predicate during routing.
// A failing predicate aborts the run; silently skipping the edge would make
// routing depend on which predicates happen to error.
type EdgeError struct {
	From    string
	To      string
	Message string
	Cause   error
}

func (e *EdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s: condition failed: %s", e.From, e.To, e.Message)
}

func (e *EdgeError) Unwrap() error { return e.Cause }
