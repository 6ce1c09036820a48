package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ToolFunc is the unit of work bound to a node. It receives the current
// state and returns the successor state. Tools must treat the input state as
// immutable and derive updates through its copy-on-write methods.
//
// Suspending tools (network calls, LLM requests) should honor ctx
// cancellation. CPU-bound tools should be registered as synchronous so the
// engine can delegate them to the worker pool.
type ToolFunc func(ctx context.Context, s WorkflowState) (WorkflowState, error)

// NodeMeta carries optional descriptive metadata for a node and the Async
// flag that decides how its tool is scheduled. Async tools run inline on the
// engine goroutine (they are expected to suspend on I/O); synchronous tools
// are dispatched onto the worker pool when one is configured.
type NodeMeta struct {
	Description string
	Version     string
	Author      string
	Async       bool
}

// Node binds a name to a tool function. Nodes are built once per run from a
// graph definition and are not shared across runs.
type Node struct {
	name string
	meta NodeMeta
	fn   ToolFunc
}

// NewNode creates a node executing fn under the given name.
func NewNode(name string, fn ToolFunc, meta NodeMeta) *Node {
	return &Node{name: name, meta: meta, fn: fn}
}

// Name returns the node's unique name within its graph.
func (n *Node) Name() string { return n.name }

// Meta returns the node's metadata.
func (n *Node) Meta() NodeMeta { return n.meta }

type nodeOutcome struct {
	state WorkflowState
	err   error
}

// Execute runs the node's tool against state and returns the successor state
// and the wall-clock execution time.
//
// Failure contract: any error or panic raised by the tool is captured here,
// appended to the returned state's Errors, and reported as a *NodeError. The
// returned state is always usable; on failure it is the input state plus
// the error entry, so the engine can persist partial progress.
//
// Synchronous tools are submitted to pool when non-nil so a CPU-bound tool
// cannot monopolize the engine goroutine. Execution still completes before
// Execute returns; the pool bounds process-wide tool concurrency.
func (n *Node) Execute(ctx context.Context, state WorkflowState, pool *ants.Pool) (WorkflowState, time.Duration, error) {
	start := time.Now()

	input, err := state.Clone()
	if err != nil {
		return state, time.Since(start), &NodeError{Node: n.name, Message: err.Error(), Cause: err}
	}

	var out nodeOutcome
	if !n.meta.Async && pool != nil {
		done := make(chan nodeOutcome, 1)
		submitErr := pool.Submit(func() {
			done <- n.invoke(ctx, input)
		})
		if submitErr != nil {
			// Pool saturated or released; fall back to inline execution.
			out = n.invoke(ctx, input)
		} else {
			out = <-done
		}
	} else {
		out = n.invoke(ctx, input)
	}

	elapsed := time.Since(start)
	if out.err != nil {
		failed := state.AddError(fmt.Sprintf("node %s: %v", n.name, out.err))
		return failed, elapsed, &NodeError{Node: n.name, Message: out.err.Error(), Cause: out.err}
	}
	return out.state, elapsed, nil
}

// invoke calls the tool with panic capture.
func (n *Node) invoke(ctx context.Context, state WorkflowState) (out nodeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = nodeOutcome{state: state, err: fmt.Errorf("panic: %v", r)}
		}
	}()
	next, err := n.fn(ctx, state)
	return nodeOutcome{state: next, err: err}
}
