// Package graph implements the workflow orchestration core: the state
// container, the graph model and its validator, and the execution engine
// that walks a graph node by node while logging and emitting progress.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge-io/flowforge/graph/emit"
)

// StepLogger persists per-node execution log rows. The engine writes the
// row for a step BEFORE publishing the corresponding event, so a subscriber
// that observes an event can immediately read the row back from the
// repository.
//
// Implementations should retry transient failures internally; an error
// returned here terminates the run as failed.
type StepLogger interface {
	LogStart(ctx context.Context, runID, node string, iteration int) error
	LogComplete(ctx context.Context, runID, node string, iteration int, d time.Duration) error
	LogFailed(ctx context.Context, runID, node string, iteration int, d time.Duration, msg string) error
}

// NopStepLogger discards all log rows. Used in tests and by callers that
// execute graphs without persistence.
type NopStepLogger struct{}

func (NopStepLogger) LogStart(context.Context, string, string, int) error { return nil }
func (NopStepLogger) LogComplete(context.Context, string, string, int, time.Duration) error {
	return nil
}
func (NopStepLogger) LogFailed(context.Context, string, string, int, time.Duration, string) error {
	return nil
}

// Result is what an execution produces, returned on success AND on failure.
// On failure FinalState is the last state observed, so callers can persist
// partial progress alongside the error.
type Result struct {
	FinalState WorkflowState
	Iterations int
	Duration   time.Duration
}

// Engine executes validated graphs. An Engine is stateless across runs and
// safe for concurrent use; each Execute call owns its traversal locals.
type Engine struct {
	logger  StepLogger
	emitter emit.Emitter
	opts    Options
}

// NewEngine creates an engine writing log rows through logger and events
// through emitter. Pass NopStepLogger / emit.Null{} to disable either.
func NewEngine(logger StepLogger, emitter emit.Emitter, opts ...Option) *Engine {
	if logger == nil {
		logger = NopStepLogger{}
	}
	if emitter == nil {
		emitter = emit.Null{}
	}
	return &Engine{logger: logger, emitter: emitter, opts: buildOptions(opts)}
}

// Execute walks g from its entry point against initial until traversal
// terminates. The graph must have passed Validate.
//
// Loop contract, per iteration:
//
//  1. Fail with ErrMaxIterations when the iteration bound is reached.
//  2. Fail with ErrRunCancelled / ErrRunTimeout when ctx is done or the
//     wall-clock budget has elapsed. These checks run only between nodes;
//     an executing node is never preempted.
//  3. Log the node start, then publish status_update.
//  4. Execute the node. A tool failure is appended to the state's errors
//     and terminates the run with a *NodeError.
//  5. Log completion, then publish node_completed and progress_update.
//  6. Route via the edge manager; no matching edge ends the run cleanly.
//
// The iteration counter increments once per executed node, including a
// final failed one. Execute does not publish the terminal
// workflow_completed event: the coordinator does, after persisting the
// terminal run record, so subscribers never observe a terminal event ahead
// of the row it describes.
func (e *Engine) Execute(ctx context.Context, g *Graph, initial WorkflowState) (Result, error) {
	state := initial
	current := g.EntryPoint()
	iterations := 0
	start := time.Now()
	runID := state.RunID

	result := func() Result {
		return Result{FinalState: state, Iterations: iterations, Duration: time.Since(start)}
	}

	for current != "" {
		if iterations >= e.opts.MaxIterations {
			return result(), fmt.Errorf("%w: reached limit of %d node executions", ErrMaxIterations, e.opts.MaxIterations)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return result(), ErrRunTimeout
			}
			return result(), ErrRunCancelled
		default:
		}
		if e.opts.Timeout > 0 && time.Since(start) > e.opts.Timeout {
			return result(), ErrRunTimeout
		}

		node := g.Node(current)
		if node == nil {
			return result(), fmt.Errorf("graph %q has no node %q", g.Name, current)
		}

		if err := e.logger.LogStart(ctx, runID, current, iterations); err != nil {
			return result(), fmt.Errorf("persist log for node %q: %w", current, err)
		}
		e.emitter.Emit(emit.NewStatusUpdate(runID, "running", current, iterations))
		e.emitter.Emit(emit.NewLogEntry(runID, current, "started", iterations, ""))

		next, elapsed, execErr := node.Execute(ctx, state, e.opts.Pool)
		if e.opts.Metrics != nil {
			e.opts.Metrics.ObserveNode(current, elapsed, execErr != nil)
		}
		if execErr != nil {
			state = next // carries the appended error entry
			iterations++
			if logErr := e.logger.LogFailed(ctx, runID, current, iterations-1, elapsed, execErr.Error()); logErr != nil {
				return result(), fmt.Errorf("persist log for node %q: %w", current, logErr)
			}
			e.emitter.Emit(emit.NewLogEntry(runID, current, "failed", iterations-1, execErr.Error()))
			e.emitter.Emit(emit.NewError(runID, execErr.Error(), current))
			return result(), execErr
		}

		state = next.WithIteration(iterations)
		if err := e.logger.LogComplete(ctx, runID, current, iterations, elapsed); err != nil {
			return result(), fmt.Errorf("persist log for node %q: %w", current, err)
		}
		e.emitter.Emit(emit.NewNodeCompleted(runID, current, iterations, elapsed))
		e.emitter.Emit(emit.NewLogEntry(runID, current, "completed", iterations, ""))
		iterations++
		e.emitter.Emit(emit.NewProgressUpdate(runID, current, iterations, g.NodeCount()))

		nextNode, ok, err := g.Edges().Next(ctx, current, state)
		if err != nil {
			return result(), err
		}
		if !ok {
			break
		}
		current = nextNode
	}

	return result(), nil
}
