// Package emit carries execution events from the engine to observers: the
// per-run broker feeding WebSocket subscribers, a structured log writer, and
// an OpenTelemetry span emitter.
package emit

import (
	"encoding/json"
	"time"
)

// Event type identifiers. These are the wire values sent to WebSocket
// subscribers in the "type" field.
const (
	TypeStatusUpdate      = "status_update"
	TypeNodeCompleted     = "node_completed"
	TypeWorkflowCompleted = "workflow_completed"
	TypeProgressUpdate    = "progress_update"
	TypeLogEntry          = "log"
	TypeError             = "error"
	TypePong              = "pong"
)

// Event is a single execution event. The struct doubles as the WebSocket
// wire format: Type and Timestamp are always present, the remaining fields
// are populated per event type and omitted otherwise.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`

	// status_update / workflow_completed
	Status      string `json:"status,omitempty"`
	CurrentNode string `json:"current_node,omitempty"`

	// node_completed / log
	NodeName   string `json:"node_name,omitempty"`
	NodeStatus string `json:"node_status,omitempty"`
	Iteration  int    `json:"iteration,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// progress_update
	CompletedNodes int     `json:"completed_nodes,omitempty"`
	TotalNodes     int     `json:"total_nodes,omitempty"`
	Progress       float64 `json:"progress_percentage,omitempty"`

	// workflow_completed
	FinalState      json.RawMessage `json:"final_state,omitempty"`
	TotalDurationMS int64           `json:"total_duration_ms,omitempty"`
	TotalIterations int             `json:"total_iterations,omitempty"`

	// error / log / workflow_completed
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the event ends its run's stream.
func (e Event) Terminal() bool {
	return e.Type == TypeWorkflowCompleted
}

// NewStatusUpdate announces that a run is executing the named node.
func NewStatusUpdate(runID, status, currentNode string, iteration int) Event {
	return Event{
		Type:        TypeStatusUpdate,
		Timestamp:   time.Now().UTC(),
		RunID:       runID,
		Status:      status,
		CurrentNode: currentNode,
		Iteration:   iteration,
	}
}

// NewNodeCompleted reports a finished node execution.
func NewNodeCompleted(runID, node string, iteration int, duration time.Duration) Event {
	return Event{
		Type:       TypeNodeCompleted,
		Timestamp:  time.Now().UTC(),
		RunID:      runID,
		NodeName:   node,
		NodeStatus: "completed",
		Iteration:  iteration,
		DurationMS: duration.Milliseconds(),
	}
}

// NewProgressUpdate reports traversal progress. Progress is a best-effort
// percentage; cyclic workflows can revisit nodes, so it is clamped to 100.
func NewProgressUpdate(runID, currentNode string, completed, total int) Event {
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return Event{
		Type:           TypeProgressUpdate,
		Timestamp:      time.Now().UTC(),
		RunID:          runID,
		CurrentNode:    currentNode,
		CompletedNodes: completed,
		TotalNodes:     total,
		Progress:       pct,
	}
}

// NewWorkflowCompleted is the terminal event for a run, successful or not.
// finalState may be nil when no state survived; errMsg is empty on success.
func NewWorkflowCompleted(runID, status string, finalState json.RawMessage, totalDuration time.Duration, totalIterations int, errMsg string) Event {
	return Event{
		Type:            TypeWorkflowCompleted,
		Timestamp:       time.Now().UTC(),
		RunID:           runID,
		Status:          status,
		FinalState:      finalState,
		TotalDurationMS: totalDuration.Milliseconds(),
		TotalIterations: totalIterations,
		Error:           errMsg,
	}
}

// NewLogEntry mirrors an execution-log row onto the event stream.
func NewLogEntry(runID, node, status string, iteration int, errMsg string) Event {
	return Event{
		Type:       TypeLogEntry,
		Timestamp:  time.Now().UTC(),
		RunID:      runID,
		NodeName:   node,
		NodeStatus: status,
		Iteration:  iteration,
		Error:      errMsg,
	}
}

// NewError reports a failure observed during a run. node may be empty for
// run-level failures.
func NewError(runID, message, node string) Event {
	return Event{
		Type:      TypeError,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Message:   message,
		NodeName:  node,
	}
}

// NewPong is the heartbeat reply to a WebSocket "ping" text frame.
func NewPong() Event {
	return Event{Type: TypePong, Timestamp: time.Now().UTC()}
}
