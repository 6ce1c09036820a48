package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// LogEmitter writes events to an io.Writer, one per line, either as a short
// human-readable text form or as JSONL. Writes are serialized so concurrent
// runs do not interleave partial lines.
type LogEmitter struct {
	mu       sync.Mutex
	w        io.Writer
	jsonMode bool
}

// NewLogEmitter creates a text-mode LogEmitter writing to w.
func NewLogEmitter(w io.Writer) *LogEmitter {
	return &LogEmitter{w: w}
}

// NewJSONLogEmitter creates a LogEmitter writing one JSON object per line.
func NewJSONLogEmitter(w io.Writer) *LogEmitter {
	return &LogEmitter{w: w, jsonMode: true}
}

// Emit writes the event. Write errors are swallowed; an observability sink
// must not fail a run.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		raw, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(l.w, "%s\n", raw)
		return
	}

	switch event.Type {
	case TypeNodeCompleted:
		fmt.Fprintf(l.w, "[%s] %s node=%s iter=%d %dms\n",
			event.RunID, event.Type, event.NodeName, event.Iteration, event.DurationMS)
	case TypeWorkflowCompleted:
		fmt.Fprintf(l.w, "[%s] %s status=%s iters=%d %dms\n",
			event.RunID, event.Type, event.Status, event.TotalIterations, event.TotalDurationMS)
	case TypeError:
		fmt.Fprintf(l.w, "[%s] %s node=%s msg=%s\n",
			event.RunID, event.Type, event.NodeName, event.Message)
	default:
		fmt.Fprintf(l.w, "[%s] %s node=%s iter=%d\n",
			event.RunID, event.Type, event.CurrentNode, event.Iteration)
	}
}
