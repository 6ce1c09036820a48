package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowState is the value that flows from node to node during a run.
//
// A state carries the identifiers of the workflow and run it belongs to, the
// engine-maintained iteration counter, an open user payload (Data), and the
// errors and warnings accumulated so far. Config holds optional execution
// hints supplied at run start (quality thresholds, feature toggles).
//
// States use immutable-update semantics: every mutating method returns a new
// WorkflowState and leaves the receiver untouched. Nodes receive a state,
// derive a new one, and return it; the engine never hands the same state
// value to two nodes.
//
// Example:
//
//	s := graph.NewState("wf-review", "run_a1b2c3")
//	s = s.SetData("count", 1)
//	s = s.AddWarning("input truncated")
//	fmt.Println(s.GetInt("count")) // 1
//
// A WorkflowState serializes losslessly to and from a JSON object with
// snake_case keys; this is the representation persisted on Run rows.
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Iteration  int            `json:"iteration"`
	Data       map[string]any `json:"data"`
	Errors     []string       `json:"errors"`
	Warnings   []string       `json:"warnings"`
	Config     map[string]any `json:"config"`
}

// NewState creates an empty WorkflowState for the given workflow and run.
// Data and Config start as empty maps, Errors and Warnings as empty slices,
// and Timestamp is set to the current time.
func NewState(workflowID, runID string) WorkflowState {
	return WorkflowState{
		WorkflowID: workflowID,
		RunID:      runID,
		Timestamp:  time.Now().UTC(),
		Iteration:  0,
		Data:       map[string]any{},
		Errors:     []string{},
		Warnings:   []string{},
		Config:     map[string]any{},
	}
}

// SetData returns a copy of the state with Data[key] set to value.
func (s WorkflowState) SetData(key string, value any) WorkflowState {
	next := s
	next.Data = copyMap(s.Data)
	next.Data[key] = value
	return next
}

// MergeData returns a copy of the state with every entry of values merged
// into Data. Existing keys are overwritten.
func (s WorkflowState) MergeData(values map[string]any) WorkflowState {
	next := s
	next.Data = copyMap(s.Data)
	for k, v := range values {
		next.Data[k] = v
	}
	return next
}

// AddError returns a copy of the state with msg appended to Errors.
func (s WorkflowState) AddError(msg string) WorkflowState {
	next := s
	next.Errors = append(append([]string{}, s.Errors...), msg)
	return next
}

// AddWarning returns a copy of the state with msg appended to Warnings.
func (s WorkflowState) AddWarning(msg string) WorkflowState {
	next := s
	next.Warnings = append(append([]string{}, s.Warnings...), msg)
	return next
}

// WithIteration returns a copy of the state with Iteration set to n.
// The engine calls this after each node execution; tools should not.
func (s WorkflowState) WithIteration(n int) WorkflowState {
	next := s
	next.Iteration = n
	return next
}

// Get returns the raw Data value for key and whether it was present.
func (s WorkflowState) Get(key string) (any, bool) {
	v, ok := s.Data[key]
	return v, ok
}

// GetString returns Data[key] as a string, or "" if absent or not a string.
func (s WorkflowState) GetString(key string) string {
	if v, ok := s.Data[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat returns Data[key] as a float64, coercing integer values.
// Returns 0 if the key is absent or not numeric. JSON decoding stores all
// numbers as float64, so this is the canonical numeric accessor.
func (s WorkflowState) GetFloat(key string) float64 {
	switch v := s.Data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// GetInt returns Data[key] truncated to an int. See GetFloat for coercion.
func (s WorkflowState) GetInt(key string) int {
	return int(s.GetFloat(key))
}

// GetBool returns Data[key] as a bool, or false if absent or not a bool.
func (s WorkflowState) GetBool(key string) bool {
	if v, ok := s.Data[key].(bool); ok {
		return v
	}
	return false
}

// Clone returns a deep copy of the state produced by a JSON round trip.
// The engine clones the state before handing it to a node so that a failing
// node cannot corrupt the last good state.
//
// Returns an error if the state contains values that cannot be serialized to
// JSON (channels, functions); such values are invalid in Data to begin with.
func (s WorkflowState) Clone() (WorkflowState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return WorkflowState{}, fmt.Errorf("clone state: %w", err)
	}
	var out WorkflowState
	if err := json.Unmarshal(raw, &out); err != nil {
		return WorkflowState{}, fmt.Errorf("clone state: %w", err)
	}
	out.normalize()
	return out, nil
}

// MarshalState serializes the state to its canonical JSON form.
func MarshalState(s WorkflowState) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a state from its canonical JSON form. Nil maps and
// slices are normalized to empty so that decoded states behave identically
// to freshly constructed ones.
func UnmarshalState(raw []byte) (WorkflowState, error) {
	var s WorkflowState
	if err := json.Unmarshal(raw, &s); err != nil {
		return WorkflowState{}, fmt.Errorf("decode state: %w", err)
	}
	s.normalize()
	return s, nil
}

func (s *WorkflowState) normalize() {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	if s.Config == nil {
		s.Config = map[string]any{}
	}
	if s.Errors == nil {
		s.Errors = []string{}
	}
	if s.Warnings == nil {
		s.Warnings = []string{}
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
