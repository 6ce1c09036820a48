// Package store defines the repository contract the run coordinator
// persists through, plus in-memory, SQLite, and MySQL implementations.
//
// The coordinator depends only on the Store interface; any backend that
// honors the contract (unique names, status lifecycle, log ordering,
// cascade delete of a run's logs) is interchangeable.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a graph, run, or log lookup misses.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique constraint (graph name,
	// run_id) would be violated.
	ErrDuplicate = errors.New("record already exists")
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one of the three end states.
// A run in a terminal state is immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Node log row statuses.
const (
	LogStarted   = "started"
	LogCompleted = "completed"
	LogFailed    = "failed"
	LogSkipped   = "skipped"
)

// GraphRecord is a persisted graph definition.
type GraphRecord struct {
	ID          int64
	Name        string
	Description string
	Definition  json.RawMessage
	EntryPoint  string
	Version     int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunRecord is one execution of a graph. State columns hold the canonical
// JSON serialization of a WorkflowState; pointer fields are null until the
// corresponding lifecycle step happens.
type RunRecord struct {
	ID                   int64
	RunID                string
	GraphID              int64
	Status               Status
	InitialState         json.RawMessage
	CurrentState         json.RawMessage
	FinalState           json.RawMessage
	StartedAt            *time.Time
	CompletedAt          *time.Time
	TotalIterations      *int
	TotalExecutionTimeMS *int64
	ErrorMessage         *string
	CreatedAt            time.Time
}

// LogRecord is one per-node audit row. Rows for a run are ordered by
// Timestamp with insertion order (ID) as the stable tiebreak.
type LogRecord struct {
	ID              int64
	RunID           string
	NodeName        string
	Status          string
	Iteration       int
	ExecutionTimeMS *int64
	Timestamp       time.Time
	ErrorMessage    *string
}

// RunFilter narrows ListRuns. Zero values mean "no filter"; Limit of zero
// applies the backend default of 50.
type RunFilter struct {
	GraphID int64
	Status  Status
	Skip    int
	Limit   int
}

// Stats is the aggregate summary served by /graph/stats/summary.
type Stats struct {
	Graphs             int            `json:"total_graphs"`
	TotalRuns          int            `json:"total_runs"`
	RunsByStatus       map[Status]int `json:"runs_by_status"`
	AvgExecutionTimeMS float64        `json:"avg_execution_time_ms"`
}

// Store is the repository contract. All operations are context-aware and
// individually atomic: a log append is a single row insert, a status change
// a single row update, so an engine-side retry of a persistence operation
// cannot corrupt a row.
type Store interface {
	// CreateGraph persists a definition and returns its id.
	// Fails with ErrDuplicate if the name is taken.
	CreateGraph(ctx context.Context, rec *GraphRecord) (int64, error)
	GraphByID(ctx context.Context, id int64) (*GraphRecord, error)
	GraphByName(ctx context.Context, name string) (*GraphRecord, error)
	ListGraphs(ctx context.Context, skip, limit int, activeOnly bool) ([]*GraphRecord, error)
	// DeleteGraph soft-deletes: the row stays, IsActive becomes false.
	DeleteGraph(ctx context.Context, id int64) error

	// CreateRun persists a pending run row and returns its id.
	CreateRun(ctx context.Context, rec *RunRecord) (int64, error)
	RunByRunID(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*RunRecord, error)
	// UpdateRunStatus transitions a run's lifecycle state. Only non-nil
	// timestamp/error arguments are written.
	UpdateRunStatus(ctx context.Context, runID string, status Status, startedAt, completedAt *time.Time, errMsg *string) error
	// UpdateRunState writes the opportunistic current_state snapshot.
	UpdateRunState(ctx context.Context, runID string, current json.RawMessage) error
	// UpdateFinalState writes the terminal state and totals.
	UpdateFinalState(ctx context.Context, runID string, final json.RawMessage, totalIterations int, totalMS int64) error

	AppendLog(ctx context.Context, rec *LogRecord) (int64, error)
	// LogsByRun returns a run's rows ordered by timestamp, id.
	LogsByRun(ctx context.Context, runID string) ([]*LogRecord, error)

	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
