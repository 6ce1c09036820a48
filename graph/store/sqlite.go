package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore is the default Store, backed by a local SQLite database. It
// uses the pure-Go modernc driver, so no cgo is required.
//
// SQLite allows only one writer, so the connection pool is capped at a
// single connection; WAL mode keeps readers unblocked during writes.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path and ensures
// the schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS graphs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			entry_point TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			graph_id INTEGER NOT NULL REFERENCES graphs(id),
			status TEXT NOT NULL,
			initial_state TEXT,
			current_state TEXT,
			final_state TEXT,
			started_at TEXT,
			completed_at TEXT,
			total_iterations INTEGER,
			total_execution_time_ms INTEGER,
			error_message TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			node_name TEXT NOT NULL,
			status TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			execution_time_ms INTEGER,
			timestamp TEXT NOT NULL,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_graph_status ON runs(graph_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_run_timestamp ON execution_logs(run_id, timestamp)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("sqlite store %s is closed", s.path)
	}
	return nil
}

func (s *SQLiteStore) CreateGraph(ctx context.Context, rec *GraphRecord) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	version := rec.Version
	if version == 0 {
		version = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO graphs (name, description, definition, entry_point, version, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		rec.Name, rec.Description, string(rec.Definition), rec.EntryPoint, version,
		encodeTime(now), encodeTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert graph: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert graph: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (s *SQLiteStore) GraphByID(ctx context.Context, id int64) (*GraphRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, definition, entry_point, version, is_active, created_at, updated_at
		 FROM graphs WHERE id = ?`, id)
	return scanGraph(row)
}

func (s *SQLiteStore) GraphByName(ctx context.Context, name string) (*GraphRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, definition, entry_point, version, is_active, created_at, updated_at
		 FROM graphs WHERE name = ?`, name)
	return scanGraph(row)
}

func (s *SQLiteStore) ListGraphs(ctx context.Context, skip, limit int, activeOnly bool) ([]*GraphRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, name, description, definition, entry_point, version, is_active, created_at, updated_at
		 FROM graphs`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()

	out := []*GraphRecord{}
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteGraph(ctx context.Context, id int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE graphs SET is_active = 0, updated_at = ? WHERE id = ?`,
		encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, rec *RunRecord) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, graph_id, status, initial_state, current_state, final_state,
		                   started_at, completed_at, total_iterations, total_execution_time_ms,
		                   error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.GraphID, string(status),
		rawOrNil(rec.InitialState), rawOrNil(rec.CurrentState), rawOrNil(rec.FinalState),
		encodeTimePtr(rec.StartedAt), encodeTimePtr(rec.CompletedAt),
		rec.TotalIterations, rec.TotalExecutionTimeMS, rec.ErrorMessage,
		encodeTime(time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (s *SQLiteStore) RunByRunID(ctx context.Context, runID string) (*RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]*RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := selectRun
	var where []string
	var args []any
	if f.GraphID != 0 {
		where = append(where, "graph_id = ?")
		args = append(args, f.GraphID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []*RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status Status, startedAt, completedAt *time.Time, errMsg *string) error {
	if err := s.guard(); err != nil {
		return err
	}
	set := []string{"status = ?"}
	args := []any{string(status)}
	if startedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, encodeTime(*startedAt))
	}
	if completedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, encodeTime(*completedAt))
	}
	if errMsg != nil {
		set = append(set, "error_message = ?")
		args = append(args, *errMsg)
	}
	args = append(args, runID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(set, ", ")+` WHERE run_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, current json.RawMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_state = ? WHERE run_id = ?`, rawOrNil(current), runID)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) UpdateFinalState(ctx context.Context, runID string, final json.RawMessage, totalIterations int, totalMS int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET final_state = ?, total_iterations = ?, total_execution_time_ms = ? WHERE run_id = ?`,
		rawOrNil(final), totalIterations, totalMS, runID)
	if err != nil {
		return fmt.Errorf("update final state: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) AppendLog(ctx context.Context, rec *LogRecord) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (run_id, node_name, status, iteration, execution_time_ms, timestamp, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.NodeName, rec.Status, rec.Iteration,
		rec.ExecutionTimeMS, encodeTime(ts), rec.ErrorMessage)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("append log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (s *SQLiteStore) LogsByRun(ctx context.Context, runID string) ([]*LogRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_name, status, iteration, execution_time_ms, timestamp, error_message
		 FROM execution_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	out := []*LogRecord{}
	for rows.Next() {
		var rec LogRecord
		var execMS sql.NullInt64
		var ts string
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.NodeName, &rec.Status, &rec.Iteration,
			&execMS, &ts, &errMsg); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if execMS.Valid {
			rec.ExecutionTimeMS = &execMS.Int64
		}
		rec.Timestamp = decodeTime(ts)
		if errMsg.Valid {
			rec.ErrorMessage = &errMsg.String
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	stats := &Stats{RunsByStatus: map[Status]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graphs`).Scan(&stats.Graphs); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		stats.RunsByStatus[Status(status)] = count
		stats.TotalRuns += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(total_execution_time_ms) FROM runs WHERE total_execution_time_ms IS NOT NULL`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if avg.Valid {
		stats.AvgExecutionTimeMS = avg.Float64
	}
	return stats, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Further calls on the store fail.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

const selectRun = `SELECT id, run_id, graph_id, status, initial_state, current_state, final_state,
	started_at, completed_at, total_iterations, total_execution_time_ms, error_message, created_at
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanGraph(row scanner) (*GraphRecord, error) {
	var g GraphRecord
	var definition string
	var isActive int
	var created, updated string
	err := row.Scan(&g.ID, &g.Name, &g.Description, &definition, &g.EntryPoint,
		&g.Version, &isActive, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan graph: %w", err)
	}
	g.Definition = json.RawMessage(definition)
	g.IsActive = isActive != 0
	g.CreatedAt = decodeTime(created)
	g.UpdatedAt = decodeTime(updated)
	return &g, nil
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var status string
	var initial, current, final sql.NullString
	var startedAt, completedAt sql.NullString
	var totalIter, totalMS sql.NullInt64
	var errMsg sql.NullString
	var created string
	err := row.Scan(&r.ID, &r.RunID, &r.GraphID, &status, &initial, &current, &final,
		&startedAt, &completedAt, &totalIter, &totalMS, &errMsg, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = Status(status)
	if initial.Valid {
		r.InitialState = json.RawMessage(initial.String)
	}
	if current.Valid {
		r.CurrentState = json.RawMessage(current.String)
	}
	if final.Valid {
		r.FinalState = json.RawMessage(final.String)
	}
	if startedAt.Valid {
		t := decodeTime(startedAt.String)
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := decodeTime(completedAt.String)
		r.CompletedAt = &t
	}
	if totalIter.Valid {
		n := int(totalIter.Int64)
		r.TotalIterations = &n
	}
	if totalMS.Valid {
		r.TotalExecutionTimeMS = &totalMS.Int64
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	r.CreatedAt = decodeTime(created)
	return &r, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "Duplicate entry")
}

// isForeignKeyViolation detects a log insert referencing a missing run,
// which the contract reports as ErrNotFound.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint")
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
