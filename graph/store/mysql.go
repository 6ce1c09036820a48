package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a Store backed by MySQL, for deployments that outgrow the
// single-writer SQLite default. The DSN must enable parseTime
// (e.g. "user:pass@tcp(host:3306)/flowforge?parseTime=true").
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL using dsn and ensures the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS graphs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			description TEXT,
			definition JSON NOT NULL,
			entry_point VARCHAR(255) NOT NULL,
			version INT NOT NULL DEFAULT 1,
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL UNIQUE,
			graph_id BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			initial_state JSON,
			current_state JSON,
			final_state JSON,
			started_at DATETIME(6),
			completed_at DATETIME(6),
			total_iterations INT,
			total_execution_time_ms BIGINT,
			error_message TEXT,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_runs_status_created (status, created_at),
			INDEX idx_runs_graph_status (graph_id, status),
			CONSTRAINT fk_runs_graph FOREIGN KEY (graph_id) REFERENCES graphs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			node_name VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			iteration INT NOT NULL,
			execution_time_ms BIGINT,
			timestamp DATETIME(6) NOT NULL,
			error_message TEXT,
			INDEX idx_logs_run_timestamp (run_id, timestamp),
			CONSTRAINT fk_logs_run FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("mysql store is closed")
	}
	return nil
}

func isMySQLDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (s *MySQLStore) CreateGraph(ctx context.Context, rec *GraphRecord) (int64, error) {
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
		rec.Name, rec.Description, string(rec.Definition), rec.EntryPoint, version, now, now)
	if err != nil {
		if isMySQLDuplicate(err) {
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

func (s *MySQLStore) GraphByID(ctx context.Context, id int64) (*GraphRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, definition, entry_point, version, is_active, created_at, updated_at
		 FROM graphs WHERE id = ?`, id)
	return scanMySQLGraph(row)
}

func (s *MySQLStore) GraphByName(ctx context.Context, name string) (*GraphRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, definition, entry_point, version, is_active, created_at, updated_at
		 FROM graphs WHERE name = ?`, name)
	return scanMySQLGraph(row)
}

func (s *MySQLStore) ListGraphs(ctx context.Context, skip, limit int, activeOnly bool) ([]*GraphRecord, error) {
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
		g, err := scanMySQLGraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *MySQLStore) DeleteGraph(ctx context.Context, id int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE graphs SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return requireAffected(res)
}

func (s *MySQLStore) CreateRun(ctx context.Context, rec *RunRecord) (int64, error) {
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
		rec.StartedAt, rec.CompletedAt, rec.TotalIterations, rec.TotalExecutionTimeMS,
		rec.ErrorMessage, time.Now().UTC())
	if err != nil {
		if isMySQLDuplicate(err) {
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

const selectMySQLRun = `SELECT id, run_id, graph_id, status, initial_state, current_state, final_state,
	started_at, completed_at, total_iterations, total_execution_time_ms, error_message, created_at
	FROM runs`

func (s *MySQLStore) RunByRunID(ctx context.Context, runID string) (*RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, selectMySQLRun+` WHERE run_id = ?`, runID)
	return scanMySQLRun(row)
}

func (s *MySQLStore) ListRuns(ctx context.Context, f RunFilter) ([]*RunRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := selectMySQLRun
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
		r, err := scanMySQLRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MySQLStore) UpdateRunStatus(ctx context.Context, runID string, status Status, startedAt, completedAt *time.Time, errMsg *string) error {
	if err := s.guard(); err != nil {
		return err
	}
	set := []string{"status = ?"}
	args := []any{string(status)}
	if startedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *startedAt)
	}
	if completedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *completedAt)
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

func (s *MySQLStore) UpdateRunState(ctx context.Context, runID string, current json.RawMessage) error {
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

func (s *MySQLStore) UpdateFinalState(ctx context.Context, runID string, final json.RawMessage, totalIterations int, totalMS int64) error {
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

func (s *MySQLStore) AppendLog(ctx context.Context, rec *LogRecord) (int64, error) {
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
		rec.RunID, rec.NodeName, rec.Status, rec.Iteration, rec.ExecutionTimeMS, ts, rec.ErrorMessage)
	if err != nil {
		// 1452: FK violation, the run does not exist.
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1452 {
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

func (s *MySQLStore) LogsByRun(ctx context.Context, runID string) ([]*LogRecord, error) {
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
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.NodeName, &rec.Status, &rec.Iteration,
			&execMS, &rec.Timestamp, &errMsg); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if execMS.Valid {
			rec.ExecutionTimeMS = &execMS.Int64
		}
		if errMsg.Valid {
			rec.ErrorMessage = &errMsg.String
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *MySQLStore) Stats(ctx context.Context) (*Stats, error) {
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

func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func scanMySQLGraph(row scanner) (*GraphRecord, error) {
	var g GraphRecord
	var description sql.NullString
	var definition string
	err := row.Scan(&g.ID, &g.Name, &description, &definition, &g.EntryPoint,
		&g.Version, &g.IsActive, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan graph: %w", err)
	}
	g.Description = description.String
	g.Definition = json.RawMessage(definition)
	return &g, nil
}

func scanMySQLRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var status string
	var initial, current, final sql.NullString
	var startedAt, completedAt sql.NullTime
	var totalIter, totalMS sql.NullInt64
	var errMsg sql.NullString
	err := row.Scan(&r.ID, &r.RunID, &r.GraphID, &status, &initial, &current, &final,
		&startedAt, &completedAt, &totalIter, &totalMS, &errMsg, &r.CreatedAt)
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
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
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
	return &r, nil
}
