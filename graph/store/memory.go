package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs tests and ephemeral deployments;
// nothing survives process exit.
type MemStore struct {
	mu sync.RWMutex

	graphs      map[int64]*GraphRecord
	graphByName map[string]int64
	runs        map[string]*RunRecord // keyed by run_id
	logs        map[string][]*LogRecord

	nextGraphID int64
	nextRunID   int64
	nextLogID   int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		graphs:      make(map[int64]*GraphRecord),
		graphByName: make(map[string]int64),
		runs:        make(map[string]*RunRecord),
		logs:        make(map[string][]*LogRecord),
	}
}

func (m *MemStore) CreateGraph(_ context.Context, rec *GraphRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.graphByName[rec.Name]; exists {
		return 0, ErrDuplicate
	}
	m.nextGraphID++
	now := time.Now().UTC()
	stored := *rec
	stored.ID = m.nextGraphID
	stored.IsActive = true
	if stored.Version == 0 {
		stored.Version = 1
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.graphs[stored.ID] = &stored
	m.graphByName[stored.Name] = stored.ID
	rec.ID = stored.ID
	return stored.ID, nil
}

func (m *MemStore) GraphByID(_ context.Context, id int64) (*GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemStore) GraphByName(_ context.Context, name string) (*GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.graphByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.graphs[id]
	return &cp, nil
}

func (m *MemStore) ListGraphs(_ context.Context, skip, limit int, activeOnly bool) ([]*GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.graphs))
	for id, g := range m.graphs {
		if activeOnly && !g.IsActive {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return pageGraphs(m.graphs, ids, skip, limit), nil
}

func pageGraphs(graphs map[int64]*GraphRecord, ids []int64, skip, limit int) []*GraphRecord {
	if limit <= 0 {
		limit = 50
	}
	out := []*GraphRecord{}
	for i := skip; i < len(ids) && len(out) < limit; i++ {
		cp := *graphs[ids[i]]
		out = append(out, &cp)
	}
	return out
}

func (m *MemStore) DeleteGraph(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[id]
	if !ok {
		return ErrNotFound
	}
	g.IsActive = false
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) CreateRun(_ context.Context, rec *RunRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.RunID]; exists {
		return 0, ErrDuplicate
	}
	m.nextRunID++
	stored := *rec
	stored.ID = m.nextRunID
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	stored.CreatedAt = time.Now().UTC()
	m.runs[stored.RunID] = &stored
	rec.ID = stored.ID
	return stored.ID, nil
}

func (m *MemStore) RunByRunID(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) ListRuns(_ context.Context, f RunFilter) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if f.GraphID != 0 && r.GraphID != f.GraphID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r)
	}
	// Newest first, matching the SQL backends' ORDER BY created_at DESC.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	out := []*RunRecord{}
	for i := f.Skip; i < len(matched) && len(out) < limit; i++ {
		cp := *matched[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) UpdateRunStatus(_ context.Context, runID string, status Status, startedAt, completedAt *time.Time, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if startedAt != nil {
		r.StartedAt = startedAt
	}
	if completedAt != nil {
		r.CompletedAt = completedAt
	}
	if errMsg != nil {
		r.ErrorMessage = errMsg
	}
	return nil
}

func (m *MemStore) UpdateRunState(_ context.Context, runID string, current json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.CurrentState = current
	return nil
}

func (m *MemStore) UpdateFinalState(_ context.Context, runID string, final json.RawMessage, totalIterations int, totalMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.FinalState = final
	r.TotalIterations = &totalIterations
	r.TotalExecutionTimeMS = &totalMS
	return nil
}

func (m *MemStore) AppendLog(_ context.Context, rec *LogRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.RunID]; !ok {
		return 0, ErrNotFound
	}
	m.nextLogID++
	stored := *rec
	stored.ID = m.nextLogID
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	m.logs[rec.RunID] = append(m.logs[rec.RunID], &stored)
	rec.ID = stored.ID
	return stored.ID, nil
}

func (m *MemStore) LogsByRun(_ context.Context, runID string) ([]*LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.logs[runID]
	out := make([]*LogRecord, 0, len(rows))
	for _, r := range rows {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &Stats{
		Graphs:       len(m.graphs),
		TotalRuns:    len(m.runs),
		RunsByStatus: map[Status]int{},
	}
	var sum int64
	var counted int
	for _, r := range m.runs {
		s.RunsByStatus[r.Status]++
		if r.TotalExecutionTimeMS != nil {
			sum += *r.TotalExecutionTimeMS
			counted++
		}
	}
	if counted > 0 {
		s.AvgExecutionTimeMS = float64(sum) / float64(counted)
	}
	return s, nil
}

func (m *MemStore) Ping(context.Context) error { return nil }

func (m *MemStore) Close() error { return nil }
