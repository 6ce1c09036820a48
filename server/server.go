// Package server exposes the orchestration core over HTTP and WebSocket:
// graph CRUD, run start/cancel/state, aggregate stats, health, Prometheus
// metrics, and the per-run event stream.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/graph/runner"
	"github.com/flowforge-io/flowforge/graph/store"
	"github.com/flowforge-io/flowforge/graph/tool"
)

// Server is the HTTP surface over a run coordinator.
type Server struct {
	coord       *runner.Coordinator
	log         *zap.Logger
	corsOrigins []string
	metricsReg  *prometheus.Registry
	upgrader    websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithCORSOrigins sets the allowed CORS origins. Defaults to "*".
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMetricsRegistry mounts /metrics serving the given registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.metricsReg = reg }
}

// New creates a Server over coord.
func New(coord *runner.Coordinator, opts ...Option) *Server {
	s := &Server{
		coord:       coord,
		log:         zap.NewNop(),
		corsOrigins: []string{"*"},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser origins are vetted by the CORS layer; the WS
			// endpoint accepts any origin the deployment allows.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/graph/create", s.handleCreateGraph).Methods(http.MethodPost)
	r.HandleFunc("/graph/run", s.handleStartRun).Methods(http.MethodPost)
	r.HandleFunc("/graph/run/{run_id}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	r.HandleFunc("/graph/state/{run_id}", s.handleRunState).Methods(http.MethodGet)
	r.HandleFunc("/graph/stats/summary", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/graph/runs/list", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/graph/name/{name}", s.handleGraphByName).Methods(http.MethodGet)
	r.HandleFunc("/graph/{id:[0-9]+}", s.handleGraphByID).Methods(http.MethodGet)
	r.HandleFunc("/graph/{id:[0-9]+}", s.handleDeleteGraph).Methods(http.MethodDelete)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/run/{run_id}", s.handleRunStream).Methods(http.MethodGet)

	if s.metricsReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

type errorBody struct {
	Error string `json:"error"`
}

type runResponse struct {
	RunID                string          `json:"run_id"`
	GraphID              int64           `json:"graph_id"`
	Status               string          `json:"status"`
	InitialState         json.RawMessage `json:"initial_state,omitempty"`
	CurrentState         json.RawMessage `json:"current_state,omitempty"`
	FinalState           json.RawMessage `json:"final_state,omitempty"`
	StartedAt            *time.Time      `json:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	TotalIterations      *int            `json:"total_iterations,omitempty"`
	TotalExecutionTimeMS *int64          `json:"total_execution_time_ms,omitempty"`
	ErrorMessage         *string         `json:"error_message,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

func runToResponse(r *store.RunRecord) runResponse {
	return runResponse{
		RunID:                r.RunID,
		GraphID:              r.GraphID,
		Status:               string(r.Status),
		InitialState:         r.InitialState,
		CurrentState:         r.CurrentState,
		FinalState:           r.FinalState,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
		TotalIterations:      r.TotalIterations,
		TotalExecutionTimeMS: r.TotalExecutionTimeMS,
		ErrorMessage:         r.ErrorMessage,
		CreatedAt:            r.CreatedAt,
	}
}

type logResponse struct {
	NodeName        string    `json:"node_name"`
	Status          string    `json:"status"`
	Iteration       int       `json:"iteration"`
	ExecutionTimeMS *int64    `json:"execution_time_ms,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
}

type graphResponse struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	EntryPoint  string          `json:"entry_point"`
	Version     int             `json:"version"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func graphToResponse(g *store.GraphRecord) graphResponse {
	return graphResponse{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Definition:  g.Definition,
		EntryPoint:  g.EntryPoint,
		Version:     g.Version,
		IsActive:    g.IsActive,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	var def graph.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	rec, err := s.coord.CreateGraph(r.Context(), def)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			s.writeError(w, http.StatusConflict, "graph name already exists: "+def.Name)
		case errors.Is(err, tool.ErrNotFound):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			var verr *graph.ValidationError
			if errors.As(err, &verr) {
				s.writeError(w, http.StatusBadRequest, verr.Message)
				return
			}
			s.internalError(w, r, err)
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, graphToResponse(rec))
}

type startRunBody struct {
	GraphName     string         `json:"graph_name"`
	InitialState  map[string]any `json:"initial_state"`
	Config        map[string]any `json:"config"`
	Timeout       int            `json:"timeout"` // seconds
	MaxIterations int            `json:"max_iterations"`
	UseLLM        bool           `json:"use_llm"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.GraphName == "" {
		s.writeError(w, http.StatusBadRequest, "graph_name is required")
		return
	}
	cfg := body.Config
	if body.UseLLM {
		if cfg == nil {
			cfg = map[string]any{}
		}
		cfg["use_llm"] = true
	}
	rec, err := s.coord.StartRun(r.Context(), runner.StartRunRequest{
		GraphName:     body.GraphName,
		InitialData:   body.InitialState,
		Config:        cfg,
		MaxIterations: body.MaxIterations,
		Timeout:       time.Duration(body.Timeout) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "graph not found: "+body.GraphName)
		case errors.Is(err, tool.ErrNotFound):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			var verr *graph.ValidationError
			if errors.As(err, &verr) {
				s.writeError(w, http.StatusBadRequest, verr.Message)
				return
			}
			s.internalError(w, r, err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, runToResponse(rec))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	err := s.coord.CancelRun(r.Context(), runID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": runID,
			"status": "cancelling",
		})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found: "+runID)
	case errors.Is(err, runner.ErrRunFinished):
		s.writeError(w, http.StatusConflict, "run already finished: "+runID)
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, logs, err := s.coord.GetState(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found: "+runID)
			return
		}
		s.internalError(w, r, err)
		return
	}
	logOut := make([]logResponse, 0, len(logs))
	for _, l := range logs {
		logOut = append(logOut, logResponse{
			NodeName:        l.NodeName,
			Status:          l.Status,
			Iteration:       l.Iteration,
			ExecutionTimeMS: l.ExecutionTimeMS,
			Timestamp:       l.Timestamp,
			ErrorMessage:    l.ErrorMessage,
		})
	}
	s.writeJSON(w, http.StatusOK, struct {
		runResponse
		Logs []logResponse `json:"execution_logs"`
	}{runToResponse(run), logOut})
}

func (s *Server) handleGraphByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid graph id")
		return
	}
	rec, err := s.coord.Store().GraphByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "graph not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, graphToResponse(rec))
}

func (s *Server) handleGraphByName(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, err := s.coord.Store().GraphByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "graph not found: "+name)
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, graphToResponse(rec))
}

func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid graph id")
		return
	}
	if err := s.coord.Store().DeleteGraph(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "graph not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Store().Stats(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		Status: store.Status(q.Get("status")),
	}
	if v := q.Get("graph_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid graph_id")
			return
		}
		f.GraphID = id
	}
	f.Skip, _ = strconv.Atoi(q.Get("skip"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	runs, err := s.coord.Store().ListRuns(r.Context(), f)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs":  out,
		"count": len(out),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	status := "ok"
	code := http.StatusOK
	if err := s.coord.Store().Ping(r.Context()); err != nil {
		dbStatus = "unreachable: " + err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":    status,
		"database":  dbStatus,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorBody{Error: msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method),
		zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
