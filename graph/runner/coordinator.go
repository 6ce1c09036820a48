// Package runner hosts the run coordinator: the component that turns a
// persisted graph definition plus an initial state into a background
// execution, maintaining the run's lifecycle row, its execution log, and
// its event stream.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/graph/emit"
	"github.com/flowforge-io/flowforge/graph/store"
	"github.com/flowforge-io/flowforge/graph/tool"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxConcurrentRuns = 10
	DefaultWorkerPoolSize    = 32
	DefaultRunTimeout        = 5 * time.Minute
)

// ErrRunFinished is returned by CancelRun when the run is already in a
// terminal state.
var ErrRunFinished = errors.New("run already finished")

// Config tunes a Coordinator.
type Config struct {
	// MaxConcurrentRuns bounds how many runs execute at once; further runs
	// stay pending until a slot frees.
	MaxConcurrentRuns int

	// DefaultMaxIterations is the engine iteration bound applied when a run
	// request does not set one.
	DefaultMaxIterations int

	// DefaultTimeout is the per-run wall-clock budget applied when a run
	// request does not set one.
	DefaultTimeout time.Duration

	// WorkerPoolSize bounds process-wide concurrency of synchronous tools.
	WorkerPoolSize int

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// Metrics, when set, records run and node activity.
	Metrics *graph.Metrics

	// ExtraEmitters are appended to the broker in the engine's emitter
	// chain (log emitter, OTel emitter).
	ExtraEmitters []emit.Emitter
}

// StartRunRequest is a request to execute a named graph.
type StartRunRequest struct {
	GraphName     string
	InitialData   map[string]any
	Config        map[string]any
	MaxIterations int           // 0 applies the coordinator default
	Timeout       time.Duration // 0 applies the coordinator default
}

// Coordinator mediates between callers, the engine, the repository, and the
// event broker. It is safe for concurrent use.
type Coordinator struct {
	store   store.Store
	tools   *tool.Registry
	preds   *tool.PredicateRegistry
	broker  *emit.Broker
	emitter emit.Emitter
	log     *zap.Logger
	metrics *graph.Metrics
	pool    *ants.Pool

	cfg Config
	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Coordinator over the given store and registries.
func New(st store.Store, tools *tool.Registry, preds *tool.PredicateRegistry, cfg Config) (*Coordinator, error) {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = graph.DefaultMaxIterations
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRunTimeout
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool, err := ants.NewPool(cfg.WorkerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	broker := emit.NewBroker()
	chain := append(emit.Multi{broker}, cfg.ExtraEmitters...)

	return &Coordinator{
		store:   st,
		tools:   tools,
		preds:   preds,
		broker:  broker,
		emitter: chain,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		pool:    pool,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrentRuns),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Broker exposes the coordinator's event broker.
func (c *Coordinator) Broker() *emit.Broker { return c.broker }

// Store exposes the underlying repository for read paths.
func (c *Coordinator) Store() store.Store { return c.store }

// CreateGraph validates and persists a graph definition. The definition is
// fully rehydrated through the registries before it is stored, so an
// unknown tool or predicate name or a structural offense is rejected here
// and never reaches execution.
func (c *Coordinator) CreateGraph(ctx context.Context, def graph.Definition) (*store.GraphRecord, error) {
	if def.Name == "" {
		return nil, &graph.ValidationError{Message: "graph name must not be empty", Code: "NAME_MISSING"}
	}
	if _, err := tool.Build(def, c.tools, c.preds); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	rec := &store.GraphRecord{
		Name:        def.Name,
		Description: def.Description,
		Definition:  raw,
		EntryPoint:  def.EntryPoint,
	}
	if _, err := c.store.CreateGraph(ctx, rec); err != nil {
		return nil, err
	}
	c.log.Info("graph created",
		zap.String("graph", def.Name),
		zap.Int64("graph_id", rec.ID),
		zap.Int("nodes", len(def.Nodes)),
		zap.Int("edges", len(def.Edges)))
	return rec, nil
}

// StartRun resolves the named graph, persists a pending run row, and
// schedules execution in the background. The returned record carries the
// allocated run_id; callers stream progress via Subscribe or poll GetState.
func (c *Coordinator) StartRun(ctx context.Context, req StartRunRequest) (*store.RunRecord, error) {
	gRec, err := c.store.GraphByName(ctx, req.GraphName)
	if err != nil {
		return nil, err
	}

	var def graph.Definition
	if err := json.Unmarshal(gRec.Definition, &def); err != nil {
		return nil, fmt.Errorf("decode definition for graph %q: %w", req.GraphName, err)
	}
	g, err := tool.Build(def, c.tools, c.preds)
	if err != nil {
		return nil, err
	}

	runID := newRunID()
	state := graph.NewState(gRec.Name, runID)
	if req.InitialData != nil {
		state = state.MergeData(req.InitialData)
	}
	if req.Config != nil {
		state.Config = req.Config
	}

	initial, err := graph.MarshalState(state)
	if err != nil {
		return nil, err
	}
	rec := &store.RunRecord{
		RunID:        runID,
		GraphID:      gRec.ID,
		Status:       store.StatusPending,
		InitialState: initial,
	}
	if _, err := c.store.CreateRun(ctx, rec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[runID] = cancel
	c.mu.Unlock()

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = c.cfg.DefaultMaxIterations
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	c.wg.Add(1)
	go c.execute(runCtx, g, runID, state, maxIter, timeout)

	c.log.Info("run scheduled",
		zap.String("run_id", runID),
		zap.String("graph", gRec.Name))
	return rec, nil
}

// execute drives one run to a terminal state. It owns the lifecycle row:
// pending -> running -> completed/failed/cancelled, the terminal event, and
// the stream close.
func (c *Coordinator) execute(ctx context.Context, g *graph.Graph, runID string, state graph.WorkflowState, maxIter int, timeout time.Duration) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, runID)
		c.mu.Unlock()
	}()

	// Respect the concurrency bound before transitioning to running.
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		c.finishRun(runID, store.StatusCancelled, state, 0, 0, "cancelled")
		return
	}

	started := time.Now().UTC()
	if err := c.persist(ctx, func(pc context.Context) error {
		return c.store.UpdateRunStatus(pc, runID, store.StatusRunning, &started, nil, nil)
	}); err != nil {
		c.log.Error("run transition to running failed", zap.String("run_id", runID), zap.Error(err))
		c.finishRun(runID, store.StatusFailed, state, 0, 0, fmt.Sprintf("persistence failure: %v", err))
		return
	}
	if c.metrics != nil {
		c.metrics.RunStarted()
	}

	engine := graph.NewEngine(
		&storeLogger{store: c.store, retry: c.persist},
		c.emitter,
		graph.WithMaxIterations(maxIter),
		graph.WithTimeout(timeout),
		graph.WithWorkerPool(c.pool),
		graph.WithMetrics(c.metrics),
	)

	res, execErr := engine.Execute(ctx, g, state)

	status := store.StatusCompleted
	errMsg := ""
	switch {
	case execErr == nil:
	case errors.Is(execErr, graph.ErrRunCancelled):
		status = store.StatusCancelled
		errMsg = "cancelled"
	case errors.Is(execErr, graph.ErrRunTimeout):
		status = store.StatusFailed
		errMsg = "timeout"
	default:
		status = store.StatusFailed
		errMsg = execErr.Error()
	}

	c.finishRun(runID, status, res.FinalState, res.Iterations, res.Duration, errMsg)

	if c.metrics != nil {
		c.metrics.RunFinished(string(status))
	}
	if execErr != nil {
		c.log.Warn("run finished with error",
			zap.String("run_id", runID),
			zap.String("status", string(status)),
			zap.Int("iterations", res.Iterations),
			zap.Error(execErr))
	} else {
		c.log.Info("run completed",
			zap.String("run_id", runID),
			zap.Int("iterations", res.Iterations),
			zap.Duration("duration", res.Duration))
	}
}

// finishRun persists the terminal record, publishes the terminal event, and
// closes the run's event stream, in that order, so a subscriber observing
// workflow_completed can immediately read the terminal row.
func (c *Coordinator) finishRun(runID string, status store.Status, finalState graph.WorkflowState, iterations int, duration time.Duration, errMsg string) {
	ctx := context.Background()

	finalJSON, err := graph.MarshalState(finalState)
	if err != nil {
		c.log.Error("encode final state failed", zap.String("run_id", runID), zap.Error(err))
		finalJSON = nil
	}

	if err := c.persist(ctx, func(pc context.Context) error {
		return c.store.UpdateFinalState(pc, runID, finalJSON, iterations, duration.Milliseconds())
	}); err != nil {
		c.log.Error("persist final state failed", zap.String("run_id", runID), zap.Error(err))
	}
	if err := c.persist(ctx, func(pc context.Context) error {
		return c.store.UpdateRunState(pc, runID, finalJSON)
	}); err != nil {
		c.log.Error("persist current state failed", zap.String("run_id", runID), zap.Error(err))
	}

	completed := time.Now().UTC()
	var msgPtr *string
	if errMsg != "" {
		msgPtr = &errMsg
	}
	if err := c.persist(ctx, func(pc context.Context) error {
		return c.store.UpdateRunStatus(pc, runID, status, nil, &completed, msgPtr)
	}); err != nil {
		c.log.Error("persist terminal status failed", zap.String("run_id", runID), zap.Error(err))
	}

	c.emitter.Emit(emit.NewWorkflowCompleted(runID, string(status), finalJSON, duration, iterations, errMsg))
	c.broker.Close(runID)
}

// CancelRun requests cancellation of a live run. The engine observes the
// request at its next loop head; the node currently executing finishes
// first. Returns store.ErrNotFound for an unknown run and ErrRunFinished
// for a terminal one.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[runID]
	c.mu.Unlock()
	if ok {
		cancel()
		c.log.Info("run cancellation requested", zap.String("run_id", runID))
		return nil
	}

	run, err := c.store.RunByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}
	// Pending/running without a cancel func means another process owns the
	// run; single-process deployments never reach this.
	return fmt.Errorf("run %s is not executing in this process", runID)
}

// Subscribe attaches to runID's live event stream. If the run is already
// terminal, the returned subscription yields exactly one workflow_completed
// event synthesized from the persisted row, then end-of-stream.
//
// The caller must drain the subscription or release it with Unsubscribe.
func (c *Coordinator) Subscribe(ctx context.Context, runID string) (*emit.Subscription, error) {
	run, err := c.store.RunByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return emit.NewClosedSubscription(runID, terminalEvent(run)), nil
	}

	sub := c.broker.Subscribe(runID)

	// Re-check after subscribing: if the run went terminal in between, the
	// terminal publish may have preceded our registration.
	run, err = c.store.RunByRunID(ctx, runID)
	if err != nil {
		c.broker.Unsubscribe(sub)
		return nil, err
	}
	if run.Status.Terminal() {
		c.broker.Unsubscribe(sub)
		return emit.NewClosedSubscription(runID, terminalEvent(run)), nil
	}
	return sub, nil
}

// Unsubscribe detaches a subscription obtained from Subscribe.
func (c *Coordinator) Unsubscribe(sub *emit.Subscription) {
	c.broker.Unsubscribe(sub)
}

// GetState returns the run row plus its ordered execution log.
func (c *Coordinator) GetState(ctx context.Context, runID string) (*store.RunRecord, []*store.LogRecord, error) {
	run, err := c.store.RunByRunID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	logs, err := c.store.LogsByRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, logs, nil
}

// Shutdown cancels every live run and waits for their terminal records,
// bounded by ctx. The worker pool is released afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.pool.Release()
		return ctx.Err()
	}
	c.pool.Release()
	return nil
}

// persist runs op with bounded backoff: three attempts, 50ms/100ms pauses.
// Repository operations are single-row and idempotent, so a retry after an
// ambiguous failure cannot corrupt the record.
func (c *Coordinator) persist(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

func terminalEvent(run *store.RunRecord) emit.Event {
	var totalMS int64
	if run.TotalExecutionTimeMS != nil {
		totalMS = *run.TotalExecutionTimeMS
	}
	var iters int
	if run.TotalIterations != nil {
		iters = *run.TotalIterations
	}
	errMsg := ""
	if run.ErrorMessage != nil {
		errMsg = *run.ErrorMessage
	}
	return emit.NewWorkflowCompleted(run.RunID, string(run.Status), run.FinalState,
		time.Duration(totalMS)*time.Millisecond, iters, errMsg)
}

func newRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// storeLogger adapts the repository's log table to the engine's StepLogger,
// retrying transient failures before surfacing them.
type storeLogger struct {
	store store.Store
	retry func(context.Context, func(context.Context) error) error
}

func (l *storeLogger) LogStart(ctx context.Context, runID, node string, iteration int) error {
	// Log rows must land even when the run's context was just cancelled:
	// a node that started gets its row regardless.
	ctx = context.WithoutCancel(ctx)
	rec := &store.LogRecord{
		RunID:     runID,
		NodeName:  node,
		Status:    store.LogStarted,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
	}
	return l.retry(ctx, func(pc context.Context) error {
		_, err := l.store.AppendLog(pc, rec)
		return err
	})
}

func (l *storeLogger) LogComplete(ctx context.Context, runID, node string, iteration int, d time.Duration) error {
	ctx = context.WithoutCancel(ctx)
	ms := d.Milliseconds()
	rec := &store.LogRecord{
		RunID:           runID,
		NodeName:        node,
		Status:          store.LogCompleted,
		Iteration:       iteration,
		ExecutionTimeMS: &ms,
		Timestamp:       time.Now().UTC(),
	}
	return l.retry(ctx, func(pc context.Context) error {
		_, err := l.store.AppendLog(pc, rec)
		return err
	})
}

func (l *storeLogger) LogFailed(ctx context.Context, runID, node string, iteration int, d time.Duration, msg string) error {
	ctx = context.WithoutCancel(ctx)
	ms := d.Milliseconds()
	rec := &store.LogRecord{
		RunID:           runID,
		NodeName:        node,
		Status:          store.LogFailed,
		Iteration:       iteration,
		ExecutionTimeMS: &ms,
		Timestamp:       time.Now().UTC(),
		ErrorMessage:    &msg,
	}
	return l.retry(ctx, func(pc context.Context) error {
		_, err := l.store.AppendLog(pc, rec)
		return err
	})
}
