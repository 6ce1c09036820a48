package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/graph/emit"
	"github.com/flowforge-io/flowforge/graph/store"
	"github.com/flowforge-io/flowforge/graph/tool"
)

type testEnv struct {
	coord *Coordinator
	store *store.MemStore
	gate  chan struct{} // released by closeGate; "wait" tools block on it
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{store: store.NewMemStore(), gate: make(chan struct{})}

	tools := tool.NewRegistry()
	require.NoError(t, tools.Register("inc", func(_ context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
		return s.SetData("count", s.GetInt("count")+1), nil
	}, tool.Meta{}))
	require.NoError(t, tools.Register("fail", func(_ context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
		return s, errors.New("tool exploded")
	}, tool.Meta{}))
	require.NoError(t, tools.Register("wait", func(ctx context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
		select {
		case <-env.gate:
		case <-ctx.Done():
		}
		return s, nil
	}, tool.Meta{Async: true}))
	require.NoError(t, tools.Register("nap", func(_ context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
		time.Sleep(30 * time.Millisecond)
		return s, nil
	}, tool.Meta{Async: true}))

	preds := tool.NewPredicateRegistry()
	require.NoError(t, preds.Register("count_below_3", graph.DataLessThan("count", 3)))

	coord, err := New(env.store, tools, preds, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})
	env.coord = coord
	return env
}

func (e *testEnv) closeGate() { close(e.gate) }

func linearDef(name string, tools ...string) graph.Definition {
	def := graph.Definition{Name: name}
	for i, tl := range tools {
		def.Nodes = append(def.Nodes, graph.NodeDef{Name: nodeName(i), Tool: tl})
		if i > 0 {
			def.Edges = append(def.Edges, graph.EdgeDef{From: nodeName(i - 1), To: nodeName(i)})
		}
	}
	def.EntryPoint = nodeName(0)
	return def
}

func nodeName(i int) string {
	return string(rune('a' + i))
}

// drainToTerminal consumes the subscription until its terminal event.
func drainToTerminal(t *testing.T, sub *emit.Subscription) emit.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("stream closed without a terminal event")
			}
			if ev.Terminal() {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func waitForStatus(t *testing.T, st store.Store, runID string, want store.Status) *store.RunRecord {
	t.Helper()
	var run *store.RunRecord
	require.Eventually(t, func() bool {
		var err error
		run, err = st.RunByRunID(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

func TestCreateGraph(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	rec, err := env.coord.CreateGraph(ctx, linearDef("wf", "inc", "inc"))
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := env.coord.CreateGraph(ctx, linearDef("wf", "inc"))
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("unknown tool rejected before persisting", func(t *testing.T) {
		_, err := env.coord.CreateGraph(ctx, linearDef("bad", "ghost"))
		assert.ErrorIs(t, err, tool.ErrNotFound)
		_, err = env.store.GraphByName(ctx, "bad")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("structural offense rejected", func(t *testing.T) {
		def := linearDef("loopy", "inc")
		def.Edges = append(def.Edges, graph.EdgeDef{From: "a", To: "a"})
		_, err := env.coord.CreateGraph(ctx, def)
		var verr *graph.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "UNCONDITIONAL_SELF_LOOP", verr.Code)
	})

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := env.coord.CreateGraph(ctx, graph.Definition{})
		var verr *graph.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestStartRunLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("wf", "inc", "inc"))
	require.NoError(t, err)

	rec, err := env.coord.StartRun(ctx, StartRunRequest{
		GraphName:   "wf",
		InitialData: map[string]any{"count": 0},
		Config:      map[string]any{"flag": true},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.RunID, "run_"), "run id %q", rec.RunID)

	sub, err := env.coord.Subscribe(ctx, rec.RunID)
	require.NoError(t, err)
	terminal := drainToTerminal(t, sub)
	assert.Equal(t, "completed", terminal.Status)
	assert.Equal(t, 2, terminal.TotalIterations)
	assert.Empty(t, terminal.Error)

	// The terminal event is published after the terminal row, so the record
	// is immediately readable.
	run, err := env.store.RunByRunID(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.TotalIterations)
	assert.Equal(t, 2, *run.TotalIterations)
	assert.Nil(t, run.ErrorMessage)

	final, err := graph.UnmarshalState(run.FinalState)
	require.NoError(t, err)
	assert.Equal(t, 2, final.GetInt("count"))
	assert.Equal(t, true, final.Config["flag"])
	assert.Equal(t, rec.RunID, final.RunID)

	logs, err := env.store.LogsByRun(ctx, rec.RunID)
	require.NoError(t, err)
	require.Len(t, logs, 4) // started+completed per node
	assert.Equal(t, store.LogStarted, logs[0].Status)
	assert.Equal(t, store.LogCompleted, logs[3].Status)

	t.Run("unknown graph", func(t *testing.T) {
		_, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "ghost"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRunLoopRespectsIterationBudget(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	def := graph.Definition{
		Name:  "loop",
		Nodes: []graph.NodeDef{{Name: "a", Tool: "inc"}, {Name: "b", Tool: "inc"}},
		Edges: []graph.EdgeDef{
			{From: "a", To: "a", Condition: "count_below_3"},
			{From: "a", To: "b"},
		},
		EntryPoint: "a",
	}
	_, err := env.coord.CreateGraph(ctx, def)
	require.NoError(t, err)

	t.Run("loop terminates by predicate", func(t *testing.T) {
		rec, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "loop"})
		require.NoError(t, err)
		run := waitForStatus(t, env.store, rec.RunID, store.StatusCompleted)
		require.NotNil(t, run.TotalIterations)
		assert.Equal(t, 4, *run.TotalIterations) // a x3 then b

		final, err := graph.UnmarshalState(run.FinalState)
		require.NoError(t, err)
		assert.Equal(t, 4, final.GetInt("count"))
	})

	t.Run("engine bound cuts a runaway loop", func(t *testing.T) {
		rec, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "loop", MaxIterations: 2})
		require.NoError(t, err)
		run := waitForStatus(t, env.store, rec.RunID, store.StatusFailed)
		require.NotNil(t, run.ErrorMessage)
		assert.Contains(t, *run.ErrorMessage, "max iterations")
	})
}

func TestRunFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("failing", "inc", "fail"))
	require.NoError(t, err)

	rec, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "failing"})
	require.NoError(t, err)

	sub, err := env.coord.Subscribe(ctx, rec.RunID)
	require.NoError(t, err)
	terminal := drainToTerminal(t, sub)
	assert.Equal(t, "failed", terminal.Status)
	assert.Contains(t, terminal.Error, "tool exploded")

	run, err := env.store.RunByRunID(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, run.Status)
	require.NotNil(t, run.TotalIterations)
	assert.Equal(t, 2, *run.TotalIterations) // the failed node counts

	final, err := graph.UnmarshalState(run.FinalState)
	require.NoError(t, err)
	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0], "tool exploded")

	logs, err := env.store.LogsByRun(ctx, rec.RunID)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	last := logs[3]
	assert.Equal(t, store.LogFailed, last.Status)
	require.NotNil(t, last.ErrorMessage)
	assert.Contains(t, *last.ErrorMessage, "tool exploded")
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("blocking", "wait", "inc"))
	require.NoError(t, err)

	rec, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "blocking"})
	require.NoError(t, err)
	waitForStatus(t, env.store, rec.RunID, store.StatusRunning)

	require.NoError(t, env.coord.CancelRun(ctx, rec.RunID))

	run := waitForStatus(t, env.store, rec.RunID, store.StatusCancelled)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "cancelled", *run.ErrorMessage)

	// The node that was executing still got its log rows.
	logs, err := env.store.LogsByRun(ctx, rec.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "a", logs[0].NodeName)

	t.Run("cancel after terminal", func(t *testing.T) {
		// The cancel registration is released just after the terminal row
		// lands, so poll briefly.
		require.Eventually(t, func() bool {
			return errors.Is(env.coord.CancelRun(ctx, rec.RunID), ErrRunFinished)
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("cancel unknown run", func(t *testing.T) {
		err := env.coord.CancelRun(ctx, "run_ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRunTimeout(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("slow", "nap", "inc"))
	require.NoError(t, err)

	rec, err := env.coord.StartRun(ctx, StartRunRequest{
		GraphName: "slow",
		Timeout:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	run := waitForStatus(t, env.store, rec.RunID, store.StatusFailed)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "timeout", *run.ErrorMessage)
}

func TestSubscribeLateJoin(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("wf", "inc"))
	require.NoError(t, err)
	rec, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "wf"})
	require.NoError(t, err)
	waitForStatus(t, env.store, rec.RunID, store.StatusCompleted)

	// Joining after the run finished yields exactly the synthesized terminal
	// event, then end-of-stream.
	sub, err := env.coord.Subscribe(ctx, rec.RunID)
	require.NoError(t, err)

	ev := <-sub.Events()
	assert.True(t, ev.Terminal())
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, 1, ev.TotalIterations)
	assert.NotEmpty(t, ev.FinalState)

	_, open := <-sub.Events()
	assert.False(t, open, "late-join stream must close after the terminal event")

	t.Run("unknown run", func(t *testing.T) {
		_, err := env.coord.Subscribe(ctx, "run_ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestGetState(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("wf", "inc", "inc"))
	require.NoError(t, err)
	rec, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "wf"})
	require.NoError(t, err)
	waitForStatus(t, env.store, rec.RunID, store.StatusCompleted)

	run, logs, err := env.coord.GetState(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, run.RunID)
	assert.Len(t, logs, 4)

	_, _, err = env.coord.GetState(ctx, "run_ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrencyBound(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentRuns: 1})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("blocking", "wait"))
	require.NoError(t, err)

	first, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "blocking"})
	require.NoError(t, err)
	waitForStatus(t, env.store, first.RunID, store.StatusRunning)

	second, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "blocking"})
	require.NoError(t, err)

	// With one slot taken, the second run must hold at pending.
	time.Sleep(50 * time.Millisecond)
	run, err := env.store.RunByRunID(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, run.Status)

	env.closeGate()
	waitForStatus(t, env.store, first.RunID, store.StatusCompleted)
	waitForStatus(t, env.store, second.RunID, store.StatusCompleted)
}

func TestShutdownCancelsLiveRuns(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.coord.CreateGraph(ctx, linearDef("blocking", "wait"))
	require.NoError(t, err)
	rec, err := env.coord.StartRun(ctx, StartRunRequest{GraphName: "blocking"})
	require.NoError(t, err)
	waitForStatus(t, env.store, rec.RunID, store.StatusRunning)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, env.coord.Shutdown(shutdownCtx))

	run, err := env.store.RunByRunID(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, run.Status)
}
