package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/panjf2000/ants/v2"
)

func TestNodeExecute(t *testing.T) {
	ctx := context.Background()
	state := NewState("wf", "run_1").SetData("n", 1)

	t.Run("success returns tool output", func(t *testing.T) {
		n := NewNode("inc", func(_ context.Context, s WorkflowState) (WorkflowState, error) {
			return s.SetData("n", s.GetInt("n")+1), nil
		}, NodeMeta{})

		out, elapsed, err := n.Execute(ctx, state, nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.GetInt("n") != 2 {
			t.Errorf("n = %d, want 2", out.GetInt("n"))
		}
		if elapsed < 0 {
			t.Errorf("elapsed = %v", elapsed)
		}
	})

	t.Run("tool cannot mutate caller state", func(t *testing.T) {
		n := NewNode("mutate", func(_ context.Context, s WorkflowState) (WorkflowState, error) {
			s.Data["n"] = 999 // misbehaving tool writing in place
			return s, nil
		}, NodeMeta{})

		if _, _, err := n.Execute(ctx, state, nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if state.GetInt("n") != 1 {
			t.Errorf("input state mutated: n = %d", state.GetInt("n"))
		}
	})

	t.Run("error appends to state and wraps NodeError", func(t *testing.T) {
		boom := errors.New("boom")
		n := NewNode("bad", func(_ context.Context, s WorkflowState) (WorkflowState, error) {
			return s, boom
		}, NodeMeta{})

		out, _, err := n.Execute(ctx, state, nil)
		var nerr *NodeError
		if !errors.As(err, &nerr) {
			t.Fatalf("error %v is not a *NodeError", err)
		}
		if nerr.Node != "bad" {
			t.Errorf("NodeError.Node = %q", nerr.Node)
		}
		if !errors.Is(err, boom) {
			t.Error("NodeError does not unwrap to the tool error")
		}
		if len(out.Errors) != 1 || !strings.Contains(out.Errors[0], "boom") {
			t.Errorf("state errors = %v", out.Errors)
		}
	})

	t.Run("panic is captured as failure", func(t *testing.T) {
		n := NewNode("panicky", func(context.Context, WorkflowState) (WorkflowState, error) {
			panic("kaboom")
		}, NodeMeta{})

		out, _, err := n.Execute(ctx, state, nil)
		var nerr *NodeError
		if !errors.As(err, &nerr) {
			t.Fatalf("panic not converted to *NodeError: %v", err)
		}
		if !strings.Contains(nerr.Message, "kaboom") {
			t.Errorf("NodeError.Message = %q", nerr.Message)
		}
		if len(out.Errors) != 1 {
			t.Errorf("state errors = %v", out.Errors)
		}
	})

	t.Run("sync tool runs on worker pool", func(t *testing.T) {
		pool, err := ants.NewPool(2)
		if err != nil {
			t.Fatalf("ants.NewPool: %v", err)
		}
		defer pool.Release()

		n := NewNode("pooled", func(_ context.Context, s WorkflowState) (WorkflowState, error) {
			return s.SetData("ran", true), nil
		}, NodeMeta{})

		out, _, err := n.Execute(ctx, state, pool)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !out.GetBool("ran") {
			t.Error("pooled tool did not run")
		}
	})

	t.Run("released pool falls back to inline", func(t *testing.T) {
		pool, err := ants.NewPool(1)
		if err != nil {
			t.Fatalf("ants.NewPool: %v", err)
		}
		pool.Release()

		n := NewNode("inline", func(_ context.Context, s WorkflowState) (WorkflowState, error) {
			return s.SetData("ran", true), nil
		}, NodeMeta{})

		out, _, err := n.Execute(ctx, state, pool)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !out.GetBool("ran") {
			t.Error("tool did not run after pool release")
		}
	})

	t.Run("async tool ignores pool", func(t *testing.T) {
		n := NewNode("async", func(_ context.Context, s WorkflowState) (WorkflowState, error) {
			return s.SetData("ran", true), nil
		}, NodeMeta{Async: true})

		out, _, err := n.Execute(ctx, state, nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !out.GetBool("ran") {
			t.Error("async tool did not run")
		}
	})
}
