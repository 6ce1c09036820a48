package graph

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func passState(_ context.Context, s WorkflowState) (WorkflowState, error) {
	return s, nil
}

func alwaysTrue(context.Context, WorkflowState) (bool, error)  { return true, nil }
func alwaysFalse(context.Context, WorkflowState) (bool, error) { return false, nil }

func mustAddNode(t *testing.T, g *Graph, name string) {
	t.Helper()
	if err := g.AddNode(NewNode(name, passState, NodeMeta{})); err != nil {
		t.Fatalf("AddNode(%q): %v", name, err)
	}
}

func validationCode(t *testing.T, err error) string {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a *ValidationError", err)
	}
	return verr.Code
}

func TestAddNodeDuplicate(t *testing.T) {
	g := NewGraph("g", "")
	mustAddNode(t, g, "a")
	if err := g.AddNode(NewNode("a", passState, NodeMeta{})); err == nil {
		t.Error("expected error re-adding node a")
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid linear graph", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		mustAddNode(t, g, "b")
		g.AddEdge("a", "b")
		g.SetEntryPoint("a")
		if err := g.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("missing entry point", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		if code := validationCode(t, g.Validate()); code != "ENTRY_POINT_MISSING" {
			t.Errorf("code = %q", code)
		}
	})

	t.Run("unknown entry point", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		g.SetEntryPoint("ghost")
		if code := validationCode(t, g.Validate()); code != "ENTRY_POINT_UNKNOWN" {
			t.Errorf("code = %q", code)
		}
	})

	t.Run("edge endpoint unknown", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		g.AddEdge("a", "ghost")
		g.SetEntryPoint("a")
		if code := validationCode(t, g.Validate()); code != "EDGE_ENDPOINT_UNKNOWN" {
			t.Errorf("code = %q", code)
		}
	})

	t.Run("unconditional self loop", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		g.AddEdge("a", "a")
		g.SetEntryPoint("a")
		if code := validationCode(t, g.Validate()); code != "UNCONDITIONAL_SELF_LOOP" {
			t.Errorf("code = %q", code)
		}
	})

	t.Run("conditional self loop is legal", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		g.AddConditionalEdge("a", "a", alwaysFalse)
		g.SetEntryPoint("a")
		if err := g.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("unreachable node", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		mustAddNode(t, g, "island")
		g.SetEntryPoint("a")
		if code := validationCode(t, g.Validate()); code != "NODE_UNREACHABLE" {
			t.Errorf("code = %q", code)
		}
	})

	t.Run("check order: endpoints before reachability", func(t *testing.T) {
		// Both offenses present; the edge endpoint check must fire first.
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		mustAddNode(t, g, "island")
		g.AddEdge("a", "ghost")
		g.SetEntryPoint("a")
		if code := validationCode(t, g.Validate()); code != "EDGE_ENDPOINT_UNKNOWN" {
			t.Errorf("code = %q", code)
		}
	})

	t.Run("cycle passes validation", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		mustAddNode(t, g, "b")
		g.AddEdge("a", "b")
		g.AddConditionalEdge("b", "a", alwaysTrue)
		g.SetEntryPoint("a")
		if err := g.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})
}

func TestFindCycles(t *testing.T) {
	t.Run("acyclic", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		mustAddNode(t, g, "b")
		g.AddEdge("a", "b")
		g.SetEntryPoint("a")
		if cycles := g.FindCycles(); len(cycles) != 0 {
			t.Errorf("cycles = %v, want none", cycles)
		}
	})

	t.Run("two node loop", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		mustAddNode(t, g, "b")
		g.AddEdge("a", "b")
		g.AddConditionalEdge("b", "a", alwaysTrue)
		g.SetEntryPoint("a")

		cycles := g.FindCycles()
		if len(cycles) != 1 {
			t.Fatalf("cycles = %v, want exactly one", cycles)
		}
		if !reflect.DeepEqual(cycles[0], []string{"a", "b"}) {
			t.Errorf("cycle = %v, want [a b]", cycles[0])
		}
	})

	t.Run("self loop", func(t *testing.T) {
		g := NewGraph("g", "")
		mustAddNode(t, g, "a")
		g.AddConditionalEdge("a", "a", alwaysTrue)
		g.SetEntryPoint("a")

		cycles := g.FindCycles()
		if len(cycles) != 1 || !reflect.DeepEqual(cycles[0], []string{"a"}) {
			t.Errorf("cycles = %v, want [[a]]", cycles)
		}
	})
}

func TestEndNodes(t *testing.T) {
	g := NewGraph("g", "")
	mustAddNode(t, g, "a")
	mustAddNode(t, g, "b")
	mustAddNode(t, g, "c")
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.SetEntryPoint("a")

	if got := g.EndNodes(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("EndNodes = %v, want [b c]", got)
	}
}

func TestNodeNamesInsertionOrder(t *testing.T) {
	g := NewGraph("g", "")
	for _, name := range []string{"z", "a", "m"} {
		mustAddNode(t, g, name)
	}
	if got := g.NodeNames(); !reflect.DeepEqual(got, []string{"z", "a", "m"}) {
		t.Errorf("NodeNames = %v", got)
	}
	if g.NodeCount() != 3 {
		t.Errorf("NodeCount = %d", g.NodeCount())
	}
}
