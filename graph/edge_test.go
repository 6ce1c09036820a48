package graph

import (
	"context"
	"errors"
	"testing"
)

func TestEdgeManagerNext(t *testing.T) {
	ctx := context.Background()
	state := NewState("wf", "run_1")

	t.Run("unconditional edge is taken", func(t *testing.T) {
		m := NewEdgeManager()
		m.Add(Edge{From: "a", To: "b"})

		next, ok, err := m.Next(ctx, "a", state)
		if err != nil || !ok || next != "b" {
			t.Errorf("Next = (%q, %v, %v), want (b, true, nil)", next, ok, err)
		}
	})

	t.Run("first matching edge wins by insertion order", func(t *testing.T) {
		m := NewEdgeManager()
		m.Add(Edge{From: "a", To: "skip", When: alwaysFalse})
		m.Add(Edge{From: "a", To: "first", When: alwaysTrue})
		m.Add(Edge{From: "a", To: "second", When: alwaysTrue})

		next, ok, err := m.Next(ctx, "a", state)
		if err != nil || !ok || next != "first" {
			t.Errorf("Next = (%q, %v, %v), want (first, true, nil)", next, ok, err)
		}
	})

	t.Run("two unconditional edges: first registered wins", func(t *testing.T) {
		m := NewEdgeManager()
		m.Add(Edge{From: "a", To: "x"})
		m.Add(Edge{From: "a", To: "y"})

		next, _, _ := m.Next(ctx, "a", state)
		if next != "x" {
			t.Errorf("Next = %q, want x", next)
		}
	})

	t.Run("no outgoing edges terminates", func(t *testing.T) {
		m := NewEdgeManager()
		next, ok, err := m.Next(ctx, "leaf", state)
		if err != nil || ok || next != "" {
			t.Errorf("Next = (%q, %v, %v), want terminal", next, ok, err)
		}
	})

	t.Run("all predicates false terminates", func(t *testing.T) {
		m := NewEdgeManager()
		m.Add(Edge{From: "a", To: "b", When: alwaysFalse})
		m.Add(Edge{From: "a", To: "c", When: alwaysFalse})

		_, ok, err := m.Next(ctx, "a", state)
		if err != nil || ok {
			t.Errorf("Next ok=%v err=%v, want terminal", ok, err)
		}
	})

	t.Run("predicate error aborts routing", func(t *testing.T) {
		boom := errors.New("boom")
		m := NewEdgeManager()
		m.Add(Edge{From: "a", To: "b", When: func(context.Context, WorkflowState) (bool, error) {
			return false, boom
		}})

		_, _, err := m.Next(ctx, "a", state)
		var eerr *EdgeError
		if !errors.As(err, &eerr) {
			t.Fatalf("error %v is not an *EdgeError", err)
		}
		if eerr.From != "a" || eerr.To != "b" {
			t.Errorf("EdgeError endpoints = %s -> %s", eerr.From, eerr.To)
		}
		if !errors.Is(err, boom) {
			t.Error("EdgeError does not unwrap to the predicate error")
		}
	})
}

func TestPredicateConstructors(t *testing.T) {
	ctx := context.Background()
	s := NewState("wf", "run_1").MergeData(map[string]any{
		"name":  "ada",
		"score": 7.0,
		"count": 3,
	})

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"DataEquals string match", DataEquals("name", "ada"), true},
		{"DataEquals string mismatch", DataEquals("name", "bob"), false},
		{"DataEquals numeric coercion", DataEquals("count", 3.0), true},
		{"DataEquals missing key", DataEquals("ghost", 1), false},
		{"DataGreaterThan true", DataGreaterThan("score", 5), true},
		{"DataGreaterThan equal is false", DataGreaterThan("score", 7), false},
		{"DataGreaterThan missing key", DataGreaterThan("ghost", 0), false},
		{"DataLessThan true", DataLessThan("count", 10), true},
		{"DataLessThan false", DataLessThan("count", 3), false},
		{"HasNoErrors on clean state", HasNoErrors(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.pred(ctx, s)
			if err != nil {
				t.Fatalf("predicate: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	t.Run("HasNoErrors after AddError", func(t *testing.T) {
		got, _ := HasNoErrors()(ctx, s.AddError("boom"))
		if got {
			t.Error("HasNoErrors = true on errored state")
		}
	})
}
