package review

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/graph/emit"
	"github.com/flowforge-io/flowforge/graph/tool"
	"github.com/flowforge-io/flowforge/llm"
)

func newRegistries(t *testing.T, client llm.Client) (*tool.Registry, *tool.PredicateRegistry) {
	t.Helper()
	tools := tool.NewRegistry()
	preds := tool.NewPredicateRegistry()
	if err := New(client).Register(tools, preds); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tools, preds
}

func TestRegister(t *testing.T) {
	tools, preds := newRegistries(t, nil)

	for _, name := range []string{
		"extract_functions", "calculate_complexity", "detect_issues",
		"generate_suggestions", "check_quality",
	} {
		if _, _, err := tools.Get(name); err != nil {
			t.Errorf("tool %q not registered: %v", name, err)
		}
	}
	if _, err := preds.Get("needs_improvement"); err != nil {
		t.Errorf("predicate not registered: %v", err)
	}

	_, meta, err := tools.Get("generate_suggestions")
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Async {
		t.Error("generate_suggestions should be async, it may call an LLM")
	}
}

func TestDefinitionBuilds(t *testing.T) {
	tools, preds := newRegistries(t, nil)
	g, err := tool.Build(Definition(), tools, preds)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.EntryPoint() != "extract" {
		t.Errorf("entry point = %q", g.EntryPoint())
	}
	if g.NodeCount() != 5 {
		t.Errorf("nodes = %d", g.NodeCount())
	}
	// The improvement loop is the only cycle.
	cycles := g.FindCycles()
	if len(cycles) != 1 {
		t.Errorf("cycles = %v", cycles)
	}
}

func TestGenerateSuggestions(t *testing.T) {
	baseState := func() graph.WorkflowState {
		s := graph.NewState("code_review", "run_1").SetData("code", "package x")
		return s.SetData("issues", []any{
			issue{Severity: "info", Type: "missing_doc", Function: "f", Message: "function f lacks a doc comment"},
		})
	}

	t.Run("static by default", func(t *testing.T) {
		mock := &llm.MockClient{Response: "use better names"}
		w := New(mock)
		out, err := w.GenerateSuggestions(context.Background(), baseState())
		if err != nil {
			t.Fatal(err)
		}
		raw, _ := out.Get("suggestions")
		suggestions := raw.([]any)
		if len(suggestions) != 1 || !strings.Contains(suggestions[0].(string), "doc comments") {
			t.Errorf("suggestions = %v", suggestions)
		}
		if len(mock.Prompts()) != 0 {
			t.Error("LLM called without use_llm")
		}
	})

	t.Run("llm path", func(t *testing.T) {
		mock := &llm.MockClient{Response: "- Add a doc comment to f\n- Rename f"}
		w := New(mock)
		s := baseState()
		s.Config["use_llm"] = true
		out, err := w.GenerateSuggestions(context.Background(), s)
		if err != nil {
			t.Fatal(err)
		}
		raw, _ := out.Get("suggestions")
		suggestions := raw.([]any)
		if len(suggestions) != 2 || suggestions[0] != "Add a doc comment to f" {
			t.Errorf("suggestions = %v", suggestions)
		}
		prompts := mock.Prompts()
		if len(prompts) != 1 || !strings.Contains(prompts[0], "missing_doc") && !strings.Contains(prompts[0], "doc comment") {
			t.Errorf("prompt = %v", prompts)
		}
	})

	t.Run("llm failure degrades to static", func(t *testing.T) {
		mock := &llm.MockClient{Err: errors.New("rate limited")}
		w := New(mock)
		s := baseState()
		s.Config["use_llm"] = true
		out, err := w.GenerateSuggestions(context.Background(), s)
		if err != nil {
			t.Fatalf("degradation must not fail the run: %v", err)
		}
		if raw, _ := out.Get("suggestions"); len(raw.([]any)) == 0 {
			t.Error("no fallback suggestions")
		}
		if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "rate limited") {
			t.Errorf("warnings = %v", out.Warnings)
		}
	})

	t.Run("nil client with use_llm uses static", func(t *testing.T) {
		w := New(nil)
		s := baseState()
		s.Config["use_llm"] = true
		out, err := w.GenerateSuggestions(context.Background(), s)
		if err != nil {
			t.Fatal(err)
		}
		if raw, _ := out.Get("suggestions"); len(raw.([]any)) == 0 {
			t.Error("no suggestions")
		}
	})
}

func TestCheckQuality(t *testing.T) {
	w := New(nil)
	ctx := context.Background()

	t.Run("low score requests another pass", func(t *testing.T) {
		s := graph.NewState("code_review", "run_1").SetData("issues", []any{
			issue{Severity: "error"}, issue{Severity: "error"}, // score 60
		})
		out, err := w.CheckQuality(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		if got := out.GetFloat("quality_score"); got != 60 {
			t.Errorf("quality_score = %v", got)
		}
		if !out.GetBool("needs_improvement") {
			t.Error("needs_improvement = false for score 60")
		}
		if out.GetInt("review_iterations") != 1 {
			t.Errorf("review_iterations = %d", out.GetInt("review_iterations"))
		}
	})

	t.Run("good score stops the loop", func(t *testing.T) {
		s := graph.NewState("code_review", "run_1")
		out, err := w.CheckQuality(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		if out.GetBool("needs_improvement") {
			t.Error("needs_improvement = true for clean code")
		}
	})

	t.Run("pass budget caps the loop", func(t *testing.T) {
		s := graph.NewState("code_review", "run_1").
			SetData("issues", []any{issue{Severity: "error"}, issue{Severity: "error"}}).
			SetData("review_iterations", maxReviewIterations-1)
		out, err := w.CheckQuality(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		// Even with a failing score, the third pass is the last.
		if out.GetBool("needs_improvement") {
			t.Error("needs_improvement = true past the pass budget")
		}
		if out.GetInt("review_iterations") != maxReviewIterations {
			t.Errorf("review_iterations = %d", out.GetInt("review_iterations"))
		}
	})

	t.Run("threshold override", func(t *testing.T) {
		s := graph.NewState("code_review", "run_1").SetData("issues", []any{
			issue{Severity: "warning"}, // score 95
		})
		s.Config["quality_threshold"] = 99.0
		out, err := w.CheckQuality(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		if !out.GetBool("needs_improvement") {
			t.Error("raised threshold not honored")
		}
	})
}

func TestReviewWorkflowEndToEnd(t *testing.T) {
	tools, preds := newRegistries(t, nil)
	g, err := tool.Build(Definition(), tools, preds)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	initial := graph.NewState(GraphName, "run_1").SetData("code", sampleSource)
	// The sample scores 83; raise the bar so the improvement loop runs.
	initial.Config["quality_threshold"] = 90.0
	eng := graph.NewEngine(graph.NopStepLogger{}, emit.Null{})
	res, err := eng.Execute(context.Background(), g, initial)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final := res.FinalState
	if final.GetFloat("quality_score") <= 0 {
		t.Errorf("quality_score = %v", final.GetFloat("quality_score"))
	}
	if raw, _ := final.Get("suggestions"); len(raw.([]any)) == 0 {
		t.Error("no suggestions produced")
	}
	// With the raised threshold the loop runs to its pass budget:
	// 5 linear nodes plus two extra suggest/check passes.
	if final.GetInt("review_iterations") != maxReviewIterations {
		t.Errorf("review_iterations = %d", final.GetInt("review_iterations"))
	}
	if res.Iterations != 9 {
		t.Errorf("engine iterations = %d, want 9", res.Iterations)
	}
	if final.GetBool("needs_improvement") {
		t.Error("loop ended while still requesting improvement")
	}
}
