package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/graph/tool"
	"github.com/flowforge-io/flowforge/llm"
)

// GraphName is the registered name of the built-in review workflow.
const GraphName = "code_review"

// maxReviewIterations bounds the check -> suggest improvement loop. This is
// the workflow's own budget, independent of the engine's global iteration
// bound; both apply.
const maxReviewIterations = 3

// defaultQualityThreshold is the score below which another improvement pass
// is requested, overridable via config["quality_threshold"].
const defaultQualityThreshold = 70.0

// Workflow bundles the review tools with an optional LLM client for
// generated suggestions. A nil client always uses static suggestions.
type Workflow struct {
	client llm.Client
}

// New creates the review workflow. client may be nil.
func New(client llm.Client) *Workflow {
	return &Workflow{client: client}
}

// Register adds the workflow's tools and predicates to the registries.
func (w *Workflow) Register(tools *tool.Registry, preds *tool.PredicateRegistry) error {
	entries := []struct {
		name string
		fn   graph.ToolFunc
		meta tool.Meta
	}{
		{"extract_functions", ExtractFunctions, tool.Meta{
			Description: "Parse Go source and extract function metadata",
			Version:     "1.0",
		}},
		{"calculate_complexity", CalculateComplexity, tool.Meta{
			Description: "Compute cyclomatic complexity per function",
			Version:     "1.0",
		}},
		{"detect_issues", DetectIssues, tool.Meta{
			Description: "Detect code quality issues from static analysis",
			Version:     "1.0",
		}},
		{"generate_suggestions", w.GenerateSuggestions, tool.Meta{
			Description: "Generate improvement suggestions, optionally via LLM",
			Version:     "1.0",
			Async:       true, // may call out to an LLM provider
		}},
		{"check_quality", w.CheckQuality, tool.Meta{
			Description: "Score code quality and decide whether to iterate",
			Version:     "1.0",
		}},
	}
	for _, e := range entries {
		if err := tools.Register(e.name, e.fn, e.meta); err != nil {
			return err
		}
	}
	return preds.Register("needs_improvement", NeedsImprovement)
}

// Definition returns the serialized review graph:
//
//	extract -> complexity -> detect -> suggest -> check
//	check -> suggest [needs_improvement]
//
// The conditional back-edge drives the bounded improvement loop.
func Definition() graph.Definition {
	return graph.Definition{
		Name:        GraphName,
		Description: "Static Go code review with bounded improvement loop",
		Nodes: []graph.NodeDef{
			{Name: "extract", Tool: "extract_functions"},
			{Name: "complexity", Tool: "calculate_complexity"},
			{Name: "detect", Tool: "detect_issues"},
			{Name: "suggest", Tool: "generate_suggestions"},
			{Name: "check", Tool: "check_quality"},
		},
		Edges: []graph.EdgeDef{
			{From: "extract", To: "complexity"},
			{From: "complexity", To: "detect"},
			{From: "detect", To: "suggest"},
			{From: "suggest", To: "check"},
			{From: "check", To: "suggest", Condition: "needs_improvement"},
		},
		EntryPoint: "extract",
	}
}

// GenerateSuggestions produces improvement suggestions from the detected
// issues. When config["use_llm"] is set and a client is available, the
// suggestions come from the LLM; a provider failure degrades to the static
// suggestions with a warning rather than failing the run.
func (w *Workflow) GenerateSuggestions(ctx context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
	issues := decodeIssues(s)

	useLLM, _ := s.Config["use_llm"].(bool)
	if useLLM && w.client != nil {
		suggestions, err := w.llmSuggestions(ctx, s, issues)
		if err == nil {
			return s.SetData("suggestions", toAnySlice(suggestions)), nil
		}
		s = s.AddWarning(fmt.Sprintf("llm suggestions unavailable (%v), using static analysis", err))
	}

	return s.SetData("suggestions", toAnySlice(staticSuggestions(issues))), nil
}

func (w *Workflow) llmSuggestions(ctx context.Context, s graph.WorkflowState, issues []issue) ([]string, error) {
	var sb strings.Builder
	sb.WriteString("You are reviewing Go code. The following issues were found by static analysis:\n\n")
	for _, is := range issues {
		fmt.Fprintf(&sb, "- [%s] %s\n", is.Severity, is.Message)
	}
	sb.WriteString("\nCode:\n```go\n")
	sb.WriteString(s.GetString("code"))
	sb.WriteString("\n```\n\n")
	sb.WriteString("Give concise, actionable improvement suggestions, one per line, no preamble.")

	resp, err := w.client.Complete(ctx, sb.String())
	if err != nil {
		return nil, err
	}

	var out []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* "))
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty response from %s", w.client.Name())
	}
	return out, nil
}

// CheckQuality scores the code and decides whether another improvement pass
// is warranted. The decision lands in data["needs_improvement"], consumed
// by the conditional back-edge; the pass counter in
// data["review_iterations"] enforces the workflow's loop budget.
func (w *Workflow) CheckQuality(_ context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
	issues := decodeIssues(s)
	complexity := complexityMap(s)
	score := QualityScore(issues, complexity)

	threshold := defaultQualityThreshold
	if t, ok := s.Config["quality_threshold"].(float64); ok {
		threshold = t
	}

	passes := s.GetInt("review_iterations") + 1
	needsImprovement := score < threshold && passes < maxReviewIterations

	return s.MergeData(map[string]any{
		"quality_score":     score,
		"review_iterations": passes,
		"needs_improvement": needsImprovement,
	}), nil
}

// NeedsImprovement is the predicate behind the check -> suggest back-edge.
func NeedsImprovement(_ context.Context, s graph.WorkflowState) (bool, error) {
	return s.GetBool("needs_improvement"), nil
}
