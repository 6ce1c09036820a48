// Package review provides the built-in code review workflow: static
// analysis of Go source through go/parser and go/ast, with optional
// LLM-generated improvement suggestions.
package review

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/flowforge-io/flowforge/graph"
)

// Analysis thresholds. A function tripping one of these produces an issue.
const (
	maxFunctionStatements = 50
	maxParams             = 5
	maxNestingDepth       = 4
	maxComplexity         = 10
)

// Issue severity weights used by the quality score.
var severityWeights = map[string]float64{
	"error":   20,
	"warning": 5,
	"info":    2,
}

type functionInfo struct {
	Name       string `json:"name"`
	Line       int    `json:"line"`
	Params     int    `json:"params"`
	HasDoc     bool   `json:"has_doc"`
	Statements int    `json:"statements"`
}

type issue struct {
	Severity string `json:"severity"`
	Type     string `json:"type"`
	Function string `json:"function,omitempty"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
}

// ExtractFunctions parses the Go source in data["code"] and stores function
// metadata under data["functions"]. A syntax error does not fail the run:
// it is recorded as a parse error issue so the review can still report it.
func ExtractFunctions(_ context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
	code := s.GetString("code")
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "input.go", code, parser.ParseComments)
	if err != nil {
		return s.MergeData(map[string]any{
			"functions":   []any{},
			"parse_error": err.Error(),
		}), nil
	}

	functions := []functionInfo{}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		info := functionInfo{
			Name:   fn.Name.Name,
			Line:   fset.Position(fn.Pos()).Line,
			HasDoc: fn.Doc != nil,
		}
		if fn.Type.Params != nil {
			for _, field := range fn.Type.Params.List {
				n := len(field.Names)
				if n == 0 {
					n = 1
				}
				info.Params += n
			}
		}
		if fn.Body != nil {
			info.Statements = countStatements(fn.Body)
		}
		functions = append(functions, info)
	}

	return s.SetData("functions", toAnySlice(functions)), nil
}

// CalculateComplexity computes the cyclomatic complexity of each function
// and stores a name -> score map under data["complexity"].
//
// Complexity is 1 plus one per decision point: if, for/range, case clause,
// && and ||.
func CalculateComplexity(_ context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
	code := s.GetString("code")
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "input.go", code, 0)
	if err != nil {
		return s.SetData("complexity", map[string]any{}), nil
	}

	complexity := map[string]any{}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		score := 1
		ast.Inspect(fn.Body, func(n ast.Node) bool {
			switch node := n.(type) {
			case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.CaseClause, *ast.CommClause:
				score++
			case *ast.BinaryExpr:
				if node.Op == token.LAND || node.Op == token.LOR {
					score++
				}
			}
			return true
		})
		complexity[fn.Name.Name] = score
	}

	return s.SetData("complexity", complexity), nil
}

// DetectIssues runs the threshold checks against the extracted function
// metadata and complexity map, storing issues under data["issues"].
func DetectIssues(_ context.Context, s graph.WorkflowState) (graph.WorkflowState, error) {
	issues := []issue{}

	if parseErr := s.GetString("parse_error"); parseErr != "" {
		issues = append(issues, issue{
			Severity: "error",
			Type:     "syntax_error",
			Message:  parseErr,
		})
		return s.SetData("issues", toAnySlice(issues)), nil
	}

	functions := decodeFunctions(s)
	for _, fn := range functions {
		if fn.Statements > maxFunctionStatements {
			issues = append(issues, issue{
				Severity: "warning",
				Type:     "long_function",
				Function: fn.Name,
				Line:     fn.Line,
				Message:  fmt.Sprintf("function %q is too long (%d statements)", fn.Name, fn.Statements),
			})
		}
		if !fn.HasDoc {
			issues = append(issues, issue{
				Severity: "info",
				Type:     "missing_doc",
				Function: fn.Name,
				Line:     fn.Line,
				Message:  fmt.Sprintf("function %q lacks a doc comment", fn.Name),
			})
		}
		if fn.Params > maxParams {
			issues = append(issues, issue{
				Severity: "warning",
				Type:     "too_many_params",
				Function: fn.Name,
				Line:     fn.Line,
				Message:  fmt.Sprintf("function %q has %d parameters", fn.Name, fn.Params),
			})
		}
	}

	// Nesting depth needs the AST again; metadata alone cannot express it.
	code := s.GetString("code")
	fset := token.NewFileSet()
	if file, err := parser.ParseFile(fset, "input.go", code, 0); err == nil {
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Body == nil {
				continue
			}
			if depth := nestingDepth(fn.Body, 0); depth > maxNestingDepth {
				issues = append(issues, issue{
					Severity: "warning",
					Type:     "deep_nesting",
					Function: fn.Name.Name,
					Line:     fset.Position(fn.Pos()).Line,
					Message:  fmt.Sprintf("function %q has deep nesting (depth %d)", fn.Name.Name, depth),
				})
			}
		}
	}

	for name, score := range complexityMap(s) {
		if score > maxComplexity {
			issues = append(issues, issue{
				Severity: "warning",
				Type:     "high_complexity",
				Function: name,
				Line:     lineOf(functions, name),
				Message:  fmt.Sprintf("function %q has high cyclomatic complexity (%d)", name, score),
			})
		}
	}

	return s.SetData("issues", toAnySlice(issues)), nil
}

// staticSuggestions groups issues by type into actionable advice.
func staticSuggestions(issues []issue) []string {
	byType := map[string][]string{}
	for _, is := range issues {
		if is.Function != "" {
			byType[is.Type] = append(byType[is.Type], is.Function)
		} else {
			byType[is.Type] = append(byType[is.Type], "file")
		}
	}

	templates := []struct {
		issueType string
		advice    string
	}{
		{"syntax_error", "Fix the syntax error before further review: %s."},
		{"long_function", "Break down long functions: %s. Split into smaller, focused functions."},
		{"missing_doc", "Add doc comments to: %s. Document behavior, parameters, and errors."},
		{"too_many_params", "Reduce parameters in: %s. Consider an options struct."},
		{"deep_nesting", "Reduce nesting in: %s. Use early returns and guard clauses."},
		{"high_complexity", "Simplify complex functions: %s. Extract conditions or split logic."},
	}

	var out []string
	for _, t := range templates {
		if funcs, ok := byType[t.issueType]; ok {
			sort.Strings(funcs)
			out = append(out, fmt.Sprintf(t.advice, strings.Join(dedupe(funcs), ", ")))
		}
	}
	return out
}

// QualityScore computes the 0-100 score from issues and average complexity.
func QualityScore(issues []issue, complexity map[string]int) float64 {
	score := 100.0
	for _, is := range issues {
		if w, ok := severityWeights[is.Severity]; ok {
			score -= w
		} else {
			score -= 2
		}
	}
	if len(complexity) > 0 {
		var sum int
		for _, c := range complexity {
			sum += c
		}
		avg := float64(sum) / float64(len(complexity))
		if avg > float64(maxComplexity) {
			score -= (avg - float64(maxComplexity)) * 2
		}
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func countStatements(block *ast.BlockStmt) int {
	count := 0
	ast.Inspect(block, func(n ast.Node) bool {
		if _, ok := n.(ast.Stmt); ok {
			count++
		}
		return true
	})
	return count
}

func nestingDepth(n ast.Node, depth int) int {
	max := depth
	ast.Inspect(n, func(child ast.Node) bool {
		if child == nil || child == n {
			return true
		}
		switch child.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			if d := nestingDepth(child, depth+1); d > max {
				max = d
			}
			return false
		}
		return true
	})
	return max
}

// decodeFunctions tolerates both in-process ([]functionInfo via toAnySlice)
// and JSON round-tripped ([]any of map[string]any) representations, since
// states cross a serialization boundary between nodes only when persisted.
func decodeFunctions(s graph.WorkflowState) []functionInfo {
	raw, ok := s.Get("functions")
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]functionInfo, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case functionInfo:
			out = append(out, v)
		case map[string]any:
			out = append(out, functionInfo{
				Name:       str(v["name"]),
				Line:       num(v["line"]),
				Params:     num(v["params"]),
				HasDoc:     v["has_doc"] == true,
				Statements: num(v["statements"]),
			})
		}
	}
	return out
}

func decodeIssues(s graph.WorkflowState) []issue {
	raw, ok := s.Get("issues")
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]issue, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case issue:
			out = append(out, v)
		case map[string]any:
			out = append(out, issue{
				Severity: str(v["severity"]),
				Type:     str(v["type"]),
				Function: str(v["function"]),
				Line:     num(v["line"]),
				Message:  str(v["message"]),
			})
		}
	}
	return out
}

func complexityMap(s graph.WorkflowState) map[string]int {
	raw, ok := s.Get("complexity")
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for name, v := range m {
		out[name] = num(v)
	}
	return out
}

func lineOf(functions []functionInfo, name string) int {
	for _, fn := range functions {
		if fn.Name == name {
			return fn.Line
		}
	}
	return 0
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func dedupe(in []string) []string {
	out := in[:0]
	var last string
	for i, v := range in {
		if i == 0 || v != last {
			out = append(out, v)
		}
		last = v
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
