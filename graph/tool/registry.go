// Package tool provides the name -> callable registries that rehydrate a
// serialized graph definition into an executable graph. Definitions store
// tool and predicate names; the registries are the only mechanism that maps
// those names back to in-process functions.
package tool

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/flowforge-io/flowforge/graph"
)

var (
	// ErrNotFound is returned when a lookup names no registered entry.
	ErrNotFound = errors.New("tool not found")

	// ErrAlreadyRegistered is returned when a name is re-registered with a
	// different function. Re-registering the identical function is a no-op.
	ErrAlreadyRegistered = errors.New("tool already registered")
)

// Meta describes a registered tool.
type Meta struct {
	Description string
	Version     string
	Author      string

	// Async marks a tool that suspends on I/O and may run inline on the
	// engine goroutine. Synchronous (CPU-bound) tools are dispatched onto
	// the worker pool instead.
	Async bool
}

type entry struct {
	fn   graph.ToolFunc
	meta Meta
}

// Registry is a table of named tools. Registrations happen at startup and
// are serialized; lookups are concurrent and cheap. Once handed to a
// coordinator the registry should be treated as frozen.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds fn under name. Registration is idempotent per name:
// registering the same function again succeeds, while registering a
// different function under an existing name fails with ErrAlreadyRegistered.
func (r *Registry) Register(name string, fn graph.ToolFunc, meta Meta) error {
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("tool %q: function must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[name]; ok {
		if sameFunc(existing.fn, fn) {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	r.tools[name] = entry{fn: fn, meta: meta}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (graph.ToolFunc, Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.fn, e.meta, nil
}

// Names returns the registered tool names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// PredicateRegistry maps condition names from serialized edges to
// predicates, parallel to Registry for tools.
type PredicateRegistry struct {
	mu    sync.RWMutex
	preds map[string]graph.Predicate
}

// NewPredicateRegistry creates an empty predicate registry.
func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{preds: make(map[string]graph.Predicate)}
}

// Register adds pred under name, with the same idempotence rules as
// Registry.Register.
func (r *PredicateRegistry) Register(name string, pred graph.Predicate) error {
	if name == "" {
		return errors.New("predicate name must not be empty")
	}
	if pred == nil {
		return fmt.Errorf("predicate %q: function must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.preds[name]; ok {
		if sameFunc(existing, pred) {
			return nil
		}
		return fmt.Errorf("%w: predicate %q", ErrAlreadyRegistered, name)
	}
	r.preds[name] = pred
	return nil
}

// Get returns the predicate registered under name.
func (r *PredicateRegistry) Get(name string) (graph.Predicate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.preds[name]
	if !ok {
		return nil, fmt.Errorf("%w: predicate %q", ErrNotFound, name)
	}
	return p, nil
}

// Build rehydrates a serialized definition into an executable, validated
// graph. Every node's tool name is resolved through tools and every edge
// condition through preds; an unresolved name fails with ErrNotFound before
// any execution happens. The returned graph has passed Validate.
func Build(def graph.Definition, tools *Registry, preds *PredicateRegistry) (*graph.Graph, error) {
	g := graph.NewGraph(def.Name, def.Description)

	for _, nd := range def.Nodes {
		fn, meta, err := tools.Get(nd.Tool)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nd.Name, err)
		}
		node := graph.NewNode(nd.Name, fn, graph.NodeMeta{
			Description: meta.Description,
			Version:     meta.Version,
			Author:      meta.Author,
			Async:       meta.Async,
		})
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}

	for _, ed := range def.Edges {
		if ed.Condition == "" {
			g.AddEdge(ed.From, ed.To)
			continue
		}
		pred, err := preds.Get(ed.Condition)
		if err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", ed.From, ed.To, err)
		}
		g.AddConditionalEdge(ed.From, ed.To, pred)
	}

	g.SetEntryPoint(def.EntryPoint)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// sameFunc reports whether two function values share an entry point. Good
// enough to make re-registering the same top-level function idempotent;
// distinct closures over identical code still count as different.
func sameFunc(a, b any) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
