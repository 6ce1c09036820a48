package graph

import (
	"time"

	"github.com/panjf2000/ants/v2"
)

// DefaultMaxIterations is the engine's iteration bound when none is
// configured. It caps the number of node executions in a single run.
const DefaultMaxIterations = 100

// Options configures a single engine execution.
type Options struct {
	// MaxIterations is the hard upper bound on node executions per run.
	MaxIterations int

	// Timeout is the per-run wall-clock budget. Zero disables the check.
	// The budget is evaluated between nodes; a node already executing runs
	// to completion.
	Timeout time.Duration

	// Pool, when set, receives synchronous tools so they do not block the
	// engine goroutine. Async tools always run inline.
	Pool *ants.Pool

	// Metrics, when set, records node latencies and run outcomes.
	Metrics *Metrics
}

// Option mutates Options. Options are applied in order at engine
// construction.
type Option func(*Options)

// WithMaxIterations sets the iteration bound. Values below zero are treated
// as zero, which fails a run before its entry node executes.
func WithMaxIterations(n int) Option {
	return func(o *Options) {
		if n < 0 {
			n = 0
		}
		o.MaxIterations = n
	}
}

// WithTimeout sets the per-run wall-clock budget.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithWorkerPool sets the pool used for synchronous tools.
func WithWorkerPool(p *ants.Pool) Option {
	return func(o *Options) { o.Pool = p }
}

// WithMetrics attaches a metrics recorder to the engine.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func buildOptions(opts []Option) Options {
	o := Options{MaxIterations: DefaultMaxIterations}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
