package runner

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/security"
	"github.com/jdziat/simple-durable-replication/pkg/timer"
)

// DefaultHandler is the continuation handler name slices are scheduled under.
const DefaultHandler = "replication.slice"

// Config holds runner configuration.
type Config struct {
	// Budget bounds the wall-clock time a slice may start new units in.
	// Default: 3 minutes
	Budget time.Duration

	// UnitPause is the pause between two units of a slice.
	// Default: 300ms
	UnitPause time.Duration

	// ContinuationDelay is how long after a yield the next slice runs.
	// Default: 60s
	ContinuationDelay time.Duration

	// RetryDelay is used after a slice-level failure and when scheduling the
	// normal continuation fails.
	// Default: 2x ContinuationDelay
	RetryDelay time.Duration

	// Handler is the continuation handler name for jobs that do not set one.
	// Default: DefaultHandler
	Handler string
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Budget:            timer.DefaultBudget,
		UnitPause:         300 * time.Millisecond,
		ContinuationDelay: 60 * time.Second,
		Handler:           DefaultHandler,
	}
}

// Option configures a Runner.
type Option interface {
	apply(*Runner)
}

type optionFunc func(*Runner)

func (f optionFunc) apply(r *Runner) { f(r) }

// WithConfig replaces the whole configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return optionFunc(func(r *Runner) {
		if cfg.Budget > 0 {
			r.config.Budget = security.ClampBudget(cfg.Budget)
		}
		if cfg.UnitPause > 0 {
			r.config.UnitPause = security.ClampUnitPause(cfg.UnitPause)
		}
		if cfg.ContinuationDelay > 0 {
			r.config.ContinuationDelay = cfg.ContinuationDelay
		}
		if cfg.RetryDelay > 0 {
			r.config.RetryDelay = cfg.RetryDelay
		}
		if cfg.Handler != "" {
			r.config.Handler = cfg.Handler
		}
	})
}

// WithBudget sets the slice budget. Values are clamped to [MinBudget, MaxBudget].
func WithBudget(d time.Duration) Option {
	return optionFunc(func(r *Runner) {
		r.config.Budget = security.ClampBudget(d)
	})
}

// WithUnitPause sets the pause between units. Values are clamped to [0, MaxUnitPause].
func WithUnitPause(d time.Duration) Option {
	return optionFunc(func(r *Runner) {
		r.config.UnitPause = security.ClampUnitPause(d)
	})
}

// WithContinuationDelay sets the delay before the next slice after a yield.
func WithContinuationDelay(d time.Duration) Option {
	return optionFunc(func(r *Runner) {
		if d > 0 {
			r.config.ContinuationDelay = d
		}
	})
}

// WithRetryDelay sets the delay used after failures.
func WithRetryDelay(d time.Duration) Option {
	return optionFunc(func(r *Runner) {
		if d > 0 {
			r.config.RetryDelay = d
		}
	})
}

// WithHandler sets the default continuation handler name.
func WithHandler(name string) Option {
	return optionFunc(func(r *Runner) {
		if name != "" {
			r.config.Handler = name
		}
	})
}

// WithClock sets the clock used for the budget, pauses and timestamps.
func WithClock(c clockwork.Clock) Option {
	return optionFunc(func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	})
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	})
}

// OnEvent registers an observer for slice events. Observers run synchronously
// on the slice's goroutine and must not block.
func OnEvent(fn func(core.Event)) Option {
	return optionFunc(func(r *Runner) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	})
}
