package dispatch

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jdziat/simple-durable-replication/pkg/continuation"
	"github.com/jdziat/simple-durable-replication/pkg/internal/backoff"
	"github.com/jdziat/simple-durable-replication/pkg/security"
)

// Config holds dispatcher configuration.
type Config struct {
	// PollInterval is how often the continuation table is polled.
	// Default: 1s
	PollInterval time.Duration

	// LockFor is how long a claim is held before it counts as stale. It must
	// exceed the longest slice.
	// Default: 10m
	LockFor time.Duration

	// StaleCheckInterval is how often expired claims are released.
	// Default: 1m
	StaleCheckInterval time.Duration

	// RetryDelay is when a continuation whose handler failed runs again,
	// unless the handler rescheduled it itself.
	// Default: 2m
	RetryDelay time.Duration

	// Concurrency is the number of continuations processed at once.
	// Default: 1
	Concurrency int

	// WorkerID identifies this dispatcher's claims.
	// Default: random UUID
	WorkerID string

	// ClaimRetry is the retry policy for claiming continuations.
	ClaimRetry backoff.Config
}

// Option configures a Dispatcher.
type Option interface {
	apply(*Dispatcher)
}

type optionFunc func(*Dispatcher)

func (f optionFunc) apply(d *Dispatcher) { f(d) }

// PollInterval sets the poll interval.
func PollInterval(d time.Duration) Option {
	return optionFunc(func(x *Dispatcher) {
		if d > 0 {
			x.config.PollInterval = d
		}
	})
}

// LockFor sets how long claims are held.
func LockFor(d time.Duration) Option {
	return optionFunc(func(x *Dispatcher) {
		if d > 0 {
			x.config.LockFor = d
		}
	})
}

// StaleCheckInterval sets how often expired claims are released.
func StaleCheckInterval(d time.Duration) Option {
	return optionFunc(func(x *Dispatcher) {
		if d > 0 {
			x.config.StaleCheckInterval = d
		}
	})
}

// RetryDelay sets the delay before a failed continuation runs again.
func RetryDelay(d time.Duration) Option {
	return optionFunc(func(x *Dispatcher) {
		if d > 0 {
			x.config.RetryDelay = d
		}
	})
}

// Concurrency sets how many continuations run at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) Option {
	return optionFunc(func(x *Dispatcher) {
		x.config.Concurrency = security.ClampConcurrency(n)
	})
}

// WorkerID sets the dispatcher's claim identity.
func WorkerID(id string) Option {
	return optionFunc(func(x *Dispatcher) {
		if id != "" {
			x.config.WorkerID = id
		}
	})
}

// WithClaimRetry sets the retry policy for claiming continuations.
func WithClaimRetry(cfg backoff.Config) Option {
	return optionFunc(func(x *Dispatcher) {
		x.config.ClaimRetry = cfg
	})
}

// WithClock sets the clock for tickers and retry times.
func WithClock(c clockwork.Clock) Option {
	return optionFunc(func(x *Dispatcher) {
		if c != nil {
			x.clock = c
		}
	})
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(x *Dispatcher) {
		if l != nil {
			x.logger = l
		}
	})
}

// WithScheduler sets the scheduler kick-offs are registered through. Share
// the runner's scheduler so kicks and slice continuations of a job are
// serialized together. Defaults to a scheduler over the store.
func WithScheduler(s *continuation.Scheduler) Option {
	return optionFunc(func(x *Dispatcher) {
		if s != nil {
			x.scheduler = s
		}
	})
}
