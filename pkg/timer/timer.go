// Package timer measures a slice's elapsed time against its budget.
package timer

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultBudget is half of an assumed six-minute host execution ceiling.
// The margin must absorb the slowest single unit.
const DefaultBudget = 3 * time.Minute

// Timer starts at construction and answers whether the budget is spent.
type Timer struct {
	clock   clockwork.Clock
	budget  time.Duration
	started time.Time
}

// Option configures a Timer.
type Option interface {
	apply(*Timer)
}

type optionFunc func(*Timer)

func (f optionFunc) apply(t *Timer) { f(t) }

// WithClock sets the clock the timer reads.
func WithClock(c clockwork.Clock) Option {
	return optionFunc(func(t *Timer) {
		if c != nil {
			t.clock = c
		}
	})
}

// New starts a timer with the given budget. A non-positive budget uses DefaultBudget.
func New(budget time.Duration, opts ...Option) *Timer {
	if budget <= 0 {
		budget = DefaultBudget
	}
	t := &Timer{
		clock:  clockwork.NewRealClock(),
		budget: budget,
	}
	for _, opt := range opts {
		opt.apply(t)
	}
	t.started = t.clock.Now()
	return t
}

// Budget returns the configured budget.
func (t *Timer) Budget() time.Duration {
	return t.budget
}

// StartedAt returns when the timer started.
func (t *Timer) StartedAt() time.Time {
	return t.started
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return t.clock.Since(t.started)
}

// Remaining returns the unused budget, never negative.
func (t *Timer) Remaining() time.Duration {
	if r := t.budget - t.Elapsed(); r > 0 {
		return r
	}
	return 0
}

// Exceeded reports whether the budget is used up.
func (t *Timer) Exceeded() bool {
	return t.Elapsed() >= t.budget
}
