package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// DefaultRetention is how long buckets are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Collector accumulates slice events in memory and flushes them to a
// Storage once a minute. Observe is safe to register as a runner observer.
type Collector struct {
	storage   Storage
	clock     clockwork.Clock
	logger    *slog.Logger
	retention time.Duration

	mu       sync.Mutex
	counters map[string]*Delta
}

// CollectorOption configures a Collector.
type CollectorOption interface {
	apply(*Collector)
}

type collectorOptionFunc func(*Collector)

func (f collectorOptionFunc) apply(c *Collector) { f(c) }

// WithRetention sets how long buckets are kept. Zero disables pruning.
func WithRetention(d time.Duration) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		if d >= 0 {
			c.retention = d
		}
	})
}

// WithClock sets the clock used for bucket times and the flush ticker.
func WithClock(clock clockwork.Clock) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		if clock != nil {
			c.clock = clock
		}
	})
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	})
}

// NewCollector creates a Collector writing to storage.
func NewCollector(storage Storage, opts ...CollectorOption) *Collector {
	c := &Collector{
		storage:   storage,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		retention: DefaultRetention,
		counters:  make(map[string]*Delta),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// Observe records one event.
func (c *Collector) Observe(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case *core.SliceStarted:
		c.get(ev.JobName).Slices++
	case *core.SliceYielded:
		c.get(ev.JobName).Yields++
	case *core.SliceFailed:
		c.get(ev.JobName).SliceFailures++
	case *core.JobCompleted:
		c.get(ev.JobName).Completions++
	case *core.UnitProcessed:
		d := c.get(ev.JobName)
		switch ev.Outcome.Kind {
		case core.OutcomeSuccess:
			d.UnitsSucceeded++
		case core.OutcomeSkipped:
			d.UnitsSkipped++
		default:
			d.UnitsFailed++
		}
	}
}

func (c *Collector) get(job string) *Delta {
	d, ok := c.counters[job]
	if !ok {
		d = &Delta{}
		c.counters[job] = d
	}
	return d
}

// Flush writes the accumulated counters. Counters that fail to write are
// kept for the next flush.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = make(map[string]*Delta)
	c.mu.Unlock()

	ts := c.clock.Now()
	for job, d := range batch {
		if d.Zero() {
			continue
		}
		if err := c.storage.Add(ctx, job, ts, *d); err != nil {
			c.logger.Warn("stats flush failed", "job", job, "error", err)
			c.mu.Lock()
			c.get(job).add(*d)
			c.mu.Unlock()
		}
	}
}

// Start flushes and prunes every minute until ctx is cancelled, then
// flushes once more.
func (c *Collector) Start(ctx context.Context) error {
	ticker := c.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.Chan():
			c.Flush(ctx)
			c.prune(ctx)
		}
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	n, err := c.storage.Prune(ctx, c.clock.Now().Add(-c.retention))
	if err != nil {
		c.logger.Warn("stats prune failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("stats pruned", "buckets", n)
	}
}
