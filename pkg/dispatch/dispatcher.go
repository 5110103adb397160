package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-durable-replication/pkg/continuation"
	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/internal/backoff"
	"github.com/jdziat/simple-durable-replication/pkg/schedule"
	"github.com/jdziat/simple-durable-replication/pkg/security"
)

// HandlerFunc runs a continuation for a job.
type HandlerFunc func(ctx context.Context, jobName string) error

// Store is the continuation queue the dispatcher works on.
// storage.GormStorage and storage.MemoryStorage implement it.
type Store interface {
	core.Deferrer
	ClaimDue(ctx context.Context, workerID string, handlers []string, lockFor time.Duration) (*core.Continuation, error)
	Finish(ctx context.Context, id, workerID string) error
	Release(ctx context.Context, id, workerID string, retryAt time.Time) error
	ReleaseStaleLocks(ctx context.Context) (int64, error)
}

// Trigger kicks a job off on a recurring schedule.
type Trigger struct {
	Handler  string
	JobName  string
	Schedule schedule.Schedule
}

func (t Trigger) key() string {
	return t.Handler + "/" + t.JobName
}

// Dispatcher runs due continuations and fires kick-off triggers.
type Dispatcher struct {
	store     Store
	scheduler *continuation.Scheduler
	config    Config
	clock     clockwork.Clock
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	triggers []Trigger
	lastRun  map[string]time.Time
}

var _ core.Starter = (*Dispatcher)(nil)

// New creates a dispatcher over store.
func New(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: store,
		config: Config{
			PollInterval:       time.Second,
			LockFor:            10 * time.Minute,
			StaleCheckInterval: time.Minute,
			RetryDelay:         2 * time.Minute,
			Concurrency:        1,
			WorkerID:           uuid.New().String(),
			ClaimRetry: backoff.Config{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
				Multiplier:     2.0,
				JitterFraction: 0.2,
			},
		},
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		handlers: make(map[string]HandlerFunc),
		lastRun:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt.apply(d)
	}
	if d.scheduler == nil {
		d.scheduler = continuation.New(store, continuation.WithLogger(d.logger))
	}
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// Register sets the function run for continuations named handler.
func (d *Dispatcher) Register(handler string, fn HandlerFunc) error {
	if err := security.ValidateHandlerName(handler); err != nil {
		return fmt.Errorf("register handler %q: %w", handler, err)
	}
	if fn == nil {
		return fmt.Errorf("register handler %q: nil function", handler)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handler] = fn
	return nil
}

// Schedule adds a recurring kick-off trigger for a job.
func (d *Dispatcher) Schedule(t Trigger) error {
	if err := security.ValidateHandlerName(t.Handler); err != nil {
		return err
	}
	if err := security.ValidateJobName(t.JobName); err != nil {
		return err
	}
	if t.Schedule == nil {
		return fmt.Errorf("trigger %s: nil schedule", t.key())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggers = append(d.triggers, t)
	return nil
}

func (d *Dispatcher) handlerNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kick starts a job now unless a continuation for it is already pending.
// It reports whether a continuation was registered. Concurrent kicks of the
// same job register at most one continuation.
func (d *Dispatcher) Kick(ctx context.Context, handler, jobName string) (bool, error) {
	ok, err := d.scheduler.ScheduleIfIdle(ctx, jobName, handler, 0)
	if err != nil {
		return false, err
	}
	if !ok {
		d.logger.Debug("kick-off skipped, job in flight", "job", jobName, "handler", handler)
		return false, nil
	}
	d.logger.Info("job kicked off", "job", jobName, "handler", handler)
	return true, nil
}

// Start runs the dispatcher until ctx is cancelled. It blocks and returns ctx.Err().
func (d *Dispatcher) Start(ctx context.Context) error {
	if len(d.handlerNames()) == 0 {
		return core.ErrNoHandler
	}

	d.mu.Lock()
	now := d.clock.Now()
	for _, t := range d.triggers {
		if _, ok := d.lastRun[t.key()]; !ok {
			d.lastRun[t.key()] = now
		}
	}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	claimed := make(chan *core.Continuation, d.config.Concurrency)

	for i := 0; i < d.config.Concurrency; i++ {
		g.Go(func() error {
			for c := range claimed {
				d.process(gctx, c)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(claimed)
		return d.pollLoop(gctx, claimed)
	})
	g.Go(func() error {
		return d.staleLoop(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

func (d *Dispatcher) pollLoop(ctx context.Context, claimed chan<- *core.Continuation) error {
	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	handlers := d.handlerNames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			d.checkTriggers(ctx, d.clock.Now())

			c, err := d.claimWithRetry(ctx, handlers)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					d.logger.Error("failed to claim continuation after retries", "error", err)
				}
				continue
			}
			if c != nil {
				select {
				case claimed <- c:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (d *Dispatcher) staleLoop(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			n, err := d.store.ReleaseStaleLocks(ctx)
			if err != nil {
				d.logger.Error("failed to release stale claims", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Warn("released stale claims", "count", n)
			}
		}
	}
}

// checkTriggers fires every trigger whose next activation is at or before now.
func (d *Dispatcher) checkTriggers(ctx context.Context, now time.Time) {
	d.mu.Lock()
	var due []Trigger
	for _, t := range d.triggers {
		last, ok := d.lastRun[t.key()]
		if !ok {
			d.lastRun[t.key()] = now
			continue
		}
		if next := t.Schedule.Next(last); !now.Before(next) {
			due = append(due, t)
		}
	}
	d.mu.Unlock()

	for _, t := range due {
		if _, err := d.Kick(ctx, t.Handler, t.JobName); err != nil {
			d.logger.Error("failed to kick off scheduled job", "job", t.JobName, "error", err)
			continue
		}
		d.mu.Lock()
		d.lastRun[t.key()] = now
		d.mu.Unlock()
	}
}

func (d *Dispatcher) claimWithRetry(ctx context.Context, handlers []string) (*core.Continuation, error) {
	var c *core.Continuation
	err := backoff.Do(ctx, d.config.ClaimRetry, func() error {
		var claimErr error
		c, claimErr = d.store.ClaimDue(ctx, d.config.WorkerID, handlers, d.config.LockFor)
		return claimErr
	})
	return c, err
}

// RunDue claims and runs at most one due continuation. It reports whether
// one was run.
func (d *Dispatcher) RunDue(ctx context.Context) (bool, error) {
	c, err := d.store.ClaimDue(ctx, d.config.WorkerID, d.handlerNames(), d.config.LockFor)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	d.process(ctx, c)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, c *core.Continuation) {
	d.mu.RLock()
	fn := d.handlers[c.Handler]
	d.mu.RUnlock()

	logger := d.logger.With("job", c.JobName, "handler", c.Handler, "continuation_id", c.ID, "attempt", c.Attempt)
	logger.Debug("continuation started")

	err := d.execute(ctx, fn, c)
	if err == nil {
		if ferr := d.store.Finish(context.WithoutCancel(ctx), c.ID, d.config.WorkerID); ferr != nil {
			logger.Error("failed to finish continuation", "error", ferr)
		}
		return
	}

	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		logger.Error("continuation dropped, error is not retryable", "error", err)
		if ferr := d.store.Finish(context.WithoutCancel(ctx), c.ID, d.config.WorkerID); ferr != nil {
			logger.Error("failed to finish continuation", "error", ferr)
		}
		return
	}

	logger.Warn("continuation failed", "error", err)
	retryAt := d.clock.Now().Add(d.config.RetryDelay)
	rerr := d.store.Release(context.WithoutCancel(ctx), c.ID, d.config.WorkerID, retryAt)
	switch {
	case rerr == nil:
		logger.Info("continuation released for retry", "retry_at", retryAt)
	case errors.Is(rerr, core.ErrContinuationNotOwned):
		// The handler already replaced or cancelled it.
	default:
		logger.Error("failed to release continuation", "error", rerr)
	}
}

func (d *Dispatcher) execute(ctx context.Context, fn HandlerFunc, c *core.Continuation) (err error) {
	if fn == nil {
		return fmt.Errorf("%w: %s", core.ErrNoHandler, c.Handler)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, c.JobName)
}
