// Package replication copies the header row of every section of a template
// workbook into a set of target workbooks, in budget-bounded slices that
// checkpoint after every unit and chain themselves through continuations.
//
// This is the package most users import. It wires the pkg/ packages into an
// Engine and re-exports their public types.
//
// Basic usage:
//
//	cfg, _ := config.Load("replicate.yaml")
//	engine, _ := replication.Open(ctx, cfg)
//	defer engine.Close()
//
//	// Start a job now, then let the dispatcher run its slices.
//	engine.Kick(ctx, "monthly-close")
//	engine.Start(ctx)
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-durable-replication/pkg/config"
	"github.com/jdziat/simple-durable-replication/pkg/continuation"
	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/dispatch"
	"github.com/jdziat/simple-durable-replication/pkg/httptrigger"
	"github.com/jdziat/simple-durable-replication/pkg/notify"
	"github.com/jdziat/simple-durable-replication/pkg/progress"
	unit "github.com/jdziat/simple-durable-replication/pkg/replication"
	"github.com/jdziat/simple-durable-replication/pkg/runner"
	"github.com/jdziat/simple-durable-replication/pkg/schedule"
	"github.com/jdziat/simple-durable-replication/pkg/stats"
	"github.com/jdziat/simple-durable-replication/pkg/storage"
	"github.com/jdziat/simple-durable-replication/pkg/workbook"
)

// Type aliases
type (
	// JobProgress is the durable checkpoint of a job.
	JobProgress = core.JobProgress

	// Counts holds the per-outcome totals of a job.
	Counts = core.Counts

	// WorkUnit is one (section, target) step.
	WorkUnit = core.WorkUnit

	// Outcome is the result of a unit.
	Outcome = core.Outcome

	// Row is a section header row; Cell is one of its cells.
	Row  = core.Row
	Cell = core.Cell

	// Event is the interface for all slice events.
	Event         = core.Event
	SliceStarted  = core.SliceStarted
	UnitProcessed = core.UnitProcessed
	SliceYielded  = core.SliceYielded
	JobCompleted  = core.JobCompleted
	SliceFailed   = core.SliceFailed

	// JobSpec describes a replication job.
	JobSpec = runner.JobSpec

	// SliceResult describes how a slice ended.
	SliceResult = runner.SliceResult

	// Schedule computes kick-off times.
	Schedule = schedule.Schedule
)

// Errors
var (
	ErrStorageUnavailable = core.ErrStorageUnavailable
	ErrVersionConflict    = core.ErrVersionConflict
	ErrUnknownJob         = core.ErrUnknownJob
	ErrWorkSetChanged     = core.ErrWorkSetChanged
	ErrCheckpointCleared  = core.ErrCheckpointCleared
	ErrInvalidJobName     = core.ErrInvalidJobName

	ErrStatsDisabled = errors.New("replication: stats are not enabled")
)

// Schedule constructors
var (
	Every  = schedule.Every
	Daily  = schedule.Daily
	Weekly = schedule.Weekly
	Cron   = schedule.Cron
)

// Store is the durable storage an Engine runs on: checkpoints in the KV,
// continuations in the dispatcher queue. storage.GormStorage and
// storage.MemoryStorage implement it.
type Store interface {
	core.KV
	dispatch.Store
}

// Workbooks reads the template and writes the targets.
type Workbooks interface {
	core.Source
	core.Target
}

// Option configures an Engine.
type Option interface {
	apply(*engineOptions)
}

type optionFunc func(*engineOptions)

func (f optionFunc) apply(o *engineOptions) { f(o) }

type engineOptions struct {
	clock     clockwork.Clock
	logger    *slog.Logger
	notifier  core.Notifier
	stats     stats.Storage
	observers []func(core.Event)
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	})
}

// WithClock sets the clock of the runner, the dispatcher and, for Open, the
// database storage.
func WithClock(c clockwork.Clock) Option {
	return optionFunc(func(o *engineOptions) {
		o.clock = c
	})
}

// WithNotifier replaces the notifier built from the configuration.
func WithNotifier(n core.Notifier) Option {
	return optionFunc(func(o *engineOptions) {
		o.notifier = n
	})
}

// WithStats records per-minute slice and unit counters in s.
func WithStats(s stats.Storage) Option {
	return optionFunc(func(o *engineOptions) {
		o.stats = s
	})
}

// OnEvent registers an observer for slice events.
func OnEvent(fn func(Event)) Option {
	return optionFunc(func(o *engineOptions) {
		o.observers = append(o.observers, fn)
	})
}

func resolveOptions(opts []Option) engineOptions {
	o := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(&o)
	}
	return o
}

// Engine runs the configured jobs.
type Engine struct {
	cfg        config.Config
	runner     *runner.Runner
	dispatcher *dispatch.Dispatcher
	stats      stats.Storage
	collector  *stats.Collector
	logger     *slog.Logger
	closer     func() error
}

// Open connects to cfg.DatabaseURL, migrates it, and builds an Engine over
// the workbook directory cfg.WorkbookDir. Stats are kept in the same database.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if o := resolveOptions(opts); o.clock != nil {
		store = storage.NewGormStorage(store.DB(), storage.WithClock(o.clock))
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	history := stats.NewGormStorage(store.DB())
	if err := history.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate stats: %w", err)
	}
	books, err := workbook.NewDir(cfg.WorkbookDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	e, err := NewEngine(cfg, store, books, append([]Option{WithStats(history)}, opts...)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	e.closer = store.Close
	return e, nil
}

// NewEngine builds an Engine over store and books and registers cfg.Jobs.
func NewEngine(cfg config.Config, store Store, books Workbooks, opts ...Option) (*Engine, error) {
	o := resolveOptions(opts)
	if o.notifier == nil {
		o.notifier = NotifierFromConfig(cfg.Notify, o.logger)
	}

	runnerOpts := []runner.Option{
		runner.WithConfig(runner.Config{
			Budget:            cfg.Runner.Budget,
			ContinuationDelay: cfg.Runner.ContinuationDelay,
			RetryDelay:        cfg.Runner.RetryDelay,
			Handler:           cfg.Runner.Handler,
		}),
		runner.WithUnitPause(cfg.Runner.UnitPause),
		runner.WithClock(o.clock),
		runner.WithLogger(o.logger),
	}
	var collector *stats.Collector
	if o.stats != nil {
		collector = stats.NewCollector(o.stats,
			stats.WithClock(o.clock),
			stats.WithLogger(o.logger),
			stats.WithRetention(cfg.StatsRetention))
		runnerOpts = append(runnerOpts, runner.OnEvent(collector.Observe))
	}
	for _, fn := range o.observers {
		runnerOpts = append(runnerOpts, runner.OnEvent(fn))
	}
	sched := continuation.New(store, continuation.WithLogger(o.logger))
	r := runner.New(runner.Deps{
		Progress:  progress.New(store),
		Scheduler: sched,
		Source:    books,
		Unit:      unit.NewUnit(books, books),
		Notifier:  o.notifier,
	}, runnerOpts...)

	d := dispatch.New(store,
		dispatch.PollInterval(cfg.Dispatch.PollInterval),
		dispatch.LockFor(cfg.Dispatch.LockFor),
		dispatch.Concurrency(cfg.Dispatch.Concurrency),
		dispatch.RetryDelay(r.Config().RetryDelay),
		dispatch.WithClock(o.clock),
		dispatch.WithLogger(o.logger),
		dispatch.WithScheduler(sched),
	)

	e := &Engine{
		cfg:        cfg,
		runner:     r,
		dispatcher: d,
		stats:      o.stats,
		collector:  collector,
		logger:     o.logger,
	}
	handler := r.Config().Handler
	if err := d.Register(handler, e.runSlice); err != nil {
		return nil, err
	}

	for _, j := range cfg.Jobs {
		if err := r.Register(JobSpec{Name: j.Name, SourceID: j.Source, Targets: j.Targets}); err != nil {
			return nil, err
		}
		if j.Schedule == "" {
			continue
		}
		s, err := schedule.Parse(j.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
		if err := d.Schedule(dispatch.Trigger{Handler: handler, JobName: j.Name, Schedule: s}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// NotifierFromConfig builds the completion notifier: the log always, plus
// the webhook and mail sinks that are configured.
func NotifierFromConfig(cfg config.NotifyConfig, logger *slog.Logger) core.Notifier {
	sinks := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.WebhookURL))
	}
	if m := cfg.SMTP; m != nil && m.Addr != "" {
		sinks = append(sinks, &notify.MailNotifier{
			Addr:     m.Addr,
			From:     m.From,
			To:       m.To,
			Username: m.Username,
			Password: m.Password,
		})
	}
	return sinks
}

// runSlice is the dispatcher handler. Errors a retry cannot fix drop the
// continuation; the job then waits for Cancel.
func (e *Engine) runSlice(ctx context.Context, jobName string) error {
	_, err := e.runner.RunSlice(ctx, jobName)
	if errors.Is(err, core.ErrWorkSetChanged) || errors.Is(err, core.ErrUnknownJob) {
		return core.NoRetry(err)
	}
	return err
}

// Runner returns the engine's runner.
func (e *Engine) Runner() *runner.Runner {
	return e.runner
}

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.dispatcher
}

// Register adds a job that is not in the configuration.
func (e *Engine) Register(spec JobSpec) error {
	return e.runner.Register(spec)
}

// RunSlice runs one slice of a job in the calling goroutine.
func (e *Engine) RunSlice(ctx context.Context, jobName string) (*SliceResult, error) {
	return e.runner.RunSlice(ctx, jobName)
}

// Status returns the live checkpoint of a job, or nil when it is not running.
func (e *Engine) Status(ctx context.Context, jobName string) (*JobProgress, error) {
	return e.runner.Status(ctx, jobName)
}

// Cancel clears a job's checkpoint and continuations.
func (e *Engine) Cancel(ctx context.Context, jobName string) error {
	return e.runner.Cancel(ctx, jobName)
}

// Stats returns the stats buckets of a job recorded since the given time,
// including counters not yet flushed.
func (e *Engine) Stats(ctx context.Context, jobName string, since time.Time) ([]stats.Bucket, error) {
	if e.stats == nil {
		return nil, ErrStatsDisabled
	}
	e.collector.Flush(ctx)
	return e.stats.History(ctx, jobName, since, time.Time{})
}

// Kick starts a job on the next dispatcher poll unless it is already in flight.
func (e *Engine) Kick(ctx context.Context, jobName string) (bool, error) {
	spec, ok := e.runner.Job(jobName)
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrUnknownJob, jobName)
	}
	return e.dispatcher.Kick(ctx, e.runner.HandlerFor(spec), jobName)
}

// Start runs the dispatcher, and the HTTP trigger when ListenAddr is set,
// until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.dispatcher.Start(gctx)
	})
	if e.collector != nil {
		g.Go(func() error {
			return e.collector.Start(gctx)
		})
	}
	if addr := e.cfg.ListenAddr; addr != "" {
		opts := []httptrigger.Option{httptrigger.WithLogger(e.logger)}
		if e.stats != nil {
			opts = append(opts, httptrigger.WithHistory(e.stats))
		}
		srv := httptrigger.New(e.runner, opts...)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, addr)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close flushes pending stats and releases the database opened by Open.
func (e *Engine) Close() error {
	if e.collector != nil {
		e.collector.Flush(context.Background())
	}
	if e.closer == nil {
		return nil
	}
	return e.closer()
}
