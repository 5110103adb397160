package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jdziat/simple-durable-replication/pkg/continuation"
	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/notify"
	"github.com/jdziat/simple-durable-replication/pkg/security"
	"github.com/jdziat/simple-durable-replication/pkg/timer"
)

// Executor runs one (section, target) unit. replication.Unit implements it.
type Executor interface {
	Execute(ctx context.Context, sourceID, targetID, sectionID string) core.Outcome
}

// JobSpec describes a replication job: copy every section of SourceID into
// each of Targets.
type JobSpec struct {
	Name     string
	SourceID string
	Targets  []string

	// Handler is the continuation handler name. Empty uses the runner default.
	Handler string
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Progress  core.ProgressStore
	Scheduler *continuation.Scheduler
	Source    core.Source
	Unit      Executor
	Notifier  core.Notifier
}

// SliceResult describes how a slice ended.
type SliceResult struct {
	JobName    string
	State      core.SliceState
	Resumed    bool
	Processed  int
	Cursor     int
	TotalUnits int
	Counts     core.Counts
	Elapsed    time.Duration

	// NextRunIn is the delay of the continuation scheduled by this slice.
	// Zero when none was scheduled.
	NextRunIn time.Duration
}

// Runner executes replication jobs slice by slice.
type Runner struct {
	deps      Deps
	config    Config
	clock     clockwork.Clock
	logger    *slog.Logger
	observers []func(core.Event)

	mu   sync.RWMutex
	jobs map[string]JobSpec
}

// New creates a Runner.
func New(deps Deps, opts ...Option) *Runner {
	r := &Runner{
		deps:   deps,
		config: DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		jobs:   make(map[string]JobSpec),
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	if r.config.RetryDelay <= 0 {
		r.config.RetryDelay = 2 * r.config.ContinuationDelay
	}
	if r.deps.Notifier == nil {
		r.deps.Notifier = notify.LogNotifier{Logger: r.logger}
	}
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.config
}

// Register adds a job. Registering a name again replaces its spec.
func (r *Runner) Register(spec JobSpec) error {
	if err := security.ValidateJobName(spec.Name); err != nil {
		return fmt.Errorf("register job %q: %w", spec.Name, err)
	}
	if spec.Handler != "" {
		if err := security.ValidateHandlerName(spec.Handler); err != nil {
			return fmt.Errorf("register job %q: %w", spec.Name, err)
		}
	}
	spec.Targets = append([]string(nil), spec.Targets...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[spec.Name] = spec
	return nil
}

// Job returns the registered spec for name.
func (r *Runner) Job(name string) (JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.jobs[name]
	return spec, ok
}

// Jobs returns the names of all registered jobs.
func (r *Runner) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// HandlerFor returns the continuation handler name used by a job.
func (r *Runner) HandlerFor(spec JobSpec) string {
	if spec.Handler != "" {
		return spec.Handler
	}
	return r.config.Handler
}

// RunSlice executes one slice of the named job.
//
// Unit failures never make RunSlice fail; they are counted. A non-nil error
// means the slice itself failed: the checkpoint stays at its last persisted
// value and, except for core.ErrWorkSetChanged, a continuation is scheduled
// after RetryDelay.
func (r *Runner) RunSlice(ctx context.Context, jobName string) (*SliceResult, error) {
	spec, ok := r.Job(jobName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownJob, jobName)
	}
	s := &slice{
		r:       r,
		spec:    spec,
		handler: r.HandlerFor(spec),
		timer:   timer.New(r.config.Budget, timer.WithClock(r.clock)),
		logger:  r.logger.With("job", jobName),
	}
	return s.run(ctx)
}

// Cancel stops a job: its checkpoint is cleared and its continuations are
// cancelled. A slice already running finishes its current unit, then finds
// the checkpoint gone and stops without scheduling anything.
func (r *Runner) Cancel(ctx context.Context, jobName string) error {
	if err := security.ValidateJobName(jobName); err != nil {
		return err
	}
	handler := r.config.Handler
	if spec, ok := r.Job(jobName); ok {
		handler = r.HandlerFor(spec)
	}

	// Clear first: a running slice that yields after this point sees the
	// missing checkpoint and withdraws its own continuation.
	if err := r.deps.Progress.Clear(ctx, jobName); err != nil {
		return err
	}
	if err := r.deps.Scheduler.CancelAll(ctx, jobName, handler); err != nil {
		return err
	}
	r.logger.Info("job cancelled", "job", jobName)
	return nil
}

// Status returns the live checkpoint of a job, or nil when none exists.
func (r *Runner) Status(ctx context.Context, jobName string) (*core.JobProgress, error) {
	return r.deps.Progress.Load(ctx, jobName)
}

func (r *Runner) emit(e core.Event) {
	for _, fn := range r.observers {
		fn(e)
	}
}

// slice holds the state of one RunSlice call.
type slice struct {
	r       *Runner
	spec    JobSpec
	handler string
	timer   *timer.Timer
	logger  *slog.Logger

	progress  *core.JobProgress
	resumed   bool
	processed int
}

func (s *slice) run(ctx context.Context) (*SliceResult, error) {
	r := s.r

	p, err := r.deps.Progress.Load(ctx, s.spec.Name)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("load checkpoint: %w", err))
	}

	sections, err := r.deps.Source.ListSections(ctx, s.spec.SourceID)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("list sections of %q: %w", s.spec.SourceID, err))
	}
	total := core.TotalUnits(sections, s.spec.Targets)

	if p == nil {
		p = core.NewJobProgress(s.spec.Name, total, s.timer.StartedAt())
		if err := r.deps.Progress.Save(ctx, p); err != nil {
			return s.fail(ctx, fmt.Errorf("create checkpoint: %w", err))
		}
		s.logger.Info("job started", "total_units", total)
	} else {
		s.resumed = true
		if p.TotalUnits != total {
			s.progress = p
			return s.fail(ctx, fmt.Errorf("%w: checkpoint has %d units, work set has %d",
				core.ErrWorkSetChanged, p.TotalUnits, total))
		}
	}
	s.progress = p

	r.emit(&core.SliceStarted{
		JobName:   p.JobName,
		Cursor:    p.Cursor,
		Total:     p.TotalUnits,
		Resumed:   s.resumed,
		Timestamp: r.clock.Now(),
	})
	s.logger.Debug("slice started", "cursor", p.Cursor, "total_units", p.TotalUnits, "resumed", s.resumed)

	if err := s.loop(ctx, sections); err != nil {
		return s.fail(ctx, err)
	}

	if p.Done() {
		return s.complete(ctx)
	}
	return s.yield(ctx)
}

// loop executes units until the job is done, the budget is spent or ctx is
// cancelled. It returns an error only when a checkpoint could not be written.
func (s *slice) loop(ctx context.Context, sections []string) error {
	r := s.r
	p := s.progress

	for !p.Done() {
		if s.processed > 0 && r.config.UnitPause > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-r.clock.After(r.config.UnitPause):
			}
		}
		// The budget is checked before a unit starts; a started unit always finishes.
		if ctx.Err() != nil || s.timer.Exceeded() {
			return nil
		}

		unit, ok := core.UnitAt(sections, s.spec.Targets, p.Cursor)
		if !ok {
			return fmt.Errorf("%w: no unit at cursor %d", core.ErrWorkSetChanged, p.Cursor)
		}

		started := r.clock.Now()
		outcome := s.execute(ctx, unit)
		duration := r.clock.Since(started)

		before := *p
		p.Record(outcome)
		p.LastError = security.SanitizeErrorMessage(p.LastError)
		if err := r.deps.Progress.Save(ctx, p); err != nil {
			*p = before
			return fmt.Errorf("save checkpoint at unit %d: %w", unit.FlatIndex, err)
		}
		s.processed++

		s.logUnit(unit, outcome, duration)
		r.emit(&core.UnitProcessed{
			JobName:   p.JobName,
			Unit:      unit,
			Outcome:   outcome,
			Duration:  duration,
			Timestamp: r.clock.Now(),
		})
	}
	return nil
}

// execute runs one unit and turns a panic into a failed outcome.
func (s *slice) execute(ctx context.Context, unit core.WorkUnit) (outcome core.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = core.Failed(fmt.Errorf("panic: %v", rec))
		}
	}()
	return s.r.deps.Unit.Execute(ctx, s.spec.SourceID, unit.TargetID, unit.SectionID)
}

func (s *slice) logUnit(unit core.WorkUnit, outcome core.Outcome, d time.Duration) {
	attrs := []any{
		"unit", unit.FlatIndex,
		"section", unit.SectionID,
		"target", unit.TargetID,
		"duration", d,
	}
	switch outcome.Kind {
	case core.OutcomeFailed:
		s.logger.Warn("unit failed", append(attrs, "error", outcome.Err)...)
	case core.OutcomeSkipped:
		s.logger.Info("unit skipped", append(attrs, "reason", outcome.Reason)...)
	default:
		s.logger.Debug("unit replicated", attrs...)
	}
}

func (s *slice) complete(ctx context.Context) (*SliceResult, error) {
	r := s.r
	p := s.progress

	if err := r.deps.Scheduler.CancelAll(ctx, p.JobName, s.handler); err != nil {
		return s.fail(ctx, fmt.Errorf("cancel continuations: %w", err))
	}
	if err := r.deps.Progress.Clear(ctx, p.JobName); err != nil {
		return s.fail(ctx, fmt.Errorf("clear checkpoint: %w", err))
	}

	finished := r.clock.Now()
	subject, body := notify.Summary(p, finished)
	if err := r.deps.Notifier.Notify(context.WithoutCancel(ctx), subject, body); err != nil {
		s.logger.Error("completion notification failed", "error", err)
	}

	s.logger.Info("job completed",
		"total_units", p.TotalUnits,
		"success", p.Counts.Success,
		"failed", p.Counts.Failed,
		"skipped", p.Counts.Skipped)
	r.emit(&core.JobCompleted{
		JobName:   p.JobName,
		Counts:    p.Counts,
		Total:     p.TotalUnits,
		Duration:  finished.Sub(p.StartedAt),
		Timestamp: finished,
	})
	return s.result(core.StateCompleted, 0), nil
}

func (s *slice) yield(ctx context.Context) (*SliceResult, error) {
	r := s.r
	p := s.progress
	delay := r.config.ContinuationDelay

	// The slice may be yielding because ctx was cancelled; the continuation
	// must be registered regardless.
	bg := context.WithoutCancel(ctx)
	err := r.deps.Scheduler.ScheduleWithFallback(bg, p.JobName, s.handler, delay, r.config.RetryDelay)
	if err == nil && s.cancelledSince(bg) {
		if cerr := r.deps.Scheduler.CancelAll(bg, p.JobName, s.handler); cerr != nil {
			s.logger.Error("failed to withdraw continuation of cancelled job", "error", cerr)
		}
		s.logger.Info("job cancelled during slice", "cursor", p.Cursor, "processed", s.processed)
		return s.result(core.StateCancelled, 0), nil
	}

	s.logger.Info("slice yielded",
		"cursor", p.Cursor,
		"total_units", p.TotalUnits,
		"processed", s.processed,
		"elapsed", s.timer.Elapsed(),
		"next_run_in", delay)
	r.emit(&core.SliceYielded{
		JobName:   p.JobName,
		Cursor:    p.Cursor,
		Total:     p.TotalUnits,
		NextRunIn: delay,
		Timestamp: r.clock.Now(),
	})

	if err != nil {
		return s.result(core.StateYielded, 0), err
	}
	return s.result(core.StateYielded, delay), nil
}

// cancelledSince reports whether the checkpoint this slice wrote is gone.
func (s *slice) cancelledSince(ctx context.Context) bool {
	p, err := s.r.deps.Progress.Load(ctx, s.spec.Name)
	return err == nil && p == nil
}

// fail handles a slice-level error. The checkpoint is left as last persisted.
func (s *slice) fail(ctx context.Context, err error) (*SliceResult, error) {
	r := s.r
	cursor := 0
	if s.progress != nil {
		cursor = s.progress.Cursor
	}

	// Cancel already removed the checkpoint and continuations; scheduling
	// anything here would bring the job back.
	if errors.Is(err, core.ErrCheckpointCleared) {
		s.logger.Info("job cancelled during slice", "cursor", cursor, "processed", s.processed)
		return s.result(core.StateCancelled, 0), nil
	}

	r.emit(&core.SliceFailed{
		JobName:   s.spec.Name,
		Cursor:    cursor,
		Error:     err,
		Timestamp: r.clock.Now(),
	})

	if errors.Is(err, core.ErrWorkSetChanged) {
		s.logger.Error("slice aborted, job needs to be cancelled and restarted", "error", err)
		return s.result(core.StateFailed, 0), err
	}

	s.logger.Error("slice failed", "cursor", cursor, "retry_in", r.config.RetryDelay, "error", err)
	retry := r.config.RetryDelay
	if serr := r.deps.Scheduler.ScheduleNext(context.WithoutCancel(ctx), s.spec.Name, s.handler, retry); serr != nil {
		s.logger.Error("job stalled: retry continuation could not be scheduled", "error", serr)
		return s.result(core.StateFailed, 0), errors.Join(err, serr)
	}
	return s.result(core.StateFailed, retry), err
}

func (s *slice) result(state core.SliceState, nextRunIn time.Duration) *SliceResult {
	res := &SliceResult{
		JobName:   s.spec.Name,
		State:     state,
		Resumed:   s.resumed,
		Processed: s.processed,
		Elapsed:   s.timer.Elapsed(),
		NextRunIn: nextRunIn,
	}
	if p := s.progress; p != nil {
		res.Cursor = p.Cursor
		res.TotalUnits = p.TotalUnits
		res.Counts = p.Counts
	}
	return res
}
