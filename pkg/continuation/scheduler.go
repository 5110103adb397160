package continuation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/security"
)

// Scheduler registers continuations through a core.Deferrer.
type Scheduler struct {
	deferrer core.Deferrer
	logger   *slog.Logger

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	})
}

// New creates a Scheduler over d.
func New(d core.Deferrer, opts ...Option) *Scheduler {
	s := &Scheduler{
		deferrer: d,
		logger:   slog.Default(),
		pairs:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// lock serializes calls for one (jobName, handler) pair.
func (s *Scheduler) lock(jobName, handler string) func() {
	key := handler + "\x00" + jobName
	s.mu.Lock()
	m, ok := s.pairs[key]
	if !ok {
		m = &sync.Mutex{}
		s.pairs[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func validate(jobName, handler string) error {
	if err := security.ValidateJobName(jobName); err != nil {
		return err
	}
	return security.ValidateHandlerName(handler)
}

// ScheduleNext cancels every pending continuation for the pair, then
// registers exactly one that fires after delay.
func (s *Scheduler) ScheduleNext(ctx context.Context, jobName, handler string, delay time.Duration) error {
	if err := validate(jobName, handler); err != nil {
		return err
	}
	unlock := s.lock(jobName, handler)
	defer unlock()

	removed, err := s.deferrer.CancelScheduled(ctx, handler, jobName)
	if err != nil {
		return fmt.Errorf("cancel existing continuation: %w", err)
	}
	if err := s.deferrer.ScheduleAfter(ctx, handler, jobName, delay); err != nil {
		return fmt.Errorf("schedule continuation: %w", err)
	}

	s.logger.Debug("continuation scheduled",
		"job", jobName,
		"handler", handler,
		"delay", delay,
		"replaced", removed)
	return nil
}

// ScheduleIfIdle registers a continuation that fires after delay unless the
// pair already has one. It reports whether a continuation was registered.
func (s *Scheduler) ScheduleIfIdle(ctx context.Context, jobName, handler string, delay time.Duration) (bool, error) {
	if err := validate(jobName, handler); err != nil {
		return false, err
	}
	unlock := s.lock(jobName, handler)
	defer unlock()

	n, err := s.deferrer.Pending(ctx, handler, jobName)
	if err != nil {
		return false, fmt.Errorf("count continuations: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if err := s.deferrer.ScheduleAfter(ctx, handler, jobName, delay); err != nil {
		return false, fmt.Errorf("schedule continuation: %w", err)
	}
	s.logger.Debug("continuation scheduled", "job", jobName, "handler", handler, "delay", delay)
	return true, nil
}

// CancelAll removes every pending continuation for the pair. It is safe to
// call when none exist.
func (s *Scheduler) CancelAll(ctx context.Context, jobName, handler string) error {
	if err := validate(jobName, handler); err != nil {
		return err
	}
	unlock := s.lock(jobName, handler)
	defer unlock()

	removed, err := s.deferrer.CancelScheduled(ctx, handler, jobName)
	if err != nil {
		return fmt.Errorf("cancel continuations: %w", err)
	}
	if removed > 0 {
		s.logger.Debug("continuations cancelled", "job", jobName, "handler", handler, "count", removed)
	}
	return nil
}

// ScheduleWithFallback schedules the next continuation after delay. If that
// fails it tries once more with retryDelay. The returned error is non-nil only
// when both attempts failed, in which case the job has no continuation.
func (s *Scheduler) ScheduleWithFallback(ctx context.Context, jobName, handler string, delay, retryDelay time.Duration) error {
	err := s.ScheduleNext(ctx, jobName, handler, delay)
	if err == nil {
		return nil
	}
	s.logger.Warn("continuation scheduling failed, retrying with longer delay",
		"job", jobName,
		"handler", handler,
		"retry_delay", retryDelay,
		"error", err)

	if retryErr := s.ScheduleNext(ctx, jobName, handler, retryDelay); retryErr != nil {
		s.logger.Error("job stalled: no continuation could be scheduled",
			"job", jobName,
			"handler", handler,
			"error", retryErr)
		return fmt.Errorf("schedule fallback continuation: %w", retryErr)
	}
	return nil
}

// Pending returns the number of pending continuations for the pair.
func (s *Scheduler) Pending(ctx context.Context, jobName, handler string) (int, error) {
	return s.deferrer.Pending(ctx, handler, jobName)
}
