// Package httptrigger exposes replication jobs over HTTP so an external
// scheduler or an operator can run, inspect and cancel them.
//
//	POST   /jobs/{job}/slices  run one slice
//	GET    /jobs/{job}         live checkpoint
//	DELETE /jobs/{job}         cancel the job
//	GET    /jobs/{job}/stats   per-minute counters, when stats are enabled
//	GET    /healthz
package httptrigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/runner"
	"github.com/jdziat/simple-durable-replication/pkg/security"
	"github.com/jdziat/simple-durable-replication/pkg/stats"
)

// Runner is the part of runner.Runner the server drives.
type Runner interface {
	RunSlice(ctx context.Context, jobName string) (*runner.SliceResult, error)
	Status(ctx context.Context, jobName string) (*core.JobProgress, error)
	Cancel(ctx context.Context, jobName string) error
	Jobs() []string
}

// History reads stats buckets. stats.GormStorage implements it.
type History interface {
	History(ctx context.Context, jobName string, since, until time.Time) ([]stats.Bucket, error)
}

// Server serves the HTTP trigger.
type Server struct {
	runner  Runner
	history History
	logger  *slog.Logger
}

// Option configures a Server.
type Option interface {
	apply(*Server)
}

type optionFunc func(*Server)

func (f optionFunc) apply(s *Server) { f(s) }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Server) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithHistory enables GET /jobs/{job}/stats.
func WithHistory(h History) Option {
	return optionFunc(func(s *Server) {
		s.history = h
	})
}

// New creates a Server.
func New(r Runner, opts ...Option) *Server {
	s := &Server{runner: r, logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// SliceResponse is the body returned after a slice ran.
type SliceResponse struct {
	Job        string      `json:"job"`
	State      string      `json:"state"`
	Resumed    bool        `json:"resumed"`
	Processed  int         `json:"processed"`
	Cursor     int         `json:"cursor"`
	TotalUnits int         `json:"total_units"`
	Counts     core.Counts `json:"counts"`
	ElapsedMS  int64       `json:"elapsed_ms"`
	NextRunMS  int64       `json:"next_run_in_ms,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// StatusResponse describes a job's checkpoint. Active is false when the job
// has no checkpoint, i.e. it never started or already completed.
type StatusResponse struct {
	Job      string            `json:"job"`
	Active   bool              `json:"active"`
	Progress *core.JobProgress `json:"progress,omitempty"`
}

// StatsResponse carries a job's stats buckets and their totals.
type StatsResponse struct {
	Job     string         `json:"job"`
	Totals  stats.Delta    `json:"totals"`
	Buckets []stats.Bucket `json:"buckets"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes returns the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/jobs", s.listJobs)
	r.Route("/jobs/{job}", func(r chi.Router) {
		r.Get("/", s.status)
		r.Delete("/", s.cancel)
		r.Post("/slices", s.runSlice)
		r.Get("/stats", s.stats)
	})
	return r
}

// ListenAndServe serves Routes on addr until ctx is cancelled, then shuts
// down, letting running slices finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Requests keep running after ctx ends so a slice is never cut mid-unit.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http trigger listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 6*time.Minute)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.runner.Jobs()
	if jobs == nil {
		jobs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"jobs": jobs})
}

func (s *Server) runSlice(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobParam(w, r)
	if !ok {
		return
	}

	res, err := s.runner.RunSlice(r.Context(), job)
	if res == nil {
		s.writeError(w, job, err)
		return
	}

	body := SliceResponse{
		Job:        res.JobName,
		State:      string(res.State),
		Resumed:    res.Resumed,
		Processed:  res.Processed,
		Cursor:     res.Cursor,
		TotalUnits: res.TotalUnits,
		Counts:     res.Counts,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		NextRunMS:  res.NextRunIn.Milliseconds(),
	}
	code := http.StatusOK
	if err != nil {
		body.Error = security.SanitizeErrorMessage(err.Error())
		code = statusFor(err)
		s.logger.Warn("slice failed", "job", job, "error", err)
	}
	writeJSON(w, code, body)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobParam(w, r)
	if !ok {
		return
	}
	p, err := s.runner.Status(r.Context(), job)
	if err != nil {
		s.writeError(w, job, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Job: job, Active: p != nil, Progress: p})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobParam(w, r)
	if !ok {
		return
	}
	if err := s.runner.Cancel(r.Context(), job); err != nil {
		s.writeError(w, job, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stats serves the buckets of the last 24 hours, or since the RFC 3339 time
// in the "since" query parameter.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobParam(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "stats are not enabled"})
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since: " + err.Error()})
			return
		}
		since = t
	}

	buckets, err := s.history.History(r.Context(), job, since, time.Time{})
	if err != nil {
		s.writeError(w, job, err)
		return
	}
	if buckets == nil {
		buckets = []stats.Bucket{}
	}
	writeJSON(w, http.StatusOK, StatsResponse{Job: job, Totals: stats.Sum(buckets)[job], Buckets: buckets})
}

func (s *Server) jobParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	job := chi.URLParam(r, "job")
	if err := security.ValidateJobName(job); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return "", false
	}
	return job, true
}

func (s *Server) writeError(w http.ResponseWriter, job string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "job", job, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: security.SanitizeErrorMessage(err.Error())})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidJobName), errors.Is(err, core.ErrJobNameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrVersionConflict), errors.Is(err, core.ErrWorkSetChanged):
		return http.StatusConflict
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
