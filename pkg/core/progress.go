package core

import (
	"time"
)

// SliceState represents how a slice ended.
type SliceState string

const (
	StateYielded   SliceState = "yielded"   // Budget exhausted, continuation scheduled
	StateCompleted SliceState = "completed" // All units done, checkpoint cleared
	StateFailed    SliceState = "failed"    // Slice aborted by a slice-level error
	StateCancelled SliceState = "cancelled" // Job cancelled while the slice ran
)

// Counts holds the cumulative per-outcome totals of a job.
type Counts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Total returns the number of units accounted for.
func (c Counts) Total() int {
	return c.Success + c.Failed + c.Skipped
}

// JobProgress is the durable checkpoint of one replication job.
//
// Cursor indexes the flattened sections × targets sequence. Counts and Cursor
// move together through Record, so Counts.Total() == Cursor after every write.
// TotalUnits is fixed when the record is created.
type JobProgress struct {
	JobName    string    `json:"job_name"`
	Cursor     int       `json:"cursor"`
	TotalUnits int       `json:"total_units"`
	StartedAt  time.Time `json:"started_at"`
	Counts     Counts    `json:"counts"`
	Version    int64     `json:"version"`
	LastError  string    `json:"last_error,omitempty"`
}

// NewJobProgress creates a fresh record with the cursor at zero.
func NewJobProgress(jobName string, totalUnits int, startedAt time.Time) *JobProgress {
	return &JobProgress{
		JobName:    jobName,
		TotalUnits: totalUnits,
		StartedAt:  startedAt,
	}
}

// Record accounts for one finished unit and advances the cursor.
func (p *JobProgress) Record(o Outcome) {
	switch o.Kind {
	case OutcomeSuccess:
		p.Counts.Success++
	case OutcomeSkipped:
		p.Counts.Skipped++
	default:
		p.Counts.Failed++
		if o.Err != nil {
			p.LastError = o.Err.Error()
		}
	}
	p.Cursor++
}

// Done reports whether every unit has been processed.
func (p *JobProgress) Done() bool {
	return p.Cursor >= p.TotalUnits
}

// Remaining returns the number of units not yet processed.
func (p *JobProgress) Remaining() int {
	if p.Cursor >= p.TotalUnits {
		return 0
	}
	return p.TotalUnits - p.Cursor
}

// Consistent checks the conservation invariant and the cursor bound.
func (p *JobProgress) Consistent() bool {
	return p.Counts.Total() == p.Cursor && p.Cursor >= 0 && p.Cursor <= p.TotalUnits
}

// Clone returns a copy that can be mutated independently.
func (p *JobProgress) Clone() *JobProgress {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
