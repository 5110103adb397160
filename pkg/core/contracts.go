package core

import (
	"context"
	"time"
)

// Starter is the interface for starting long-running loops.
type Starter interface {
	Start(ctx context.Context) error
}

// KV is the durable key-value store checkpoints are written to.
type KV interface {
	// Get returns the stored value. found is false when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Swapper is implemented by stores that can compare-and-swap a value.
// A nil old value means the key must not exist yet.
type Swapper interface {
	Swap(ctx context.Context, key string, old, new []byte) (swapped bool, err error)
}

// ProgressStore persists JobProgress records keyed by job name.
type ProgressStore interface {
	// Load returns nil, nil when no record exists.
	Load(ctx context.Context, jobName string) (*JobProgress, error)
	// Save overwrites the whole record. The stored version must match p.Version;
	// on success p.Version is advanced.
	Save(ctx context.Context, p *JobProgress) error
	Clear(ctx context.Context, jobName string) error
}

// Deferrer is the deferred-execution facility: it invokes a named handler for
// a job after a delay.
type Deferrer interface {
	ScheduleAfter(ctx context.Context, handler, jobName string, delay time.Duration) error
	// CancelScheduled removes every pending invocation for the pair and
	// returns how many were removed.
	CancelScheduled(ctx context.Context, handler, jobName string) (int, error)
	// Pending returns the number of pending invocations for the pair.
	Pending(ctx context.Context, handler, jobName string) (int, error)
}

// Source exposes the structural sections of a template workbook.
type Source interface {
	ListSections(ctx context.Context, sourceID string) ([]string, error)
	// ReadSectionHeader returns the first row of a section. An empty Row means
	// the section has no columns.
	ReadSectionHeader(ctx context.Context, sourceID, sectionID string) (Row, error)
}

// Target is a workbook that receives replicated sections.
type Target interface {
	// EnsureSection creates the section when missing. created reports whether
	// it had to be created.
	EnsureSection(ctx context.Context, targetID, sectionID string) (created bool, err error)
	WriteSectionHeader(ctx context.Context, targetID, sectionID string, row Row) error
}

// Notifier delivers the end-of-job summary.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}
