package core

import "time"

// Event is the interface for all slice events.
type Event interface {
	eventMarker()
}

// SliceStarted is emitted when a slice has loaded or created its checkpoint.
type SliceStarted struct {
	JobName   string
	Cursor    int
	Total     int
	Resumed   bool
	Timestamp time.Time
}

func (*SliceStarted) eventMarker() {}

// UnitProcessed is emitted after a unit's outcome has been persisted.
type UnitProcessed struct {
	JobName   string
	Unit      WorkUnit
	Outcome   Outcome
	Duration  time.Duration
	Timestamp time.Time
}

func (*UnitProcessed) eventMarker() {}

// SliceYielded is emitted when a slice stops with work remaining.
type SliceYielded struct {
	JobName   string
	Cursor    int
	Total     int
	NextRunIn time.Duration
	Timestamp time.Time
}

func (*SliceYielded) eventMarker() {}

// JobCompleted is emitted when the last unit of a job has been processed.
type JobCompleted struct {
	JobName   string
	Counts    Counts
	Total     int
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// SliceFailed is emitted when a slice aborts with a slice-level error.
type SliceFailed struct {
	JobName   string
	Cursor    int
	Error     error
	Timestamp time.Time
}

func (*SliceFailed) eventMarker() {}
