// Package runner provides the BatchRunner that drives replication jobs in
// time-bounded slices.
//
// Each RunSlice call loads (or creates) the job's checkpoint, executes units
// in their fixed section-major order while the budget lasts, and persists the
// checkpoint after every unit. A slice that runs out of time schedules one
// continuation; the slice that processes the last unit clears the checkpoint,
// cancels continuations and sends the summary.
package runner
