// Package continuation keeps at most one pending continuation per job.
//
// A continuation is a deferred invocation of a named handler for a job. The
// Scheduler wraps a core.Deferrer and always cancels before it schedules, so
// two overlapping slices never race on the same checkpoint because of a
// duplicate trigger.
package continuation
