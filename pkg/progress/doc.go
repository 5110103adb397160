// Package progress provides the durable checkpoint store for replication jobs.
//
// A Store keeps one JSON-encoded core.JobProgress per job name in any
// core.KV. Saves are whole-record overwrites guarded by a version check, so a
// second slice that read a stale record cannot overwrite newer progress.
package progress
