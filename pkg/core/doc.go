// Package core provides the fundamental types and interfaces for the replication engine.
//
// This package contains:
//   - JobProgress, the durable checkpoint of a replication job
//   - WorkUnit and Outcome, the per-unit bookkeeping types
//   - Row and Cell, the header row copied from a source section to a target
//   - Contracts for the collaborators the engine consumes (KV, Deferrer, Source, Target, Notifier)
//   - Event types for slice monitoring
//   - Error types for slice processing
//
// Most users should import the root package github.com/jdziat/simple-durable-replication
// instead of this package directly.
package core
