// Package security provides validation, sanitization, and limits for the replication engine.
//
// This package includes:
//   - Input validation for job names and continuation handler names
//   - Error message sanitization before errors are persisted or mailed out
//   - Clamping functions that keep slice budgets and pauses within safe bounds
//
// Most users should import the root package github.com/jdziat/simple-durable-replication
// which re-exports these functions.
package security
