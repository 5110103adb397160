// Package dispatch executes continuations when they fall due.
//
// A Dispatcher polls the continuation table, claims due continuations with a
// lock, and calls the handler registered under the continuation's handler
// name. It also fires recurring kick-off triggers, which start a job unless a
// continuation for it is already pending.
package dispatch
