package core

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrInvalidJobName     = errors.New("replication: invalid job name (must be alphanumeric, start with letter)")
	ErrJobNameTooLong     = errors.New("replication: job name too long")
	ErrInvalidHandlerName = errors.New("replication: invalid handler name")
	ErrHandlerNameTooLong = errors.New("replication: handler name too long")
)

// Engine errors
var (
	ErrStorageUnavailable   = errors.New("replication: storage unavailable")
	ErrVersionConflict      = errors.New("replication: progress record was modified by another slice")
	ErrCheckpointCleared    = errors.New("replication: checkpoint was cleared while the slice was running")
	ErrUnknownJob           = errors.New("replication: no job registered with that name")
	ErrWorkSetChanged       = errors.New("replication: section or target list changed while job in flight")
	ErrContinuationNotOwned = errors.New("replication: continuation not owned by this worker")
	ErrNoHandler            = errors.New("replication: no handler registered for continuation")
)

// NoRetryError marks a handler error that retrying cannot fix.
// The dispatcher drops the continuation instead of releasing it.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return e.Err.Error()
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps err so it is not retried. A nil err returns nil.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &NoRetryError{Err: err}
}

// StorageError reports a failure of the durable store behind a checkpoint operation.
// It matches ErrStorageUnavailable with errors.Is.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("replication: storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Unavailable wraps a store error as a *StorageError.
// A nil err returns nil, and errors that already are StorageErrors pass through.
func Unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
