package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// KeyPrefix prefixes every checkpoint key in the underlying store.
const KeyPrefix = "progress/"

// Key returns the store key for a job's checkpoint.
func Key(jobName string) string {
	return KeyPrefix + jobName
}

// Store implements core.ProgressStore on top of a core.KV.
type Store struct {
	kv core.KV
}

var _ core.ProgressStore = (*Store)(nil)

// New creates a checkpoint store backed by kv.
func New(kv core.KV) *Store {
	return &Store{kv: kv}
}

// Load returns the checkpoint for jobName, or nil, nil when none exists.
func (s *Store) Load(ctx context.Context, jobName string) (*core.JobProgress, error) {
	p, _, err := s.load(ctx, jobName)
	return p, err
}

func (s *Store) load(ctx context.Context, jobName string) (*core.JobProgress, []byte, error) {
	key := Key(jobName)
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, nil, core.Unavailable("load", key, err)
	}
	if !found {
		return nil, nil, nil
	}

	var p core.JobProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("decode checkpoint %q: %w", key, err)
	}
	return &p, raw, nil
}

// Save overwrites the checkpoint with p.
//
// The stored record must still carry p.Version (no record at all counts as
// version 0). On success p.Version is incremented to match what was written.
// A mismatch returns core.ErrVersionConflict and leaves the store untouched.
// A missing record while p.Version is above 0 means the job was cancelled
// underneath the caller; that returns core.ErrCheckpointCleared and nothing
// is written.
func (s *Store) Save(ctx context.Context, p *core.JobProgress) error {
	current, raw, err := s.load(ctx, p.JobName)
	if err != nil {
		return err
	}

	if current == nil && p.Version > 0 {
		return fmt.Errorf("%w: job %q", core.ErrCheckpointCleared, p.JobName)
	}
	var stored int64
	if current != nil {
		stored = current.Version
	}
	if stored != p.Version {
		return fmt.Errorf("%w: job %q at version %d, caller has %d",
			core.ErrVersionConflict, p.JobName, stored, p.Version)
	}

	next := p.Clone()
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	key := Key(p.JobName)
	if sw, ok := s.kv.(core.Swapper); ok {
		swapped, err := sw.Swap(ctx, key, raw, data)
		if err != nil {
			return core.Unavailable("save", key, err)
		}
		if !swapped {
			if _, exists, gerr := s.kv.Get(ctx, key); gerr == nil && !exists {
				return fmt.Errorf("%w: job %q", core.ErrCheckpointCleared, p.JobName)
			}
			return fmt.Errorf("%w: job %q changed during save", core.ErrVersionConflict, p.JobName)
		}
	} else if err := s.kv.Set(ctx, key, data); err != nil {
		return core.Unavailable("save", key, err)
	}

	p.Version = next.Version
	return nil
}

// Clear deletes the checkpoint. Clearing a missing checkpoint is a no-op.
func (s *Store) Clear(ctx context.Context, jobName string) error {
	key := Key(jobName)
	if err := s.kv.Delete(ctx, key); err != nil {
		return core.Unavailable("clear", key, err)
	}
	return nil
}
