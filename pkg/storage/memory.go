package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// MemoryStorage is an in-process implementation of core.KV, core.Swapper and
// core.Deferrer. Nothing survives a restart; it serves tests and dry runs.
//
// Unlike GormStorage it does not collapse continuations per pair: every
// ScheduleAfter adds one, so keeping a single continuation per pair is the
// caller's job.
type MemoryStorage struct {
	mu            sync.Mutex
	clock         clockwork.Clock
	kv            map[string][]byte
	continuations map[string]*core.Continuation
}

// NewMemoryStorage creates an empty in-memory storage. A nil clock uses the real clock.
func NewMemoryStorage(clock clockwork.Clock) *MemoryStorage {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStorage{
		clock:         clock,
		kv:            make(map[string][]byte),
		continuations: make(map[string]*core.Continuation),
	}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Set stores a copy of value under key.
func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = bytes.Clone(value)
	return nil
}

// Delete removes key.
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

// Swap replaces the value under key only if it still equals old.
func (m *MemoryStorage) Swap(_ context.Context, key string, old, new []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.kv[key]
	if old == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	m.kv[key] = bytes.Clone(new)
	return true, nil
}

// Keys returns the stored keys in sorted order.
func (m *MemoryStorage) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.kv))
	for k := range m.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ScheduleAfter adds a pending continuation.
func (m *MemoryStorage) ScheduleAfter(_ context.Context, handler, jobName string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	c := &core.Continuation{
		ID:        uuid.New().String(),
		JobName:   jobName,
		Handler:   handler,
		Status:    core.ContinuationPending,
		RunAt:     now.Add(delay),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.continuations[c.ID] = c
	return nil
}

// CancelScheduled removes every continuation for the pair.
func (m *MemoryStorage) CancelScheduled(_ context.Context, handler, jobName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.continuations {
		if c.Handler == handler && c.JobName == jobName {
			delete(m.continuations, id)
			n++
		}
	}
	return n, nil
}

// Pending returns the number of continuations for the pair.
func (m *MemoryStorage) Pending(_ context.Context, handler, jobName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.continuations {
		if c.Handler == handler && c.JobName == jobName {
			n++
		}
	}
	return n, nil
}

// Continuations lists copies of the continuations registered for a job, earliest first.
func (m *MemoryStorage) Continuations(_ context.Context, jobName string) ([]*core.Continuation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.Continuation
	for _, c := range m.continuations {
		if c.JobName == jobName {
			cp := *c
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RunAt.Before(list[j].RunAt) })
	return list, nil
}

// ClaimDue locks the earliest due continuation for one of handlers.
func (m *MemoryStorage) ClaimDue(_ context.Context, workerID string, handlers []string, lockFor time.Duration) (*core.Continuation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	allowed := make(map[string]bool, len(handlers))
	for _, h := range handlers {
		allowed[h] = true
	}

	var next *core.Continuation
	for _, c := range m.continuations {
		if c.Status != core.ContinuationPending || !allowed[c.Handler] || c.RunAt.After(now) {
			continue
		}
		if next == nil || c.RunAt.Before(next.RunAt) {
			next = c
		}
	}
	if next == nil {
		return nil, nil
	}

	lockUntil := now.Add(lockFor)
	next.Status = core.ContinuationClaimed
	next.LockedBy = workerID
	next.LockedUntil = &lockUntil
	next.Attempt++
	next.UpdatedAt = now

	cp := *next
	return &cp, nil
}

// Finish removes a claimed continuation owned by workerID.
func (m *MemoryStorage) Finish(_ context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.continuations[id]; ok && c.Status == core.ContinuationClaimed && c.LockedBy == workerID {
		delete(m.continuations, id)
	}
	return nil
}

// Release puts a claimed continuation back to pending.
func (m *MemoryStorage) Release(_ context.Context, id, workerID string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.continuations[id]
	if !ok || c.Status != core.ContinuationClaimed || c.LockedBy != workerID {
		return core.ErrContinuationNotOwned
	}
	c.Status = core.ContinuationPending
	c.RunAt = retryAt
	c.LockedBy = ""
	c.LockedUntil = nil
	return nil
}

// ReleaseStaleLocks returns expired claims to pending.
func (m *MemoryStorage) ReleaseStaleLocks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var n int64
	for _, c := range m.continuations {
		if c.Status == core.ContinuationClaimed && c.LockedUntil != nil && c.LockedUntil.Before(now) {
			c.Status = core.ContinuationPending
			c.LockedBy = ""
			c.LockedUntil = nil
			n++
		}
	}
	return n, nil
}
