package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// ──────────────────────────────────────────────────────────────────────────────
// Constructor / detection
// ──────────────────────────────────────────────────────────────────────────────

func TestNewGormStorage_IsSQLite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := NewGormStorage(db)
	assert.True(t, s.IsSQLite(), "should detect SQLite dialect")
	assert.Same(t, db, s.DB())
}

func TestNewGormStorage_NilDB(t *testing.T) {
	s := NewGormStorage(nil)
	assert.False(t, s.IsSQLite(), "nil db should not claim SQLite")
}

func TestGormStorage_ImplementsContracts(t *testing.T) {
	var _ core.KV = (*GormStorage)(nil)
	var _ core.Swapper = (*GormStorage)(nil)
	var _ core.Deferrer = (*GormStorage)(nil)
}

// ──────────────────────────────────────────────────────────────────────────────
// Key-value store
// ──────────────────────────────────────────────────────────────────────────────

func TestKV_GetMissing(t *testing.T) {
	s := newTestStorage(t)

	v, found, err := s.Get(context.Background(), "progress/none")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, v)
}

func TestKV_SetGetOverwriteDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Set(ctx, "progress/close", []byte(`{"cursor":1}`)))
	require.NoError(t, s.Set(ctx, "progress/close", []byte(`{"cursor":2}`)))

	v, found, err := s.Get(ctx, "progress/close")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"cursor":2}`, string(v))

	require.NoError(t, s.Delete(ctx, "progress/close"))
	_, found, err = s.Get(ctx, "progress/close")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, s.Delete(ctx, "progress/close"), "deleting a missing key is a no-op")
}

func TestKV_SwapInsertOnlyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ok, err := s.Swap(ctx, "k", nil, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Swap(ctx, "k", nil, []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok, "insert must fail when the key exists")

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("v1"), v)
}

func TestKV_SwapComparesCurrentValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Set(ctx, "k", []byte("v1")))

	ok, err := s.Swap(ctx, "k", []byte("stale"), []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Swap(ctx, "k", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, ok)

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("v2"), v)
}

// ──────────────────────────────────────────────────────────────────────────────
// Continuations
// ──────────────────────────────────────────────────────────────────────────────

func TestScheduleAfter_OneRowPerPair(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.ScheduleAfter(ctx, "replication.slice", "close", time.Minute))
	require.NoError(t, s.ScheduleAfter(ctx, "replication.slice", "close", 2*time.Minute))
	require.NoError(t, s.ScheduleAfter(ctx, "replication.slice", "vat", time.Minute))

	n, err := s.Pending(ctx, "replication.slice", "close")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.Continuations(ctx, "close")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].RunAt.After(time.Now().Add(90*time.Second)), "second schedule wins")
}

func TestCancelScheduled_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ScheduleAfter(ctx, "h", "close", time.Minute))

	n, err := s.CancelScheduled(ctx, "h", "close")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CancelScheduled(ctx, "h", "close")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimDue_OnlyDueAndKnownHandlers(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.ScheduleAfter(ctx, "h", "later", time.Hour))
	require.NoError(t, s.ScheduleAfter(ctx, "other", "due-other", -time.Second))
	require.NoError(t, s.ScheduleAfter(ctx, "h", "due", -time.Second))

	c, err := s.ClaimDue(ctx, "w1", []string{"h"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "due", c.JobName)
	assert.Equal(t, core.ContinuationClaimed, c.Status)
	assert.Equal(t, "w1", c.LockedBy)
	assert.Equal(t, 1, c.Attempt)

	c, err = s.ClaimDue(ctx, "w2", []string{"h"}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, c, "claimed and future continuations are not due")
}

func TestFinish_RemovesOwnedClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ScheduleAfter(ctx, "h", "close", -time.Second))

	c, err := s.ClaimDue(ctx, "w1", []string{"h"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, s.Finish(ctx, c.ID, "someone-else"))
	n, _ := s.Pending(ctx, "h", "close")
	assert.Equal(t, 1, n, "finish by a non-owner leaves the claim")

	require.NoError(t, s.Finish(ctx, c.ID, "w1"))
	n, _ = s.Pending(ctx, "h", "close")
	assert.Equal(t, 0, n)
}

func TestFinish_LeavesReplacedContinuation(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ScheduleAfter(ctx, "h", "close", -time.Second))

	c, err := s.ClaimDue(ctx, "w1", []string{"h"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c)

	// The handler reschedules itself while running.
	require.NoError(t, s.ScheduleAfter(ctx, "h", "close", time.Minute))
	require.NoError(t, s.Finish(ctx, c.ID, "w1"))

	n, _ := s.Pending(ctx, "h", "close")
	assert.Equal(t, 1, n)
}

func TestRelease_RequiresOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ScheduleAfter(ctx, "h", "close", -time.Second))

	c, err := s.ClaimDue(ctx, "w1", []string{"h"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c)

	err = s.Release(ctx, c.ID, "w2", time.Now())
	assert.ErrorIs(t, err, core.ErrContinuationNotOwned)

	require.NoError(t, s.Release(ctx, c.ID, "w1", time.Now().Add(-time.Second)))
	again, err := s.ClaimDue(ctx, "w2", []string{"h"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempt)
}

func TestReleaseStaleLocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ScheduleAfter(ctx, "h", "close", -time.Second))

	c, err := s.ClaimDue(ctx, "w1", []string{"h"}, -time.Second)
	require.NoError(t, err)
	require.NotNil(t, c)

	n, err := s.ReleaseStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := s.ClaimDue(ctx, "w2", []string{"h"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "w2", again.LockedBy)
}

func TestGormStorage_FollowsInjectedClock(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC))
	s := newTestStorage(t, WithClock(clock))

	require.NoError(t, s.ScheduleAfter(ctx, "h", "close", time.Hour))
	list, err := s.Continuations(ctx, "close")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, clock.Now().Add(time.Hour).Equal(list[0].RunAt), "run time comes from the storage clock")

	c, err := s.ClaimDue(ctx, "w1", []string{"h"}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, c, "not due until the clock reaches run time")

	clock.Advance(time.Hour)
	c, err = s.ClaimDue(ctx, "w1", []string{"h"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NotNil(t, c.LockedUntil)
	assert.True(t, clock.Now().Add(time.Minute).Equal(*c.LockedUntil))

	n, err := s.ReleaseStaleLocks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lock has not expired on the storage clock")

	clock.Advance(2 * time.Minute)
	n, err = s.ReleaseStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
