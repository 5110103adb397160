package stats

import (
	"context"
	"errors"
	"sync"
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

func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s := NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var minute = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// ──────────────────────────────────────────────────────────────────────────────
// GormStorage
// ──────────────────────────────────────────────────────────────────────────────

func TestGormStorage_AddAccumulatesPerMinute(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Add(ctx, "close", minute.Add(5*time.Second), Delta{Slices: 1, UnitsSucceeded: 3}))
	require.NoError(t, s.Add(ctx, "close", minute.Add(40*time.Second), Delta{Slices: 1, UnitsFailed: 1, Completions: 1}))
	require.NoError(t, s.Add(ctx, "close", minute.Add(time.Minute), Delta{Slices: 1}))
	require.NoError(t, s.Add(ctx, "open", minute, Delta{Yields: 2}))

	buckets, err := s.History(ctx, "close", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.True(t, buckets[0].Timestamp.Equal(minute))
	assert.Equal(t, int64(2), buckets[0].Slices)
	assert.Equal(t, int64(3), buckets[0].UnitsSucceeded)
	assert.Equal(t, int64(1), buckets[0].UnitsFailed)
	assert.Equal(t, int64(1), buckets[0].Completions)
	assert.Equal(t, int64(1), buckets[1].Slices)

	all, err := s.History(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGormStorage_HistoryRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	for i := range 5 {
		require.NoError(t, s.Add(ctx, "close", minute.Add(time.Duration(i)*time.Minute), Delta{Slices: 1}))
	}

	buckets, err := s.History(ctx, "close", minute.Add(time.Minute), minute.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, buckets, 3)
}

func TestGormStorage_Prune(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Add(ctx, "close", minute, Delta{Slices: 1}))
	require.NoError(t, s.Add(ctx, "close", minute.Add(time.Hour), Delta{Slices: 1}))

	n, err := s.Prune(ctx, minute.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	buckets, err := s.History(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, buckets, 1)
}

func TestSum(t *testing.T) {
	totals := Sum([]Bucket{
		{JobName: "close", Slices: 2, UnitsSucceeded: 4},
		{JobName: "close", Slices: 1, UnitsSkipped: 1},
		{JobName: "open", Yields: 1},
	})
	assert.Equal(t, Delta{Slices: 3, UnitsSucceeded: 4, UnitsSkipped: 1}, totals["close"])
	assert.Equal(t, Delta{Yields: 1}, totals["open"])
}

// ──────────────────────────────────────────────────────────────────────────────
// Collector
// ──────────────────────────────────────────────────────────────────────────────

func TestCollector_ObserveAndFlush(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	clock := clockwork.NewFakeClockAt(minute)
	c := NewCollector(s, WithClock(clock))

	c.Observe(&core.SliceStarted{JobName: "close"})
	c.Observe(&core.UnitProcessed{JobName: "close", Outcome: core.Success()})
	c.Observe(&core.UnitProcessed{JobName: "close", Outcome: core.Skipped("empty section")})
	c.Observe(&core.UnitProcessed{JobName: "close", Outcome: core.Failed(errors.New("boom"))})
	c.Observe(&core.SliceYielded{JobName: "close"})
	c.Observe(&core.SliceFailed{JobName: "close"})
	c.Observe(&core.JobCompleted{JobName: "close"})
	c.Flush(ctx)

	buckets, err := s.History(ctx, "close", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, Delta{
		Slices: 1, Yields: 1, SliceFailures: 1, Completions: 1,
		UnitsSucceeded: 1, UnitsFailed: 1, UnitsSkipped: 1,
	}, Sum(buckets)["close"])

	c.Flush(ctx)
	buckets, err = s.History(ctx, "close", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), buckets[0].Slices, "flushing twice does not double count")
}

type flakyStorage struct {
	Storage
	mu   sync.Mutex
	fail bool
}

func (f *flakyStorage) Add(ctx context.Context, job string, ts time.Time, d Delta) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.Storage.Add(ctx, job, ts, d)
}

func TestCollector_FailedFlushIsRetained(t *testing.T) {
	ctx := context.Background()
	s := &flakyStorage{Storage: newTestStorage(t), fail: true}
	c := NewCollector(s, WithClock(clockwork.NewFakeClockAt(minute)))

	c.Observe(&core.SliceStarted{JobName: "close"})
	c.Flush(ctx)

	s.mu.Lock()
	s.fail = false
	s.mu.Unlock()
	c.Observe(&core.SliceStarted{JobName: "close"})
	c.Flush(ctx)

	buckets, err := s.History(ctx, "close", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Slices)
}

func TestCollector_StartFlushesAndPrunes(t *testing.T) {
	s := newTestStorage(t)
	clock := clockwork.NewFakeClockAt(minute)
	require.NoError(t, s.Add(context.Background(), "old", minute.Add(-30*24*time.Hour), Delta{Slices: 1}))

	c := NewCollector(s, WithClock(clock), WithRetention(24*time.Hour))
	c.Observe(&core.SliceStarted{JobName: "close"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		buckets, err := s.History(context.Background(), "", time.Time{}, time.Time{})
		return err == nil && len(buckets) == 1 && buckets[0].JobName == "close"
	}, 2*time.Second, 10*time.Millisecond)

	c.Observe(&core.SliceYielded{JobName: "close"})
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	buckets, err := s.History(context.Background(), "close", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), Sum(buckets)["close"].Yields, "final flush on shutdown")
}
