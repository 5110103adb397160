package replication_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	replication "github.com/jdziat/simple-durable-replication"
	"github.com/jdziat/simple-durable-replication/pkg/config"
	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/notify"
	"github.com/jdziat/simple-durable-replication/pkg/progress"
	"github.com/jdziat/simple-durable-replication/pkg/stats"
	"github.com/jdziat/simple-durable-replication/pkg/storage"
	"github.com/jdziat/simple-durable-replication/pkg/workbook"
)

var header = replication.Row{Cells: []replication.Cell{
	{Value: "Account", FontWeight: "bold", Background: "#d9d9d9"},
	{Value: "Amount", NumberFormat: "#,##0.00", HorizontalAlignment: "right"},
}}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Notify(_ context.Context, subject, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subjects)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Runner.UnitPause = 0
	cfg.Jobs = []config.JobConfig{{
		Name:    "close",
		Source:  "template",
		Targets: []string{"client-a", "client-b"},
	}}
	return cfg
}

func memoryBooks() *workbook.Memory {
	books := workbook.NewMemory()
	books.AddSection("template", "Jan", header)
	books.AddSection("template", "Feb", header)
	books.AddBook("client-a")
	books.AddBook("client-b")
	return books
}

// ──────────────────────────────────────────────────────────────────────────────
// Engine
// ──────────────────────────────────────────────────────────────────────────────

func TestNewEngine_RegistersConfiguredJobs(t *testing.T) {
	e, err := replication.NewEngine(testConfig(), storage.NewMemoryStorage(nil), memoryBooks())
	require.NoError(t, err)

	assert.Equal(t, []string{"close"}, e.Runner().Jobs())
	spec, ok := e.Runner().Job("close")
	require.True(t, ok)
	assert.Equal(t, "template", spec.SourceID)
	assert.Equal(t, time.Duration(0), e.Runner().Config().UnitPause)
	assert.Equal(t, 120*time.Second, e.Dispatcher().Config().RetryDelay)
}

func TestNewEngine_BadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Jobs[0].Schedule = "fortnightly"
	_, err := replication.NewEngine(cfg, storage.NewMemoryStorage(nil), memoryBooks())
	assert.Error(t, err)
}

func TestEngine_KickAndDispatch(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := storage.NewMemoryStorage(clock)
	books := memoryBooks()
	notifier := &recordingNotifier{}

	var events []replication.Event
	e, err := replication.NewEngine(testConfig(), store, books,
		replication.WithClock(clock),
		replication.WithNotifier(notifier),
		replication.OnEvent(func(ev replication.Event) { events = append(events, ev) }),
	)
	require.NoError(t, err)

	kicked, err := e.Kick(ctx, "close")
	require.NoError(t, err)
	assert.True(t, kicked)

	kicked, err = e.Kick(ctx, "close")
	require.NoError(t, err)
	assert.False(t, kicked, "second kick while in flight is skipped")

	ran, err := e.Dispatcher().RunDue(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, 1, notifier.count())
	got, ok := books.Header("client-b", "Feb")
	require.True(t, ok)
	assert.Equal(t, header, got)

	p, err := e.Status(ctx, "close")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NotEmpty(t, events)
	_, isCompleted := events[len(events)-1].(*replication.JobCompleted)
	assert.True(t, isCompleted)
}

func TestEngine_WorkSetChangeDropsContinuation(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := storage.NewMemoryStorage(clock)
	books := memoryBooks()
	e, err := replication.NewEngine(testConfig(), store, books,
		replication.WithClock(clock),
		replication.WithNotifier(&recordingNotifier{}))
	require.NoError(t, err)
	handler := e.Runner().Config().Handler

	// A job half way through its four units when a section is added.
	p := core.NewJobProgress("close", 4, clock.Now())
	p.Record(core.Success())
	require.NoError(t, progress.New(store).Save(ctx, p))
	books.AddSection("template", "Mar", header)

	require.NoError(t, store.ScheduleAfter(ctx, handler, "close", 0))
	ran, err := e.Dispatcher().RunDue(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	n, err := store.Pending(ctx, handler, "close")
	require.NoError(t, err)
	assert.Zero(t, n, "the aborted slice is not retried")

	clock.Advance(time.Hour)
	ran, err = e.Dispatcher().RunDue(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	status, err := e.Status(ctx, "close")
	require.NoError(t, err)
	require.NotNil(t, status, "the checkpoint waits for a cancel")
	assert.Equal(t, 1, status.Cursor)

	require.NoError(t, e.Cancel(ctx, "close"))
	kicked, err := e.Kick(ctx, "close")
	require.NoError(t, err)
	assert.True(t, kicked, "the job can start again after a cancel")
}

func TestEngine_ConcurrentKicks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(nil)
	e, err := replication.NewEngine(testConfig(), store, memoryBooks())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Kick(ctx, "close")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.Pending(ctx, e.Runner().Config().Handler, "close")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_KickUnknownJob(t *testing.T) {
	e, err := replication.NewEngine(testConfig(), storage.NewMemoryStorage(nil), memoryBooks())
	require.NoError(t, err)

	_, err = e.Kick(context.Background(), "other")
	assert.ErrorIs(t, err, replication.ErrUnknownJob)
}

func TestEngine_RunSliceAndCancel(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(nil)
	e, err := replication.NewEngine(testConfig(), store, memoryBooks(), replication.WithNotifier(&recordingNotifier{}))
	require.NoError(t, err)

	res, err := e.RunSlice(ctx, "close")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Counts.Success)

	require.NoError(t, e.Register(replication.JobSpec{Name: "adhoc", SourceID: "template", Targets: []string{"client-a"}}))
	require.NoError(t, e.Cancel(ctx, "adhoc"))
	assert.NoError(t, e.Close())
}

func TestEngine_StartStopsWithContext(t *testing.T) {
	e, err := replication.NewEngine(testConfig(), storage.NewMemoryStorage(nil), memoryBooks())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Start(ctx), context.DeadlineExceeded)
}

// ──────────────────────────────────────────────────────────────────────────────
// Open
// ──────────────────────────────────────────────────────────────────────────────

func TestOpen_SQLiteAndWorkbookDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	books, err := workbook.NewDir(dir)
	require.NoError(t, err)
	require.NoError(t, books.Store("template", &workbook.Book{Sections: []workbook.Section{
		{Name: "Jan", Header: header},
		{Name: "Empty"},
	}}))
	require.NoError(t, books.Store("client-a", &workbook.Book{}))
	require.NoError(t, books.Store("client-b", &workbook.Book{}))

	cfg := testConfig()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "replication.db")
	cfg.WorkbookDir = dir

	e, err := replication.Open(ctx, cfg, replication.WithNotifier(&recordingNotifier{}))
	require.NoError(t, err)
	defer e.Close()

	res, err := e.RunSlice(ctx, "close")
	require.NoError(t, err)
	assert.Equal(t, replication.Counts{Success: 2, Skipped: 2}, res.Counts)

	b, err := books.Load("client-b")
	require.NoError(t, err)
	require.Len(t, b.Sections, 1, "empty sections are not created")
	assert.Equal(t, header, b.Sections[0].Header)

	buckets, err := e.Stats(ctx, "close", time.Time{})
	require.NoError(t, err)
	totals := stats.Sum(buckets)["close"]
	assert.Equal(t, int64(1), totals.Slices)
	assert.Equal(t, int64(1), totals.Completions)
	assert.Equal(t, int64(2), totals.UnitsSucceeded)
	assert.Equal(t, int64(2), totals.UnitsSkipped)
}

func TestOpen_StorageFollowsEngineClock(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC))

	cfg := testConfig()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "replication.db")
	cfg.WorkbookDir = t.TempDir()

	e, err := replication.Open(ctx, cfg,
		replication.WithClock(clock),
		replication.WithNotifier(&recordingNotifier{}))
	require.NoError(t, err)
	defer e.Close()

	// No template workbook: the slice fails and schedules a retry.
	_, err = e.RunSlice(ctx, "close")
	require.Error(t, err)

	ran, err := e.Dispatcher().RunDue(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "retry is not due yet")

	clock.Advance(e.Runner().Config().RetryDelay)
	ran, err = e.Dispatcher().RunDue(ctx)
	require.NoError(t, err)
	assert.True(t, ran, "retry is due on the engine clock")
}

func TestEngine_StatsDisabled(t *testing.T) {
	e, err := replication.NewEngine(testConfig(), storage.NewMemoryStorage(nil), memoryBooks())
	require.NoError(t, err)
	_, err = e.Stats(context.Background(), "close", time.Time{})
	assert.ErrorIs(t, err, replication.ErrStatsDisabled)
}

func TestOpen_MissingWorkbookDir(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "replication.db")
	cfg.WorkbookDir = filepath.Join(t.TempDir(), "missing")

	_, err := replication.Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNotifierFromConfig(t *testing.T) {
	n := replication.NotifierFromConfig(config.NotifyConfig{}, nil)
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 1)

	n = replication.NotifierFromConfig(config.NotifyConfig{
		WebhookURL: "https://hooks.example.com/x",
		SMTP:       &config.SMTPConfig{Addr: "smtp.example.com:25", To: []string{"ops@example.com"}},
	}, nil)
	multi, ok = n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 3)
}
