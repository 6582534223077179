package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
	"carbon-scribe/analytics-engine/pkg/workflows"
)

// MockExecutor is a mock implementation of ReportExecutor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) GetReport(ctx context.Context, id string) (*reports.ReportDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reports.ReportDefinition), args.Error(1)
}

func (m *MockExecutor) ExecuteReport(ctx context.Context, id string, params map[string]any, sc security.Context, _ ...reports.ExecuteOption) (*reports.ReportResult, error) {
	args := m.Called(ctx, id, params, sc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reports.ReportResult), args.Error(1)
}

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testResult() *reports.ReportResult {
	return &reports.ReportResult{
		ExecutionID:  "exec-1",
		DefinitionID: "r1",
		Name:         "Open tasks",
		Format:       export.FormatCSV,
		ContentType:  "text/csv",
		Data:         []byte("owner,count\na,1\n"),
		RowCount:     1,
		GeneratedAt:  testNow,
	}
}

func hourly() *ScheduledReport {
	return &ScheduledReport{
		ID:             "hourly",
		ReportID:       "r1",
		Name:           "Hourly tasks",
		Schedule:       "every 1 hour",
		DeliveryMethod: DeliveryLog,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func newTestManager(t *testing.T, exec *MockExecutor, store Store, sink Sink, config Config) (*Manager, *sleepRecorder, *testClock) {
	t.Helper()
	exec.On("GetReport", mock.Anything, "r1").Return(&reports.ReportDefinition{ID: "r1", Name: "Open tasks"}, nil).Maybe()
	exec.On("GetReport", mock.Anything, mock.Anything).Return(nil, errdefs.ErrNotFound).Maybe()

	m := NewManager(exec, store, sink, zap.NewNop(), config)
	clock := &testClock{now: testNow}
	m.now = clock.Now
	rec := &sleepRecorder{}
	m.sleep = rec.sleep
	return m, rec, clock
}

func noopSink() Sink {
	return SinkFunc(func(context.Context, *Delivery) error { return nil })
}

func TestOverdueReportRunsOnNextTick(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lastRun := testNow.Add(-2 * time.Hour)
	nextRun := testNow.Add(-time.Hour)
	seeded := hourly()
	seeded.Status = workflows.StatusIdle
	seeded.LastRunAt = &lastRun
	seeded.NextRunAt = &nextRun
	require.NoError(t, store.Put(ctx, seeded))

	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, security.System()).Return(testResult(), nil).Once()

	var during workflows.Status
	sink := SinkFunc(func(ctx context.Context, d *Delivery) error {
		sr, err := store.Get(ctx, d.ScheduleID)
		if assert.NoError(t, err) {
			during = sr.Status
		}
		return nil
	})

	m, _, _ := newTestManager(t, exec, store, sink, DefaultConfig())
	require.NoError(t, m.Register(ctx, hourly()))

	started, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, workflows.StatusRunning, during)

	sr, err := m.Status(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, workflows.StatusIdle, sr.Status)
	assert.Equal(t, testNow, *sr.LastRunAt)
	assert.Equal(t, testNow.Add(time.Hour), *sr.NextRunAt)
	assert.Equal(t, 1, sr.Attempts)
	exec.AssertExpectations(t)

	// Not due again until the next hour.
	started, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestRegisterSchedulesFirstRun(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, new(MockExecutor), NewMemoryStore(), noopSink(), DefaultConfig())

	require.NoError(t, m.Register(ctx, hourly()))

	sr, err := m.Status(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, workflows.StatusIdle, sr.Status)
	assert.Nil(t, sr.LastRunAt)
	assert.Equal(t, testNow.Add(time.Hour), *sr.NextRunAt)
}

func TestRegisterDerivesFirstRunFromLastRun(t *testing.T) {
	ctx := context.Background()
	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, security.System()).Return(testResult(), nil).Once()
	m, _, _ := newTestManager(t, exec, NewMemoryStore(), noopSink(), DefaultConfig())

	lastRun := testNow.Add(-2 * time.Hour)
	sr := hourly()
	sr.Status = workflows.StatusIdle
	sr.LastRunAt = &lastRun
	require.NoError(t, m.Register(ctx, sr))

	got, err := m.Status(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-time.Hour), *got.NextRunAt)

	started, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	got, err = m.Status(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, workflows.StatusIdle, got.Status)
	assert.Equal(t, testNow, *got.LastRunAt)
	exec.AssertExpectations(t)
}

func TestChangedExpressionReschedulesFromLastRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lastRun := testNow.Add(-2 * time.Hour)
	nextRun := testNow.Add(30 * time.Minute)
	seeded := hourly()
	seeded.Status = workflows.StatusIdle
	seeded.LastRunAt = &lastRun
	seeded.NextRunAt = &nextRun
	require.NoError(t, store.Put(ctx, seeded))

	m, _, _ := newTestManager(t, new(MockExecutor), store, noopSink(), DefaultConfig())
	changed := hourly()
	changed.Schedule = "every 90 minutes"
	require.NoError(t, m.Register(ctx, changed))

	got, err := m.Status(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-30*time.Minute), *got.NextRunAt)
}

func TestRegisterValidation(t *testing.T) {
	router := NewRouter(zap.NewNop())
	router.Handle(DeliveryLog, NewLogSink(zap.NewNop()))
	m, _, _ := newTestManager(t, new(MockExecutor), NewMemoryStore(), router, DefaultConfig())

	tests := []struct {
		name   string
		mutate func(sr *ScheduledReport)
		code   string
	}{
		{"missing id", func(sr *ScheduledReport) { sr.ID = "" }, "required"},
		{"bad schedule", func(sr *ScheduledReport) { sr.Schedule = "sometimes" }, "invalid_schedule"},
		{"bad format", func(sr *ScheduledReport) { sr.Format = "xml" }, "invalid_format"},
		{"unknown report", func(sr *ScheduledReport) { sr.ReportID = "nope" }, "unknown_report"},
		{"unknown parameter", func(sr *ScheduledReport) { sr.Parameters = map[string]any{"x": 1} }, "unknown_parameter"},
		{"unsupported delivery", func(sr *ScheduledReport) { sr.DeliveryMethod = DeliverySNS }, "unsupported_delivery"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := hourly()
			tt.mutate(sr)

			err := m.Register(context.Background(), sr)
			var verr *errdefs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.code, verr.Code)
		})
	}
}

func TestLoadIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, new(MockExecutor), NewMemoryStore(), noopSink(), DefaultConfig())

	bad := hourly()
	bad.ID = "broken"
	bad.Schedule = "whenever"
	err := m.Load(ctx, []*ScheduledReport{hourly(), bad})
	assert.True(t, errdefs.IsValidation(err))

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	err = m.Load(ctx, []*ScheduledReport{hourly(), hourly()})
	assert.True(t, errdefs.IsValidation(err))
}

func TestRetryWithBackoffThenSucceed(t *testing.T) {
	ctx := context.Background()
	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, mock.Anything).
		Return(nil, errdefs.Execution("query", errors.New("connection reset"))).Twice()
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, mock.Anything).
		Return(testResult(), nil).Once()

	m, rec, _ := newTestManager(t, exec, NewMemoryStore(), noopSink(), DefaultConfig())
	require.NoError(t, m.Register(ctx, hourly()))

	sr, err := m.RunNow(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, workflows.StatusIdle, sr.Status)
	assert.Equal(t, 3, sr.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestBackoffIsCapped(t *testing.T) {
	ctx := context.Background()
	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, mock.Anything).
		Return(nil, errdefs.Execution("query", errors.New("unavailable")))

	config := Config{MaxAttempts: 5, InitialBackoff: 10 * time.Second, MaxBackoff: 25 * time.Second}
	m, rec, _ := newTestManager(t, exec, NewMemoryStore(), noopSink(), config)
	require.NoError(t, m.Register(ctx, hourly()))

	_, err := m.RunNow(ctx, "hourly")
	assert.True(t, errdefs.IsExecution(err))
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second, 25 * time.Second}, rec.waits)
	exec.AssertNumberOfCalls(t, "ExecuteReport", 5)
}

func TestExhaustedRetriesFailUntilReset(t *testing.T) {
	ctx := context.Background()
	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, mock.Anything).
		Return(testResult(), nil)

	sink := SinkFunc(func(context.Context, *Delivery) error {
		return errors.New("smtp: 421 service not available")
	})
	m, _, clock := newTestManager(t, exec, NewMemoryStore(), sink, DefaultConfig())
	require.NoError(t, m.Register(ctx, hourly()))

	sr, err := m.RunNow(ctx, "hourly")
	require.Error(t, err)
	assert.True(t, errdefs.IsExecution(err))
	require.NotNil(t, sr)
	assert.Equal(t, workflows.StatusFailed, sr.Status)
	assert.Equal(t, 3, sr.Attempts)
	assert.Contains(t, sr.LastError, "421")

	// Failed reports are not picked up again, even when due.
	clock.Set(testNow.Add(3 * time.Hour))
	started, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)

	_, err = m.RunNow(ctx, "hourly")
	var skip *errdefs.SchedulerError
	assert.ErrorAs(t, err, &skip)

	reset, err := m.Reset(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, workflows.StatusIdle, reset.Status)
	assert.Zero(t, reset.Attempts)
	assert.Empty(t, reset.LastError)
	assert.Equal(t, testNow.Add(4*time.Hour), *reset.NextRunAt)

	_, err = m.Reset(ctx, "hourly")
	assert.True(t, errdefs.IsValidation(err))
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, mock.Anything).
		Return(nil, errdefs.Validation("minAge", "missing_parameter", "parameter minAge is required")).Once()

	m, rec, _ := newTestManager(t, exec, NewMemoryStore(), noopSink(), DefaultConfig())
	require.NoError(t, m.Register(ctx, hourly()))

	sr, err := m.RunNow(ctx, "hourly")
	assert.True(t, errdefs.IsValidation(err))
	assert.Equal(t, workflows.StatusFailed, sr.Status)
	assert.Equal(t, 1, sr.Attempts)
	assert.Empty(t, rec.waits)
	exec.AssertExpectations(t)
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, mock.Anything).Return(testResult(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var active, peak int32
	sink := SinkFunc(func(context.Context, *Delivery) error {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	m, _, clock := newTestManager(t, exec, NewMemoryStore(), sink, DefaultConfig())
	require.NoError(t, m.Register(ctx, hourly()))

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.RunNow(ctx, "hourly")
		firstDone <- err
	}()
	<-entered

	// A second run while the first is in flight is skipped.
	_, err := m.RunNow(ctx, "hourly")
	var skip *errdefs.SchedulerError
	require.ErrorAs(t, err, &skip)

	// So is an overdue tick.
	clock.Set(testNow.Add(2 * time.Hour))
	started, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	exec.AssertNumberOfCalls(t, "ExecuteReport", 1)
}

func TestRunAsScopesExecution(t *testing.T) {
	ctx := context.Background()
	tenant := security.Context{UserID: "u1", TenantID: "t1"}
	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, tenant).Return(testResult(), nil).Once()

	m, _, _ := newTestManager(t, exec, NewMemoryStore(), noopSink(), DefaultConfig())
	sr := hourly()
	sr.RunAs = &tenant
	require.NoError(t, m.Register(ctx, sr))

	_, err := m.RunNow(ctx, "hourly")
	require.NoError(t, err)
	exec.AssertExpectations(t)
}

func TestStartStop(t *testing.T) {
	store := NewMemoryStore()
	nextRun := testNow.Add(-time.Minute)
	seeded := hourly()
	seeded.Status = workflows.StatusIdle
	seeded.NextRunAt = &nextRun
	require.NoError(t, store.Put(context.Background(), seeded))

	exec := new(MockExecutor)
	exec.On("ExecuteReport", mock.Anything, "r1", mock.Anything, mock.Anything).Return(testResult(), nil)

	delivered := make(chan string, 1)
	sink := SinkFunc(func(_ context.Context, d *Delivery) error {
		select {
		case delivered <- d.ScheduleID:
		default:
		}
		return nil
	})

	m, _, _ := newTestManager(t, exec, store, sink, Config{PollInterval: time.Hour})
	require.NoError(t, m.Register(context.Background(), hourly()))

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	assert.Error(t, m.Start(context.Background()))

	select {
	case id := <-delivered:
		assert.Equal(t, "hourly", id)
	case <-time.After(5 * time.Second):
		t.Fatal("due report was not dispatched on start")
	}

	m.Stop()
	assert.False(t, m.Running())

	sr, err := m.Status(context.Background(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, workflows.StatusIdle, sr.Status)
}

func TestUnknownSchedule(t *testing.T) {
	m, _, _ := newTestManager(t, new(MockExecutor), NewMemoryStore(), noopSink(), DefaultConfig())

	_, err := m.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = m.Reset(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
