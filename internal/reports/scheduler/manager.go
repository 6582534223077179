// Package scheduler runs report definitions on recurring schedules with
// single-flight dispatch, bounded retries and pluggable delivery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/workflows"
)

// Config configures the scheduler
type Config struct {
	PollInterval   time.Duration `json:"poll_interval"`
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	// RunTimeout caps one attempt, delivery included.
	RunTimeout time.Duration `json:"run_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		RunTimeout:     5 * time.Minute,
	}
}

// Manager dispatches due scheduled reports.
type Manager struct {
	executor ReportExecutor
	store    Store
	sink     Sink
	logger   *zap.Logger
	config   Config
	states   *workflows.StateMachine

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	locks sync.Map // schedule id -> *sync.Mutex

	mu        sync.RWMutex
	schedules map[string]*Schedule
	cancel    context.CancelFunc
	done      chan struct{}
	runs      sync.WaitGroup
}

// NewManager creates a new schedule manager
func NewManager(executor ReportExecutor, store Store, sink Sink, logger *zap.Logger, config Config) *Manager {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &Manager{
		executor:  executor,
		store:     store,
		sink:      sink,
		logger:    logger,
		config:    config,
		states:    workflows.NewStateMachine(),
		now:       time.Now,
		sleep:     sleepWithContext,
		schedules: make(map[string]*Schedule),
	}
}

// =====================================================
// Registration
// =====================================================

// Register validates a scheduled report and stores it. Run state already
// held by the store for the same id is kept; the next run is recomputed
// when the schedule expression changed.
func (m *Manager) Register(ctx context.Context, sr *ScheduledReport) error {
	schedule, err := m.validate(ctx, sr)
	if err != nil {
		return err
	}
	return m.register(ctx, sr, schedule)
}

// Load validates every scheduled report before registering any of them.
func (m *Manager) Load(ctx context.Context, srs []*ScheduledReport) error {
	parsed := make([]*Schedule, len(srs))
	ids := make(map[string]bool, len(srs))
	for i, sr := range srs {
		schedule, err := m.validate(ctx, sr)
		if err != nil {
			return err
		}
		if ids[sr.ID] {
			return errdefs.Validation("id", "duplicate_schedule", "scheduled report %s declared twice", sr.ID)
		}
		ids[sr.ID] = true
		parsed[i] = schedule
	}

	for i, sr := range srs {
		if err := m.register(ctx, sr, parsed[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) validate(ctx context.Context, sr *ScheduledReport) (*Schedule, error) {
	schedule, err := sr.validate()
	if err != nil {
		return nil, err
	}

	if router, ok := m.sink.(interface{ Supports(DeliveryMethod) bool }); ok && !router.Supports(sr.DeliveryMethod) {
		return nil, errdefs.Validation("delivery_method", "unsupported_delivery", "schedule %s: no sink for delivery method %q", sr.ID, sr.DeliveryMethod)
	}

	def, err := m.executor.GetReport(ctx, sr.ReportID)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil, errdefs.Validation("report_id", "unknown_report", "schedule %s references unknown report %q", sr.ID, sr.ReportID)
	}
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", sr.ID, err)
	}
	if _, err := reports.ResolveParameters(def, sr.Parameters); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", sr.ID, err)
	}
	return schedule, nil
}

func (m *Manager) register(ctx context.Context, sr *ScheduledReport, schedule *Schedule) error {
	now := m.now().UTC()
	next := sr.clone()
	next.UpdatedAt = now

	existing, err := m.store.Get(ctx, sr.ID)
	switch {
	case err == nil:
		next.Status = existing.Status
		next.LastRunAt = existing.LastRunAt
		next.Attempts = existing.Attempts
		next.LastError = existing.LastError
		next.NextRunAt = existing.NextRunAt
		if existing.Schedule != sr.Schedule || existing.Timezone != sr.Timezone {
			next.NextRunAt = nil
		}
	case errors.Is(err, errdefs.ErrNotFound):
		next.Status = workflows.StatusIdle
	default:
		return fmt.Errorf("failed to load schedule state %s: %w", sr.ID, err)
	}
	if next.Status == "" {
		next.Status = workflows.StatusIdle
	}
	if next.NextRunAt == nil {
		from := now
		if next.LastRunAt != nil {
			from = *next.LastRunAt
		}
		t := schedule.Next(from)
		next.NextRunAt = &t
	}

	if err := m.store.Put(ctx, next); err != nil {
		return err
	}

	m.mu.Lock()
	m.schedules[sr.ID] = schedule
	m.mu.Unlock()

	m.logger.Info("Scheduled report registered",
		zap.String("schedule_id", sr.ID),
		zap.String("report_id", sr.ReportID),
		zap.String("schedule", sr.Schedule),
		zap.Time("next_run_at", *next.NextRunAt))
	return nil
}

func (m *Manager) schedule(id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("scheduled report %s: %w", id, errdefs.ErrNotFound)
	}
	return s, nil
}

// =====================================================
// Queries
// =====================================================

// Status returns the current state of one scheduled report.
func (m *Manager) Status(ctx context.Context, id string) (*ScheduledReport, error) {
	if _, err := m.schedule(id); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// List returns every scheduled report registered with this manager.
func (m *Manager) List(ctx context.Context) ([]*ScheduledReport, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sr := range all {
		if _, err := m.schedule(sr.ID); err == nil {
			out = append(out, sr)
		}
	}
	return out, nil
}

// =====================================================
// Dispatch
// =====================================================

// Tick dispatches every due report once and waits for those runs to
// finish. It returns the number of runs started.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	started, err := m.dispatchDue(ctx, &wg)
	wg.Wait()
	return started, err
}

func (m *Manager) dispatchDue(ctx context.Context, wg *sync.WaitGroup) (int, error) {
	all, err := m.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled reports: %w", err)
	}

	now := m.now().UTC()
	started := 0
	for _, sr := range all {
		if !sr.due(now) || sr.Status == workflows.StatusFailed {
			continue
		}
		if sr.Status == workflows.StatusRunning {
			m.logSkip(&errdefs.SchedulerError{ReportID: sr.ID, Reason: "previous run still in progress"})
			continue
		}

		started++
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var skip *errdefs.SchedulerError
			if err := m.execute(ctx, id); err != nil && !errors.As(err, &skip) {
				m.logger.Error("Scheduled run failed",
					zap.String("schedule_id", id),
					zap.Error(err))
			}
		}(sr.ID)
	}
	return started, nil
}

// RunNow executes a scheduled report immediately, regardless of its next
// run time. It fails with a SchedulerError if the report is running or
// failed.
func (m *Manager) RunNow(ctx context.Context, id string) (*ScheduledReport, error) {
	if _, err := m.schedule(id); err != nil {
		return nil, err
	}
	if err := m.execute(ctx, id); err != nil {
		var skip *errdefs.SchedulerError
		if errors.As(err, &skip) {
			return nil, err
		}
		sr, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return nil, err
		}
		return sr, err
	}
	return m.store.Get(ctx, id)
}

// execute runs one report under its per-id lock. A report that is already
// running is skipped, never queued.
func (m *Manager) execute(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	if !lock.TryLock() {
		err := &errdefs.SchedulerError{ReportID: id, Reason: "previous run still in progress"}
		m.logSkip(err)
		return err
	}
	defer lock.Unlock()

	schedule, err := m.schedule(id)
	if err != nil {
		return err
	}
	sr, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !m.states.CanTransition(sr.Status, workflows.StatusRunning) {
		err := &errdefs.SchedulerError{ReportID: id, Reason: "status " + string(sr.Status)}
		m.logSkip(err)
		return err
	}

	startedAt := m.now().UTC()
	acquired, err := m.store.Acquire(ctx, id, startedAt)
	if err != nil {
		return err
	}
	if !acquired {
		err := &errdefs.SchedulerError{ReportID: id, Reason: "claimed by another instance"}
		m.logSkip(err)
		return err
	}
	sr.Status = workflows.StatusRunning

	m.logger.Info("Executing scheduled report",
		zap.String("schedule_id", id),
		zap.String("report_id", sr.ReportID))

	attempts, runErr := m.runWithRetry(ctx, sr)
	finishedAt := m.now().UTC()

	sr.Attempts = attempts
	sr.UpdatedAt = finishedAt
	to := workflows.StatusIdle
	switch {
	case runErr == nil:
		next := schedule.Next(finishedAt)
		sr.LastRunAt = &startedAt
		sr.NextRunAt = &next
		sr.LastError = ""
	case ctx.Err() != nil:
		// Interrupted by shutdown; the run stays due.
		sr.LastError = runErr.Error()
	default:
		to = workflows.StatusFailed
		sr.LastRunAt = &startedAt
		sr.LastError = runErr.Error()
	}
	if sr.Status, err = m.states.Transition(sr.Status, to); err != nil {
		return err
	}

	if err := m.store.Put(context.WithoutCancel(ctx), sr); err != nil {
		return errors.Join(runErr, err)
	}

	if runErr != nil {
		m.logger.Error("Scheduled report failed",
			zap.String("schedule_id", id),
			zap.Int("attempts", attempts),
			zap.String("status", string(sr.Status)),
			zap.Error(runErr))
		return runErr
	}

	m.logger.Info("Scheduled report execution completed",
		zap.String("schedule_id", id),
		zap.Int("attempts", attempts),
		zap.Time("next_run_at", *sr.NextRunAt))
	return nil
}

// Reset moves a failed report back to idle and schedules its next run from
// now.
func (m *Manager) Reset(ctx context.Context, id string) (*ScheduledReport, error) {
	schedule, err := m.schedule(id)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sr, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sr.Status != workflows.StatusFailed {
		return nil, errdefs.Validation("status", "invalid_transition", "scheduled report %s is %s, only failed reports can be reset", id, sr.Status)
	}
	if sr.Status, err = m.states.Transition(sr.Status, workflows.StatusIdle); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	next := schedule.Next(now)
	sr.NextRunAt = &next
	sr.Attempts = 0
	sr.LastError = ""
	sr.UpdatedAt = now
	if err := m.store.Put(ctx, sr); err != nil {
		return nil, err
	}

	m.logger.Info("Scheduled report reset",
		zap.String("schedule_id", id),
		zap.Time("next_run_at", next))
	return sr, nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (m *Manager) logSkip(err *errdefs.SchedulerError) {
	m.logger.Warn("Scheduled run skipped",
		zap.String("schedule_id", err.ReportID),
		zap.String("reason", err.Reason),
		zap.Error(err))
}

// =====================================================
// Loop
// =====================================================

// Start starts the polling loop. Runs started by the loop outlive a single
// poll and are awaited by Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("schedule manager already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.logger.Info("Starting schedule manager", zap.Duration("poll_interval", m.config.PollInterval))
	go m.pollLoop(loopCtx, done)
	return nil
}

// Stop stops the loop and waits for in-flight runs.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	m.logger.Info("Stopping schedule manager")
	cancel()
	<-done
	m.runs.Wait()
}

// Running reports whether the polling loop is active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (m *Manager) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	started, err := m.dispatchDue(ctx, &m.runs)
	if err != nil {
		m.logger.Error("Failed to poll scheduled reports", zap.Error(err))
		return
	}
	if started > 0 {
		m.logger.Debug("Dispatched scheduled reports", zap.Int("runs", started))
	}
}
