// Package plugin exposes the analytics engine to a plugin host: startup
// handshake, health, and the capability and security manifests.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/catalog"
	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/internal/reports/aggregation"
	"carbon-scribe/analytics-engine/internal/reports/cache"
	"carbon-scribe/analytics-engine/internal/reports/dashboard"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/internal/reports/scheduler"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/workflows"
)

// Options configures the subsystem the plugin builds at Start.
type Options struct {
	Name    string
	Version string
	// Catalog supplies schemas and definitions. Nil starts with none.
	Catalog *catalog.Catalog
	// Repository stores report definitions. Nil uses an in-memory one.
	Repository reports.Repository
	Cache      cache.Config
	Dashboard  dashboard.Config
	Scheduler  scheduler.Config
	// RunScheduler starts the polling loop once the catalog is applied.
	RunScheduler bool
	// ScheduleStore holds schedule run state. Nil uses memory.
	ScheduleStore scheduler.Store
	// Router delivers scheduled reports. Nil registers the log sink only.
	Router *scheduler.Router
}

type state int

const (
	stateNew state = iota
	stateStarted
	stateFailed
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateStarted:
		return "started"
	case stateFailed:
		return "failed"
	case stateStopped:
		return "stopped"
	default:
		return "not started"
	}
}

// outbound delivery methods need network access from the host.
var outbound = map[scheduler.DeliveryMethod]bool{
	scheduler.DeliveryEmail:   true,
	scheduler.DeliverySES:     true,
	scheduler.DeliveryWebhook: true,
	scheduler.DeliveryS3:      true,
	scheduler.DeliverySNS:     true,
}

// Plugin is the lifecycle façade over the report, dashboard and schedule
// managers. Components exist only between a successful Start and Stop.
type Plugin struct {
	opts Options
	now  func() time.Time

	mu       sync.RWMutex
	state    state
	startErr error
	logger   *zap.Logger

	results    *reports.ResultCache
	service    *reports.Service
	dashboards *dashboard.Manager
	scheduler  *scheduler.Manager
}

// New creates a plugin that is not started yet.
func New(opts Options) *Plugin {
	if opts.Name == "" {
		opts.Name = "analytics-engine"
	}
	return &Plugin{opts: opts, now: time.Now, logger: zap.NewNop()}
}

// Start performs the startup handshake and builds the subsystem. Any
// failure tears down what was built and returns a PluginStartupError; the
// plugin then stays unhealthy until a later Start succeeds.
func (p *Plugin) Start(ctx context.Context, host Host) (*StartupResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateStarted {
		return nil, fmt.Errorf("plugin %s already started", p.opts.Name)
	}

	result := &StartupResult{Plugin: p.opts.Name, Version: p.opts.Version, StartedAt: p.now().UTC()}
	if err := p.start(ctx, host); err != nil {
		p.teardown()
		p.state = stateFailed
		p.startErr = err
		p.logger.Error("Plugin startup failed", zap.String("plugin", p.opts.Name), zap.Error(err))
		result.Error = err.Error()
		return result, err
	}

	p.state = stateStarted
	p.startErr = nil
	result.Success = true
	if p.opts.Catalog != nil {
		result.Reports = len(p.opts.Catalog.Reports)
		result.Schedules = len(p.opts.Catalog.Schedules)
	}
	p.logger.Info("Plugin started",
		zap.String("plugin", p.opts.Name),
		zap.String("version", p.opts.Version),
		zap.Int("reports", result.Reports),
		zap.Int("schedules", result.Schedules))
	return result, nil
}

func (p *Plugin) start(ctx context.Context, host Host) error {
	if host == nil {
		return &errdefs.PluginStartupError{Reason: "no host"}
	}
	if logger := host.Logger(); logger != nil {
		p.logger = logger
	}

	manifest := host.Manifest()
	for _, capability := range p.requiredCapabilities() {
		if !manifest.Has(capability) {
			return &errdefs.PluginStartupError{
				Reason: fmt.Sprintf("host %q lacks required capability %q", manifest.Name, capability),
			}
		}
	}

	store := host.RecordStore()
	if store == nil {
		return &errdefs.PluginStartupError{Reason: "host provides no record store"}
	}

	cat := p.opts.Catalog
	if cat == nil {
		cat = &catalog.Catalog{}
	}
	schemas, err := cat.Registry()
	if err != nil {
		return &errdefs.PluginStartupError{Reason: "invalid object schemas", Err: err}
	}

	repo := p.opts.Repository
	if repo == nil {
		repo = reports.NewMemoryRepository()
	}
	router := p.router()
	schedules := p.opts.ScheduleStore
	if schedules == nil {
		schedules = scheduler.NewMemoryStore()
	}

	p.results = reports.NewResultCache(p.opts.Cache)
	p.service = reports.NewService(repo, aggregation.NewEngine(schemas, store, p.logger), p.results, p.logger)
	p.dashboards = dashboard.NewManager(p.service, p.logger, p.opts.Dashboard)
	p.scheduler = scheduler.NewManager(p.service, schedules, router, p.logger, p.opts.Scheduler)

	err = cat.Apply(ctx, catalog.Targets{Reports: p.service, Dashboards: p.dashboards, Scheduler: p.scheduler})
	if err != nil {
		return &errdefs.PluginStartupError{Reason: "invalid catalog", Err: err}
	}

	if p.opts.RunScheduler {
		if err := p.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
			return &errdefs.PluginStartupError{Reason: "scheduler did not start", Err: err}
		}
	}
	return nil
}

// router returns the configured router or a log-only default. The default
// is cached in opts so manifests and the scheduler agree.
func (p *Plugin) router() *scheduler.Router {
	if p.opts.Router == nil {
		r := scheduler.NewRouter(p.logger)
		r.Handle(scheduler.DeliveryLog, scheduler.NewLogSink(p.logger))
		p.opts.Router = r
	}
	return p.opts.Router
}

func (p *Plugin) requiredCapabilities() []string {
	required := []string{CapabilityRecordQuery, CapabilitySecurityContext}
	for _, m := range p.router().Methods() {
		if outbound[m] {
			required = append(required, CapabilityOutboundNetwork)
			break
		}
	}
	return required
}

func (p *Plugin) teardown() {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
	if p.results != nil {
		p.results.Stop()
	}
	p.results, p.service, p.dashboards, p.scheduler = nil, nil, nil, nil
}

// Stop stops the scheduler loop, waits for in-flight runs and stops the
// cache janitor.
func (p *Plugin) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		return
	}
	p.teardown()
	p.state = stateStopped
	p.logger.Info("Plugin stopped", zap.String("plugin", p.opts.Name))
}

// =====================================================
// Accessors
// =====================================================

// Reports returns the report service, or nil when not started.
func (p *Plugin) Reports() *reports.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.service
}

// Dashboards returns the dashboard manager, or nil when not started.
func (p *Plugin) Dashboards() *dashboard.Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dashboards
}

// Scheduler returns the schedule manager, or nil when not started.
func (p *Plugin) Scheduler() *scheduler.Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scheduler
}

// =====================================================
// Manifests
// =====================================================

// Health reports unhealthy unless started. A started plugin is degraded
// while any scheduled report is failed, the scheduler loop is not running
// or the result cache is full.
func (p *Plugin) Health(ctx context.Context) *HealthReport {
	p.mu.RLock()
	st, startErr := p.state, p.startErr
	sched, results := p.scheduler, p.results
	p.mu.RUnlock()

	report := &HealthReport{CheckedAt: p.now().UTC()}
	if st != stateStarted {
		msg := st.String()
		if startErr != nil {
			msg = startErr.Error()
		}
		report.Status = HealthUnhealthy
		report.Checks = []HealthCheck{{Name: "plugin", Status: HealthUnhealthy, Message: msg}}
		return report
	}

	report.Checks = []HealthCheck{
		{Name: "plugin", Status: HealthHealthy},
		schedulerCheck(ctx, sched),
		cacheCheck(results),
	}
	report.Status = HealthHealthy
	for _, c := range report.Checks {
		if c.Status == HealthDegraded {
			report.Status = HealthDegraded
		}
	}
	return report
}

func schedulerCheck(ctx context.Context, sched *scheduler.Manager) HealthCheck {
	check := HealthCheck{Name: "scheduler", Status: HealthHealthy}
	if !sched.Running() {
		check.Status = HealthDegraded
		check.Message = "scheduler loop is not running"
		return check
	}

	all, err := sched.List(ctx)
	if err != nil {
		check.Status = HealthDegraded
		check.Message = fmt.Sprintf("failed to list schedules: %v", err)
		return check
	}
	var failed []string
	for _, sr := range all {
		if sr.Status == workflows.StatusFailed {
			failed = append(failed, sr.ID)
		}
	}
	if len(failed) > 0 {
		check.Status = HealthDegraded
		check.Message = "failed schedules: " + strings.Join(failed, ", ")
	}
	return check
}

func cacheCheck(results *reports.ResultCache) HealthCheck {
	if results.Full() {
		return HealthCheck{
			Name:    "cache",
			Status:  HealthDegraded,
			Message: fmt.Sprintf("result cache at capacity (%d entries)", results.Capacity()),
		}
	}
	return HealthCheck{Name: "cache", Status: HealthHealthy}
}

// Capabilities describes what the plugin offers.
func (p *Plugin) Capabilities() *CapabilityManifest {
	p.mu.Lock()
	methods := p.router().Methods()
	p.mu.Unlock()

	return &CapabilityManifest{
		Name:    p.opts.Name,
		Version: p.opts.Version,
		Operations: []string{
			"reports.list",
			"reports.execute",
			"dashboards.resolve",
			"schedules.list",
			"schedules.run",
			"schedules.reset",
		},
		Formats: []export.Format{export.FormatJSON, export.FormatCSV, export.FormatExcel, export.FormatPDF},
		StageKinds: []aggregation.Kind{
			aggregation.KindMatch,
			aggregation.KindGroup,
			aggregation.KindSort,
			aggregation.KindProject,
			aggregation.KindLimit,
			aggregation.KindLookup,
			aggregation.KindCompute,
		},
		DeliveryMethods: methods,
	}
}

// Security enumerates the permissions the plugin needs from the host.
func (p *Plugin) Security() *SecurityManifest {
	p.mu.Lock()
	required := p.requiredCapabilities()
	p.mu.Unlock()

	var objects []string
	if p.opts.Catalog != nil {
		for _, o := range p.opts.Catalog.Objects {
			objects = append(objects, o.Name)
		}
		sort.Strings(objects)
	}

	manifest := &SecurityManifest{Name: p.opts.Name}
	for _, capability := range required {
		perm := Permission{Name: capability}
		switch capability {
		case CapabilityRecordQuery:
			perm.Reason = "read-only queries on objects: " + strings.Join(objects, ", ")
		case CapabilitySecurityContext:
			perm.Reason = "scope queries to the caller's tenant and user"
		case CapabilityOutboundNetwork:
			perm.Reason = "deliver scheduled reports to external recipients"
		}
		manifest.Permissions = append(manifest.Permissions, perm)
	}
	return manifest
}
