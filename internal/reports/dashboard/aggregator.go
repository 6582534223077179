// Package dashboard composes report and pipeline results into grid
// layouts, resolving widgets concurrently with per-widget failure
// isolation.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/internal/reports/aggregation"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
)

// ReportRunner is what widget resolution needs from the reports service.
type ReportRunner interface {
	GetReport(ctx context.Context, id string) (*reports.ReportDefinition, error)
	ExecuteReport(ctx context.Context, id string, params map[string]any, sc security.Context, opts ...reports.ExecuteOption) (*reports.ReportResult, error)
	RunPipeline(ctx context.Context, p *aggregation.Pipeline, sc security.Context) (*aggregation.Result, error)
	ValidatePipeline(p *aggregation.Pipeline) error
}

// Config configures widget resolution
type Config struct {
	// MaxConcurrency bounds the widgets resolved at once per dashboard.
	MaxConcurrency int `json:"max_concurrency"`
	// WidgetTimeout caps a single widget. Zero means no cap beyond the
	// caller's context.
	WidgetTimeout time.Duration `json:"widget_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		WidgetTimeout:  30 * time.Second,
	}
}

// Manager holds dashboard definitions and resolves them.
type Manager struct {
	runner ReportRunner
	logger *zap.Logger
	config Config
	now    func() time.Time

	mu         sync.RWMutex
	dashboards map[string]*Definition
}

// NewManager creates a new dashboard manager
func NewManager(runner ReportRunner, logger *zap.Logger, config Config) *Manager {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Manager{
		runner:     runner,
		logger:     logger,
		config:     config,
		now:        time.Now,
		dashboards: make(map[string]*Definition),
	}
}

// =====================================================
// Definitions
// =====================================================

// Register validates a dashboard's layout and widget backings and stores
// it, replacing any dashboard with the same id.
func (m *Manager) Register(ctx context.Context, def *Definition) error {
	if err := m.validate(ctx, def); err != nil {
		return err
	}

	m.mu.Lock()
	m.dashboards[def.ID] = def
	m.mu.Unlock()

	m.logger.Info("Dashboard registered",
		zap.String("dashboard_id", def.ID),
		zap.Int("widgets", len(def.Widgets)))
	return nil
}

// Load validates every definition before registering any of them.
func (m *Manager) Load(ctx context.Context, defs []*Definition) error {
	ids := make(map[string]bool, len(defs))
	for _, def := range defs {
		if err := m.validate(ctx, def); err != nil {
			return err
		}
		if ids[def.ID] {
			return errdefs.Validation("id", "duplicate_dashboard", "dashboard %s declared twice", def.ID)
		}
		ids[def.ID] = true
	}

	m.mu.Lock()
	for _, def := range defs {
		m.dashboards[def.ID] = def
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) validate(ctx context.Context, def *Definition) error {
	if err := def.validateLayout(); err != nil {
		return err
	}
	for i, w := range def.Widgets {
		field := fmt.Sprintf("widgets[%d]", i)
		if w.Pipeline != nil {
			if err := m.runner.ValidatePipeline(w.Pipeline); err != nil {
				return fmt.Errorf("dashboard %s: widget %s: %w", def.ID, w.ID, err)
			}
			continue
		}

		report, err := m.runner.GetReport(ctx, w.ReportID)
		if errors.Is(err, errdefs.ErrNotFound) {
			return errdefs.Validation(field, "unknown_report", "dashboard %s: widget %q references unknown report %q", def.ID, w.ID, w.ReportID)
		}
		if err != nil {
			return fmt.Errorf("dashboard %s: widget %s: %w", def.ID, w.ID, err)
		}
		if _, err := reports.ResolveParameters(report, w.Parameters); err != nil {
			return fmt.Errorf("dashboard %s: widget %s: %w", def.ID, w.ID, err)
		}
	}
	return nil
}

// Get returns a registered dashboard definition.
func (m *Manager) Get(id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.dashboards[id]
	if !ok {
		return nil, fmt.Errorf("dashboard %s: %w", id, errdefs.ErrNotFound)
	}
	return def, nil
}

// List returns every registered dashboard ordered by id.
func (m *Manager) List() []*Definition {
	m.mu.RLock()
	defs := make([]*Definition, 0, len(m.dashboards))
	for _, def := range m.dashboards {
		defs = append(defs, def)
	}
	m.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// =====================================================
// Resolution
// =====================================================

// Resolve runs every widget of a dashboard, at most MaxConcurrency at a
// time. A failing widget carries an error marker and does not fail the
// call. If ctx is cancelled, widgets that have not finished are left out
// and the layout is marked partial.
func (m *Manager) Resolve(ctx context.Context, id string, sc security.Context) (*Layout, error) {
	def, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	widgets := rowMajor(def.Widgets)
	results := make([]*WidgetResult, len(widgets))

	var g errgroup.Group
	g.SetLimit(m.config.MaxConcurrency)
	for i := range widgets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = m.resolveWidget(ctx, &widgets[i], sc)
			return nil
		})
	}
	_ = g.Wait()

	layout := &Layout{
		DashboardID: def.ID,
		Name:        def.Name,
		Columns:     def.Columns,
		Rows:        def.Rows,
		Widgets:     make([]WidgetResult, 0, len(widgets)),
		ResolvedAt:  m.now().UTC(),
	}
	failed := 0
	for _, r := range results {
		if r == nil {
			layout.Partial = true
			continue
		}
		if r.Status == WidgetStatusError {
			failed++
		}
		layout.Widgets = append(layout.Widgets, *r)
	}

	m.logger.Debug("Dashboard resolved",
		zap.String("dashboard_id", def.ID),
		zap.Int("widgets", len(layout.Widgets)),
		zap.Int("failed", failed),
		zap.Bool("partial", layout.Partial))
	return layout, nil
}

// resolveWidget returns nil when the overall call was cancelled before the
// widget finished.
func (m *Manager) resolveWidget(ctx context.Context, w *Widget, sc security.Context) (result *WidgetResult) {
	result = &WidgetResult{
		ID:       w.ID,
		Title:    w.Title,
		Type:     w.Type,
		Size:     w.Size.normalized(),
		Position: w.Position,
	}

	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("Widget panicked", zap.String("widget_id", w.ID), zap.Any("panic", p))
			result.Status = WidgetStatusError
			result.Data = nil
			result.Error = &WidgetError{Kind: "execution", Message: fmt.Sprintf("widget panicked: %v", p)}
		}
	}()

	wctx := ctx
	if m.config.WidgetTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, m.config.WidgetTimeout)
		defer cancel()
	}

	data, err := m.widgetData(wctx, w, sc)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("Widget failed",
			zap.String("widget_id", w.ID),
			zap.Error(err))
		result.Status = WidgetStatusError
		result.Error = &WidgetError{Kind: errorKind(err), Message: err.Error()}
		return result
	}

	result.Status = WidgetStatusOK
	result.Data = data
	return result
}

func (m *Manager) widgetData(ctx context.Context, w *Widget, sc security.Context) (*WidgetData, error) {
	if w.Pipeline != nil {
		res, err := m.runner.RunPipeline(ctx, w.Pipeline, sc)
		if err != nil {
			return nil, err
		}
		return &WidgetData{Rows: res.Rows, RowCount: res.RowCount}, nil
	}

	res, err := m.runner.ExecuteReport(ctx, w.ReportID, w.Parameters, sc)
	if err != nil {
		return nil, err
	}
	generatedAt := res.GeneratedAt
	return &WidgetData{Rows: res.Rows, RowCount: res.RowCount, GeneratedAt: &generatedAt}, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return "not_found"
	case errdefs.IsSchema(err):
		return "schema"
	case errdefs.IsValidation(err):
		return "validation"
	case errdefs.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "execution"
	}
}

// rowMajor orders widgets top to bottom, then left to right.
func rowMajor(widgets []Widget) []Widget {
	out := make([]Widget, len(widgets))
	copy(out, widgets)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position.Row != out[j].Position.Row {
			return out[i].Position.Row < out[j].Position.Row
		}
		return out[i].Position.Column < out[j].Position.Column
	})
	return out
}
