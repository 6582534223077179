// Package aggregation executes ordered stage pipelines over record streams.
package aggregation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// StageStat describes one applied stage.
type StageStat struct {
	Kind     Kind          `json:"kind"`
	RowsIn   int           `json:"rows_in"`
	RowsOut  int           `json:"rows_out"`
	Duration time.Duration `json:"duration"`
}

// Stats describes a pipeline run.
type Stats struct {
	Duration      time.Duration `json:"duration"`
	StagesApplied int           `json:"stages_applied"`
	InputRows     int           `json:"input_rows"`
	Stages        []StageStat   `json:"stages"`
}

// Result is the output of a pipeline run.
type Result struct {
	Rows     []records.Record `json:"rows"`
	RowCount int              `json:"row_count"`
	Stats    Stats            `json:"stats"`
}

// ScopeFunc returns the filter restricting reads of an object to the caller.
type ScopeFunc func(object string) (records.Filter, error)

type runOptions struct {
	scope ScopeFunc
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithScope restricts records fetched by lookup stages.
func WithScope(scope ScopeFunc) RunOption {
	return func(o *runOptions) { o.scope = scope }
}

// Engine validates and runs pipelines against object schemas and a record
// store. It holds no per-run state and is safe for concurrent use.
type Engine struct {
	schemas *records.Registry
	store   records.Store
	logger  *zap.Logger
}

// NewEngine creates an engine. store may be nil when no pipeline uses
// lookup stages or Execute.
func NewEngine(schemas *records.Registry, store records.Store, logger *zap.Logger) *Engine {
	return &Engine{schemas: schemas, store: store, logger: logger}
}

// Schemas returns the registry pipelines are validated against.
func (e *Engine) Schemas() *records.Registry { return e.schemas }

// Validate checks every stage against the field set produced by the stages
// before it. Parameter placeholders are allowed.
func (e *Engine) Validate(p *Pipeline) error {
	_, err := e.prepare(p)
	return err
}

type plan struct {
	exprs map[string]*Expression
}

func (e *Engine) prepare(p *Pipeline) (*plan, error) {
	if p == nil {
		return nil, errdefs.Validation("pipeline", "required", "pipeline is required")
	}
	if p.Source == "" {
		return nil, errdefs.Validation("source", "required", "pipeline source is required")
	}
	schema, err := e.schemas.Get(p.Source)
	if err != nil {
		return nil, err
	}

	v := &validation{
		schemas: e.schemas,
		store:   e.store,
		fields:  schemaFields(schema),
		exprs:   map[string]*Expression{},
	}
	for i, s := range p.Stages {
		if s == nil {
			return nil, errdefs.Validation(fmt.Sprintf("stages[%d]", i), "required", "stage is empty")
		}
		if err := s.validate(v, fmt.Sprintf("stages[%d].%s", i, s.Kind())); err != nil {
			return nil, err
		}
	}
	return &plan{exprs: v.exprs}, nil
}

// Execute validates the pipeline, fetches its source rows through the store
// with filter, and runs it.
func (e *Engine) Execute(ctx context.Context, p *Pipeline, filter records.Filter, opts ...RunOption) (*Result, error) {
	pl, err := e.prepare(p)
	if err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, errdefs.Execution("fetch "+p.Source, fmt.Errorf("no record store configured"))
	}
	if err := errdefs.FromContext("fetch "+p.Source, ctx); err != nil {
		return nil, err
	}
	rows, err := e.store.Find(ctx, p.Source, filter, records.FindOptions{})
	if err != nil {
		if ctxErr := errdefs.FromContext("fetch "+p.Source, ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errdefs.Execution("fetch "+p.Source, err)
	}
	return e.run(ctx, p, pl, rows, opts)
}

// Run validates the pipeline and applies its stages in order to rows.
// Cancellation is checked before each stage; a stage never stops midway.
func (e *Engine) Run(ctx context.Context, p *Pipeline, rows []records.Record, opts ...RunOption) (*Result, error) {
	pl, err := e.prepare(p)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, p, pl, rows, opts)
}

func (e *Engine) run(ctx context.Context, p *Pipeline, pl *plan, rows []records.Record, opts []RunOption) (*Result, error) {
	if params := p.Params(); len(params) > 0 {
		return nil, errdefs.Validation("params", "unbound_parameter", "pipeline has unbound parameters %v", params)
	}

	o := runOptions{scope: func(string) (records.Filter, error) { return nil, nil }}
	for _, opt := range opts {
		opt(&o)
	}
	r := &runner{store: e.store, scope: o.scope, exprs: pl.exprs}

	start := time.Now()
	stats := Stats{InputRows: len(rows), Stages: make([]StageStat, 0, len(p.Stages))}
	current := rows
	for i, s := range p.Stages {
		op := fmt.Sprintf("stage %d (%s)", i, s.Kind())
		if err := errdefs.FromContext(op, ctx); err != nil {
			return nil, err
		}

		stageStart := time.Now()
		out, err := s.apply(ctx, r, current)
		if err != nil {
			e.logger.Debug("Pipeline stage failed",
				zap.String("source", p.Source),
				zap.Int("stage", i),
				zap.String("kind", string(s.Kind())),
				zap.Error(err))
			if ctxErr := errdefs.FromContext(op, ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errdefs.Execution(op, err)
		}
		stats.Stages = append(stats.Stages, StageStat{
			Kind:     s.Kind(),
			RowsIn:   len(current),
			RowsOut:  len(out),
			Duration: time.Since(stageStart),
		})
		current = out
	}
	if current == nil {
		current = []records.Record{}
	}

	stats.StagesApplied = len(stats.Stages)
	stats.Duration = time.Since(start)

	e.logger.Debug("Pipeline executed",
		zap.String("source", p.Source),
		zap.Int("input_rows", stats.InputRows),
		zap.Int("output_rows", len(current)),
		zap.Duration("duration", stats.Duration))

	return &Result{Rows: current, RowCount: len(current), Stats: stats}, nil
}

// runner is the per-run state shared by stages.
type runner struct {
	store records.Store
	scope ScopeFunc
	exprs map[string]*Expression
}
