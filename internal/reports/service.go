package reports

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/internal/reports/aggregation"
	"carbon-scribe/analytics-engine/internal/reports/cache"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
)

// ResultCache is the shared store of materialized report results.
type ResultCache = cache.Cache[*ReportResult]

// NewResultCache creates a result cache.
func NewResultCache(cfg cache.Config) *ResultCache {
	return cache.New[*ReportResult](cfg)
}

// Service validates parameters, runs report pipelines, formats and caches
// their results.
type Service struct {
	repo   Repository
	engine *aggregation.Engine
	cache  *ResultCache
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	lastGenerated map[string]time.Time
}

// NewService creates a new reports service
func NewService(repo Repository, engine *aggregation.Engine, results *ResultCache, logger *zap.Logger) *Service {
	return &Service{
		repo:          repo,
		engine:        engine,
		cache:         results,
		logger:        logger,
		now:           time.Now,
		lastGenerated: make(map[string]time.Time),
	}
}

// Engine returns the aggregation engine reports run on.
func (s *Service) Engine() *aggregation.Engine { return s.engine }

// Cache returns the result cache.
func (s *Service) Cache() *ResultCache { return s.cache }

// =====================================================
// Report Definition Operations
// =====================================================

// GetReport retrieves a report definition by ID
func (s *Service) GetReport(ctx context.Context, id string) (*ReportDefinition, error) {
	def, err := s.repo.GetReportDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// ListReports lists report definitions with filters and pagination. It
// never executes anything.
func (s *Service) ListReports(ctx context.Context, opts *ListOptions) (*ReportListResponse, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	opts.normalize()

	defs, total, err := s.repo.ListReportDefinitions(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	return &ReportListResponse{
		Reports:    defs,
		TotalCount: total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		HasMore:    opts.Offset()+len(defs) < total,
	}, nil
}

// ValidateDefinition checks a definition's structure and its pipeline
// against the registered object schemas.
func (s *Service) ValidateDefinition(def *ReportDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := s.engine.Validate(def.Pipeline); err != nil {
		return fmt.Errorf("report %s: %w", def.ID, err)
	}
	return nil
}

// ValidatePipeline checks a raw pipeline such as a dashboard widget's.
// Raw pipelines have no parameters to bind, so placeholders are rejected.
func (s *Service) ValidatePipeline(p *aggregation.Pipeline) error {
	if err := s.engine.Validate(p); err != nil {
		return err
	}
	if params := p.Params(); len(params) > 0 {
		return errdefs.Validation("pipeline", "unbound_parameter", "raw pipeline references parameters %v", params)
	}
	return nil
}

// RegisterReport validates a definition and saves it.
func (s *Service) RegisterReport(ctx context.Context, def *ReportDefinition) error {
	if err := s.ValidateDefinition(def); err != nil {
		return err
	}
	if err := s.repo.SaveReportDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save report %s: %w", def.ID, err)
	}
	s.Invalidate(def.ID)

	s.logger.Info("Report definition registered",
		zap.String("report_id", def.ID),
		zap.String("format", string(def.Format)))
	return nil
}

// =====================================================
// Report Execution
// =====================================================

type executeOptions struct {
	format export.Format
}

// ExecuteOption adjusts a single execution.
type ExecuteOption func(*executeOptions)

// WithFormat renders the result in f instead of the definition's format.
func WithFormat(f export.Format) ExecuteOption {
	return func(o *executeOptions) {
		if f != "" {
			o.format = f
		}
	}
}

// ExecuteReport resolves parameters, serves a live cached result when one
// exists for the same definition, parameters, format and caller scope, and
// otherwise runs the pipeline, renders it and caches the output.
func (s *Service) ExecuteReport(ctx context.Context, id string, params map[string]any, sc security.Context, opts ...ExecuteOption) (*ReportResult, error) {
	def, err := s.repo.GetReportDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	o := executeOptions{format: def.Format}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.format.Valid() {
		return nil, errdefs.Validation("format", "invalid_format", "unsupported format %q", o.format)
	}

	resolved, err := ResolveParameters(def, params)
	if err != nil {
		return nil, err
	}

	key, err := CacheKey(def.ID, o.format, resolved, sc)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.cache.Get(key); ok {
		s.logger.Debug("Report served from cache",
			zap.String("report_id", def.ID),
			zap.String("cache_key", key))
		return cached, nil
	}

	bound, err := def.Pipeline.Bind(resolved)
	if err != nil {
		return nil, err
	}
	result, err := s.run(ctx, bound, sc)
	if err != nil {
		s.logger.Error("Failed to execute report",
			zap.String("report_id", def.ID),
			zap.Error(err))
		return nil, err
	}

	generatedAt := s.stamp(key)
	data, err := export.Render(o.format, &export.Document{
		Title:       def.Name,
		Columns:     def.Columns,
		Labels:      def.Labels,
		Rows:        result.Rows,
		GeneratedAt: generatedAt,
		Summary:     summary(def, resolved, result),
	})
	if err != nil {
		return nil, errdefs.Execution("render "+string(o.format), err)
	}

	out := &ReportResult{
		ExecutionID:  uuid.NewString(),
		DefinitionID: def.ID,
		Name:         def.Name,
		CacheKey:     key,
		Format:       o.format,
		ContentType:  o.format.ContentType(),
		Data:         data,
		RowCount:     result.RowCount,
		Parameters:   resolved,
		Rows:         result.Rows,
		Stats:        result.Stats,
		GeneratedAt:  generatedAt,
	}
	s.cache.SetWithTTL(key, out, time.Duration(def.CacheTTL))

	s.logger.Info("Report executed",
		zap.String("report_id", def.ID),
		zap.String("execution_id", out.ExecutionID),
		zap.Int("rows", out.RowCount),
		zap.Duration("duration", result.Stats.Duration))
	return out, nil
}

// RunPipeline runs a raw pipeline under the caller's scope. Results are
// not cached.
func (s *Service) RunPipeline(ctx context.Context, p *aggregation.Pipeline, sc security.Context) (*aggregation.Result, error) {
	return s.run(ctx, p, sc)
}

// Invalidate drops every cached result of one definition.
func (s *Service) Invalidate(definitionID string) int {
	removed := s.cache.DeleteByPrefix(definitionID + ":")
	if removed > 0 {
		s.logger.Debug("Report cache invalidated",
			zap.String("report_id", definitionID),
			zap.Int("entries", removed))
	}
	return removed
}

// run restricts the pipeline to the caller: the scope conditions are
// pushed to the store as a query filter, repeated as a leading match stage
// and applied to lookups.
func (s *Service) run(ctx context.Context, p *aggregation.Pipeline, sc security.Context) (*aggregation.Result, error) {
	if p == nil {
		return nil, errdefs.Validation("pipeline", "required", "pipeline is required")
	}
	schema, err := s.engine.Schemas().Get(p.Source)
	if err != nil {
		return nil, err
	}
	filter, err := records.ScopeFilter(schema, sc)
	if err != nil {
		return nil, err
	}

	scoped := p
	if len(filter) > 0 {
		conds := make(map[string]any, len(filter))
		for _, c := range filter {
			conds[c.Field] = c.Value
		}
		stages := make([]aggregation.Stage, 0, len(p.Stages)+1)
		stages = append(stages, &aggregation.MatchStage{Predicate: aggregation.Equals(conds)})
		stages = append(stages, p.Stages...)
		scoped = &aggregation.Pipeline{Source: p.Source, Stages: stages}
	}

	scope := func(object string) (records.Filter, error) {
		foreign, err := s.engine.Schemas().Get(object)
		if err != nil {
			return nil, err
		}
		return records.ScopeFilter(foreign, sc)
	}
	return s.engine.Execute(ctx, scoped, filter, aggregation.WithScope(scope))
}

// stamp returns the generation time for a fresh result, never earlier than
// the last one issued for the same key. At most Capacity keys are tracked.
func (s *Service) stamp(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if last, ok := s.lastGenerated[key]; ok && now.Before(last) {
		now = last
	}
	s.lastGenerated[key] = now
	if len(s.lastGenerated) > s.cache.Capacity() {
		s.dropOldestStampLocked(key)
	}
	return now
}

// dropOldestStampLocked forgets the key with the earliest timestamp, which
// keeps the map no larger than the cache it shadows.
func (s *Service) dropOldestStampLocked(keep string) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, t := range s.lastGenerated {
		if k == keep {
			continue
		}
		if oldestKey == "" || t.Before(oldest) {
			oldestKey, oldest = k, t
		}
	}
	delete(s.lastGenerated, oldestKey)
}

func summary(def *ReportDefinition, params map[string]any, result *aggregation.Result) map[string]any {
	out := map[string]any{"rows": result.RowCount}
	if def.Description != "" {
		out["description"] = def.Description
	}
	for name, v := range params {
		if v != nil {
			out["param."+name] = v
		}
	}
	return out
}

// =====================================================
// Cache Keys
// =====================================================

type cacheKeyInput struct {
	Definition string         `json:"definition"`
	Format     string         `json:"format"`
	Params     map[string]any `json:"params"`
	Scope      string         `json:"scope"`
}

// CacheKey hashes the definition id, output format, resolved parameters and
// caller scope with BLAKE2b-256. The key is prefixed with the definition id
// so one definition's entries can be dropped together.
func CacheKey(definitionID string, format export.Format, params map[string]any, sc security.Context) (string, error) {
	canonical, err := canonicalParams(params)
	if err != nil {
		return "", err
	}
	// encoding/json writes map keys in sorted order, which makes this
	// encoding canonical.
	payload, err := json.Marshal(cacheKeyInput{
		Definition: definitionID,
		Format:     string(format),
		Params:     canonical,
		Scope:      sc.ScopeKey(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return definitionID + ":" + hex.EncodeToString(sum[:]), nil
}

// canonicalParams normalizes values whose JSON form depends on their Go
// type, so 5, int64(5) and 5.0 hash the same.
func canonicalParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for name, v := range params {
		switch t := v.(type) {
		case nil, string, bool:
			out[name] = t
		case time.Time:
			out[name] = t.UTC().Format(time.RFC3339Nano)
		default:
			if f, ok := records.Number(v); ok {
				out[name] = f
				continue
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Join(errdefs.Validation(name, "unhashable", "parameter %q cannot be encoded", name), err)
			}
			out[name] = json.RawMessage(raw)
		}
	}
	return out, nil
}
