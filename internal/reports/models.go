package reports

import (
	"encoding/json"
	"fmt"
	"time"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/internal/reports/aggregation"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// =====================================================
// Enums and Constants
// =====================================================

// ReportCategory groups definitions in listings.
type ReportCategory string

const (
	ReportCategoryFinancial   ReportCategory = "financial"
	ReportCategoryOperational ReportCategory = "operational"
	ReportCategoryCompliance  ReportCategory = "compliance"
	ReportCategoryCustom      ReportCategory = "custom"
)

// ParameterType is the declared type of a report parameter.
type ParameterType string

const (
	ParameterTypeString  ParameterType = "string"
	ParameterTypeNumber  ParameterType = "number"
	ParameterTypeInteger ParameterType = "integer"
	ParameterTypeBoolean ParameterType = "boolean"
	ParameterTypeDate    ParameterType = "date"
	ParameterTypeSelect  ParameterType = "select"
)

// Valid reports whether t is a known parameter type.
func (t ParameterType) Valid() bool {
	switch t {
	case ParameterTypeString, ParameterTypeNumber, ParameterTypeInteger,
		ParameterTypeBoolean, ParameterTypeDate, ParameterTypeSelect:
		return true
	}
	return false
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// =====================================================
// Report Definitions
// =====================================================

// ReportParameter is one input slot of a report definition.
type ReportParameter struct {
	Name        string        `json:"name"`
	Label       string        `json:"label,omitempty"`
	Description string        `json:"description,omitempty"`
	Type        ParameterType `json:"type"`
	Required    bool          `json:"required,omitempty"`
	Default     any           `json:"default,omitempty"`
	Options     []any         `json:"options,omitempty"`
}

// Duration is a time.Duration that reads and writes Go duration strings
// ("10m") in JSON. Plain numbers are taken as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// ReportDefinition is a named, parameterized pipeline.
type ReportDefinition struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Category    ReportCategory        `json:"category,omitempty"`
	Format      export.Format         `json:"format"`
	Parameters  []ReportParameter     `json:"parameters,omitempty"`
	Pipeline    *aggregation.Pipeline `json:"pipeline"`
	Columns     []string              `json:"columns,omitempty"`
	Labels      map[string]string     `json:"labels,omitempty"`
	CacheTTL    Duration              `json:"cache_ttl,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
	CreatedAt   time.Time             `json:"created_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at,omitempty"`
}

// Parameter returns the declared parameter called name.
func (d *ReportDefinition) Parameter(name string) (*ReportParameter, bool) {
	for i := range d.Parameters {
		if d.Parameters[i].Name == name {
			return &d.Parameters[i], true
		}
	}
	return nil, false
}

// Validate checks the definition's own structure: identity, format,
// parameter declarations and that every pipeline placeholder is declared.
// Pipeline fields are checked against schemas by the engine.
func (d *ReportDefinition) Validate() error {
	if d.ID == "" {
		return errdefs.Validation("id", "required", "report id is required")
	}
	if d.Name == "" {
		return errdefs.Validation("name", "required", "report %s: name is required", d.ID)
	}
	if d.Format == "" {
		d.Format = export.FormatJSON
	}
	if !d.Format.Valid() {
		return errdefs.Validation("format", "invalid_format", "report %s: unsupported format %q", d.ID, d.Format)
	}
	if d.Pipeline == nil {
		return errdefs.Validation("pipeline", "required", "report %s: pipeline is required", d.ID)
	}
	if d.CacheTTL < 0 {
		return errdefs.Validation("cache_ttl", "invalid_ttl", "report %s: cache_ttl must not be negative", d.ID)
	}

	seen := make(map[string]bool, len(d.Parameters))
	for i, p := range d.Parameters {
		field := fmt.Sprintf("parameters[%d]", i)
		if p.Name == "" {
			return errdefs.Validation(field, "required", "report %s: parameter name is required", d.ID)
		}
		if seen[p.Name] {
			return errdefs.Validation(field, "duplicate_parameter", "report %s: parameter %q declared twice", d.ID, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return errdefs.Validation(field, "invalid_type", "report %s: parameter %q has unknown type %q", d.ID, p.Name, p.Type)
		}
		if p.Type == ParameterTypeSelect && len(p.Options) == 0 {
			return errdefs.Validation(field, "missing_options", "report %s: select parameter %q has no options", d.ID, p.Name)
		}
		if p.Default != nil {
			if _, err := coerceParameter(&p, p.Default); err != nil {
				return fmt.Errorf("report %s: default: %w", d.ID, err)
			}
		}
	}

	for _, name := range d.Pipeline.Params() {
		if !seen[name] {
			return errdefs.Validation("pipeline", "undeclared_parameter", "report %s: pipeline references undeclared parameter %q", d.ID, name)
		}
	}
	return nil
}

// =====================================================
// Report Results
// =====================================================

// ReportResult is the materialized output of one report execution. Results
// served from the cache are returned as the same value.
type ReportResult struct {
	ExecutionID  string            `json:"execution_id"`
	DefinitionID string            `json:"definition_id"`
	Name         string            `json:"name"`
	CacheKey     string            `json:"cache_key"`
	Format       export.Format     `json:"format"`
	ContentType  string            `json:"content_type"`
	Data         []byte            `json:"data"`
	RowCount     int               `json:"row_count"`
	Parameters   map[string]any    `json:"parameters,omitempty"`
	Rows         []records.Record  `json:"-"`
	Stats        aggregation.Stats `json:"stats"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// Filename suggests a download name for the payload.
func (r *ReportResult) Filename() string {
	return fmt.Sprintf("%s-%s.%s", r.DefinitionID, r.GeneratedAt.UTC().Format("20060102T150405Z"), r.Format.Extension())
}

// =====================================================
// Listing
// =====================================================

// ListOptions filters and paginates definition listings.
type ListOptions struct {
	Category   *ReportCategory `form:"category" json:"category,omitempty"`
	Format     *export.Format  `form:"format" json:"format,omitempty"`
	SearchTerm *string         `form:"search" json:"search,omitempty"`
	Page       int             `form:"page" json:"page"`
	PageSize   int             `form:"page_size" json:"page_size"`
}

func (o *ListOptions) normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = defaultPageSize
	}
	if o.PageSize > maxPageSize {
		o.PageSize = maxPageSize
	}
}

// Offset is the index of the first definition on the page.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.PageSize
}

// ReportListResponse is one page of definitions.
type ReportListResponse struct {
	Reports    []*ReportDefinition `json:"reports"`
	TotalCount int                 `json:"total_count"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
	HasMore    bool                `json:"has_more"`
}

// ExecuteReportRequest is the body of POST /reports/:id/execute.
type ExecuteReportRequest struct {
	Parameters map[string]any `json:"parameters"`
	// Format overrides the definition's output format.
	Format export.Format `json:"format,omitempty"`
}
