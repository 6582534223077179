package dashboard

import (
	"fmt"
	"time"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/internal/reports/aggregation"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// WidgetType is the visual kind of a widget. The engine does not render
// widgets; the type is passed through to clients.
type WidgetType string

const (
	WidgetTypeMetric    WidgetType = "metric"
	WidgetTypeTable     WidgetType = "table"
	WidgetTypeBarChart  WidgetType = "bar_chart"
	WidgetTypeLineChart WidgetType = "line_chart"
	WidgetTypePieChart  WidgetType = "pie_chart"
	WidgetTypeList      WidgetType = "list"
)

// Position is the top-left grid cell of a widget, zero based.
type Position struct {
	Column int `json:"column"`
	Row    int `json:"row"`
}

// Size is a widget's extent in grid cells. Zero values mean 1.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) normalized() Size {
	return Size{Width: max(s.Width, 1), Height: max(s.Height, 1)}
}

// Widget is one tile on a dashboard, backed by either a report or a raw
// pipeline.
type Widget struct {
	ID         string                `json:"id"`
	Title      string                `json:"title,omitempty"`
	Type       WidgetType            `json:"type"`
	Size       Size                  `json:"size"`
	Position   Position              `json:"position"`
	ReportID   string                `json:"report_id,omitempty"`
	Parameters map[string]any        `json:"parameters,omitempty"`
	Pipeline   *aggregation.Pipeline `json:"pipeline,omitempty"`
}

// Definition is a named grid of widgets.
type Definition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     int      `json:"columns"`
	Rows        int      `json:"rows"`
	Widgets     []Widget `json:"widgets"`
}

// validateLayout checks identity, the one-backing rule, grid bounds and
// that no two widgets share a cell.
func (d *Definition) validateLayout() error {
	if d.ID == "" {
		return errdefs.Validation("id", "required", "dashboard id is required")
	}
	if d.Columns <= 0 || d.Rows <= 0 {
		return errdefs.Validation("columns", "invalid_bounds", "dashboard %s: grid must have positive columns and rows", d.ID)
	}

	occupied := make(map[Position]string)
	seen := make(map[string]bool, len(d.Widgets))
	for i, w := range d.Widgets {
		field := fmt.Sprintf("widgets[%d]", i)
		if w.ID == "" {
			return errdefs.Validation(field, "required", "dashboard %s: widget id is required", d.ID)
		}
		if seen[w.ID] {
			return errdefs.Validation(field, "duplicate_widget", "dashboard %s: widget %q declared twice", d.ID, w.ID)
		}
		seen[w.ID] = true

		if (w.ReportID == "") == (w.Pipeline == nil) {
			return errdefs.Validation(field, "invalid_backing", "dashboard %s: widget %q needs exactly one of report_id or pipeline", d.ID, w.ID)
		}

		size := w.Size.normalized()
		if w.Size.Width < 0 || w.Size.Height < 0 || w.Position.Column < 0 || w.Position.Row < 0 ||
			w.Position.Column+size.Width > d.Columns || w.Position.Row+size.Height > d.Rows {
			return errdefs.Validation(field, "out_of_bounds", "dashboard %s: widget %q does not fit the %dx%d grid", d.ID, w.ID, d.Columns, d.Rows)
		}

		for dy := 0; dy < size.Height; dy++ {
			for dx := 0; dx < size.Width; dx++ {
				cell := Position{Column: w.Position.Column + dx, Row: w.Position.Row + dy}
				if other, taken := occupied[cell]; taken {
					return errdefs.Validation(field, "overlap", "dashboard %s: widgets %q and %q overlap at column %d row %d",
						d.ID, other, w.ID, cell.Column, cell.Row)
				}
				occupied[cell] = w.ID
			}
		}
	}
	return nil
}

// =====================================================
// Resolution Payload
// =====================================================

// WidgetStatus reports whether a widget resolved.
type WidgetStatus string

const (
	WidgetStatusOK    WidgetStatus = "ok"
	WidgetStatusError WidgetStatus = "error"
)

// WidgetError is the embedded failure marker of one widget.
type WidgetError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WidgetData is the resolved content of a widget.
type WidgetData struct {
	Rows        []records.Record `json:"rows"`
	RowCount    int              `json:"row_count"`
	GeneratedAt *time.Time       `json:"generated_at,omitempty"`
}

// WidgetResult is one widget of a resolved dashboard.
type WidgetResult struct {
	ID       string       `json:"id"`
	Title    string       `json:"title,omitempty"`
	Type     WidgetType   `json:"type"`
	Size     Size         `json:"size"`
	Position Position     `json:"position"`
	Status   WidgetStatus `json:"status"`
	Data     *WidgetData  `json:"data,omitempty"`
	Error    *WidgetError `json:"error,omitempty"`
}

// Layout is a resolved dashboard. Widgets are in row-major grid order.
// Partial is set when the call was cancelled and unfinished widgets were
// left out.
type Layout struct {
	DashboardID string         `json:"dashboard_id"`
	Name        string         `json:"name"`
	Columns     int            `json:"columns"`
	Rows        int            `json:"rows"`
	Widgets     []WidgetResult `json:"widgets"`
	Partial     bool           `json:"partial,omitempty"`
	ResolvedAt  time.Time      `json:"resolved_at"`
}
