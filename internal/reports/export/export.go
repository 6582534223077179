// Package export renders report rows into the supported output formats.
package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"carbon-scribe/analytics-engine/internal/records"
)

// Format is a report output format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatPDF   Format = "pdf"
)

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatExcel, FormatPDF:
		return true
	}
	return false
}

// ContentType returns the MIME type of the rendered payload.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}

// Extension returns the file extension for the format, without a dot.
func (f Format) Extension() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatExcel:
		return "xlsx"
	case FormatPDF:
		return "pdf"
	default:
		return "json"
	}
}

// Document is the input to a renderer.
type Document struct {
	Title       string
	Columns     []string
	Labels      map[string]string
	Rows        []records.Record
	GeneratedAt time.Time
	Summary     map[string]any
}

// Render encodes doc in the given format.
func Render(format Format, doc *Document) ([]byte, error) {
	if len(doc.Columns) == 0 {
		doc.Columns = Columns(doc.Rows)
	}
	switch format {
	case FormatJSON:
		return renderJSON(doc)
	case FormatCSV:
		return RenderCSV(doc, DefaultCSVOptions())
	case FormatExcel:
		return RenderExcel(doc, DefaultExcelOptions())
	case FormatPDF:
		opts := DefaultPDFOptions()
		if doc.Title != "" {
			opts.Title = doc.Title
		}
		return RenderPDF(doc, opts)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// Columns derives a column order from rows: each row's keys sorted, in
// order of first appearance across rows.
func Columns(rows []records.Record) []string {
	var columns []string
	seen := map[string]bool{}
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	return columns
}

func (d *Document) label(column string) string {
	if l, ok := d.Labels[column]; ok && l != "" {
		return l
	}
	return column
}

func renderJSON(doc *Document) ([]byte, error) {
	rows := doc.Rows
	if rows == nil {
		rows = []records.Record{}
	}
	payload := struct {
		Columns  []string         `json:"columns"`
		Rows     []records.Record `json:"rows"`
		RowCount int              `json:"row_count"`
	}{doc.Columns, rows, len(rows)}
	if payload.Columns == nil {
		payload.Columns = []string{}
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json report: %w", err)
	}
	return out, nil
}
