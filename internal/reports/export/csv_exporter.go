package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"carbon-scribe/analytics-engine/internal/records"
)

// CSVOptions configures CSV export behavior
type CSVOptions struct {
	Delimiter       rune   `json:"delimiter"`
	UseCRLF         bool   `json:"use_crlf"`
	IncludeHeader   bool   `json:"include_header"`
	DateFormat      string `json:"date_format"`
	TimestampFormat string `json:"timestamp_format"`
	NumberFormat    string `json:"number_format"` // e.g. "%.2f"
	NullValue       string `json:"null_value"`
	BoolTrueValue   string `json:"bool_true_value"`
	BoolFalseValue  string `json:"bool_false_value"`
}

// DefaultCSVOptions returns default CSV export options
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Delimiter:       ',',
		IncludeHeader:   true,
		DateFormat:      "2006-01-02",
		TimestampFormat: time.RFC3339,
		BoolTrueValue:   "true",
		BoolFalseValue:  "false",
	}
}

// CSVExporter writes report rows as delimited text.
type CSVExporter struct {
	writer  *csv.Writer
	options CSVOptions
	columns []string
	rows    int
}

// NewCSVExporter creates an exporter and writes the header row.
func NewCSVExporter(w io.Writer, options CSVOptions, columns, labels []string) (*CSVExporter, error) {
	writer := csv.NewWriter(w)
	if options.Delimiter != 0 {
		writer.Comma = options.Delimiter
	}
	writer.UseCRLF = options.UseCRLF

	e := &CSVExporter{writer: writer, options: options, columns: columns}
	if options.IncludeHeader {
		if err := writer.Write(labels); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}
	return e, nil
}

// WriteRows writes rows in column order. Absent fields become NullValue.
func (e *CSVExporter) WriteRows(rows []records.Record) error {
	record := make([]string, len(e.columns))
	for _, row := range rows {
		for i, col := range e.columns {
			val, ok := row[col]
			if !ok {
				record[i] = e.options.NullValue
				continue
			}
			record[i] = e.formatValue(val)
		}
		if err := e.writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		e.rows++
	}
	return nil
}

// Flush writes any buffered data to the underlying writer
func (e *CSVExporter) Flush() error {
	e.writer.Flush()
	return e.writer.Error()
}

// RowCount returns the number of rows written
func (e *CSVExporter) RowCount() int { return e.rows }

// RenderCSV renders a whole document.
func RenderCSV(doc *Document, options CSVOptions) ([]byte, error) {
	var buf bytes.Buffer
	labels := make([]string, len(doc.Columns))
	for i, c := range doc.Columns {
		labels[i] = doc.label(c)
	}
	e, err := NewCSVExporter(&buf, options, doc.Columns, labels)
	if err != nil {
		return nil, err
	}
	if err := e.WriteRows(doc.Rows); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// formatValue formats a value for CSV output
func (e *CSVExporter) formatValue(val any) string {
	if val == nil {
		return e.options.NullValue
	}

	switch v := val.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		if e.options.NumberFormat != "" {
			return fmt.Sprintf(e.options.NumberFormat, v)
		}
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		if e.options.NumberFormat != "" {
			return fmt.Sprintf(e.options.NumberFormat, v)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case decimal.Decimal:
		return v.String()
	case bool:
		if v {
			return e.options.BoolTrueValue
		}
		return e.options.BoolFalseValue
	case time.Time:
		if v.IsZero() {
			return e.options.NullValue
		}
		// Midnight values are dates.
		if v.Hour() != 0 || v.Minute() != 0 || v.Second() != 0 {
			return v.Format(e.options.TimestampFormat)
		}
		return v.Format(e.options.DateFormat)
	case []byte:
		return string(v)
	case records.Record, map[string]any, []any:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(out)
	default:
		return fmt.Sprintf("%v", v)
	}
}
