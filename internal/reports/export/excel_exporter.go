package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"carbon-scribe/analytics-engine/internal/records"
)

// ExcelOptions configures Excel export behavior
type ExcelOptions struct {
	SheetName    string            `json:"sheet_name"`
	FreezeHeader bool              `json:"freeze_header"`
	AutoFilter   bool              `json:"auto_filter"`
	NumberFormat string            `json:"number_format"`
	HeaderStyle  *ExcelStyleConfig `json:"header_style,omitempty"`
	AutoWidth    bool              `json:"auto_width"`
}

// ExcelStyleConfig defines style for cells
type ExcelStyleConfig struct {
	FontBold  bool   `json:"font_bold"`
	FontSize  int    `json:"font_size"`
	FontColor string `json:"font_color"`
	FillColor string `json:"fill_color"`
	Alignment string `json:"alignment"` // left, center, right
	Border    bool   `json:"border"`
}

// DefaultExcelOptions returns default Excel export options
func DefaultExcelOptions() ExcelOptions {
	return ExcelOptions{
		SheetName:    "Report",
		FreezeHeader: true,
		AutoFilter:   true,
		NumberFormat: "#,##0.00",
		AutoWidth:    true,
		HeaderStyle: &ExcelStyleConfig{
			FontBold:  true,
			FontSize:  11,
			FillColor: "4472C4",
			FontColor: "FFFFFF",
			Alignment: "center",
			Border:    true,
		},
	}
}

// ExcelExporter writes report rows into a single-sheet workbook.
type ExcelExporter struct {
	file    *excelize.File
	options ExcelOptions

	numberStyle int
	dateStyle   int
}

// NewExcelExporter creates a workbook with the configured sheet.
func NewExcelExporter(options ExcelOptions) (*ExcelExporter, error) {
	file := excelize.NewFile()
	if err := file.SetSheetName("Sheet1", options.SheetName); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	e := &ExcelExporter{file: file, options: options}

	dateStyle, err := file.NewStyle(&excelize.Style{NumFmt: 14})
	if err != nil {
		return nil, fmt.Errorf("failed to create date style: %w", err)
	}
	e.dateStyle = dateStyle
	if options.NumberFormat != "" {
		numberFormat := options.NumberFormat
		numberStyle, err := file.NewStyle(&excelize.Style{CustomNumFmt: &numberFormat})
		if err != nil {
			return nil, fmt.Errorf("failed to create number style: %w", err)
		}
		e.numberStyle = numberStyle
	}
	return e, nil
}

// WriteHeader writes the header row with styling
func (e *ExcelExporter) WriteHeader(labels []string) error {
	sheet := e.options.SheetName

	headerStyleID := 0
	if e.options.HeaderStyle != nil {
		style, err := e.createStyle(e.options.HeaderStyle)
		if err != nil {
			return fmt.Errorf("failed to create header style: %w", err)
		}
		headerStyleID = style
	}

	for i, label := range labels {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := e.file.SetCellValue(sheet, cell, label); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		if headerStyleID > 0 {
			if err := e.file.SetCellStyle(sheet, cell, cell, headerStyleID); err != nil {
				return fmt.Errorf("failed to style header: %w", err)
			}
		}
	}

	if e.options.FreezeHeader {
		return e.file.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		})
	}
	return nil
}

// WriteRows writes data rows below the header.
func (e *ExcelExporter) WriteRows(rows []records.Record, columns []string) error {
	sheet := e.options.SheetName
	widths := make([]float64, len(columns))
	for i, col := range columns {
		widths[i] = float64(len(col)) * 1.2
	}

	for rowIdx, row := range rows {
		for colIdx, col := range columns {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			val := row[col]
			if err := e.setCellValue(sheet, cell, val); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
			if w := estimateCellWidth(val); w > widths[colIdx] {
				widths[colIdx] = w
			}
		}
	}

	if e.options.AutoFilter && len(columns) > 0 && len(rows) > 0 {
		lastCol, _ := excelize.CoordinatesToCellName(len(columns), 1)
		if err := e.file.AutoFilter(sheet, "A1:"+lastCol, nil); err != nil {
			return fmt.Errorf("failed to add auto filter: %w", err)
		}
	}

	if e.options.AutoWidth {
		for colIdx, width := range widths {
			colName, _ := excelize.ColumnNumberToName(colIdx + 1)
			width = min(max(width, 10), 50)
			if err := e.file.SetColWidth(sheet, colName, colName, width); err != nil {
				return fmt.Errorf("failed to size column %s: %w", colName, err)
			}
		}
	}
	return nil
}

// Bytes returns the workbook contents.
func (e *ExcelExporter) Bytes() ([]byte, error) {
	buf, err := e.file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Close closes the Excel file
func (e *ExcelExporter) Close() error {
	return e.file.Close()
}

// RenderExcel renders a whole document.
func RenderExcel(doc *Document, options ExcelOptions) ([]byte, error) {
	e, err := NewExcelExporter(options)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	labels := make([]string, len(doc.Columns))
	for i, c := range doc.Columns {
		labels[i] = doc.label(c)
	}
	if err := e.WriteHeader(labels); err != nil {
		return nil, err
	}
	if err := e.WriteRows(doc.Rows, doc.Columns); err != nil {
		return nil, err
	}
	return e.Bytes()
}

// createStyle creates an Excel style from config
func (e *ExcelExporter) createStyle(config *ExcelStyleConfig) (int, error) {
	style := &excelize.Style{
		Font: &excelize.Font{Bold: config.FontBold, Size: float64(config.FontSize), Color: config.FontColor},
	}
	if config.FillColor != "" {
		style.Fill = excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{config.FillColor}}
	}
	if config.Alignment != "" {
		style.Alignment = &excelize.Alignment{Horizontal: config.Alignment}
	}
	if config.Border {
		style.Border = []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		}
	}
	return e.file.NewStyle(style)
}

// setCellValue sets a cell value with appropriate formatting
func (e *ExcelExporter) setCellValue(sheet, cell string, val any) error {
	switch v := val.(type) {
	case nil:
		return nil
	case time.Time:
		if v.IsZero() {
			return nil
		}
		if err := e.file.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
		return e.file.SetCellStyle(sheet, cell, cell, e.dateStyle)
	case float32, float64:
		if err := e.file.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
		if e.numberStyle > 0 {
			return e.file.SetCellStyle(sheet, cell, cell, e.numberStyle)
		}
		return nil
	case decimal.Decimal:
		return e.setCellValue(sheet, cell, v.InexactFloat64())
	case records.Record, map[string]any, []any:
		out, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return e.file.SetCellValue(sheet, cell, string(out))
	default:
		return e.file.SetCellValue(sheet, cell, v)
	}
}

// estimateCellWidth estimates the display width of a cell value
func estimateCellWidth(val any) float64 {
	if val == nil {
		return 0
	}
	return float64(len(fmt.Sprintf("%v", val))) * 1.2
}
