package export

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"
)

// PDFOptions configures PDF generation
type PDFOptions struct {
	PageSize       string     `json:"page_size"`   // A4, Letter, Legal
	Orientation    string     `json:"orientation"` // portrait, landscape
	Title          string     `json:"title"`
	DateFormat     string     `json:"date_format"`
	IncludePageNum bool       `json:"include_page_num"`
	HeaderColor    PDFColor   `json:"header_color"`
	AlternateRows  bool       `json:"alternate_rows"`
	AlternateColor PDFColor   `json:"alternate_color"`
	FontFamily     string     `json:"font_family"`
	FontSize       float64    `json:"font_size"`
	HeaderFontSize float64    `json:"header_font_size"`
	TitleFontSize  float64    `json:"title_font_size"`
	Margins        PDFMargins `json:"margins"`
}

// PDFColor represents an RGB color
type PDFColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// PDFMargins represents page margins
type PDFMargins struct {
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// DefaultPDFOptions returns default PDF options
func DefaultPDFOptions() PDFOptions {
	return PDFOptions{
		PageSize:       "A4",
		Orientation:    "landscape",
		Title:          "Report",
		DateFormat:     "2006-01-02 15:04:05",
		IncludePageNum: true,
		HeaderColor:    PDFColor{R: 68, G: 114, B: 196},
		AlternateRows:  true,
		AlternateColor: PDFColor{R: 242, G: 242, B: 242},
		FontFamily:     "Arial",
		FontSize:       9,
		HeaderFontSize: 10,
		TitleFontSize:  16,
		Margins:        PDFMargins{Left: 15, Right: 15, Top: 20, Bottom: 20},
	}
}

// PDFGenerator renders a document as a paginated table.
type PDFGenerator struct {
	pdf     *gofpdf.Fpdf
	options PDFOptions
}

// NewPDFGenerator creates a new PDF generator
func NewPDFGenerator(options PDFOptions) *PDFGenerator {
	orientation := "P"
	if options.Orientation == "landscape" {
		orientation = "L"
	}

	pdf := gofpdf.New(orientation, "mm", options.PageSize, "")
	pdf.SetMargins(options.Margins.Left, options.Margins.Top, options.Margins.Right)
	pdf.SetAutoPageBreak(true, options.Margins.Bottom)

	g := &PDFGenerator{pdf: pdf, options: options}
	g.setFooter()
	return g
}

// Generate lays out the title, summary and table.
func (g *PDFGenerator) Generate(doc *Document) error {
	// Fixed creation date keeps output stable for the same document.
	g.pdf.SetCreationDate(doc.GeneratedAt)
	g.pdf.SetModificationDate(doc.GeneratedAt)
	g.pdf.SetTitle(g.options.Title, true)
	g.pdf.AddPage()

	g.pdf.SetFont(g.options.FontFamily, "B", g.options.TitleFontSize)
	g.pdf.SetTextColor(0, 0, 0)
	g.pdf.CellFormat(0, 10, g.options.Title, "", 1, "C", false, 0, "")

	g.pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
	g.pdf.SetTextColor(128, 128, 128)
	generated := fmt.Sprintf("Generated: %s  |  Rows: %d", doc.GeneratedAt.Format(g.options.DateFormat), len(doc.Rows))
	g.pdf.CellFormat(0, 6, generated, "", 1, "R", false, 0, "")

	if len(doc.Summary) > 0 {
		g.addSummary(doc.Summary)
	}
	g.pdf.Ln(4)

	if len(doc.Columns) == 0 {
		return g.pdf.Error()
	}
	labels := make([]string, len(doc.Columns))
	for i, c := range doc.Columns {
		labels[i] = doc.label(c)
	}
	widths := g.columnWidths(doc, labels)
	g.addTableHeader(labels, widths)
	g.addTableData(doc, labels, widths)
	return g.pdf.Error()
}

// Bytes returns the rendered PDF.
func (g *PDFGenerator) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := g.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPDF renders a whole document.
func RenderPDF(doc *Document, options PDFOptions) ([]byte, error) {
	g := NewPDFGenerator(options)
	if err := g.Generate(doc); err != nil {
		return nil, fmt.Errorf("failed to lay out pdf: %w", err)
	}
	return g.Bytes()
}

func (g *PDFGenerator) addSummary(items map[string]any) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	g.pdf.Ln(4)
	g.pdf.SetTextColor(0, 0, 0)
	for _, k := range keys {
		g.pdf.SetFont(g.options.FontFamily, "B", g.options.FontSize)
		g.pdf.CellFormat(60, 6, k+":", "", 0, "L", false, 0, "")
		g.pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
		g.pdf.CellFormat(0, 6, g.formatValue(items[k]), "", 1, "L", false, 0, "")
	}
}

// columnWidths sizes columns to their content and scales them to the page.
func (g *PDFGenerator) columnWidths(doc *Document, labels []string) []float64 {
	pageWidth, _ := g.pdf.GetPageSize()
	available := pageWidth - g.options.Margins.Left - g.options.Margins.Right

	widths := make([]float64, len(labels))
	g.pdf.SetFont(g.options.FontFamily, "B", g.options.HeaderFontSize)
	for i, label := range labels {
		widths[i] = g.pdf.GetStringWidth(label) + 4
	}

	g.pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
	sample := doc.Rows
	if len(sample) > 100 {
		sample = sample[:100]
	}
	for _, row := range sample {
		for i, col := range doc.Columns {
			if w := g.pdf.GetStringWidth(g.formatValue(row[col])) + 4; w > widths[i] {
				widths[i] = w
			}
		}
	}

	total := 0.0
	for _, w := range widths {
		total += w
	}
	if total > available {
		scale := available / total
		for i := range widths {
			widths[i] *= scale
		}
	}
	return widths
}

func (g *PDFGenerator) addTableHeader(labels []string, widths []float64) {
	g.pdf.SetFont(g.options.FontFamily, "B", g.options.HeaderFontSize)
	g.pdf.SetFillColor(g.options.HeaderColor.R, g.options.HeaderColor.G, g.options.HeaderColor.B)
	g.pdf.SetTextColor(255, 255, 255)
	for i, label := range labels {
		g.pdf.CellFormat(widths[i], 8, label, "1", 0, "C", true, 0, "")
	}
	g.pdf.Ln(-1)
}

func (g *PDFGenerator) addTableData(doc *Document, labels []string, widths []float64) {
	g.pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
	g.pdf.SetTextColor(0, 0, 0)
	_, pageHeight := g.pdf.GetPageSize()

	for i, row := range doc.Rows {
		if g.options.AlternateRows && i%2 == 1 {
			g.pdf.SetFillColor(g.options.AlternateColor.R, g.options.AlternateColor.G, g.options.AlternateColor.B)
		} else {
			g.pdf.SetFillColor(255, 255, 255)
		}

		if g.pdf.GetY()+8 > pageHeight-g.options.Margins.Bottom {
			g.pdf.AddPage()
			g.addTableHeader(labels, widths)
			g.pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
			g.pdf.SetTextColor(0, 0, 0)
		}

		for j, col := range doc.Columns {
			g.pdf.CellFormat(widths[j], 7, truncate(g.formatValue(row[col]), int(widths[j]/2)), "1", 0, "L", true, 0, "")
		}
		g.pdf.Ln(-1)
	}
}

func truncate(s string, maxChars int) string {
	if maxChars < 4 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars-3] + "..."
}

// formatValue formats a value for display
func (g *PDFGenerator) formatValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case time.Time:
		if v.IsZero() {
			return ""
		}
		return v.Format(g.options.DateFormat)
	case float64:
		return fmt.Sprintf("%.2f", v)
	case float32:
		return fmt.Sprintf("%.2f", v)
	case decimal.Decimal:
		return v.StringFixed(2)
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (g *PDFGenerator) setFooter() {
	g.pdf.SetFooterFunc(func() {
		if !g.options.IncludePageNum {
			return
		}
		g.pdf.SetY(-15)
		g.pdf.SetFont(g.options.FontFamily, "", 8)
		g.pdf.SetTextColor(128, 128, 128)
		g.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", g.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}
