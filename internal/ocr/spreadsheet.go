package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// SpreadsheetAnalyzer reads xlsx vendor catalogs directly. Each non-empty
// sheet becomes one table whose first row is the header row.
type SpreadsheetAnalyzer struct{}

// NewSpreadsheetAnalyzer creates a SpreadsheetAnalyzer.
func NewSpreadsheetAnalyzer() *SpreadsheetAnalyzer { return &SpreadsheetAnalyzer{} }

// Name implements Analyzer.
func (s *SpreadsheetAnalyzer) Name() string { return "xlsx" }

// Analyze parses doc.Data as an xlsx workbook.
func (s *SpreadsheetAnalyzer) Analyze(ctx context.Context, doc Document) (*model.OCRPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := xlsx.OpenBinary(doc.Data)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: open xlsx")
	}

	var (
		text   strings.Builder
		tables = []model.Table{}
	)
	for _, sheet := range f.Sheets {
		var rows [][]string
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := rowToStrings(row)
			if isBlank(cells) {
				continue
			}
			rows = append(rows, cells)
			text.WriteString(strings.Join(cells, "\t"))
			text.WriteByte('\n')
		}
		if len(rows) > 0 {
			tables = append(tables, tableFromRows(rows))
		}
	}

	return &model.OCRPayload{
		Text:       text.String(),
		Tables:     tables,
		PageCount:  1,
		Confidence: 1.0,
	}, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
