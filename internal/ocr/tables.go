package ocr

import (
	"regexp"
	"strings"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// tableFromRows builds a table whose first row is the header row. Empty
// cells are kept so column indexes stay aligned.
func tableFromRows(rows [][]string) model.Table {
	t := model.Table{Cells: []model.Cell{}}
	for r, row := range rows {
		kind := model.CellContent
		if r == 0 {
			kind = model.CellHeader
		}
		for c, text := range row {
			t.Cells = append(t.Cells, model.Cell{
				Row:     r,
				Column:  c,
				Kind:    kind,
				Content: strings.TrimSpace(text),
			})
		}
	}
	return t
}

var markdownDelimRow = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)

// parseMarkdownTables extracts GitHub-style pipe tables. A table is a header
// line, a delimiter line, then body lines until the first line without a
// pipe.
func parseMarkdownTables(md string) []model.Table {
	lines := strings.Split(md, "\n")
	var tables []model.Table
	for i := 0; i+1 < len(lines); i++ {
		header := strings.TrimSpace(lines[i])
		if !strings.Contains(header, "|") || !markdownDelimRow.MatchString(strings.TrimSpace(lines[i+1])) {
			continue
		}
		rows := [][]string{splitPipeRow(header)}
		j := i + 2
		for ; j < len(lines); j++ {
			line := strings.TrimSpace(lines[j])
			if !strings.Contains(line, "|") {
				break
			}
			rows = append(rows, splitPipeRow(line))
		}
		tables = append(tables, tableFromRows(rows))
		i = j - 1
	}
	return tables
}

func splitPipeRow(line string) []string {
	line = strings.TrimPrefix(strings.TrimSpace(line), "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

var layoutGap = regexp.MustCompile(`\s{2,}`)

// parseLayoutTables groups runs of pdftotext -layout lines that split into
// the same number (at least minColumns) of whitespace-separated columns.
// Each run of at least two lines becomes a table.
func parseLayoutTables(text string, minColumns int) []model.Table {
	var (
		tables []model.Table
		run    [][]string
	)
	flush := func() {
		if len(run) >= 2 {
			tables = append(tables, tableFromRows(run))
		}
		run = nil
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.ReplaceAll(raw, "\f", ""))
		if line == "" {
			flush()
			continue
		}
		cols := layoutGap.Split(line, -1)
		if len(cols) < minColumns || (len(run) > 0 && len(cols) != len(run[0])) {
			flush()
			if len(cols) >= minColumns {
				run = append(run, cols)
			}
			continue
		}
		run = append(run, cols)
	}
	flush()
	return tables
}
