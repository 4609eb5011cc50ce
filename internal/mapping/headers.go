// Package mapping turns OCR tables into products: one LLM call proposes a
// column-index mapping for the whole document, then every table's rows are
// read through that mapping.
package mapping

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// HeaderCell is one header-tagged cell of the document.
type HeaderCell struct {
	Table  int    `json:"table"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}

// CollectHeaders gathers every header cell across all tables, ordered by
// table then column. Header text is NFKC-normalized with whitespace
// collapsed.
func CollectHeaders(tables []model.Table) []HeaderCell {
	var out []HeaderCell
	for ti, t := range tables {
		for _, c := range t.Cells {
			if c.Kind != model.CellHeader {
				continue
			}
			out = append(out, HeaderCell{Table: ti, Column: c.Column, Text: normalizeHeader(c.Content)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Column < out[j].Column
	})
	return out
}

func normalizeHeader(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// HeaderColumn groups the header texts seen at one column index.
type HeaderColumn struct {
	Column int
	Texts  []string
	Tables []int
}

// GroupByColumn merges header cells that share a column index. Texts that
// differ only by case are listed once, keeping the first spelling.
func GroupByColumn(headers []HeaderCell) []HeaderColumn {
	folder := cases.Fold()
	byCol := map[int]*HeaderColumn{}
	seen := map[int]map[string]bool{}
	var order []int
	for _, h := range headers {
		col, ok := byCol[h.Column]
		if !ok {
			col = &HeaderColumn{Column: h.Column}
			byCol[h.Column] = col
			seen[h.Column] = map[string]bool{}
			order = append(order, h.Column)
		}
		if n := len(col.Tables); n == 0 || col.Tables[n-1] != h.Table {
			col.Tables = append(col.Tables, h.Table)
		}
		if h.Text == "" {
			continue
		}
		key := folder.String(h.Text)
		if !seen[h.Column][key] {
			seen[h.Column][key] = true
			col.Texts = append(col.Texts, h.Text)
		}
	}
	sort.Ints(order)
	out := make([]HeaderColumn, 0, len(order))
	for _, c := range order {
		out = append(out, *byCol[c])
	}
	return out
}

// columnSet returns the column indexes that carry a header.
func columnSet(headers []HeaderCell) map[int]bool {
	set := make(map[int]bool, len(headers))
	for _, h := range headers {
		set[h.Column] = true
	}
	return set
}
