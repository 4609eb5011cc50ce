package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// CellKind tags an OCR table cell as a column header or body content.
type CellKind string

const (
	CellHeader  CellKind = "header"
	CellContent CellKind = "content"
)

// ParseCellKind maps the kind strings OCR engines emit onto CellKind.
// "columnHeader" is accepted as an alias for header.
func ParseCellKind(s string) (CellKind, error) {
	switch s {
	case "header", "columnHeader":
		return CellHeader, nil
	case "content", "":
		return CellContent, nil
	default:
		return "", eris.Wrapf(ErrValidation, "unknown cell kind %q", s)
	}
}

// Cell is one positioned cell of an OCR table.
type Cell struct {
	Row     int      `json:"row"`
	Column  int      `json:"column"`
	Kind    CellKind `json:"kind"`
	Content string   `json:"content"`
}

// UnmarshalJSON rejects cells with unknown kinds or negative coordinates.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var raw struct {
		Row     int    `json:"row"`
		Column  int    `json:"column"`
		Kind    string `json:"kind"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := ParseCellKind(raw.Kind)
	if err != nil {
		return err
	}
	if raw.Row < 0 || raw.Column < 0 {
		return eris.Wrapf(ErrValidation, "cell coordinates must be non-negative (row=%d, column=%d)", raw.Row, raw.Column)
	}
	*c = Cell{Row: raw.Row, Column: raw.Column, Kind: kind, Content: raw.Content}
	return nil
}

// Table is a flat list of cells.
type Table struct {
	Cells []Cell `json:"cells"`
}

// RowCount returns the maximum content row index plus one, or 0 when the
// table has no content cells.
func (t Table) RowCount() int {
	n := 0
	for _, c := range t.Cells {
		if c.Kind == CellContent && c.Row+1 > n {
			n = c.Row + 1
		}
	}
	return n
}

// Grid indexes a table's content cells by position. ContentAt scans every
// cell, so code reading a whole table builds a Grid once instead.
type Grid struct {
	cells map[[2]int]string
	rows  int
}

// Grid builds the position index. When two content cells share a position
// the first one wins, as with ContentAt.
func (t Table) Grid() Grid {
	g := Grid{cells: make(map[[2]int]string, len(t.Cells))}
	for _, c := range t.Cells {
		if c.Kind != CellContent {
			continue
		}
		key := [2]int{c.Row, c.Column}
		if _, ok := g.cells[key]; !ok {
			g.cells[key] = c.Content
		}
		if c.Row+1 > g.rows {
			g.rows = c.Row + 1
		}
	}
	return g
}

// RowCount matches Table.RowCount.
func (g Grid) RowCount() int { return g.rows }

// At returns the content cell at (row, column).
func (g Grid) At(row, column int) (string, bool) {
	s, ok := g.cells[[2]int{row, column}]
	return s, ok
}

// ContentAt returns the content cell at (row, column).
func (t Table) ContentAt(row, column int) (string, bool) {
	for _, c := range t.Cells {
		if c.Kind == CellContent && c.Row == row && c.Column == column {
			return c.Content, true
		}
	}
	return "", false
}
