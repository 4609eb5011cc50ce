package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/model"
)

func TestCollectHeaders(t *testing.T) {
	t1 := model.Table{Cells: []model.Cell{
		{Row: 0, Column: 1, Kind: model.CellHeader, Content: "Product\n  Name"},
		{Row: 0, Column: 0, Kind: model.CellHeader, Content: "ＳＫＵ"},
		{Row: 1, Column: 0, Kind: model.CellContent, Content: "A1"},
	}}
	t2 := model.Table{Cells: []model.Cell{
		{Row: 0, Column: 0, Kind: model.CellHeader, Content: "sku"},
	}}

	headers := CollectHeaders([]model.Table{t1, t2})
	require.Len(t, headers, 3)
	assert.Equal(t, HeaderCell{Table: 0, Column: 0, Text: "SKU"}, headers[0], "full-width letters fold to ASCII")
	assert.Equal(t, HeaderCell{Table: 0, Column: 1, Text: "Product Name"}, headers[1])
	assert.Equal(t, HeaderCell{Table: 1, Column: 0, Text: "sku"}, headers[2])
}

func TestCollectHeaders_NoHeaders(t *testing.T) {
	table := model.Table{Cells: []model.Cell{{Row: 1, Column: 0, Kind: model.CellContent, Content: "x"}}}
	assert.Empty(t, CollectHeaders([]model.Table{table}))
	assert.Empty(t, CollectHeaders(nil))
}

func TestGroupByColumn(t *testing.T) {
	headers := []HeaderCell{
		{Table: 0, Column: 0, Text: "SKU"},
		{Table: 0, Column: 2, Text: ""},
		{Table: 1, Column: 0, Text: "sku"},
		{Table: 1, Column: 0, Text: "Item #"},
		{Table: 2, Column: 2, Text: "Price"},
	}
	cols := GroupByColumn(headers)
	require.Len(t, cols, 2)
	assert.Equal(t, 0, cols[0].Column)
	assert.Equal(t, []string{"SKU", "Item #"}, cols[0].Texts)
	assert.Equal(t, []int{0, 1}, cols[0].Tables)
	assert.Equal(t, []string{"Price"}, cols[1].Texts)
	assert.Equal(t, []int{0, 2}, cols[1].Tables)
}

func TestBuildPrompt(t *testing.T) {
	headers := []HeaderCell{
		{Table: 0, Column: 0, Text: "SKU"},
		{Table: 0, Column: 1, Text: ""},
	}
	p := BuildPrompt(headers, "prices are per case", "ACME SUPPLY CO\nSpring 2026")
	assert.Contains(t, p, "- column 0: SKU (tables 0)")
	assert.Contains(t, p, "- column 1: (blank) (tables 0)")
	assert.Contains(t, p, "Vendor notes:\nprices are per case")
	assert.Contains(t, p, "Document excerpt:\nACME SUPPLY CO")

	bare := BuildPrompt(headers, "  ", "")
	assert.NotContains(t, bare, "Vendor notes")
	assert.NotContains(t, bare, "Document excerpt")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "a", truncate("aé", 2), "never splits a rune")
}
