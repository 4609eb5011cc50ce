package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/model"
)

func TestParseResponse(t *testing.T) {
	cols, vendor, err := ParseResponse("```json\n{\"sku\": 0, \"name\": 1, \"price\": 2, \"unit\": null, \"description\": null, \"vendor\": \" Acme \"}\n```")
	require.NoError(t, err)
	require.NotNil(t, cols.SKU)
	assert.Equal(t, 0, *cols.SKU)
	assert.Equal(t, 1, cols.Name)
	require.NotNil(t, cols.Price)
	assert.Equal(t, 2, *cols.Price)
	assert.Nil(t, cols.Unit)
	assert.Nil(t, cols.Description)
	assert.Equal(t, "Acme", vendor)
}

func TestParseResponse_MinimalAndWrapped(t *testing.T) {
	cols, vendor, err := ParseResponse(`Here you go: {"name": 3}`)
	require.NoError(t, err)
	assert.Equal(t, 3, cols.Name)
	assert.Nil(t, cols.SKU)
	assert.Empty(t, vendor)
}

func TestParseResponse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", "empty response"},
		{"not json", "{name: 1}", "not JSON"},
		{"missing name", `{"sku": 0}`, "does not match schema"},
		{"null name", `{"name": null}`, "does not match schema"},
		{"negative index", `{"name": -1}`, "does not match schema"},
		{"string index", `{"name": "1"}`, "does not match schema"},
		{"fractional index", `{"name": 1.5}`, "does not match schema"},
		{"extra role", `{"name": 1, "color": 2}`, "does not match schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseResponse(tt.text)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCheckColumns(t *testing.T) {
	headers := []HeaderCell{{Table: 0, Column: 0, Text: "SKU"}, {Table: 0, Column: 1, Text: "Name"}}

	assert.NoError(t, checkColumns(model.ColumnMapping{SKU: intp(0), Name: 1}, headers))

	err := checkColumns(model.ColumnMapping{Name: 4}, headers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name column 4 has no header")

	err = checkColumns(model.ColumnMapping{Name: 1, Price: intp(7)}, headers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price column 7")

	err = checkColumns(model.ColumnMapping{SKU: intp(0), Name: 1, Description: intp(1)}, headers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column 1 is mapped to both name and description")
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON(`noise {"a":1} trailing`))
	assert.Equal(t, "plain", cleanJSON(" plain "))
}
