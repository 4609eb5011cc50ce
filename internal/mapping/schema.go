package mapping

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// responseSchema is the closed shape the model must answer with. Roles hold
// a column index or null; name is the only required role.
const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["name"],
  "properties": {
    "sku":         {"type": ["integer", "null"], "minimum": 0},
    "name":        {"type": "integer", "minimum": 0},
    "price":       {"type": ["integer", "null"], "minimum": 0},
    "unit":        {"type": ["integer", "null"], "minimum": 0},
    "description": {"type": ["integer", "null"], "minimum": 0},
    "vendor":      {"type": ["string", "null"], "maxLength": 200}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("mapping.json", strings.NewReader(responseSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("mapping.json")
}

type mappingResponse struct {
	SKU         *int    `json:"sku"`
	Name        int     `json:"name"`
	Price       *int    `json:"price"`
	Unit        *int    `json:"unit"`
	Description *int    `json:"description"`
	Vendor      *string `json:"vendor"`
}

// ParseResponse validates the model's answer against the response schema and
// returns the column mapping plus the detected vendor label.
func ParseResponse(text string) (model.ColumnMapping, string, error) {
	raw := cleanJSON(text)
	if raw == "" {
		return model.ColumnMapping{}, "", eris.New("mapping: empty response")
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return model.ColumnMapping{}, "", eris.Wrap(err, "mapping: response is not JSON")
	}
	if err := compiledSchema.Validate(v); err != nil {
		return model.ColumnMapping{}, "", eris.Wrap(err, "mapping: response does not match schema")
	}

	var resp mappingResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return model.ColumnMapping{}, "", eris.Wrap(err, "mapping: decode response")
	}

	vendor := ""
	if resp.Vendor != nil {
		vendor = strings.TrimSpace(*resp.Vendor)
	}
	return model.ColumnMapping{
		SKU:         resp.SKU,
		Name:        resp.Name,
		Price:       resp.Price,
		Unit:        resp.Unit,
		Description: resp.Description,
	}, vendor, nil
}

// checkColumns rejects a mapping that points at a column with no header or
// gives one column to two roles.
func checkColumns(m model.ColumnMapping, headers []HeaderCell) error {
	cols := columnSet(headers)
	taken := map[int]string{}
	check := func(role string, idx *int) error {
		if idx == nil {
			return nil
		}
		if !cols[*idx] {
			return eris.Errorf("mapping: %s column %d has no header", role, *idx)
		}
		if other, ok := taken[*idx]; ok {
			return eris.Errorf("mapping: column %d is mapped to both %s and %s", *idx, other, role)
		}
		taken[*idx] = role
		return nil
	}
	name := m.Name
	for _, r := range []struct {
		role string
		idx  *int
	}{
		{"name", &name},
		{"sku", m.SKU},
		{"price", m.Price},
		{"unit", m.Unit},
		{"description", m.Description},
	} {
		if err := check(r.role, r.idx); err != nil {
			return err
		}
	}
	return nil
}

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
