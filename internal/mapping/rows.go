package mapping

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// ExtractProducts reads every table through m. Row 0 of each table holds the
// headers, so content rows 1..RowCount-1 are visited. A row yields a product
// only when both SKU and name resolve to non-empty text.
func ExtractProducts(tables []model.Table, m model.ColumnMapping) []model.Product {
	products := []model.Product{}
	for _, t := range tables {
		g := t.Grid()
		for r := 1; r < g.RowCount(); r++ {
			sku := cellText(g, r, m.SKU)
			name := cellText(g, r, &m.Name)
			if sku == "" || name == "" {
				continue
			}
			products = append(products, model.Product{
				SKU:         sku,
				Name:        name,
				Price:       ParsePrice(cellText(g, r, m.Price)),
				Unit:        cellText(g, r, m.Unit),
				Description: cellText(g, r, m.Description),
			})
		}
	}
	return products
}

func cellText(g model.Grid, row int, col *int) string {
	if col == nil {
		return ""
	}
	s, _ := g.At(row, *col)
	return strings.TrimSpace(s)
}

var (
	priceNoise = regexp.MustCompile(`[^0-9,.]+`)
	// The number must end at a non-digit, so a malformed group such as
	// "12,3456" stops at "12" instead of dropping a digit.
	priceNumber = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)(?:\D|$)`)
)

// ParsePrice reads the first decimal number, with optional comma thousands
// separators, from s once everything but digits, commas and dots has been
// removed. "$ 1 234.56" reads as 1234.56. Text with no number prices at
// zero.
func ParsePrice(s string) decimal.Decimal {
	cleaned := priceNoise.ReplaceAllString(s, "")
	match := priceNumber.FindStringSubmatch(cleaned)
	if match == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(match[1], ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}
