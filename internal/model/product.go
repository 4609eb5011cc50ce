package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a single catalog line extracted from a vendor document. It
// lives inside an attempt's mapping payload until promotion.
type Product struct {
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Unit        string          `json:"unit,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Valid reports whether the product carries both a SKU and a name and a
// non-negative price.
func (p Product) Valid() bool {
	return strings.TrimSpace(p.SKU) != "" &&
		strings.TrimSpace(p.Name) != "" &&
		!p.Price.IsNegative()
}

// CatalogEntry is a durable product row in the production catalog. Entries
// are written once by promotion and never updated.
type CatalogEntry struct {
	ID              string          `json:"id"`
	VendorKey       string          `json:"vendor_key"`
	VendorName      string          `json:"vendor_name"`
	LineNo          int             `json:"line_no"`
	SKU             string          `json:"sku"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	Unit            string          `json:"unit,omitempty"`
	Description     string          `json:"description,omitempty"`
	SourceAttemptID string          `json:"source_attempt_id"`
	CreatedAt       time.Time       `json:"created_at"`
}
