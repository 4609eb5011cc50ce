package mapping

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// systemPrompt is sent as a cached system block on every mapping call.
const systemPrompt = `You map the columns of vendor price-list tables to product fields.

You receive the header cells of every table in one vendor catalog. The tables
share one layout, so answer with a single mapping for the whole document.

Roles:
- sku: the vendor's item number, part number or product code
- name: the product name or title (required)
- price: the unit or list price
- unit: the unit of measure or pack size
- description: a longer free-text description
- vendor: the vendor or company name printed in the document, if any

Answer with one JSON object and nothing else, for example:
{"sku": 0, "name": 1, "price": 3, "unit": null, "description": 2, "vendor": "Acme Supply"}

Use the column numbers exactly as given. Use null for a role no column holds.
Never use the same column for two roles.`

// excerptLimit bounds the document text quoted for vendor detection.
const excerptLimit = 1500

// BuildPrompt renders the user message for one document.
func BuildPrompt(headers []HeaderCell, hints, excerpt string) string {
	var sb strings.Builder
	sb.WriteString("Header columns:\n")
	for _, col := range GroupByColumn(headers) {
		texts := "(blank)"
		if len(col.Texts) > 0 {
			texts = strings.Join(col.Texts, " | ")
		}
		fmt.Fprintf(&sb, "- column %d: %s (tables %s)\n", col.Column, texts, joinInts(col.Tables))
	}

	if hints = strings.TrimSpace(hints); hints != "" {
		sb.WriteString("\nVendor notes:\n")
		sb.WriteString(hints)
		sb.WriteString("\n")
	}

	if excerpt = truncate(strings.TrimSpace(excerpt), excerptLimit); excerpt != "" {
		sb.WriteString("\nDocument excerpt:\n")
		sb.WriteString(excerpt)
		sb.WriteString("\n")
	}
	return sb.String()
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
