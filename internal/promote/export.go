package promote

import (
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// exportColumns is the header row of an exported catalog workbook.
var exportColumns = []string{"Vendor", "Vendor Name", "SKU", "Name", "Price", "Unit", "Description", "Source Attempt", "Line"}

// WriteXLSX writes entries as a single-sheet workbook. Prices keep two
// decimal places so the sheet round-trips without float rounding.
func WriteXLSX(w io.Writer, entries []model.CatalogEntry) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Catalog")
	if err != nil {
		return eris.Wrap(err, "promote: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range exportColumns {
		header.AddCell().SetString(col)
	}
	for _, e := range entries {
		row := sheet.AddRow()
		for _, v := range []string{
			e.VendorKey,
			e.VendorName,
			e.SKU,
			e.Name,
			e.Price.StringFixed(2),
			e.Unit,
			e.Description,
			e.SourceAttemptID,
			strconv.Itoa(e.LineNo),
		} {
			row.AddCell().SetString(v)
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "promote: write workbook")
	}
	return nil
}
