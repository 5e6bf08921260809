package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/installer-scout/internal/model"
)

var exportColumns = []string{
	"Business Name",
	"Phone Numbers",
	"Email Addresses",
	"Physical Address",
	"Services Offered",
	"Years in Business",
	"Website URL",
	"Confidence Score",
}

// FormatCSV renders the records as the canonical spreadsheet-pasteable
// block: a fixed 8-column header followed by one row per record. Every
// data field is double-quoted (inner quotes doubled) and multi-valued
// fields are joined with "; ". Deterministic for a given input.
func FormatCSV(records []model.BusinessRecord) string {
	var b strings.Builder
	b.WriteString(strings.Join(exportColumns, ","))
	b.WriteString("\n")

	for _, r := range records {
		fields := recordFields(r)
		for i, f := range fields {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(`"`)
			b.WriteString(strings.ReplaceAll(f, `"`, `""`))
			b.WriteString(`"`)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// WriteXLSX writes the same 8 columns to an .xlsx workbook at path.
func WriteXLSX(records []model.BusinessRecord, path string) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Installers")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range exportColumns {
		header.AddCell().SetString(col)
	}
	for _, r := range records {
		row := sheet.AddRow()
		for _, f := range recordFields(r) {
			row.AddCell().SetString(f)
		}
	}

	if err := file.Save(path); err != nil {
		return eris.Wrap(err, "export: save xlsx")
	}
	return nil
}

// recordFields returns the record's values in export column order.
func recordFields(r model.BusinessRecord) []string {
	years := ""
	if r.YearsInBusiness != nil {
		years = strconv.Itoa(*r.YearsInBusiness)
	}
	return []string{
		r.BusinessName,
		strings.Join(r.PhoneNumbers, "; "),
		strings.Join(r.EmailAddresses, "; "),
		r.PhysicalAddress,
		strings.Join(r.ServicesOffered, "; "),
		years,
		r.WebsiteURL,
		fmt.Sprintf("%.2f", r.ConfidenceScore),
	}
}
