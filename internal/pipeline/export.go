package pipeline

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"partsync/internal"
)

var auditHeaders = []string{
	"line_no", "origin", "raw_code", "description",
	"match_kind", "registry_code",
	"collection", "action", "before", "after", "detail",
}

// ExportAuditXLSX writes the run's audit workbook: one row per feed record
// and collection action, in feed order, so two runs over the same input
// produce identical artifacts.
func ExportAuditXLSX(rows []internal.AuditRow, outputPath string) error {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	for i, h := range auditHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, row.LineNo)
		set(2, row.Origin)
		set(3, row.RawCode)
		set(4, row.Description)
		set(5, row.MatchKind)
		set(6, derefString(row.RegistryCode))
		set(7, row.Collection)
		set(8, row.Action)
		set(9, derefString(row.Before))
		set(10, derefString(row.After))
		set(11, derefString(row.Detail))
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
