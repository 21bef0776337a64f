package pipeline

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"

	"partsync/internal"
	"partsync/internal/util"
)

// headerScanRows is how many leading rows may precede the header row. Portal
// exports put the header first; hand-made sheets often open with a title row.
const headerScanRows = 3

// Column probes, matched against util.NormalizeHeader output. The Spanish
// names come from the portal feeds, the English ones from ad-hoc supplier
// sheets. Order matters: more specific probes go first so PRECIOCOSTO is
// claimed before a bare PRECIO can grab the wrong column.
var (
	codeProbes  = []string{"CODIGO", "CODE", "SKU", "ARTICULO", "REFERENCIA"}
	descProbes  = []string{"DESCRIPCION", "DESCRIPTION", "DETALLE", "NOMBRE", "NAME"}
	brandProbes = []string{"MARCA", "BRAND"}
	costProbes  = []string{"PRECIOCOSTO", "COSTO", "COST", "PRECIO", "PRICE"}
	saleProbes  = []string{"PRECIOVENTA", "VENTA", "SALE"}
	qtyProbes   = []string{"DISPONIB", "STOCK", "CANTIDAD", "QTY", "AVAILAB"}
)

// feedColumns holds the resolved column index per field, -1 when absent.
type feedColumns struct {
	code  int
	desc  int
	brand int
	cost  int
	sale  int
	qty   int
}

// LoadFeed reads one feed file into scraped records. The format is detected
// from the path and content; every tabular section of the file is parsed and
// the surviving rows are renumbered sequentially.
func LoadFeed(path string) ([]internal.ScrapedRecord, internal.FeedFormat, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read feed: %w", err)
	}

	format := DetectFormat(path, blob)
	var records []internal.ScrapedRecord
	switch format {
	case internal.FormatXLSX:
		records, err = parseXLSX(blob)
	case internal.FormatHTML:
		records, err = parseHTML(blob)
	default:
		records, err = parseCSV(blob)
	}
	if err != nil {
		return nil, format, fmt.Errorf("parse %s feed: %w", format, err)
	}

	for i := range records {
		records[i].LineNo = i + 1
	}
	return records, format, nil
}

func parseCSV(blob []byte) ([]internal.ScrapedRecord, error) {
	reader := csv.NewReader(bytes.NewReader(blob))
	reader.Comma = sniffDelimiter(blob)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]string
	for {
		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, cells)
	}
	return recordsFromRows(rows), nil
}

func parseXLSX(blob []byte) ([]internal.ScrapedRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []internal.ScrapedRecord
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		out = append(out, recordsFromRows(rows)...)
	}
	return out, nil
}

func parseHTML(blob []byte) ([]internal.ScrapedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}

	var out []internal.ScrapedRecord
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var rows [][]string
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, collapseSpaces(cell.Text()))
			})
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
		})
		if len(rows) < 2 {
			return
		}
		out = append(out, recordsFromRows(rows)...)
	})
	return out, nil
}

// recordsFromRows turns one table into records: find the header row among
// the first few rows, fall back to a layout guess when no header exists,
// then map every following row through the resolved columns.
func recordsFromRows(rows [][]string) []internal.ScrapedRecord {
	var (
		cols      feedColumns
		haveCols  bool
		headerRow = -1
	)
	scan := len(rows)
	if scan > headerScanRows {
		scan = headerScanRows
	}
	for i := 0; i < scan; i++ {
		if c, ok := detectColumns(rows[i]); ok {
			cols, haveCols, headerRow = c, true, i
			break
		}
	}
	if !haveCols {
		for _, cells := range rows {
			if c, ok := fallbackColumns(cells); ok {
				cols, haveCols = c, true
				break
			}
		}
	}
	if !haveCols {
		return nil
	}

	var out []internal.ScrapedRecord
	for i, cells := range rows {
		if i <= headerRow {
			continue
		}
		if rec, ok := rowToRecord(cols, cells); ok {
			out = append(out, rec)
		}
	}
	return out
}

// detectColumns resolves the header row into column indexes. A row counts as
// a header only when a code column is present; everything else is optional.
func detectColumns(cells []string) (feedColumns, bool) {
	headers := make([]string, len(cells))
	for i, cell := range cells {
		headers[i] = util.NormalizeHeader(cell)
	}
	cols := feedColumns{
		code:  findColumn(headers, codeProbes),
		desc:  findColumn(headers, descProbes),
		brand: findColumn(headers, brandProbes),
		cost:  findColumn(headers, costProbes),
		sale:  findColumn(headers, saleProbes),
		qty:   findColumn(headers, qtyProbes),
	}
	if cols.sale == cols.cost {
		cols.sale = -1
	}
	return cols, cols.code >= 0
}

// findColumn returns the index of the first header containing any probe.
// Probes are tried in order so the more specific name wins the column.
func findColumn(headers []string, probes []string) int {
	for _, probe := range probes {
		for i, header := range headers {
			if strings.Contains(header, probe) {
				return i
			}
		}
	}
	return -1
}

// fallbackColumns guesses a headerless layout from one data row: the first
// code-looking cell is the code, the last bare number the availability, the
// longest lettered cell the description. Prices are not guessed.
func fallbackColumns(cells []string) (feedColumns, bool) {
	cols := feedColumns{code: -1, desc: -1, brand: -1, cost: -1, sale: -1, qty: -1}
	for i, cell := range cells {
		if util.LooksLikeCode(cell) {
			cols.code = i
			break
		}
	}
	if cols.code < 0 {
		return cols, false
	}

	bestLen := 0
	for i, cell := range cells {
		if i == cols.code {
			continue
		}
		if isNumericCell(cell) {
			cols.qty = i
			continue
		}
		if n := len([]rune(cell)); hasLetter(cell) && n > bestLen {
			cols.desc, bestLen = i, n
		}
	}
	return cols, true
}

// rowToRecord maps one data row through the resolved columns. Rows without a
// code cannot identify a product and are dropped.
func rowToRecord(cols feedColumns, cells []string) (internal.ScrapedRecord, bool) {
	code := strings.TrimSpace(cellAt(cells, cols.code))
	if code == "" || strings.EqualFold(code, "nan") {
		return internal.ScrapedRecord{}, false
	}

	rec := internal.ScrapedRecord{
		RawCode:     code,
		Description: collapseSpaces(cellAt(cells, cols.desc)),
	}
	if brand := collapseSpaces(cellAt(cells, cols.brand)); brand != "" {
		rec.Brand = util.StrPtr(brand)
	}
	rec.CostPrice = util.ParsePrice(cellAt(cells, cols.cost))
	rec.SalePrice = util.ParsePrice(cellAt(cells, cols.sale))
	if qty := util.ParseNumber(cellAt(cells, cols.qty)); qty != nil {
		rec.Available = *qty
	}
	return rec, true
}

func cellAt(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

// sniffDelimiter picks the separator that dominates the first line. Portal
// exports use commas, hand-made Spanish sheets often use semicolons.
func sniffDelimiter(blob []byte) rune {
	line := blob
	if i := bytes.IndexByte(blob, '\n'); i >= 0 {
		line = blob[:i]
	}
	commas := bytes.Count(line, []byte{','})
	semis := bytes.Count(line, []byte{';'})
	tabs := bytes.Count(line, []byte{'\t'})
	switch {
	case semis > commas && semis >= tabs:
		return ';'
	case tabs > commas && tabs > semis:
		return '\t'
	default:
		return ','
	}
}

func isNumericCell(cell string) bool {
	cell = strings.TrimSpace(cell)
	if cell == "" || hasLetter(cell) {
		return false
	}
	return util.ParseNumber(cell) != nil
}

func hasLetter(cell string) bool {
	return strings.IndexFunc(cell, unicode.IsLetter) >= 0
}

func collapseSpaces(input string) string {
	return strings.Join(strings.Fields(input), " ")
}
