package taxdata

import (
	"bytes"
	"context"
	"encoding/csv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/openfisc/taxrisk/internal/model"
)

// Sheet names expected inside an XLSX source workbook.
const (
	taxpayersSheet = "Taxpayers"
	returnsSheet   = "Returns"
	auditsSheet    = "Audits"
)

// XLSXSource reads all three record collections from one workbook with a
// sheet per collection.
type XLSXSource struct {
	path string
}

func NewXLSXSource(path string) *XLSXSource {
	return &XLSXSource{path: path}
}

func (s *XLSXSource) Load(ctx context.Context) (*model.Dataset, error) {
	f, err := xlsx.OpenFile(s.path)
	if err != nil {
		return nil, eris.Wrap(err, "taxdata: open workbook")
	}

	var ds model.Dataset

	rows, err := sheetRows(f, taxpayersSheet)
	if err != nil {
		return nil, err
	}
	if ds.Taxpayers, err = parseTaxpayers(ctx, rowsReader(rows)); err != nil {
		return nil, err
	}

	rows, err = sheetRows(f, returnsSheet)
	if err != nil {
		return nil, err
	}
	if ds.Returns, err = parseReturns(ctx, rowsReader(rows)); err != nil {
		return nil, err
	}

	rows, err = sheetRows(f, auditsSheet)
	if err != nil {
		return nil, err
	}
	if ds.Audits, err = parseAudits(ctx, rowsReader(rows)); err != nil {
		return nil, err
	}

	return &ds, nil
}

func (s *XLSXSource) Close() error { return nil }

func sheetRows(f *xlsx.File, name string) ([][]string, error) {
	sheet, ok := f.Sheet[name]
	if !ok {
		return nil, eris.Errorf("taxdata: sheet %q not found", name)
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// rowsReader re-encodes sheet rows as CSV so all sources share one record
// parser.
func rowsReader(rows [][]string) *bytes.Reader {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		w.Write(row) //nolint:errcheck
	}
	w.Flush()
	return bytes.NewReader(buf.Bytes())
}
