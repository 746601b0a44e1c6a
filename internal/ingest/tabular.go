package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/contact-reveal/internal/model"
)

// mapRow pairs each header with the value in the same column. Missing
// trailing cells are dropped, and so are unnamed columns.
func mapRow(headers, row []string) []model.Field {
	fields := make([]model.Field, 0, len(headers))
	for i, h := range headers {
		if h == "" || i >= len(row) {
			continue
		}
		fields = append(fields, model.Field{Key: h, Value: row[i]})
	}
	return fields
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func normalizeHeaders(row []string) []string {
	headers := make([]string, len(row))
	for i, h := range row {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return headers
}

// parseCSV reads a header row followed by data rows. Rows the reader cannot
// parse are counted as malformed.
func parseCSV(data []byte) ([]Row, int, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, eris.Wrap(err, "csv: read header")
	}
	headers := normalizeHeaders(header)

	var rows []Row
	malformed := 0
	for i := 0; ; i++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				malformed++
				continue
			}
			return nil, 0, eris.Wrap(err, "csv: read row")
		}
		if blank(rec) {
			continue
		}
		rows = append(rows, Row{Index: i, Fields: mapRow(headers, rec)})
	}
	return rows, malformed, nil
}

// parseXLSX reads the first sheet; its first row is the header.
func parseXLSX(data []byte) ([]Row, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	headers := normalizeHeaders(rowToStrings(sheet.Rows[0]))
	var rows []Row
	for i, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		if blank(cells) {
			continue
		}
		rows = append(rows, Row{Index: i, Fields: mapRow(headers, cells)})
	}
	return rows, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
