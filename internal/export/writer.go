package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Write writes t to path as CSV or XLSX depending on the extension.
func Write(t Table, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return WriteCSV(t, path)
	case ".xlsx":
		return WriteXLSX(t, path)
	default:
		return eris.Errorf("export: unsupported output type %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

// SummaryPath returns where WriteCSV puts the summary for path.
func SummaryPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_summary" + ext
}

// WriteCSV writes the table to path and the summary next to it.
func WriteCSV(t Table, path string) error {
	if err := writeCSVFile(path, t.Header, t.Rows); err != nil {
		return err
	}
	rows := make([][]string, len(t.Summary))
	for i, s := range t.Summary {
		rows[i] = []string{s.Metric, strconv.Itoa(s.Value)}
	}
	return writeCSVFile(SummaryPath(path), []string{"metric", "value"}, rows)
}

func writeCSVFile(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	if err := w.WriteAll(rows); err != nil {
		return eris.Wrap(err, "export: write rows")
	}
	return eris.Wrap(f.Sync(), "export: sync")
}

// WriteXLSX writes a workbook with a contacts sheet and a summary sheet.
func WriteXLSX(t Table, path string) error {
	f := xlsx.NewFile()

	contacts, err := f.AddSheet("contacts")
	if err != nil {
		return eris.Wrap(err, "export: add contacts sheet")
	}
	addRow(contacts, t.Header)
	for _, r := range t.Rows {
		addRow(contacts, r)
	}

	summary, err := f.AddSheet("summary")
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}
	addRow(summary, []string{"metric", "value"})
	for _, s := range t.Summary {
		row := summary.AddRow()
		row.AddCell().SetString(s.Metric)
		row.AddCell().SetInt(s.Value)
	}

	return eris.Wrapf(f.Save(path), "export: save %s", path)
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}
