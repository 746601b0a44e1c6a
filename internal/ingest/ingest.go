// Package ingest reads contact batches from JSON, JSON lines, CSV and XLSX files.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/contact"
	"github.com/sells-group/contact-reveal/internal/model"
)

// Format is an input file format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// DetectFormat picks a format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// Row is one well-formed record with its position in the file.
type Row struct {
	Index  int
	Fields []model.Field
}

// File is the parsed content of one input file.
type File struct {
	Source    model.SourceFile
	Rows      []Row
	Malformed int
}

// FileError records an input file that could not be parsed at all.
type FileError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Result is the outcome of loading a set of input files.
type Result struct {
	Files     []File
	Failed    []FileError
	Malformed int
}

// Sources returns the source descriptors of every loaded file.
func (r *Result) Sources() []model.SourceFile {
	out := make([]model.SourceFile, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, f.Source)
	}
	return out
}

// LoadAll reads every path. A file that cannot be read or parsed is logged
// and recorded in Failed; the remaining files still load.
func LoadAll(ctx context.Context, paths []string) (*Result, error) {
	res := &Result{}
	batches := make(map[string]bool, len(paths))

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "ingest: context cancelled")
		}

		batch := filepath.Base(p)
		if batches[batch] {
			batch = filepath.ToSlash(filepath.Clean(p))
		}

		f, err := ReadFile(p, batch)
		if err != nil {
			zap.L().Warn("ingest: skipping unreadable file", zap.String("path", p), zap.Error(err))
			res.Failed = append(res.Failed, FileError{Path: p, Err: err.Error()})
			continue
		}
		batches[batch] = true

		if f.Malformed > 0 {
			zap.L().Warn("ingest: malformed records skipped",
				zap.String("path", p),
				zap.Int("malformed", f.Malformed),
			)
		}
		zap.L().Info("ingest: loaded file",
			zap.String("path", p),
			zap.String("batch", batch),
			zap.Int("rows", len(f.Rows)),
		)

		res.Malformed += f.Malformed
		res.Files = append(res.Files, *f)
	}

	return res, nil
}

// ReadFile parses a single input file under the given batch name.
func ReadFile(path, batch string) (*File, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", path)
	}

	var rows []Row
	var malformed int
	switch format {
	case FormatJSON:
		rows, malformed, err = parseJSONArray(data)
	case FormatJSONL:
		rows, malformed = parseJSONLines(data)
	case FormatCSV:
		rows, malformed, err = parseCSV(data)
	case FormatXLSX:
		rows, err = parseXLSX(data)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: parse %s", path)
	}

	return &File{
		Source:    model.SourceFile{Path: path, Batch: batch, SHA256: hashBytes(data)},
		Rows:      rows,
		Malformed: malformed,
	}, nil
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: read %s", path)
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Batches normalizes every loaded row into resolver input.
func (r *Result) Batches(n *contact.Normalizer) []contact.Batch {
	out := make([]contact.Batch, 0, len(r.Files))
	for _, f := range r.Files {
		b := contact.Batch{Name: f.Source.Batch, Records: make([]model.ContactRecord, 0, len(f.Rows))}
		for _, row := range f.Rows {
			rec, _ := n.Normalize(row.Fields, f.Source.Batch, row.Index)
			b.Records = append(b.Records, rec)
		}
		out = append(out, b)
	}
	return out
}
