// Package export flattens a checkpoint into a results table and writes it as
// CSV or XLSX.
package export

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/contact"
	"github.com/sells-group/contact-reveal/internal/model"
)

// baseColumns lead every exported row.
var baseColumns = []string{
	"identity_key",
	"status",
	"attempts",
	"last_error",
	"revealed_at",
	"source_batch",
	"duplicates",
	"sources",
}

const contactPrefix = "contact_"

// Table is the flattened export.
type Table struct {
	Header  []string
	Rows    [][]string
	Summary []SummaryRow
}

// SummaryRow is one metric of the run summary.
type SummaryRow struct {
	Metric string
	Value  int
}

// Build flattens snap into one row per worklist entry, including failed and
// skipped ones. Revealed contact fields follow the base columns in sorted
// order, then every raw input field in the order it was first seen. Skipped
// entries take their raw fields from the identity-less input record.
func Build(snap *checkpoint.Snapshot) Table {
	groups := make(map[string]model.DedupGroup, len(snap.Records))
	for _, g := range snap.Records {
		groups[g.IdentityKey] = g
	}
	skipped := make(map[string]model.ContactRecord, len(snap.Skipped))
	for _, r := range snap.Skipped {
		skipped[r.IdentityKey] = r
	}

	contactKeys := contactColumns(snap.Worklist)
	rawKeys := rawColumns(snap.Records, snap.Skipped)

	header := make([]string, 0, len(baseColumns)+len(contactKeys)+len(rawKeys))
	header = append(header, baseColumns...)
	taken := make(map[string]bool, cap(header))
	for _, c := range baseColumns {
		taken[c] = true
	}
	for _, k := range contactKeys {
		header = append(header, contactPrefix+k)
		taken[contactPrefix+k] = true
	}
	for _, k := range rawKeys {
		name := k
		if taken[name] {
			name = "raw_" + k
		}
		header = append(header, name)
	}

	rows := make([][]string, 0, len(snap.Worklist))
	for _, e := range snap.Worklist {
		g, hasGroup := groups[e.IdentityKey]

		row := make([]string, 0, len(header))
		row = append(row,
			e.IdentityKey,
			string(e.Status),
			strconv.Itoa(e.Attempts),
			e.LastError,
			formatTime(e.RevealedAt),
			e.SourceBatch,
		)
		if hasGroup {
			row = append(row, strconv.Itoa(g.Duplicates), formatSources(g.Sources))
		} else {
			row = append(row, "0", "")
		}
		for _, k := range contactKeys {
			row = append(row, e.Contact[k])
		}
		var raw []model.Field
		if hasGroup {
			raw = g.Canonical.RawFields
		} else if r, ok := skipped[e.IdentityKey]; ok {
			raw = r.RawFields
		}
		for _, k := range rawKeys {
			row = append(row, rawValue(raw, k))
		}
		rows = append(rows, row)
	}

	return Table{Header: header, Rows: rows, Summary: summarize(snap)}
}

func contactColumns(entries []model.WorklistEntry) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, e := range entries {
		for k := range e.Contact {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func rawColumns(groups []model.DedupGroup, skipped []model.ContactRecord) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(fields []model.Field) {
		for _, f := range fields {
			if !seen[f.Key] {
				seen[f.Key] = true
				keys = append(keys, f.Key)
			}
		}
	}
	for _, g := range groups {
		add(g.Canonical.RawFields)
	}
	for _, r := range skipped {
		add(r.RawFields)
	}
	return keys
}

func rawValue(fields []model.Field, key string) string {
	for _, f := range fields {
		if f.Key == key {
			return contact.Stringify(f.Value)
		}
	}
	return ""
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatSources(occ []model.Occurrence) string {
	parts := make([]string, len(occ))
	for i, o := range occ {
		parts[i] = o.SourceBatch + "#" + strconv.Itoa(o.SourceIndex)
	}
	return strings.Join(parts, ";")
}

func summarize(snap *checkpoint.Snapshot) []SummaryRow {
	counts := snap.Counts()
	rows := make([]SummaryRow, 0, len(model.AllStatuses)+8)
	for _, s := range model.AllStatuses {
		rows = append(rows, SummaryRow{Metric: string(s), Value: counts[s]})
	}
	rows = append(rows,
		SummaryRow{Metric: "total", Value: len(snap.Worklist)},
		SummaryRow{Metric: "records_in", Value: snap.Dedup.TotalIn},
		SummaryRow{Metric: "unique", Value: snap.Dedup.UniqueOut},
		SummaryRow{Metric: "duplicates_removed", Value: snap.Dedup.DuplicatesRemoved},
		SummaryRow{Metric: "unresolvable", Value: snap.Dedup.Unresolvable},
		SummaryRow{Metric: "malformed", Value: snap.Dedup.Malformed},
		SummaryRow{Metric: "filtered_out", Value: snap.Filter.Excluded},
		SummaryRow{Metric: "quota_consumed", Value: snap.Ledger.Consumed},
	)
	return rows
}
