package model

import "strings"

// Field is a single raw key/value pair as received from an input batch.
type Field struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ContactRecord is a normalized contact. RawFields keeps every input field in
// the order it was received so unknown columns survive to the export.
type ContactRecord struct {
	RawFields    []Field `json:"raw_fields"`
	IdentityKey  string  `json:"identity_key"`
	PrimaryID    string  `json:"primary_id,omitempty"`
	ProfileURL   string  `json:"profile_url,omitempty"`
	DisplayTitle string  `json:"display_title,omitempty"`
	Company      string  `json:"company,omitempty"`
	Location     string  `json:"location,omitempty"`
	SourceBatch  string  `json:"source_batch"`
	SourceIndex  int     `json:"source_index"`
}

// Get returns the first raw field whose key matches name case-insensitively.
func (r ContactRecord) Get(name string) (any, bool) {
	for _, f := range r.RawFields {
		if strings.EqualFold(f.Key, name) {
			return f.Value, true
		}
	}
	return nil, false
}

// Occurrence records where a copy of a contact was seen.
type Occurrence struct {
	SourceBatch string `json:"source_batch"`
	SourceIndex int    `json:"source_index"`
}

// DedupGroup holds the canonical record for one identity key and every
// occurrence of that identity across the merged batches.
type DedupGroup struct {
	IdentityKey string        `json:"identity_key"`
	Canonical   ContactRecord `json:"canonical"`
	Duplicates  int           `json:"duplicates"`
	Sources     []Occurrence  `json:"sources"`
}

// DedupReport summarizes a merge run.
type DedupReport struct {
	TotalIn           int `json:"total_in"`
	UniqueOut         int `json:"unique_out"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	Unresolvable      int `json:"unresolvable"`
	Malformed         int `json:"malformed"`
}

// FilterReport summarizes a quality filter pass.
type FilterReport struct {
	Passed   int            `json:"passed"`
	Excluded int            `json:"excluded"`
	ByRule   map[string]int `json:"by_rule"`
}

// SourceFile identifies an input file by content hash so later runs can
// detect that an input changed underneath a checkpoint.
type SourceFile struct {
	Path   string `json:"path"`
	Batch  string `json:"batch"`
	SHA256 string `json:"sha256"`
}
