// Package contact normalizes raw contact records and resolves them into a
// deduplicated set keyed by identity.
package contact

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/contact-reveal/internal/model"
)

// Fold returns s in a canonical caseless form (NFKC, Unicode case folding,
// collapsed whitespace) suitable for comparisons.
func Fold(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// FieldSet names the candidate input columns for each field the logic inspects.
type FieldSet struct {
	Primary  []string
	Fallback []string
	Title    []string
	Company  []string
	Location []string
}

// Normalizer turns loosely-typed field maps into ContactRecords.
type Normalizer struct {
	fields FieldSet
}

// NewNormalizer creates a Normalizer for the given column candidates.
func NewNormalizer(fields FieldSet) *Normalizer {
	return &Normalizer{fields: fields}
}

// Normalize builds a ContactRecord. It never fails on missing optional
// fields; ok is false when the record has neither a primary ID nor a usable
// profile URL, in which case IdentityKey is left empty.
func (n *Normalizer) Normalize(raw []model.Field, batch string, index int) (rec model.ContactRecord, ok bool) {
	rec = model.ContactRecord{
		RawFields:   raw,
		SourceBatch: batch,
		SourceIndex: index,
	}

	rec.PrimaryID = strings.TrimSpace(lookup(raw, n.fields.Primary))
	if u, usable := NormalizeURL(lookup(raw, n.fields.Fallback)); usable {
		rec.ProfileURL = u
	}
	rec.DisplayTitle = strings.TrimSpace(lookup(raw, n.fields.Title))
	rec.Company = strings.TrimSpace(lookup(raw, n.fields.Company))
	rec.Location = strings.TrimSpace(lookup(raw, n.fields.Location))

	switch {
	case rec.PrimaryID != "":
		rec.IdentityKey = rec.PrimaryID
	case rec.ProfileURL != "":
		rec.IdentityKey = rec.ProfileURL
	default:
		return rec, false
	}
	return rec, true
}

// NormalizeURL case-folds a profile URL and strips the scheme, "www.",
// query, fragment and trailing slashes. A URL without a dotted host is not usable.
func NormalizeURL(raw string) (string, bool) {
	s := Fold(raw)
	if s == "" {
		return "", false
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")

	host, _, _ := strings.Cut(s, "/")
	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, " ") {
		return "", false
	}
	return s, true
}

// SkippedKey is the synthetic worklist key for a record with no identity.
func SkippedKey(batch string, index int) string {
	return fmt.Sprintf("skipped:%s#%d", batch, index)
}

// lookup returns the first non-empty value among candidate column names.
func lookup(raw []model.Field, candidates []string) string {
	for _, name := range candidates {
		for _, f := range raw {
			if !strings.EqualFold(strings.TrimSpace(f.Key), name) {
				continue
			}
			if v := Stringify(f.Value); strings.TrimSpace(v) != "" {
				return v
			}
		}
	}
	return ""
}

// Stringify renders a decoded JSON/CSV value as text. Nested values are
// rendered as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
