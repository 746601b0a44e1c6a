package filter

import (
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/model"
)

// Apply runs rules over the unique set and builds the initial worklist: one
// pending entry per passing group, in identity-key order, followed by a
// skipped entry for every record that carried no identity. The first
// matching rule is credited with an exclusion.
func Apply(groups []model.DedupGroup, skipped []model.ContactRecord, rules []Rule) ([]model.WorklistEntry, model.FilterReport) {
	report := newReport()
	entries := make([]model.WorklistEntry, 0, len(groups)+len(skipped))

	for _, g := range groups {
		if name, excluded := firstMatch(rules, g.Canonical); excluded {
			report.Excluded++
			report.ByRule[name]++
			continue
		}
		report.Passed++
		entries = append(entries, pendingEntry(g))
	}

	for _, rec := range skipped {
		entries = append(entries, SkippedEntry(rec))
	}

	zap.L().Info("filter: applied rules",
		zap.Int("rules", len(rules)),
		zap.Int("passed", report.Passed),
		zap.Int("excluded", report.Excluded),
		zap.Int("skipped", len(skipped)),
	)
	return entries, report
}

// Reapply re-runs rules over the retained unique set without losing
// progress. Entries that have been attempted or have left pending are kept
// as they are regardless of the new rules. Untouched pending entries, and
// groups a previous rule set excluded, follow the new rules.
func Reapply(groups []model.DedupGroup, current []model.WorklistEntry, rules []Rule) ([]model.WorklistEntry, model.FilterReport) {
	report := newReport()
	byKey := make(map[string]model.WorklistEntry, len(current))
	for _, e := range current {
		byKey[e.IdentityKey] = e
	}

	entries := make([]model.WorklistEntry, 0, len(current))
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		seen[g.IdentityKey] = true
		existing, ok := byKey[g.IdentityKey]
		if ok && touched(existing) {
			report.Passed++
			entries = append(entries, existing)
			continue
		}
		if name, excluded := firstMatch(rules, g.Canonical); excluded {
			report.Excluded++
			report.ByRule[name]++
			continue
		}
		report.Passed++
		if ok {
			entries = append(entries, existing)
		} else {
			entries = append(entries, pendingEntry(g))
		}
	}

	// Entries with no group (skipped records) carry over unchanged.
	for _, e := range current {
		if !seen[e.IdentityKey] {
			entries = append(entries, e)
		}
	}

	zap.L().Info("filter: re-applied rules",
		zap.Int("rules", len(rules)),
		zap.Int("passed", report.Passed),
		zap.Int("excluded", report.Excluded),
	)
	return entries, report
}

// SkippedEntry builds the terminal worklist entry for a record without identity.
func SkippedEntry(rec model.ContactRecord) model.WorklistEntry {
	return model.WorklistEntry{
		IdentityKey: rec.IdentityKey,
		Status:      model.StatusSkipped,
		LastError:   model.ReasonNoIdentity,
		Permanent:   true,
		SourceBatch: rec.SourceBatch,
	}
}

func pendingEntry(g model.DedupGroup) model.WorklistEntry {
	return model.WorklistEntry{
		IdentityKey: g.IdentityKey,
		Status:      model.StatusPending,
		SourceBatch: g.Canonical.SourceBatch,
	}
}

func touched(e model.WorklistEntry) bool {
	return e.Status != model.StatusPending || e.Attempts > 0
}

func firstMatch(rules []Rule, rec model.ContactRecord) (string, bool) {
	for _, r := range rules {
		if r.Matches(rec) {
			return r.Name, true
		}
	}
	return "", false
}

func newReport() model.FilterReport {
	return model.FilterReport{ByRule: make(map[string]int)}
}
