package filter

import (
	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/model"
)

// Carry maps progress from a previous worklist onto a freshly merged unique
// set. A touched entry follows its contact to the new group whose key,
// primary ID or profile URL matches the previous group's key, primary ID or
// profile URL, so a contact that gained a primary ID keeps its state.
// Failing that, an occurrence in a batch named in stable (batches whose
// content did not change) locates the group. When several previous entries
// land on one group the most advanced one wins. Untouched entries and
// entries for skipped records are not carried; the caller rebuilds them from
// the new merge.
func Carry(prevGroups []model.DedupGroup, prev []model.WorklistEntry, groups []model.DedupGroup, stable map[string]bool) []model.WorklistEntry {
	index := make(map[string]model.DedupGroup, len(groups)*2)
	seen := make(map[model.Occurrence]model.DedupGroup)
	for _, g := range groups {
		for _, a := range aliases(g) {
			if _, ok := index[a]; !ok {
				index[a] = g
			}
		}
		for _, o := range g.Sources {
			if stable[o.SourceBatch] {
				seen[o] = g
			}
		}
	}

	prevByKey := make(map[string]model.DedupGroup, len(prevGroups))
	for _, g := range prevGroups {
		prevByKey[g.IdentityKey] = g
	}

	carried := make(map[string]model.WorklistEntry)
	order := make([]string, 0)
	var lost int
	for _, e := range prev {
		if !touched(e) || e.Status == model.StatusSkipped {
			continue
		}
		pg, ok := prevByKey[e.IdentityKey]
		if !ok {
			pg = model.DedupGroup{IdentityKey: e.IdentityKey}
		}
		target, found := resolve(index, seen, pg)
		if !found {
			lost++
			continue
		}

		e.IdentityKey = target.IdentityKey
		e.SourceBatch = target.Canonical.SourceBatch
		existing, dup := carried[target.IdentityKey]
		if !dup {
			order = append(order, target.IdentityKey)
			carried[target.IdentityKey] = e
			continue
		}
		if ahead(e, existing) {
			carried[target.IdentityKey] = e
		}
	}

	out := make([]model.WorklistEntry, 0, len(order))
	for _, k := range order {
		out = append(out, carried[k])
	}
	if lost > 0 {
		zap.L().Warn("filter: progress for contacts no longer in the input was dropped",
			zap.Int("entries", lost),
		)
	}
	return out
}

func aliases(g model.DedupGroup) []string {
	out := []string{g.IdentityKey}
	if id := g.Canonical.PrimaryID; id != "" && id != g.IdentityKey {
		out = append(out, id)
	}
	if u := g.Canonical.ProfileURL; u != "" && u != g.IdentityKey {
		out = append(out, u)
	}
	return out
}

func resolve(index map[string]model.DedupGroup, seen map[model.Occurrence]model.DedupGroup, pg model.DedupGroup) (model.DedupGroup, bool) {
	for _, a := range aliases(pg) {
		if g, ok := index[a]; ok {
			return g, true
		}
	}
	for _, o := range pg.Sources {
		if g, ok := seen[o]; ok {
			return g, true
		}
	}
	return model.DedupGroup{}, false
}

// StableBatches names the batches present in both source lists with the
// same content hash.
func StableBatches(prev, cur []model.SourceFile) map[string]bool {
	hashes := make(map[string]string, len(prev))
	for _, f := range prev {
		hashes[f.Batch] = f.SHA256
	}
	out := make(map[string]bool, len(cur))
	for _, f := range cur {
		if h, ok := hashes[f.Batch]; ok && h != "" && h == f.SHA256 {
			out[f.Batch] = true
		}
	}
	return out
}

// progress orders statuses by how far an entry got; a revealed contact is
// never handed back to the orchestrator.
func progress(s model.EntryStatus) int {
	switch s {
	case model.StatusRevealed:
		return 3
	case model.StatusLinkedInOnly:
		return 2
	case model.StatusFailed:
		return 1
	default:
		return 0
	}
}

func ahead(a, b model.WorklistEntry) bool {
	if pa, pb := progress(a.Status), progress(b.Status); pa != pb {
		return pa > pb
	}
	return a.Attempts > b.Attempts
}
