package contact

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/model"
)

// Batch is one input source after normalization.
type Batch struct {
	Name    string
	Records []model.ContactRecord
}

type group struct {
	key       string
	canonical model.ContactRecord
	seq       int
	sources   []occurrence
	aliases   []string
}

type occurrence struct {
	model.Occurrence
	seq int
}

// Resolver merges normalized records into one group per identity. A record
// is aliased under both its primary ID and its profile URL so that later
// records matching either one land in the same group.
type Resolver struct {
	groups  map[string]*group
	alias   map[string]string
	skipped []model.ContactRecord
	report  model.DedupReport
	seq     int
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		groups: make(map[string]*group),
		alias:  make(map[string]string),
	}
}

// Merge resolves all batches. Batches are processed in name order and
// records in index order, so the result does not depend on the order the
// caller supplies them in.
func Merge(batches []Batch) *Resolver {
	ordered := make([]Batch, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	r := NewResolver()
	for _, b := range ordered {
		recs := make([]model.ContactRecord, len(b.Records))
		copy(recs, b.Records)
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].SourceIndex < recs[j].SourceIndex })
		for _, rec := range recs {
			r.Add(rec)
		}
	}
	return r
}

func idAlias(id string) string   { return "id:" + id }
func urlAlias(url string) string { return "url:" + url }

// Add resolves a single normalized record.
func (r *Resolver) Add(rec model.ContactRecord) {
	r.report.TotalIn++
	r.seq++
	occ := occurrence{
		Occurrence: model.Occurrence{SourceBatch: rec.SourceBatch, SourceIndex: rec.SourceIndex},
		seq:        r.seq,
	}

	if rec.PrimaryID == "" && rec.ProfileURL == "" {
		rec.IdentityKey = SkippedKey(rec.SourceBatch, rec.SourceIndex)
		r.skipped = append(r.skipped, rec)
		r.report.Unresolvable++
		return
	}

	var byID, byURL string
	if rec.PrimaryID != "" {
		byID = r.alias[idAlias(rec.PrimaryID)]
	}
	if rec.ProfileURL != "" {
		byURL = r.alias[urlAlias(rec.ProfileURL)]
	}

	switch {
	case byID == "" && byURL == "":
		g := &group{key: rec.IdentityKey, canonical: rec, seq: occ.seq, sources: []occurrence{occ}}
		r.groups[g.key] = g
		r.link(g, rec)

	case byID != "" && (byURL == "" || byURL == byID):
		g := r.groups[byID]
		g.sources = append(g.sources, occ)
		r.link(g, rec)

	case byID == "":
		g := r.groups[byURL]
		if rec.PrimaryID != "" && g.canonical.PrimaryID == "" {
			r.rekey(g, rec.PrimaryID)
		}
		g.sources = append(g.sources, occ)
		r.link(g, rec)

	default:
		// Same person seen once by ID and once by URL alone: fold the URL
		// group into the primary-ID group.
		into, from := r.groups[byID], r.groups[byURL]
		r.absorb(into, from)
		into.sources = append(into.sources, occ)
		r.link(into, rec)
		zap.L().Debug("merged identity groups",
			zap.String("identity_key", into.key),
			zap.String("merged_key", from.key),
		)
	}
}

func (r *Resolver) link(g *group, rec model.ContactRecord) {
	if rec.PrimaryID != "" {
		r.setAlias(g, idAlias(rec.PrimaryID))
	}
	if rec.ProfileURL != "" {
		r.setAlias(g, urlAlias(rec.ProfileURL))
	}
}

func (r *Resolver) setAlias(g *group, a string) {
	if _, ok := r.alias[a]; ok {
		return
	}
	r.alias[a] = g.key
	g.aliases = append(g.aliases, a)
}

func (r *Resolver) rekey(g *group, key string) {
	delete(r.groups, g.key)
	g.key = key
	g.canonical.PrimaryID = key
	r.groups[key] = g
	for _, a := range g.aliases {
		r.alias[a] = key
	}
}

func (r *Resolver) absorb(into, from *group) {
	delete(r.groups, from.key)
	if from.seq < into.seq {
		into.canonical = from.canonical
		into.seq = from.seq
	}
	into.canonical.PrimaryID = into.key
	into.sources = append(into.sources, from.sources...)
	sort.Slice(into.sources, func(i, j int) bool { return into.sources[i].seq < into.sources[j].seq })
	for _, a := range from.aliases {
		r.alias[a] = into.key
		into.aliases = append(into.aliases, a)
	}
}

// Groups returns the unique set ordered by identity key.
func (r *Resolver) Groups() []model.DedupGroup {
	out := make([]model.DedupGroup, 0, len(r.groups))
	for _, g := range r.groups {
		canonical := g.canonical
		canonical.IdentityKey = g.key
		sources := make([]model.Occurrence, len(g.sources))
		for i, s := range g.sources {
			sources[i] = s.Occurrence
		}
		out = append(out, model.DedupGroup{
			IdentityKey: g.key,
			Canonical:   canonical,
			Duplicates:  len(g.sources) - 1,
			Sources:     sources,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityKey < out[j].IdentityKey })
	return out
}

// Skipped returns records that carried no usable identity, in input order.
func (r *Resolver) Skipped() []model.ContactRecord {
	return r.skipped
}

// Report returns the merge summary.
func (r *Resolver) Report() model.DedupReport {
	rep := r.report
	rep.UniqueOut = len(r.groups)
	rep.DuplicatesRemoved = rep.TotalIn - rep.Unresolvable - rep.UniqueOut
	return rep
}
