package reveal

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/model"
)

// Retry moves failed entries with attempts left back to pending. Entries the
// upstream rejected permanently stay failed unless includePermanent is set.
// It returns the transitions it made, tagged with a fresh run ID.
func Retry(snap *checkpoint.Snapshot, maxAttempts int, includePermanent bool, now time.Time) []model.Transition {
	runID := "retry-" + uuid.New().String()
	var out []model.Transition
	for i := range snap.Worklist {
		e := &snap.Worklist[i]
		if e.Status != model.StatusFailed || e.Attempts >= maxAttempts {
			continue
		}
		if e.Permanent && !includePermanent {
			continue
		}
		out = append(out, model.Transition{
			RunID:       runID,
			IdentityKey: e.IdentityKey,
			From:        model.StatusFailed,
			To:          model.StatusPending,
			Attempts:    e.Attempts,
			Error:       e.LastError,
			At:          now,
		})
		e.Status = model.StatusPending
		e.Permanent = false
		e.NextAttemptAfter = nil
	}
	return out
}
