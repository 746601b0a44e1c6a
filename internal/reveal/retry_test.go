package reveal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-reveal/internal/model"
)

func TestRetry(t *testing.T) {
	now := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	tests := []struct {
		name             string
		entry            model.WorklistEntry
		includePermanent bool
		wantStatus       model.EntryStatus
	}{
		{
			name:       "failed with attempts left",
			entry:      model.WorklistEntry{Status: model.StatusFailed, Attempts: 1, LastError: "bad key"},
			wantStatus: model.StatusPending,
		},
		{
			name:       "attempts exhausted",
			entry:      model.WorklistEntry{Status: model.StatusFailed, Attempts: 3},
			wantStatus: model.StatusFailed,
		},
		{
			name:       "permanent rejection",
			entry:      model.WorklistEntry{Status: model.StatusFailed, Attempts: 1, Permanent: true, LastError: "not_found"},
			wantStatus: model.StatusFailed,
		},
		{
			name:             "permanent rejection forced",
			entry:            model.WorklistEntry{Status: model.StatusFailed, Attempts: 1, Permanent: true},
			includePermanent: true,
			wantStatus:       model.StatusPending,
		},
		{
			name:             "skipped stays skipped",
			entry:            model.WorklistEntry{Status: model.StatusSkipped, LastError: model.ReasonNoIdentity, Permanent: true},
			includePermanent: true,
			wantStatus:       model.StatusSkipped,
		},
		{
			name:       "revealed untouched",
			entry:      model.WorklistEntry{Status: model.StatusRevealed, Attempts: 1, RevealedAt: &later},
			wantStatus: model.StatusRevealed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshotOf(0)
			tt.entry.IdentityKey = "p-1"
			snap.Worklist = append(snap.Worklist, tt.entry)

			transitions := Retry(snap, 3, tt.includePermanent, now)
			got := snap.Worklist[0]
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.entry.Attempts, got.Attempts)

			if tt.wantStatus == model.StatusPending {
				require.Len(t, transitions, 1)
				assert.Equal(t, model.StatusFailed, transitions[0].From)
				assert.Equal(t, model.StatusPending, transitions[0].To)
				assert.Equal(t, now, transitions[0].At)
				assert.Contains(t, transitions[0].RunID, "retry-")
				assert.False(t, got.Permanent)
				assert.Nil(t, got.NextAttemptAfter)
			} else {
				assert.Empty(t, transitions)
			}
		})
	}
}
