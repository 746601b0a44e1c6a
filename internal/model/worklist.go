package model

import "time"

// EntryStatus is the reveal state of a worklist entry.
type EntryStatus string

const (
	StatusPending      EntryStatus = "pending"
	StatusInFlight     EntryStatus = "in_flight"
	StatusRevealed     EntryStatus = "revealed"
	StatusLinkedInOnly EntryStatus = "linkedin_only"
	StatusFailed       EntryStatus = "failed"
	StatusSkipped      EntryStatus = "skipped"
)

// AllStatuses lists every status in reporting order.
var AllStatuses = []EntryStatus{
	StatusPending,
	StatusInFlight,
	StatusRevealed,
	StatusLinkedInOnly,
	StatusFailed,
	StatusSkipped,
}

// Terminal reports whether no further transition is expected without operator action.
func (s EntryStatus) Terminal() bool {
	switch s {
	case StatusRevealed, StatusLinkedInOnly, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// ReasonNoIdentity marks records that carried neither a primary ID nor a usable profile URL.
const ReasonNoIdentity = "no-identity"

// WorklistEntry tracks one identity through the reveal state machine.
type WorklistEntry struct {
	IdentityKey      string            `json:"identity_key"`
	Status           EntryStatus       `json:"status"`
	Attempts         int               `json:"attempts"`
	LastError        string            `json:"last_error,omitempty"`
	Permanent        bool              `json:"permanent,omitempty"`
	RevealedAt       *time.Time        `json:"revealed_at,omitempty"`
	NextAttemptAfter *time.Time        `json:"next_attempt_after,omitempty"`
	Contact          map[string]string `json:"contact,omitempty"`
	SourceBatch      string            `json:"source_batch"`
}

// Transition is one status change of a worklist entry, as written to the journal.
type Transition struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	IdentityKey string      `json:"identity_key"`
	From        EntryStatus `json:"from"`
	To          EntryStatus `json:"to"`
	Attempts    int         `json:"attempts"`
	Error       string      `json:"error,omitempty"`
	At          time.Time   `json:"at"`
}

// LedgerState is the persisted form of the quota ledger.
type LedgerState struct {
	DailyCap    int       `json:"daily_cap"`
	WindowStart time.Time `json:"window_start"`
	Consumed    int       `json:"consumed"`
}

// CountByStatus tallies entries per status.
func CountByStatus(entries []WorklistEntry) map[EntryStatus]int {
	counts := make(map[EntryStatus]int, len(AllStatuses))
	for _, e := range entries {
		counts[e.Status]++
	}
	return counts
}
