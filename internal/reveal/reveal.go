// Package reveal drives the worklist through the upstream reveal service in
// quota-bounded batches.
package reveal

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/quota"
	"github.com/sells-group/contact-reveal/internal/resilience"
	"github.com/sells-group/contact-reveal/internal/store"
)

// StopReason says why a run ended.
type StopReason string

const (
	StopComplete         StopReason = "complete"
	StopQuotaExhausted   StopReason = "quota-exhausted"
	StopRetryDeferred    StopReason = "retry-deferred"
	StopLimitReached     StopReason = "limit-reached"
	StopInterrupted      StopReason = "interrupted"
	StopAuthFailed       StopReason = "auth-failed"
	StopCircuitOpen      StopReason = "circuit-open"
	StopCheckpointFailed StopReason = "checkpoint-failed"
)

// ErrAuth is returned when the upstream rejects the credentials. The run is
// checkpointed before it is returned.
var ErrAuth = errors.New("reveal: upstream rejected credentials")

// Call results reported to the Recorder.
const (
	CallOK          = "ok"
	CallNoQuota     = "no_quota"
	CallCircuitOpen = "circuit_open"
)

// Config controls batching and retry behavior.
type Config struct {
	BatchSize   int
	CallSize    int
	Concurrency int
	MaxAttempts int
	// Limit caps the entries attempted in one run. Zero means no limit.
	Limit   int
	Backoff resilience.RetryConfig
	Policy  quota.Policy
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID     string                    `json:"run_id"`
	Reason    StopReason                `json:"reason"`
	Batches   int                       `json:"batches"`
	Processed int                       `json:"processed"`
	Outcomes  map[model.EntryStatus]int `json:"outcomes"`
	Consumed  int                       `json:"consumed"`
	Remaining int                       `json:"remaining"`
	ResumeAt  *time.Time                `json:"resume_at,omitempty"`
	ResetIn   time.Duration             `json:"reset_in"`
}

// Journal receives worklist transitions and run summaries.
type Journal interface {
	Append(ctx context.Context, transitions []model.Transition) error
	StartRun(ctx context.Context, runID string, at time.Time) error
	FinishRun(ctx context.Context, run store.Run) error
}

// Recorder receives run metrics.
type Recorder interface {
	ObserveOutcome(status model.EntryStatus)
	ObserveCall(result string)
	SetQuota(remaining, consumed int)
	ObserveBatch(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOutcome(model.EntryStatus) {}
func (nopRecorder) ObserveCall(string)               {}
func (nopRecorder) SetQuota(int, int)                {}
func (nopRecorder) ObserveBatch(time.Duration)       {}
