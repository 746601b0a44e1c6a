// Package store keeps the append-only journal of worklist transitions and
// reveal run summaries.
package store

import (
	"context"
	"time"

	"github.com/sells-group/contact-reveal/internal/model"
)

// Run summarizes one reveal invocation.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Processed  int        `json:"processed"`
	Consumed   int        `json:"consumed"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Journal records status transitions. Entries are never updated or deleted.
type Journal interface {
	// Transitions
	Append(ctx context.Context, transitions []model.Transition) error
	History(ctx context.Context, identityKey string) ([]model.Transition, error)

	// Runs
	StartRun(ctx context.Context, runID string, at time.Time) error
	FinishRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
