package reveal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/quota"
	"github.com/sells-group/contact-reveal/internal/resilience"
	"github.com/sells-group/contact-reveal/pkg/revealapi"
)

func TestRun_QuotaWindowsScenario(t *testing.T) {
	h := newHarness(t, 40)
	snap := snapshotOf(85)
	o := h.orchestrator(testConfig())

	sum, err := o.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopQuotaExhausted, sum.Reason)
	assert.Equal(t, 40, sum.Processed)
	assert.Equal(t, 4, sum.Batches)
	assert.Equal(t, 40, sum.Consumed)
	assert.Equal(t, 0, sum.Remaining)
	require.NotNil(t, sum.ResumeAt)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *sum.ResumeAt)
	assert.Equal(t, 8*time.Hour+30*time.Minute, sum.ResetIn)
	assert.Equal(t, 40, snap.Counts()[model.StatusRevealed])
	assert.Equal(t, 45, snap.Counts()[model.StatusPending])

	// Same window: nothing more to do.
	sum, err = o.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopQuotaExhausted, sum.Reason)
	assert.Zero(t, sum.Processed)

	h.clock.Advance(24 * time.Hour)
	sum, err = o.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopQuotaExhausted, sum.Reason)
	assert.Equal(t, 40, sum.Processed)

	h.clock.Advance(24 * time.Hour)
	sum, err = o.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, sum.Reason)
	assert.Equal(t, 5, sum.Processed)
	assert.Nil(t, sum.ResumeAt)
	assert.Equal(t, 35, sum.Remaining)

	assert.Equal(t, 85, snap.Counts()[model.StatusRevealed])
	for key, n := range h.client.keyCounts() {
		assert.Equal(t, 1, n, "key %s revealed more than once", key)
	}
	assert.Len(t, h.client.keyCounts(), 85)

	e := entry(snap, "p-000")
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "p-000@example.test", e.Contact["email"])
	require.NotNil(t, e.RevealedAt)
}

func TestRun_CheckpointsEveryBatch(t *testing.T) {
	h := newHarness(t, 100)
	o := h.orchestrator(testConfig())

	_, err := o.Run(context.Background(), snapshotOf(30))
	require.NoError(t, err)
	// Three batches plus the final save.
	assert.Equal(t, 4, h.store.saves)

	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 30, saved.Counts()[model.StatusRevealed])
	assert.Equal(t, 30, saved.Ledger.Consumed)
	assert.Equal(t, 100, saved.Ledger.DailyCap)
}

func TestRun_ZeroCap(t *testing.T) {
	h := newHarness(t, 0)
	sum, err := h.orchestrator(testConfig()).Run(context.Background(), snapshotOf(5))
	require.NoError(t, err)
	assert.Equal(t, StopQuotaExhausted, sum.Reason)
	assert.Zero(t, h.client.callCount())
}

func TestRun_EmptyWorklist(t *testing.T) {
	h := newHarness(t, 10)
	sum, err := h.orchestrator(testConfig()).Run(context.Background(), snapshotOf(0))
	require.NoError(t, err)
	assert.Equal(t, StopComplete, sum.Reason)
	assert.Equal(t, 1, h.store.saves)
}

func TestRun_CallSizeCeiling(t *testing.T) {
	h := newHarness(t, 100)
	cfg := testConfig()
	cfg.BatchSize = 12
	cfg.CallSize = 5

	_, err := h.orchestrator(cfg).Run(context.Background(), snapshotOf(12))
	require.NoError(t, err)
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	require.Len(t, h.client.calls, 3)
	for _, c := range h.client.calls {
		assert.LessOrEqual(t, len(c), 5)
	}
}

func TestRun_ReferencesCarryIdentity(t *testing.T) {
	h := newHarness(t, 10)
	snap := snapshotOf(1)
	snap.Records[0].Canonical.ProfileURL = "linkedin.com/in/p-000"

	_, err := h.orchestrator(testConfig()).Run(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, h.client.calls, 1)
	assert.Equal(t, revealapi.Reference{Key: "p-000", ID: "p-000", ProfileURL: "linkedin.com/in/p-000"}, h.client.calls[0][0])
}

func TestRun_SkipsNonPending(t *testing.T) {
	h := newHarness(t, 10)
	snap := snapshotOf(4)
	snap.Worklist[0].Status = model.StatusRevealed
	snap.Worklist[1].Status = model.StatusSkipped
	snap.Worklist[2].Status = model.StatusFailed

	sum, err := h.orchestrator(testConfig()).Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, map[string]int{"p-003": 1}, h.client.keyCounts())
}

func TestRun_QuotaConservation(t *testing.T) {
	h := newHarness(t, 23)
	var mu sync.Mutex
	maxSeen := 0
	h.client.respond = func(_ int, refs []revealapi.Reference) ([]revealapi.Result, error) {
		mu.Lock()
		if c := h.ledger.State().Consumed; c > maxSeen {
			maxSeen = c
		}
		mu.Unlock()
		return revealAll(refs), nil
	}
	cfg := testConfig()
	cfg.Concurrency = 4

	sum, err := h.orchestrator(cfg).Run(context.Background(), snapshotOf(50))
	require.NoError(t, err)
	assert.Equal(t, 23, sum.Processed)
	assert.Equal(t, 23, h.ledger.State().Consumed)
	assert.LessOrEqual(t, maxSeen, 23)
}

func TestRun_LinkedInOnlyPolicy(t *testing.T) {
	tests := []struct {
		name         string
		policy       quota.Policy
		wantConsumed int
	}{
		{name: "counted", policy: quota.DefaultPolicy(), wantConsumed: 10},
		{name: "free", policy: quota.Policy{CountNotFound: true}, wantConsumed: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			h.client.respond = func(call int, refs []revealapi.Reference) ([]revealapi.Result, error) {
				if call == 1 {
					return resultsWith(refs, revealapi.OutcomeLinkedInOnly, nil), nil
				}
				return revealAll(refs), nil
			}
			cfg := testConfig()
			cfg.Concurrency = 1
			cfg.Policy = tt.policy

			snap := snapshotOf(10)
			sum, err := h.orchestrator(cfg).Run(context.Background(), snap)
			require.NoError(t, err)
			assert.Equal(t, tt.wantConsumed, h.ledger.State().Consumed)
			assert.Equal(t, tt.wantConsumed, sum.Consumed)
			assert.Equal(t, 5, snap.Counts()[model.StatusLinkedInOnly])
			assert.Equal(t, 5, sum.Outcomes[model.StatusLinkedInOnly])
			assert.NotNil(t, entry(snap, "p-000").RevealedAt)
		})
	}
}

func TestRun_NotAcceptedFailureRollsBackQuota(t *testing.T) {
	h := newHarness(t, 20)
	h.client.respond = func(int, []revealapi.Reference) ([]revealapi.Result, error) {
		return nil, resilience.FromHTTPStatus(eris.New("slow down"), 429)
	}

	snap := snapshotOf(10)
	sum, err := h.orchestrator(testConfig()).Run(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, 0, h.ledger.State().Consumed)
	assert.Equal(t, 0, sum.Consumed)
	assert.Equal(t, StopRetryDeferred, sum.Reason)
	require.NotNil(t, sum.ResumeAt)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *sum.ResumeAt)

	e := entry(snap, "p-000")
	assert.Equal(t, model.StatusPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.LastError, "slow down")
	require.NotNil(t, e.NextAttemptAfter)
	assert.Equal(t, 2, h.client.callCount(), "retryable entries are not retried in the same run")
}

func TestRun_AcceptedFailureKeepsQuota(t *testing.T) {
	h := newHarness(t, 20)
	h.client.respond = func(int, []revealapi.Reference) ([]revealapi.Result, error) {
		return nil, resilience.FromHTTPStatus(eris.New("upstream 503"), 503)
	}

	_, err := h.orchestrator(testConfig()).Run(context.Background(), snapshotOf(10))
	require.NoError(t, err)
	assert.Equal(t, 10, h.ledger.State().Consumed)
}

func TestRun_ExhaustedAttemptsFail(t *testing.T) {
	h := newHarness(t, 20)
	h.client.respond = func(int, []revealapi.Reference) ([]revealapi.Result, error) {
		return nil, resilience.FromHTTPStatus(eris.New("upstream 503"), 503)
	}
	snap := snapshotOf(1)
	snap.Worklist[0].Attempts = 2

	sum, err := h.orchestrator(testConfig()).Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, sum.Reason)

	e := snap.Worklist[0]
	assert.Equal(t, model.StatusFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.False(t, e.Permanent)
	assert.Nil(t, e.NextAttemptAfter)
}

func TestRun_PerResultOutcomes(t *testing.T) {
	h := newHarness(t, 20)
	h.client.respond = func(_ int, refs []revealapi.Reference) ([]revealapi.Result, error) {
		return []revealapi.Result{
			{Key: "p-000", Outcome: revealapi.OutcomeNotFound},
			{Key: "p-001", Outcome: revealapi.OutcomeError, Error: &revealapi.ResultError{Code: "invalid_reference", Charged: false}},
			{Key: "p-002", Outcome: revealapi.OutcomeError, Error: &revealapi.ResultError{Code: "busy", Retryable: true, Charged: true}},
			// p-003 missing from the response
			{Key: "p-004", Outcome: revealapi.OutcomeRevealed, Contact: map[string]string{"phone": "555"}},
		}, nil
	}
	cfg := testConfig()
	cfg.Concurrency = 1

	snap := snapshotOf(5)
	sum, err := h.orchestrator(cfg).Run(context.Background(), snap)
	require.NoError(t, err)

	notFound := entry(snap, "p-000")
	assert.Equal(t, model.StatusFailed, notFound.Status)
	assert.True(t, notFound.Permanent)
	assert.Equal(t, "not_found", notFound.LastError)

	rejected := entry(snap, "p-001")
	assert.Equal(t, model.StatusFailed, rejected.Status)
	assert.True(t, rejected.Permanent)
	assert.Equal(t, "invalid_reference", rejected.LastError)

	busy := entry(snap, "p-002")
	assert.Equal(t, model.StatusPending, busy.Status)
	assert.Equal(t, "busy", busy.LastError)
	assert.NotNil(t, busy.NextAttemptAfter)

	missing := entry(snap, "p-003")
	assert.Equal(t, model.StatusPending, missing.Status)
	assert.Equal(t, "missing_result", missing.LastError)

	assert.Equal(t, model.StatusRevealed, entry(snap, "p-004").Status)

	// Only the uncharged rejection is returned to the ledger.
	assert.Equal(t, 4, h.ledger.State().Consumed)
	assert.Equal(t, 4, sum.Consumed)
	assert.Equal(t, StopRetryDeferred, sum.Reason)
}

func TestRun_AuthFailureHalts(t *testing.T) {
	h := newHarness(t, 100)
	h.client.respond = func(int, []revealapi.Reference) ([]revealapi.Result, error) {
		return nil, resilience.FromHTTPStatus(eris.New("bad key"), 401)
	}
	cfg := testConfig()
	cfg.Concurrency = 1

	snap := snapshotOf(30)
	sum, err := h.orchestrator(cfg).Run(context.Background(), snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, StopAuthFailed, sum.Reason)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, 10, snap.Counts()[model.StatusFailed])
	assert.Equal(t, 20, snap.Counts()[model.StatusPending])
	assert.Equal(t, 0, h.ledger.State().Consumed)

	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, saved.Counts()[model.StatusFailed])
	assert.False(t, entry(saved, "p-000").Permanent)
}

func TestRun_CircuitOpenStops(t *testing.T) {
	h := newHarness(t, 100)
	h.client.respond = func(int, []revealapi.Reference) ([]revealapi.Result, error) {
		return nil, resilience.FromHTTPStatus(eris.New("upstream 502"), 502)
	}
	cfg := testConfig()
	cfg.Concurrency = 1
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	snap := snapshotOf(10)
	sum, err := h.orchestrator(cfg, WithBreaker(breaker)).Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopCircuitOpen, sum.Reason)
	assert.Equal(t, 1, h.client.callCount())
	assert.Equal(t, 5, sum.Processed)

	// The rejected call never reached the upstream.
	assert.Equal(t, 5, h.ledger.State().Consumed)
	assert.Equal(t, 0, entry(snap, "p-009").Attempts)
	assert.Equal(t, model.StatusPending, entry(snap, "p-009").Status)
}

func TestRun_Limit(t *testing.T) {
	h := newHarness(t, 100)
	cfg := testConfig()
	cfg.Limit = 15

	sum, err := h.orchestrator(cfg).Run(context.Background(), snapshotOf(40))
	require.NoError(t, err)
	assert.Equal(t, StopLimitReached, sum.Reason)
	assert.Equal(t, 15, sum.Processed)
	assert.Equal(t, 2, sum.Batches)
}

func TestRun_CheckpointFailureIsFatal(t *testing.T) {
	h := newHarness(t, 100)
	h.store.failOn = 2

	sum, err := h.orchestrator(testConfig()).Run(context.Background(), snapshotOf(30))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, StopCheckpointFailed, sum.Reason)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 4, h.client.callCount())
}

func TestRun_InterruptDrainsAndResumes(t *testing.T) {
	h := newHarness(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while the third call is in flight.
	h.client.respond = func(call int, refs []revealapi.Reference) ([]revealapi.Result, error) {
		if call == 3 {
			cancel()
		}
		return revealAll(refs), nil
	}
	cfg := testConfig()
	cfg.Concurrency = 1

	snap := snapshotOf(50)
	sum, err := h.orchestrator(cfg).Run(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, StopInterrupted, sum.Reason)
	// Batch 2 holds calls 3 and 4; both run, and no third batch starts.
	assert.Equal(t, 20, sum.Processed)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 4, h.client.callCount())

	resumed, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 20, resumed.Counts()[model.StatusRevealed])
	assert.Equal(t, 30, resumed.Counts()[model.StatusPending])
	assert.Zero(t, resumed.Counts()[model.StatusInFlight])
	assert.Equal(t, 20, resumed.Ledger.Consumed)

	ledger, err := quota.Restore(resumed.Ledger, 1000, quota.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.client.respond = nil
	o := New(cfg, h.client, ledger, h.store, WithClock(h.clock.Now))
	sum, err = o.Run(context.Background(), resumed)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, sum.Reason)
	assert.Equal(t, 30, sum.Processed)

	counts := h.client.keyCounts()
	assert.Len(t, counts, 50)
	for key, n := range counts {
		assert.Equal(t, 1, n, "key %s revealed more than once", key)
	}
	assert.Equal(t, 50, ledger.State().Consumed)
}

func TestRun_InterruptWithConcurrentCalls(t *testing.T) {
	h := newHarness(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.client.respond = func(call int, refs []revealapi.Reference) ([]revealapi.Result, error) {
		if call == 1 {
			cancel()
		}
		return revealAll(refs), nil
	}
	cfg := testConfig()
	cfg.BatchSize = 20
	cfg.Concurrency = 2

	snap := snapshotOf(40)
	sum, err := h.orchestrator(cfg).Run(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, StopInterrupted, sum.Reason)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, 20, sum.Processed)
	assert.Equal(t, 4, h.client.callCount())
	assert.Equal(t, 20, snap.Counts()[model.StatusRevealed])
	assert.Equal(t, 20, snap.Counts()[model.StatusPending])
	assert.Equal(t, 20, h.ledger.State().Consumed)
}

func TestRun_HonorsRetryTime(t *testing.T) {
	h := newHarness(t, 100)
	snap := snapshotOf(3)
	later := h.clock.Now().Add(10 * time.Minute)
	earlier := h.clock.Now().Add(-time.Minute)
	snap.Worklist[0].Attempts = 1
	snap.Worklist[0].NextAttemptAfter = &later
	snap.Worklist[1].Attempts = 1
	snap.Worklist[1].NextAttemptAfter = &earlier
	o := h.orchestrator(testConfig())

	sum, err := o.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopRetryDeferred, sum.Reason)
	require.NotNil(t, sum.ResumeAt)
	assert.Equal(t, later, *sum.ResumeAt)
	assert.Equal(t, map[string]int{"p-001": 1, "p-002": 1}, h.client.keyCounts())
	assert.Equal(t, model.StatusPending, entry(snap, "p-000").Status)
	assert.Equal(t, 1, entry(snap, "p-000").Attempts)

	// Same moment: still waiting.
	sum, err = o.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopRetryDeferred, sum.Reason)
	assert.Zero(t, sum.Processed)
	assert.Equal(t, 1, h.client.callCount())

	h.clock.Advance(10 * time.Minute)
	sum, err = o.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, sum.Reason)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, h.client.keyCounts()["p-000"])
	assert.Equal(t, model.StatusRevealed, entry(snap, "p-000").Status)
}

func TestRun_ResumeMatchesUninterrupted(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 1
	respond := func(_ int, refs []revealapi.Reference) ([]revealapi.Result, error) {
		out := revealAll(refs)
		for i := range out {
			if out[i].Key[len(out[i].Key)-1] == '7' {
				out[i] = revealapi.Result{Key: out[i].Key, Outcome: revealapi.OutcomeLinkedInOnly}
			}
		}
		return out, nil
	}

	straight := newHarness(t, 1000)
	straight.client.respond = respond
	want := snapshotOf(40)
	_, err := straight.orchestrator(cfg).Run(context.Background(), want)
	require.NoError(t, err)

	broken := newHarness(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	broken.client.respond = func(call int, refs []revealapi.Reference) ([]revealapi.Result, error) {
		if call == 2 {
			cancel()
		}
		return respond(call, refs)
	}
	_, err = broken.orchestrator(cfg).Run(ctx, snapshotOf(40))
	require.NoError(t, err)

	got, err := broken.store.Load()
	require.NoError(t, err)
	broken.client.respond = respond
	_, err = broken.orchestrator(cfg).Run(context.Background(), got)
	require.NoError(t, err)

	require.Len(t, got.Worklist, len(want.Worklist))
	for i := range want.Worklist {
		assert.Equal(t, want.Worklist[i].Status, got.Worklist[i].Status)
		assert.Equal(t, want.Worklist[i].Attempts, got.Worklist[i].Attempts)
		assert.Equal(t, want.Worklist[i].Contact, got.Worklist[i].Contact)
	}
	assert.Equal(t, straight.ledger.State().Consumed, broken.ledger.State().Consumed)
}

func TestRun_JournalAndRecorder(t *testing.T) {
	h := newHarness(t, 100)
	rec := newFakeRecorder()

	sum, err := h.orchestrator(testConfig(), WithRecorder(rec)).Run(context.Background(), snapshotOf(12))
	require.NoError(t, err)

	require.Equal(t, []string{sum.RunID}, h.journal.started)
	require.Len(t, h.journal.finished, 1)
	assert.Equal(t, string(StopComplete), h.journal.finished[0].StopReason)
	assert.Equal(t, 12, h.journal.finished[0].Processed)

	// Two transitions per entry: pending -> in_flight -> revealed.
	require.Len(t, h.journal.transitions, 24)
	perKey := map[string][]model.Transition{}
	for _, tr := range h.journal.transitions {
		perKey[tr.IdentityKey] = append(perKey[tr.IdentityKey], tr)
	}
	first := perKey["p-000"]
	require.Len(t, first, 2)
	assert.Equal(t, model.StatusPending, first[0].From)
	assert.Equal(t, model.StatusInFlight, first[0].To)
	assert.Equal(t, model.StatusInFlight, first[1].From)
	assert.Equal(t, model.StatusRevealed, first[1].To)
	assert.Equal(t, 1, first[1].Attempts)

	assert.Equal(t, 12, rec.outcomes[model.StatusRevealed])
	assert.Equal(t, 3, rec.calls[CallOK])
	assert.Equal(t, 2, rec.batches)
	assert.Equal(t, 88, rec.lastRem)
}

func TestRun_NotAcceptedTransportError(t *testing.T) {
	h := newHarness(t, 10)
	h.client.respond = func(int, []revealapi.Reference) ([]revealapi.Result, error) {
		return nil, resilience.NewCallError(errors.New("dial tcp: connection refused"), resilience.ClassTransient, 0, false)
	}
	_, err := h.orchestrator(testConfig()).Run(context.Background(), snapshotOf(5))
	require.NoError(t, err)
	assert.Equal(t, 0, h.ledger.State().Consumed)
}
