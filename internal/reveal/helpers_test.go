package reveal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/quota"
	"github.com/sells-group/contact-reveal/internal/resilience"
	"github.com/sells-group/contact-reveal/internal/store"
	"github.com/sells-group/contact-reveal/pkg/revealapi"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeClient answers every reference with respond, or reveals it by default.
type fakeClient struct {
	mu      sync.Mutex
	calls   [][]revealapi.Reference
	counts  map[string]int
	respond func(call int, refs []revealapi.Reference) ([]revealapi.Result, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{counts: make(map[string]int)}
}

func (f *fakeClient) Reveal(_ context.Context, refs []revealapi.Reference) ([]revealapi.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, refs)
	n := len(f.calls)
	for _, r := range refs {
		f.counts[r.Key]++
	}
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(n, refs)
	}
	return revealAll(refs), nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) keyCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

func revealAll(refs []revealapi.Reference) []revealapi.Result {
	out := make([]revealapi.Result, len(refs))
	for i, r := range refs {
		out[i] = revealapi.Result{
			Key:     r.Key,
			Outcome: revealapi.OutcomeRevealed,
			Contact: map[string]string{"email": r.Key + "@example.test"},
		}
	}
	return out
}

func resultsWith(refs []revealapi.Reference, outcome revealapi.Outcome, rerr *revealapi.ResultError) []revealapi.Result {
	out := make([]revealapi.Result, len(refs))
	for i, r := range refs {
		out[i] = revealapi.Result{Key: r.Key, Outcome: outcome, Error: rerr}
	}
	return out
}

// memStore keeps a deep copy of the last saved snapshot. failOn makes the
// nth save (1-based) fail.
type memStore struct {
	mu     sync.Mutex
	data   []byte
	saves  int
	failOn int
}

func (m *memStore) Save(s *checkpoint.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failOn > 0 && m.saves == m.failOn {
		return eris.New("disk full")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func (m *memStore) Load() (*checkpoint.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, checkpoint.ErrNotFound
	}
	var s checkpoint.Snapshot
	if err := json.Unmarshal(m.data, &s); err != nil {
		return nil, err
	}
	checkpoint.ResetInFlight(&s)
	return &s, nil
}

type fakeJournal struct {
	mu          sync.Mutex
	transitions []model.Transition
	started     []string
	finished    []store.Run
}

func (j *fakeJournal) Append(_ context.Context, ts []model.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, ts...)
	return nil
}

func (j *fakeJournal) StartRun(_ context.Context, runID string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, runID)
	return nil
}

func (j *fakeJournal) FinishRun(_ context.Context, run store.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, run)
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[model.EntryStatus]int
	calls    map[string]int
	batches  int
	lastRem  int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: map[model.EntryStatus]int{}, calls: map[string]int{}}
}

func (r *fakeRecorder) ObserveOutcome(s model.EntryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[s]++
}

func (r *fakeRecorder) ObserveCall(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[result]++
}

func (r *fakeRecorder) SetQuota(remaining, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRem = remaining
}

func (r *fakeRecorder) ObserveBatch(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
}

// snapshotOf builds a snapshot with n pending entries keyed p-000, p-001, ...
func snapshotOf(n int) *checkpoint.Snapshot {
	s := &checkpoint.Snapshot{}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("p-%03d", i)
		s.Records = append(s.Records, model.DedupGroup{
			IdentityKey: key,
			Canonical:   model.ContactRecord{IdentityKey: key, PrimaryID: key, SourceBatch: "a.json", SourceIndex: i},
		})
		s.Worklist = append(s.Worklist, model.WorklistEntry{IdentityKey: key, Status: model.StatusPending, SourceBatch: "a.json"})
	}
	return s
}

func testConfig() Config {
	return Config{
		BatchSize:   10,
		CallSize:    5,
		Concurrency: 2,
		MaxAttempts: 3,
		Backoff: resilience.RetryConfig{
			InitialBackoff: time.Minute,
			MaxBackoff:     time.Hour,
			Multiplier:     2,
		},
		Policy: quota.DefaultPolicy(),
	}
}

type harness struct {
	clock   *fakeClock
	ledger  *quota.Ledger
	client  *fakeClient
	store   *memStore
	journal *fakeJournal
}

func newHarness(t *testing.T, dailyCap int) *harness {
	t.Helper()
	clock := newFakeClock()
	ledger, err := quota.NewLedger(dailyCap, quota.WithClock(clock.Now))
	require.NoError(t, err)
	return &harness{
		clock:   clock,
		ledger:  ledger,
		client:  newFakeClient(),
		store:   &memStore{},
		journal: &fakeJournal{},
	}
}

func (h *harness) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	base := []Option{WithClock(h.clock.Now), WithJournal(h.journal)}
	return New(cfg, h.client, h.ledger, h.store, append(base, opts...)...)
}

func entry(s *checkpoint.Snapshot, key string) model.WorklistEntry {
	for _, e := range s.Worklist {
		if e.IdentityKey == key {
			return e
		}
	}
	return model.WorklistEntry{}
}
