package reveal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/contact-reveal/internal/checkpoint"
	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/quota"
	"github.com/sells-group/contact-reveal/internal/resilience"
	"github.com/sells-group/contact-reveal/internal/store"
	"github.com/sells-group/contact-reveal/pkg/revealapi"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJournal records transitions and run summaries.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithRecorder reports metrics.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithBreaker guards upstream calls with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *Orchestrator) {
		o.breaker = cb
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs the reveal loop over a snapshot's worklist.
type Orchestrator struct {
	cfg      Config
	client   revealapi.Client
	ledger   *quota.Ledger
	store    checkpoint.Store
	journal  Journal
	recorder Recorder
	breaker  *resilience.CircuitBreaker
	now      func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, client revealapi.Client, ledger *quota.Ledger, cp checkpoint.Store, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CallSize <= 0 {
		cfg.CallSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		ledger:   ledger,
		store:    cp,
		recorder: nopRecorder{},
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run holds the mutable state of one Run call.
type run struct {
	id        string
	snap      *checkpoint.Snapshot
	index     map[string]int
	groups    map[string]int
	attempted map[string]bool
	summary   *Summary
}

// Run processes pending entries until the work is done, the quota is spent,
// the limit is reached or ctx is cancelled. A batch that has started always
// drains: every call of the batch runs to completion and cancellation only
// prevents the next batch. Entries whose retry time lies in the future wait
// for a later run. The snapshot is checkpointed after every batch; a
// checkpoint failure ends the run with an error.
func (o *Orchestrator) Run(ctx context.Context, snap *checkpoint.Snapshot) (*Summary, error) {
	r := &run{
		id:        uuid.New().String(),
		snap:      snap,
		index:     make(map[string]int, len(snap.Worklist)),
		groups:    make(map[string]int, len(snap.Records)),
		attempted: make(map[string]bool),
		summary:   &Summary{Outcomes: make(map[model.EntryStatus]int)},
	}
	r.summary.RunID = r.id
	snap.RunID = r.id
	for i, e := range snap.Worklist {
		r.index[e.IdentityKey] = i
	}
	for i, g := range snap.Records {
		r.groups[g.IdentityKey] = i
	}

	o.ledger.RollIfExpired()
	o.journalStart(ctx, r)

	log := zap.L().With(zap.String("run_id", r.id))
	log.Info("reveal: run starting",
		zap.Int("pending", model.CountByStatus(snap.Worklist)[model.StatusPending]),
		zap.Int("remaining_quota", o.ledger.Remaining()),
		zap.Int("batch_size", o.cfg.BatchSize),
	)

	var runErr error
	for {
		if ctx.Err() != nil {
			r.summary.Reason = StopInterrupted
			break
		}

		if o.ledger.RollIfExpired() {
			log.Info("reveal: quota window rolled over")
		}

		eligible := o.eligible(r)
		n := min(o.cfg.BatchSize, o.ledger.Remaining(), len(eligible))
		limited := false
		if o.cfg.Limit > 0 {
			left := o.cfg.Limit - r.summary.Processed
			if left < n {
				n = max(left, 0)
				limited = true
			}
		}

		if n == 0 {
			o.stopReason(r, eligible, limited)
			break
		}

		out, err := o.runBatch(ctx, r, eligible[:n])
		if err != nil {
			r.summary.Reason = StopCheckpointFailed
			runErr = err
			break
		}
		if out.authFailed {
			r.summary.Reason = StopAuthFailed
			runErr = ErrAuth
			break
		}
		if out.circuitOpen {
			r.summary.Reason = StopCircuitOpen
			break
		}
	}

	// Final checkpoint captures the rolled ledger even when no batch ran.
	if runErr == nil || errors.Is(runErr, ErrAuth) {
		if err := o.checkpoint(r); err != nil {
			runErr = err
		}
	}

	o.finish(r)
	o.journalFinish(ctx, r)

	log.Info("reveal: run finished",
		zap.String("reason", string(r.summary.Reason)),
		zap.Int("batches", r.summary.Batches),
		zap.Int("processed", r.summary.Processed),
		zap.Int("consumed", r.summary.Consumed),
		zap.Int("remaining_quota", r.summary.Remaining),
	)
	return r.summary, runErr
}

// eligible returns pending entries not yet attempted in this run and not
// waiting on a retry time, in worklist order.
func (o *Orchestrator) eligible(r *run) []string {
	now := o.now()
	var keys []string
	for _, e := range r.snap.Worklist {
		if e.Status != model.StatusPending || r.attempted[e.IdentityKey] {
			continue
		}
		if e.NextAttemptAfter != nil && e.NextAttemptAfter.After(now) {
			continue
		}
		keys = append(keys, e.IdentityKey)
	}
	return keys
}

func (o *Orchestrator) stopReason(r *run, eligible []string, limited bool) {
	switch {
	case limited && len(eligible) > 0:
		r.summary.Reason = StopLimitReached
	case len(eligible) > 0:
		r.summary.Reason = StopQuotaExhausted
		resume := o.ledger.ResetAt()
		r.summary.ResumeAt = &resume
	default:
		deferred := false
		var earliest *time.Time
		for _, e := range r.snap.Worklist {
			if e.Status != model.StatusPending {
				continue
			}
			deferred = true
			if e.NextAttemptAfter != nil && (earliest == nil || e.NextAttemptAfter.Before(*earliest)) {
				t := *e.NextAttemptAfter
				earliest = &t
			}
		}
		if deferred {
			r.summary.Reason = StopRetryDeferred
			r.summary.ResumeAt = earliest
		} else {
			r.summary.Reason = StopComplete
		}
	}
}

type batchOutcome struct {
	authFailed  bool
	circuitOpen bool
}

// runBatch marks keys in flight, fans the calls out and applies the results.
func (o *Orchestrator) runBatch(ctx context.Context, r *run, keys []string) (batchOutcome, error) {
	start := time.Now()
	now := o.now()
	var transitions []model.Transition

	for _, k := range keys {
		e := &r.snap.Worklist[r.index[k]]
		transitions = append(transitions, o.transition(r, e, model.StatusInFlight, now))
		e.Status = model.StatusInFlight
		r.attempted[k] = true
	}

	chunks := chunk(keys, o.cfg.CallSize)
	results := make([]callResult, len(chunks))

	// Calls outlive operator cancellation so the whole batch is recorded.
	callCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)
	for i, c := range chunks {
		refs := o.references(r, c)
		g.Go(func() error {
			results[i] = o.call(callCtx, c, refs)
			return nil
		})
	}
	_ = g.Wait()

	var out batchOutcome
	now = o.now()
	for _, res := range results {
		r.summary.Consumed += res.charged
		o.recorder.ObserveCall(res.label())
		if res.err != nil {
			switch {
			case resilience.Classify(res.err) == resilience.ClassAuth:
				out.authFailed = true
			case errors.Is(res.err, resilience.ErrCircuitOpen):
				out.circuitOpen = true
			}
		}
		for _, k := range res.keys {
			e := &r.snap.Worklist[r.index[k]]
			plan := o.classify(e, res, k, now)
			applyOutcome(e, plan, now)
			t := o.transition(r, e, e.Status, now)
			t.From = model.StatusInFlight
			t.Error = plan.errText
			transitions = append(transitions, t)
			if plan.attempted {
				r.summary.Processed++
				r.summary.Outcomes[e.Status]++
				o.recorder.ObserveOutcome(e.Status)
			}
		}
	}
	r.summary.Batches++

	state := o.ledger.State()
	o.recorder.SetQuota(o.ledger.Remaining(), state.Consumed)
	o.recorder.ObserveBatch(time.Since(start))

	if err := o.checkpoint(r); err != nil {
		return out, err
	}
	o.journalAppend(ctx, r, transitions)

	zap.L().Info("reveal: batch complete",
		zap.String("run_id", r.id),
		zap.Int("batch", r.summary.Batches),
		zap.Int("entries", len(keys)),
		zap.Int("calls", len(chunks)),
		zap.Int("consumed", state.Consumed),
		zap.Int("remaining_quota", o.ledger.Remaining()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (o *Orchestrator) references(r *run, keys []string) []revealapi.Reference {
	refs := make([]revealapi.Reference, 0, len(keys))
	for _, k := range keys {
		ref := revealapi.Reference{Key: k}
		if i, ok := r.groups[k]; ok {
			c := r.snap.Records[i].Canonical
			ref.ID = c.PrimaryID
			ref.ProfileURL = c.ProfileURL
		}
		refs = append(refs, ref)
	}
	return refs
}

func (o *Orchestrator) checkpoint(r *run) error {
	r.snap.Ledger = o.ledger.State()
	if err := o.store.Save(r.snap); err != nil {
		return eris.Wrap(err, "reveal: checkpoint")
	}
	return nil
}

func (o *Orchestrator) transition(r *run, e *model.WorklistEntry, to model.EntryStatus, at time.Time) model.Transition {
	return model.Transition{
		RunID:       r.id,
		IdentityKey: e.IdentityKey,
		From:        e.Status,
		To:          to,
		Attempts:    e.Attempts,
		At:          at,
	}
}

func (o *Orchestrator) finish(r *run) {
	r.summary.Remaining = o.ledger.Remaining()
	r.summary.ResetIn = o.ledger.TimeUntilReset()
}

func (o *Orchestrator) journalStart(ctx context.Context, r *run) {
	if o.journal == nil {
		return
	}
	if err := o.journal.StartRun(context.WithoutCancel(ctx), r.id, o.now()); err != nil {
		zap.L().Warn("reveal: journal start run failed", zap.Error(err))
	}
}

func (o *Orchestrator) journalAppend(ctx context.Context, r *run, transitions []model.Transition) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Append(context.WithoutCancel(ctx), transitions); err != nil {
		zap.L().Warn("reveal: journal append failed",
			zap.String("run_id", r.id),
			zap.Int("transitions", len(transitions)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) journalFinish(ctx context.Context, r *run) {
	if o.journal == nil {
		return
	}
	finished := o.now()
	if err := o.journal.FinishRun(context.WithoutCancel(ctx), store.Run{
		ID:         r.id,
		FinishedAt: &finished,
		StopReason: string(r.summary.Reason),
		Processed:  r.summary.Processed,
		Consumed:   r.summary.Consumed,
	}); err != nil {
		zap.L().Warn("reveal: journal finish run failed", zap.Error(err))
	}
}

func chunk(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > 0 {
		n := min(size, len(keys))
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}
