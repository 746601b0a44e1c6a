package reveal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/contact-reveal/internal/model"
	"github.com/sells-group/contact-reveal/internal/resilience"
	"github.com/sells-group/contact-reveal/pkg/revealapi"
)

const (
	errMissingResult = "missing_result"
	errNotFound      = "not_found"
)

// callResult is the outcome of one upstream call covering keys.
type callResult struct {
	keys    []string
	results map[string]revealapi.Result
	err     error
	noQuota bool
	// charged is the quota the call kept after settlement.
	charged int
}

func (c callResult) label() string {
	switch {
	case c.noQuota:
		return CallNoQuota
	case c.err == nil:
		return CallOK
	case errors.Is(c.err, resilience.ErrCircuitOpen):
		return CallCircuitOpen
	default:
		return string(resilience.Classify(c.err))
	}
}

// call reserves quota for refs, calls the upstream through the breaker and
// settles the reservation. Quota comes back only for calls the upstream
// provably never accepted and for results it reports as not charged.
func (o *Orchestrator) call(ctx context.Context, keys []string, refs []revealapi.Reference) callResult {
	res := callResult{keys: keys}
	if !o.ledger.TryReserve(len(refs)) {
		res.noQuota = true
		return res
	}

	results, err := resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) ([]revealapi.Result, error) {
		return o.client.Reveal(ctx, refs)
	})
	if err != nil {
		res.err = err
		accepted := resilience.Accepted(err)
		if accepted {
			res.charged = len(refs)
		} else {
			o.ledger.Release(len(refs))
		}
		zap.L().Warn("reveal: call failed",
			zap.Int("references", len(refs)),
			zap.String("class", string(resilience.Classify(err))),
			zap.Bool("accepted", accepted),
			zap.Error(err),
		)
		return res
	}

	res.results = make(map[string]revealapi.Result, len(results))
	for _, r := range results {
		res.results[r.Key] = r
	}
	uncharged := 0
	for _, k := range keys {
		if r, ok := res.results[k]; ok && !o.charged(r) {
			uncharged++
		}
	}
	o.ledger.Release(uncharged)
	res.charged = len(refs) - uncharged
	return res
}

// charged reports whether the upstream billed for r. Results the upstream
// did not return at all are treated as charged.
func (o *Orchestrator) charged(r revealapi.Result) bool {
	switch r.Outcome {
	case revealapi.OutcomeRevealed:
		return true
	case revealapi.OutcomeLinkedInOnly:
		return o.cfg.Policy.CountLinkedInOnly
	case revealapi.OutcomeNotFound:
		return o.cfg.Policy.CountNotFound
	default:
		return r.Error == nil || r.Error.Charged
	}
}

// next is the state an in-flight entry moves to.
type next struct {
	status    model.EntryStatus
	attempted bool
	errText   string
	permanent bool
	retryAt   *time.Time
	contact   map[string]string
}

func (o *Orchestrator) classify(e *model.WorklistEntry, res callResult, key string, now time.Time) next {
	if res.noQuota || errors.Is(res.err, resilience.ErrCircuitOpen) {
		return next{status: model.StatusPending}
	}

	if res.err != nil {
		switch class := resilience.Classify(res.err); {
		case class == resilience.ClassAuth:
			return next{status: model.StatusFailed, attempted: true, errText: res.err.Error()}
		case class.Retryable():
			return o.retryOrFail(e, res.err.Error(), now)
		default:
			return next{status: model.StatusFailed, attempted: true, errText: res.err.Error(), permanent: true}
		}
	}

	r, ok := res.results[key]
	if !ok {
		return o.retryOrFail(e, errMissingResult, now)
	}
	switch r.Outcome {
	case revealapi.OutcomeRevealed:
		return next{status: model.StatusRevealed, attempted: true, contact: r.Contact}
	case revealapi.OutcomeLinkedInOnly:
		return next{status: model.StatusLinkedInOnly, attempted: true, contact: r.Contact}
	case revealapi.OutcomeNotFound:
		return next{status: model.StatusFailed, attempted: true, errText: errNotFound, permanent: true}
	default:
		text := string(r.Outcome)
		if r.Error != nil {
			text = r.Error.String()
		}
		if r.Error != nil && r.Error.Retryable {
			return o.retryOrFail(e, text, now)
		}
		return next{status: model.StatusFailed, attempted: true, errText: text, permanent: true}
	}
}

// retryOrFail returns the entry to pending with the earliest time a later run
// may try it again, or fails it once the attempt budget is spent.
func (o *Orchestrator) retryOrFail(e *model.WorklistEntry, errText string, now time.Time) next {
	attempts := e.Attempts + 1
	if attempts >= o.cfg.MaxAttempts {
		return next{status: model.StatusFailed, attempted: true, errText: errText}
	}
	at := now.Add(o.cfg.Backoff.Backoff(attempts))
	return next{status: model.StatusPending, attempted: true, errText: errText, retryAt: &at}
}

func applyOutcome(e *model.WorklistEntry, n next, now time.Time) {
	e.Status = n.status
	if !n.attempted {
		return
	}
	e.Attempts++
	e.Permanent = n.permanent
	e.NextAttemptAfter = n.retryAt

	switch n.status {
	case model.StatusRevealed, model.StatusLinkedInOnly:
		revealedAt := now
		e.RevealedAt = &revealedAt
		e.Contact = n.contact
		e.LastError = ""
	default:
		e.LastError = n.errText
	}
}
