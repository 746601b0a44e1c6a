// Package quota mirrors the upstream daily reveal allowance locally.
package quota

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-reveal/internal/model"
)

const window = 24 * time.Hour

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Policy states which reveal outcomes the upstream bills for. Whether a
// linkedin-only match consumes quota is not documented upstream, so it is an
// explicit, overridable assumption.
type Policy struct {
	CountLinkedInOnly bool
	CountNotFound     bool
}

// DefaultPolicy counts every accepted reveal against the quota.
func DefaultPolicy() Policy {
	return Policy{CountLinkedInOnly: true, CountNotFound: true}
}

// Ledger tracks consumption against a rolling daily cap. All methods are
// safe for concurrent use; reservations are serialized by a single mutex.
type Ledger struct {
	mu          sync.Mutex
	dailyCap    int
	windowStart time.Time
	consumed    int
	loc         *time.Location
	now         Clock
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		l.now = c
	}
}

// WithLocation aligns window boundaries to midnight in loc (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// NewLedger creates a ledger with an empty window starting at the current day boundary.
func NewLedger(dailyCap int, opts ...Option) (*Ledger, error) {
	if dailyCap < 0 {
		return nil, eris.Errorf("quota: daily cap must be >= 0, got %d", dailyCap)
	}
	l := &Ledger{
		dailyCap: dailyCap,
		loc:      time.UTC,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.windowStart = dayStart(l.now(), l.loc)
	return l, nil
}

// Restore creates a ledger from persisted state. A cap change in
// configuration wins over the persisted cap; consumption is kept.
func Restore(state model.LedgerState, dailyCap int, opts ...Option) (*Ledger, error) {
	l, err := NewLedger(dailyCap, opts...)
	if err != nil {
		return nil, err
	}
	if state.Consumed < 0 {
		return nil, eris.Errorf("quota: persisted consumption must be >= 0, got %d", state.Consumed)
	}
	if !state.WindowStart.IsZero() {
		l.windowStart = state.WindowStart
		l.consumed = state.Consumed
	}
	l.mu.Lock()
	l.rollLocked()
	l.mu.Unlock()
	return l, nil
}

// State returns a snapshot suitable for checkpointing.
func (l *Ledger) State() model.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.LedgerState{
		DailyCap:    l.dailyCap,
		WindowStart: l.windowStart,
		Consumed:    l.consumed,
	}
}

// Remaining returns the reveals still available in the current window.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.remainingLocked()
}

// TimeUntilReset returns how long until the current window rolls over.
func (l *Ledger) TimeUntilReset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	d := l.windowStart.Add(window).Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

// ResetAt returns the instant the current window ends.
func (l *Ledger) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.windowStart.Add(window)
}

// TryReserve atomically reserves n reveals. It returns false and changes
// nothing if n exceeds the remaining capacity; there are no partial reservations.
func (l *Ledger) TryReserve(n int) bool {
	if n < 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	if n > l.remainingLocked() {
		return false
	}
	l.consumed += n
	return true
}

// Release returns n reserved reveals for calls the upstream provably never
// accepted. It never drives consumption below zero.
func (l *Ledger) Release(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed -= n
	if l.consumed < 0 {
		l.consumed = 0
	}
}

// RollIfExpired resets consumption when the window boundary has passed and
// reports whether it did.
func (l *Ledger) RollIfExpired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollLocked()
}

func (l *Ledger) rollLocked() bool {
	now := l.now()
	if now.Before(l.windowStart.Add(window)) {
		return false
	}
	elapsed := now.Sub(l.windowStart) / window
	l.windowStart = l.windowStart.Add(elapsed * window)
	l.consumed = 0
	return true
}

func (l *Ledger) remainingLocked() int {
	r := l.dailyCap - l.consumed
	if r < 0 {
		return 0
	}
	return r
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
