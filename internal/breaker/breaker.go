// Package breaker implements a per-backend consecutive-failure circuit breaker.
//
// Phases:
//   - CLOSED: calls pass through; consecutive failures are counted.
//   - OPEN: calls fail fast with ErrCircuitOpen until the reopen deadline.
//   - HALF_OPEN: the first call after the deadline runs as a trial. Success
//     closes the circuit, failure reopens it immediately.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type Phase string

const (
	Closed   Phase = "CLOSED"
	Open     Phase = "OPEN"
	HalfOpen Phase = "HALF_OPEN"
)

// StateChangeFunc is called after every phase transition, outside the
// breaker's lock.
type StateChangeFunc func(name string, from, to Phase)

type Config struct {
	// Threshold is the number of consecutive failures that trips the
	// circuit. Values <= 0 default to 5.
	Threshold int
	// Timeout is how long the circuit stays OPEN before a trial call.
	// Values <= 0 default to 30s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Stats is a snapshot of all breaker fields.
type Stats struct {
	Name                string        `json:"name"`
	Phase               Phase         `json:"phase"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Threshold           int           `json:"threshold"`
	Timeout             time.Duration `json:"timeout"`
	LastFailure         time.Time     `json:"lastFailure,omitempty"`
	ReopenAt            time.Time     `json:"reopenAt,omitempty"`
	TrialInFlight       bool          `json:"trialInFlight"`
}

type transition struct{ from, to Phase }

// Breaker is safe for concurrent use. Each state transition happens under
// the breaker's own mutex; the wrapped operation runs unlocked.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange StateChangeFunc

	mu          sync.Mutex
	phase       Phase
	fails       int
	lastFailure time.Time
	reopenAt    time.Time
	trial       bool
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		phase: Closed,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Call runs op through the breaker. When the circuit is open op is never
// invoked and ErrCircuitOpen is returned. Errors from op are returned
// unchanged. An error caused by ctx ending is not counted as a failure; a
// panic in op is counted, then re-raised.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	var changes []transition

	b.mu.Lock()
	now := b.now()
	switch b.phase {
	case Open:
		if now.Before(b.reopenAt) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		changes = append(changes, b.setPhaseLocked(HalfOpen))
		b.trial = true
	case HalfOpen:
		// Only one trial at a time; concurrent callers are rejected until it resolves.
		if b.trial {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trial = true
	}
	b.mu.Unlock()
	b.fire(changes)

	finished := false
	defer func() {
		if finished {
			return
		}
		// op panicked: count it so a half-open trial cannot stay in flight.
		r := recover()
		b.mu.Lock()
		c := b.onFailureLocked(b.now(), nil)
		b.mu.Unlock()
		b.fire(c)
		if r != nil {
			panic(r)
		}
	}()

	err := op(ctx)
	finished = true

	b.mu.Lock()
	changes = changes[:0]
	switch {
	case err == nil:
		changes = b.onSuccessLocked(changes)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// The caller gave up; the backend said nothing about its health.
		changes = b.onAbandonLocked(changes)
	default:
		changes = b.onFailureLocked(b.now(), changes)
	}
	b.mu.Unlock()
	b.fire(changes)
	return err
}

// onAbandonLocked releases a half-open trial back to OPEN without moving
// reopenAt, so the next caller gets the trial.
func (b *Breaker) onAbandonLocked(changes []transition) []transition {
	if b.phase == HalfOpen {
		b.trial = false
		changes = append(changes, b.setPhaseLocked(Open))
	}
	return changes
}

func (b *Breaker) onSuccessLocked(changes []transition) []transition {
	switch b.phase {
	case HalfOpen:
		b.trial = false
		b.fails = 0
		b.reopenAt = time.Time{}
		changes = append(changes, b.setPhaseLocked(Closed))
	case Closed:
		b.fails = 0
	}
	return changes
}

func (b *Breaker) onFailureLocked(now time.Time, changes []transition) []transition {
	b.fails++
	b.lastFailure = now
	switch b.phase {
	case HalfOpen:
		b.trial = false
		b.reopenAt = now.Add(b.cfg.Timeout)
		changes = append(changes, b.setPhaseLocked(Open))
	case Closed:
		if b.fails >= b.cfg.Threshold {
			b.reopenAt = now.Add(b.cfg.Timeout)
			changes = append(changes, b.setPhaseLocked(Open))
		}
	}
	return changes
}

func (b *Breaker) setPhaseLocked(to Phase) transition {
	t := transition{from: b.phase, to: to}
	b.phase = to
	return t
}

func (b *Breaker) fire(changes []transition) {
	if b.onChange == nil {
		return
	}
	for _, c := range changes {
		if c.from != c.to {
			b.onChange(b.name, c.from, c.to)
		}
	}
}

func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// IsOpen reports true only while OPEN and before the reopen deadline. A
// breaker past its deadline reports false so the next call can run the trial.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase == Open && b.now().Before(b.reopenAt)
}

func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}

// TimeUntilNextAttempt is 0 unless the circuit is OPEN.
func (b *Breaker) TimeUntilNextAttempt() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != Open {
		return 0
	}
	d := b.reopenAt.Sub(b.now())
	if d < 0 {
		return 0
	}
	return d
}

// Reset forces CLOSED and clears counters and timers.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.phase
	b.phase = Closed
	b.fails = 0
	b.lastFailure = time.Time{}
	b.reopenAt = time.Time{}
	b.trial = false
	b.mu.Unlock()

	if b.onChange != nil {
		b.onChange(b.name, from, Closed)
	}
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                b.name,
		Phase:               b.phase,
		ConsecutiveFailures: b.fails,
		Threshold:           b.cfg.Threshold,
		Timeout:             b.cfg.Timeout,
		LastFailure:         b.lastFailure,
		ReopenAt:            b.reopenAt,
		TrialInFlight:       b.trial,
	}
}
