// Package orchestrator runs the delivery pipeline: idempotency check, global
// rate limit, per-backend circuit breaking, retry with exponential backoff
// and ordered fallback across backends. Every outcome is captured in a
// Record; Send never returns an error.
//
// Concurrency: each shared structure (idempotency set, records, limiter,
// breakers, sticky index, queue) is guarded on its own. Send as a whole is
// not atomic. Two concurrent Sends with the same id can both pass the
// idempotency check and both deliver, because an id is only added to the
// set after a successful attempt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"courier/internal/backend"
	"courier/internal/breaker"
	"courier/internal/dispatchqueue"
	"courier/internal/eventbus"
	"courier/internal/ratelimit"
	"courier/pkg/logx"
)

// Config holds retry policy. Zero values take defaults.
type Config struct {
	// MaxRetries is the number of attempts per backend. Default 3.
	MaxRetries int
	// InitialRetryDelay is the sleep before the second attempt. Default 1s.
	InitialRetryDelay time.Duration
	// MaxRetryDelay caps the exponential backoff. Default 10s.
	MaxRetryDelay time.Duration
	// SkipValidationRetry moves to the next backend as soon as a backend
	// rejects a request as invalid instead of retrying it.
	SkipValidationRetry bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * time.Second
	}
	if c.MaxRetryDelay < c.InitialRetryDelay {
		c.MaxRetryDelay = c.InitialRetryDelay
	}
	return c
}

// AuditSink receives every terminal record (sent, failed, rate_limited).
// It is write-only; the orchestrator never reads it back.
type AuditSink interface {
	Append(ctx context.Context, rec Record) error
}

type member struct {
	backend backend.Backend
	breaker *breaker.Breaker
}

type Orchestrator struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	audit   AuditSink
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	brkCfg  breaker.Config
	limiter *ratelimit.Limiter
	queue   *dispatchqueue.Queue

	members  []member
	selector *stickySelector
	sent     *idSet
	records  *recordStore
	draining atomic.Bool
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

func WithAuditSink(s AuditSink) Option { return func(o *Orchestrator) { o.audit = s } }

func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.limiter = l
		}
	}
}

func WithQueue(q *dispatchqueue.Queue) Option {
	return func(o *Orchestrator) {
		if q != nil {
			o.queue = q
		}
	}
}

func WithBreakerConfig(c breaker.Config) Option { return func(o *Orchestrator) { o.brkCfg = c } }

// WithClock replaces time.Now for records, ids and breakers.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep replaces the ctx-aware backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// New builds an orchestrator over backends, tried in the given order.
// Backend names must be unique.
func New(backends []backend.Backend, cfg Config, opts ...Option) (*Orchestrator, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		log:     logx.Nop(),
		bus:     eventbus.Nop(),
		now:     time.Now,
		sleep:   sleepCtx,
		sent:    newIDSet(),
		records: newRecordStore(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(100, time.Minute, ratelimit.WithClock(o.now))
	}
	if o.queue == nil {
		o.queue = dispatchqueue.New(dispatchqueue.WithLogger(o.log), dispatchqueue.WithClock(o.now))
	}

	seen := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		name := b.Name()
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("backend with empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", name)
		}
		seen[name] = struct{}{}
		o.members = append(o.members, member{
			backend: b,
			breaker: breaker.New(name, o.brkCfg, breaker.WithClock(o.now), breaker.WithStateChange(o.onCircuitChange)),
		})
	}
	o.selector = &stickySelector{n: len(o.members)}
	return o, nil
}

func (o *Orchestrator) onCircuitChange(name string, from, to breaker.Phase) {
	if from == to {
		return
	}
	fields := []logx.Field{logx.String("backend", name), logx.String("from", string(from)), logx.String("to", string(to))}
	if to == breaker.Open {
		o.log.Warn("circuit opened", fields...)
	} else {
		o.log.Info("circuit state changed", fields...)
	}
	o.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCircuitState,
		Time: o.now(),
		Data: eventbus.CircuitEvent{Backend: name, From: string(from), To: string(to)},
	})
}

// DeriveID returns the identifier used for a request without one: a content
// hash of to|subject|body plus the current time.
func DeriveID(req backend.Request, now time.Time) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.To))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(req.Subject))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(req.Body))
	return fmt.Sprintf("msg-%016x-%x", h.Sum64(), now.UnixNano())
}

func (o *Orchestrator) resolveID(req backend.Request) backend.Request {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = DeriveID(req, o.now())
	}
	return req
}

// Backoff returns the sleep before attempt+1 on the same backend:
// min(initial * 2^(attempt-1), max).
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	d := o.cfg.InitialRetryDelay
	for i := 1; i < attempt; i++ {
		if d > o.cfg.MaxRetryDelay-d {
			return o.cfg.MaxRetryDelay
		}
		d *= 2
	}
	return min(d, o.cfg.MaxRetryDelay)
}

// Send delivers req and returns its record. See the package doc for the
// pipeline. The returned record is a snapshot.
func (o *Orchestrator) Send(ctx context.Context, req backend.Request) *Record {
	req = o.resolveID(req)
	id := req.ID
	log := o.log.With(logx.String("id", id))

	if o.sent.has(id) {
		rec := &Record{
			ID:        id,
			Status:    StatusAlreadySent,
			Success:   true,
			Message:   "message already sent",
			Timestamp: o.now(),
			Attempts:  []Attempt{},
		}
		if prev, ok := o.records.get(id); ok {
			rec.Provider, rec.MessageID = prev.Provider, prev.MessageID
		}
		log.Debug("duplicate send suppressed")
		o.publish(eventbus.TypeDeliveryDuplicate, rec, "")
		return rec
	}

	if !o.limiter.Allow() {
		rec := &Record{
			ID:        id,
			Status:    StatusRateLimited,
			Message:   ErrRateLimited.Error(),
			Timestamp: o.now(),
			Attempts:  []Attempt{},
		}
		o.records.put(rec)
		snap := rec.clone()
		log.Warn("send rate limited", logx.Duration("retry_in", o.limiter.TimeUntilReset()))
		o.finish(ctx, eventbus.TypeDeliveryRateLimited, snap, "")
		return snap
	}

	rec := &Record{ID: id, Status: StatusProcessing, Timestamp: o.now(), Attempts: []Attempt{}}
	o.records.put(rec)

	attempted := false
	var lastErr error
	for _, i := range o.selector.order() {
		m := o.members[i]
		name := m.backend.Name()

		if m.breaker.IsOpen() {
			o.appendAttempt(rec, Attempt{Backend: name, Outcome: OutcomeSkipped, Error: breaker.ErrCircuitOpen.Error()})
			log.Debug("backend skipped, circuit open", logx.String("backend", name))
			continue
		}

		for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				return o.fail(ctx, rec, fmt.Errorf("delivery cancelled: %w", err), lastErr)
			}
			idx := o.appendAttempt(rec, Attempt{Backend: name, AttemptNumber: attempt, Outcome: OutcomeAttempting})

			var res backend.SendResult
			err := m.breaker.Call(ctx, func(ctx context.Context) error {
				var sendErr error
				res, sendErr = m.backend.Send(ctx, req)
				return sendErr
			})
			if errors.Is(err, breaker.ErrCircuitOpen) {
				// Tripped by a concurrent sender or lost the half-open trial.
				o.skipAttempt(rec, idx, err.Error())
				break
			}
			attempted = true

			if err == nil {
				o.finalizeAttempt(rec, idx, OutcomeSuccess, "")
				o.selector.markSuccess(i)
				o.sent.add(id)
				snap := o.records.update(rec, func(r *Record) {
					r.Status = StatusSent
					r.Success = true
					r.Provider = name
					r.MessageID = res.MessageID
					r.Message = ""
					r.Timestamp = o.now()
				})
				log.Info("message sent",
					logx.String("backend", name),
					logx.String("message_id", res.MessageID),
					logx.Int("attempts", len(snap.Attempts)),
				)
				o.finish(ctx, eventbus.TypeDeliverySent, snap, "")
				return snap
			}

			lastErr = err
			o.finalizeAttempt(rec, idx, OutcomeFailed, err.Error())
			log.Debug("attempt failed",
				logx.String("backend", name),
				logx.Int("attempt", attempt),
				logx.Err(err),
			)

			if ctx.Err() != nil {
				return o.fail(ctx, rec, fmt.Errorf("delivery cancelled: %w", ctx.Err()), lastErr)
			}
			if backend.IsPermanent(err) || (o.cfg.SkipValidationRetry && backend.IsValidation(err)) {
				break
			}
			if attempt < o.cfg.MaxRetries {
				if err := o.sleep(ctx, o.Backoff(attempt)); err != nil {
					return o.fail(ctx, rec, fmt.Errorf("delivery cancelled: %w", err), lastErr)
				}
			}
		}
	}

	if !attempted {
		return o.fail(ctx, rec, ErrAllBackendsUnavailable, nil)
	}
	return o.fail(ctx, rec, ErrAllBackendsFailed, lastErr)
}

func (o *Orchestrator) fail(ctx context.Context, rec *Record, reason, lastErr error) *Record {
	snap := o.records.update(rec, func(r *Record) {
		r.Status = StatusFailed
		r.Success = false
		r.Message = reason.Error()
		r.Timestamp = o.now()
	})
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	o.log.Warn("message delivery failed",
		logx.String("id", snap.ID),
		logx.String("reason", reason.Error()),
		logx.String("last_error", detail),
		logx.Int("attempts", len(snap.Attempts)),
	)
	o.finish(ctx, eventbus.TypeDeliveryFailed, snap, detail)
	return snap
}

func (o *Orchestrator) appendAttempt(rec *Record, a Attempt) int {
	a.Timestamp = o.now()
	idx := 0
	o.records.update(rec, func(r *Record) {
		r.Attempts = append(r.Attempts, a)
		r.Timestamp = a.Timestamp
		idx = len(r.Attempts) - 1
	})
	return idx
}

func (o *Orchestrator) finalizeAttempt(rec *Record, idx int, out Outcome, detail string) {
	o.records.update(rec, func(r *Record) {
		r.Attempts[idx].Outcome = out
		r.Attempts[idx].Error = detail
		r.Timestamp = o.now()
	})
}

// skipAttempt turns an in-flight attempt into a skip when the breaker
// refused the call.
func (o *Orchestrator) skipAttempt(rec *Record, idx int, detail string) {
	o.records.update(rec, func(r *Record) {
		r.Attempts[idx].Outcome = OutcomeSkipped
		r.Attempts[idx].AttemptNumber = 0
		r.Attempts[idx].Error = detail
		r.Timestamp = o.now()
	})
}

func (o *Orchestrator) publish(typ string, rec *Record, detail string) {
	o.bus.Publish(eventbus.Event{
		Type: typ,
		Time: rec.Timestamp,
		Data: eventbus.DeliveryEvent{
			ID:        rec.ID,
			Status:    string(rec.Status),
			Provider:  rec.Provider,
			MessageID: rec.MessageID,
			Attempts:  len(rec.Attempts),
			Error:     detail,
		},
	})
}

// finish publishes the terminal event and appends to the audit sink. The
// audit write survives caller cancellation.
func (o *Orchestrator) finish(ctx context.Context, typ string, rec *Record, detail string) {
	o.publish(typ, rec, detail)
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(context.WithoutCancel(ctx), *rec); err != nil {
		o.log.Warn("audit append failed", logx.String("id", rec.ID), logx.Err(err))
	}
}

// Enqueue buffers req at priority 0 and returns its id. It does not send.
func (o *Orchestrator) Enqueue(req backend.Request) string {
	return o.EnqueuePriority(req, 0)
}

// EnqueuePriority buffers req; lower priority values drain first.
func (o *Orchestrator) EnqueuePriority(req backend.Request, priority int) string {
	req = o.resolveID(req)
	o.queue.Add(req, priority)
	o.log.Debug("message enqueued", logx.String("id", req.ID), logx.Int("priority", priority))
	return req.ID
}

// DrainQueue pops items one at a time and sends each; one Send completes
// before the next begins. A failing or panicking item is logged and the
// drain continues. ctx cancellation stops the drain and leaves the remaining
// items queued.
func (o *Orchestrator) DrainQueue(ctx context.Context) (DrainStats, error) {
	if !o.draining.CompareAndSwap(false, true) {
		return DrainStats{}, ErrDrainInProgress
	}
	defer o.draining.Store(false)

	var st DrainStats
	for {
		if err := ctx.Err(); err != nil {
			st.Remaining = o.queue.Size()
			return st, err
		}
		req, ok := o.queue.Next()
		if !ok {
			break
		}
		st.Processed++
		rec, err := o.sendRecovered(ctx, req)
		switch {
		case err != nil:
			st.Failed++
			o.log.Error("queued item failed", logx.String("id", req.ID), logx.Err(err))
		case rec.Success:
			st.Sent++
		default:
			st.Failed++
			o.log.Warn("queued item not delivered", logx.String("id", req.ID), logx.String("status", string(rec.Status)))
		}
	}
	if st.Processed > 0 {
		o.log.Info("queue drained", logx.Int("processed", st.Processed), logx.Int("sent", st.Sent), logx.Int("failed", st.Failed))
	}
	return st, nil
}

// ProcessQueue drains the queue through DispatchQueue.ProcessBatch, sending up
// to batchSize items concurrently. It shares the drain guard with DrainQueue.
func (o *Orchestrator) ProcessQueue(ctx context.Context, batchSize int) (DrainStats, error) {
	if !o.draining.CompareAndSwap(false, true) {
		return DrainStats{}, ErrDrainInProgress
	}
	defer o.draining.Store(false)

	results, err := o.queue.ProcessBatch(ctx, func(ctx context.Context, req backend.Request) (any, error) {
		return o.sendRecovered(ctx, req)
	}, batchSize)

	st := DrainStats{Processed: len(results), Remaining: o.queue.Size()}
	for _, r := range results {
		rec, _ := r.Value.(*Record)
		if r.Err == nil && rec != nil && rec.Success {
			st.Sent++
			continue
		}
		st.Failed++
		if r.Err != nil {
			o.log.Error("queued item failed", logx.String("id", r.Request.ID), logx.Err(r.Err))
		}
	}
	return st, err
}

func (o *Orchestrator) sendRecovered(ctx context.Context, req backend.Request) (rec *Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("send panic: %v", r)
		}
	}()
	return o.Send(ctx, req), nil
}

// Status returns a snapshot of the record for id.
func (o *Orchestrator) Status(id string) (*Record, bool) {
	return o.records.get(id)
}

// AllStatuses returns every record ordered by last update, oldest first.
func (o *Orchestrator) AllStatuses() []*Record {
	all := o.records.all()
	slices.SortFunc(all, func(a, b *Record) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return all
}

func (o *Orchestrator) Health() Health {
	h := Health{
		Providers:    make([]ProviderHealth, 0, len(o.members)),
		RateLimiter:  o.limiter.Stats(),
		Queue:        QueueHealth{Size: o.queue.Size()},
		TotalSent:    o.sent.len(),
		TotalTracked: o.records.len(),
	}
	h.Queue.IsEmpty = h.Queue.Size == 0
	for _, m := range o.members {
		st := m.breaker.Stats()
		h.Providers = append(h.Providers, ProviderHealth{
			Name:         m.backend.Name(),
			CircuitState: st.Phase,
			Healthy:      st.Phase == breaker.Closed,
			Failures:     st.ConsecutiveFailures,
			RetryIn:      m.breaker.TimeUntilNextAttempt(),
			Backend:      m.backend.Status(),
		})
	}
	return h
}

// Reset clears delivery history, breakers, the rate window and the queue,
// and points the sticky index back at the first backend.
func (o *Orchestrator) Reset() {
	o.sent.clear()
	o.records.clear()
	for _, m := range o.members {
		m.breaker.Reset()
	}
	o.limiter.Reset()
	o.queue.Clear()
	o.selector.reset()
	o.log.Info("orchestrator state reset")
}

// ConfigureRateLimit changes the limiter without dropping its history.
func (o *Orchestrator) ConfigureRateLimit(limit int, window time.Duration) {
	o.limiter.Configure(limit, window)
}

// Queue exposes the dispatch queue for inspection.
func (o *Orchestrator) Queue() *dispatchqueue.Queue { return o.queue }

// Backends returns backend names in configured order.
func (o *Orchestrator) Backends() []string {
	out := make([]string, len(o.members))
	for i, m := range o.members {
		out[i] = m.backend.Name()
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
