// Package drain runs the dispatch queue drain on a cron or interval schedule.
package drain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/orchestrator"
	"courier/pkg/logx"
)

// Drainer is the part of the orchestrator the runner drives.
type Drainer interface {
	DrainQueue(ctx context.Context) (orchestrator.DrainStats, error)
	ProcessQueue(ctx context.Context, batchSize int) (orchestrator.DrainStats, error)
}

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	// Concurrency > 1 drains through ProcessQueue with that batch size.
	Concurrency int
	// Timeout bounds one drain run. 0 means no bound.
	Timeout time.Duration
}

// Snapshot is the runner state reported by the HTTP health endpoint.
type Snapshot struct {
	Enabled   bool                     `json:"enabled"`
	Schedule  string                   `json:"schedule,omitempty"`
	Timezone  string                   `json:"timezone,omitempty"`
	Next      time.Time                `json:"next,omitempty"`
	LastRun   time.Time                `json:"lastRun,omitempty"`
	LastStats *orchestrator.DrainStats `json:"lastStats,omitempty"`
	LastError string                   `json:"lastError,omitempty"`
	Runs      uint64                   `json:"runs"`
	Skipped   uint64                   `json:"skipped"`
}

type Runner struct {
	d   Drainer
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	sched   Schedule
	loc     *time.Location
	c       *cron.Cron
	entry   cron.EntryID
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool

	stateMu   sync.Mutex
	lastRun   time.Time
	lastStats *orchestrator.DrainStats
	lastErr   string

	runs    atomic.Uint64
	skipped atomic.Uint64
}

func New(d Drainer, log logx.Logger) *Runner {
	return &Runner{d: d, log: log.With(logx.String("comp", "drain")), loc: time.Local}
}

// Start begins scheduling with cfg. A disabled config is accepted and
// scheduled later through Apply.
func (r *Runner) Start(ctx context.Context, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("drain runner already started")
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.started = true
	return r.applyLocked(cfg)
}

// Apply swaps in cfg. The cron is rebuilt only when the schedule, timezone or
// enabled flag changed.
func (r *Runner) Apply(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		r.cfg = cfg
		return nil
	}
	return r.applyLocked(cfg)
}

func (r *Runner) applyLocked(cfg Config) error {
	var sched Schedule
	if cfg.Enabled {
		var err error
		if sched, err = ParseSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	prev := r.cfg
	r.cfg = cfg

	same := r.c != nil &&
		prev.Enabled == cfg.Enabled &&
		strings.TrimSpace(prev.Schedule) == strings.TrimSpace(cfg.Schedule) &&
		strings.TrimSpace(prev.Timezone) == strings.TrimSpace(cfg.Timezone)
	if same {
		return nil
	}

	r.stopCronLocked()
	if !cfg.Enabled {
		r.log.Info("scheduled drain disabled")
		return nil
	}

	r.sched = sched
	r.loc = r.loadLocationLocked()
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(r.loc),
		cron.WithChain(cron.Recover(cronLogger{r.log}), cron.SkipIfStillRunning(cronLogger{r.log})),
	)
	cs, err := sched.schedule()
	if err != nil {
		return err
	}
	r.entry = c.Schedule(cs, cron.FuncJob(r.tick))
	r.c = c
	c.Start()
	r.log.Info("scheduled drain started",
		logx.String("schedule", sched.String()),
		logx.String("tz", r.loc.String()),
		logx.Time("next", c.Entry(r.entry).Next),
	)
	return nil
}

// stopCronLocked does not wait for a running job: the job takes r.mu.
func (r *Runner) stopCronLocked() {
	if r.c == nil {
		return
	}
	r.c.Stop()
	r.c = nil
	r.entry = 0
}

func (r *Runner) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (r *Runner) tick() {
	r.mu.Lock()
	ctx := r.runCtx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = r.RunOnce(ctx)
}

// RunOnce drains immediately using the current config. A drain already in
// progress elsewhere counts as skipped.
func (r *Runner) RunOnce(ctx context.Context) (orchestrator.DrainStats, error) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		st  orchestrator.DrainStats
		err error
	)
	if cfg.Concurrency > 1 {
		st, err = r.d.ProcessQueue(ctx, cfg.Concurrency)
	} else {
		st, err = r.d.DrainQueue(ctx)
	}
	if errors.Is(err, orchestrator.ErrDrainInProgress) {
		r.skipped.Add(1)
		r.log.Debug("scheduled drain skipped (drain in progress)")
		return st, err
	}
	r.runs.Add(1)

	r.stateMu.Lock()
	r.lastRun = start
	r.lastStats = &st
	r.lastErr = ""
	if err != nil {
		r.lastErr = err.Error()
	}
	r.stateMu.Unlock()

	if err != nil {
		r.log.Warn("scheduled drain stopped early", logx.Err(err), logx.Int("remaining", st.Remaining))
	} else if st.Processed > 0 {
		r.log.Debug("scheduled drain finished",
			logx.Int("processed", st.Processed),
			logx.Duration("took", time.Since(start)),
		)
	}
	return st, err
}

// Snapshot reports the schedule and the last run.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		Enabled:  r.cfg.Enabled,
		Schedule: strings.TrimSpace(r.cfg.Schedule),
		Runs:     r.runs.Load(),
		Skipped:  r.skipped.Load(),
	}
	if r.c != nil {
		s.Next = r.c.Entry(r.entry).Next
		s.Timezone = r.loc.String()
	}
	r.mu.Unlock()

	r.stateMu.Lock()
	s.LastRun, s.LastStats, s.LastError = r.lastRun, r.lastStats, r.lastErr
	r.stateMu.Unlock()
	return s
}

// Stop halts scheduling and cancels an in-flight run, waiting for it until
// ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	c := r.c
	r.c = nil
	cancel := r.cancel
	r.started = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
