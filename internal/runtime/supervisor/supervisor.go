// Package supervisor runs the daemon's long-lived goroutines (HTTP server,
// config watcher, event logger) under one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"courier/pkg/logx"
)

// Supervisor tracks named goroutines, recovers their panics and records the
// first error.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskStats
}

// TaskStats aggregates runs of goroutines sharing a name.
type TaskStats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Started   uint64    `json:"started"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"lastStart"`
	LastErr   string    `json:"lastErr,omitempty"`
}

type Snapshot struct {
	FirstError string      `json:"firstError,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct{ TaskStats }

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t.TaskStats)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Supervisor) note(name string, fn func(t *TaskStats)) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &taskStats{TaskStats{Name: name}}
		s.tasks[name] = t
	}
	fn(&t.TaskStats)
	s.mu.Unlock()
}

// run executes fn once with panic capture and stats bookkeeping.
func (s *Supervisor) run(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.note(name, func(t *TaskStats) {
		t.Active++
		t.Started++
		t.LastStart = time.Now()
		if restart {
			t.Restarts++
		}
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.note(name, func(t *TaskStats) { t.Panics++ })
			err = fmt.Errorf("panic: %v", r)
		}
		s.note(name, func(t *TaskStats) {
			t.Active--
			if err != nil {
				t.LastErr = err.Error()
			}
		})
	}()
	err = fn(s.ctx)
	if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		err = nil
	}
	return err
}

// Go runs fn once. A returned error (other than cancellation) or panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		if err := s.run(name, false, fn); err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// RestartPolicy bounds GoRestart.
type RestartPolicy struct {
	MinBackoff time.Duration // default 250ms
	MaxBackoff time.Duration // default 30s
	// MaxRestarts <= 0 means unlimited. Giving up records the error.
	MaxRestarts int
}

// GoRestart runs fn and restarts it after an error or panic with jittered
// exponential backoff. A clean return ends the loop.
func (s *Supervisor) GoRestart(name string, p RestartPolicy, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = max(30*time.Second, p.MinBackoff)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := p.MinBackoff
		for restarts := 0; ; restarts++ {
			startedAt := time.Now()
			err := s.run(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.MaxRestarts > 0 && restarts >= p.MaxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// a long healthy run resets the backoff
			if time.Since(startedAt) >= 30*time.Second {
				backoff = p.MinBackoff
			}
			wait := backoff + time.Duration(time.Now().UnixNano()%(int64(backoff)/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.MaxBackoff)
		}
	}()
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the shared context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines return or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

// Done is closed when the shared context is cancelled.
func (s *Supervisor) Done() <-chan struct{} { return s.ctx.Done() }
