package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestOpensAtThreshold(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New("a", Config{Threshold: 3, Timeout: time.Minute}, WithClock(clk.Now))

	for i := 0; i < 2; i++ {
		if err := b.Call(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("Call err = %v, want original error", err)
		}
		if b.IsOpen() {
			t.Fatalf("open after %d failures, threshold 3", i+1)
		}
	}
	_ = b.Call(context.Background(), fail)
	if !b.IsOpen() {
		t.Fatal("expected OPEN after 3 consecutive failures")
	}
	if got := b.FailureCount(); got != 3 {
		t.Fatalf("FailureCount = %d, want 3", got)
	}
	if got := b.TimeUntilNextAttempt(); got != time.Minute {
		t.Fatalf("TimeUntilNextAttempt = %v, want 1m", got)
	}
}

func TestOpenRejectsWithoutInvoking(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New("a", Config{Threshold: 1, Timeout: time.Minute}, WithClock(clk.Now))
	_ = b.Call(context.Background(), fail)

	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("operation invoked while circuit open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := New("a", Config{Threshold: 3, Timeout: time.Minute})
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), ok)
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	if b.IsOpen() {
		t.Fatal("failures are not consecutive; breaker should stay closed")
	}
	if got := b.FailureCount(); got != 2 {
		t.Fatalf("FailureCount = %d, want 2", got)
	}
}

func TestHalfOpenTrial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		trial     func(context.Context) error
		wantPhase Phase
		wantFails int
	}{
		{name: "success closes", trial: ok, wantPhase: Closed, wantFails: 0},
		{name: "failure reopens", trial: fail, wantPhase: Open, wantFails: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			var (
				mu    sync.Mutex
				trans []string
			)
			b := New("svc", Config{Threshold: 2, Timeout: 10 * time.Second},
				WithClock(clk.Now),
				WithStateChange(func(name string, from, to Phase) {
					mu.Lock()
					trans = append(trans, string(from)+">"+string(to))
					mu.Unlock()
				}))
			_ = b.Call(context.Background(), fail)
			_ = b.Call(context.Background(), fail)

			clk.Advance(10 * time.Second)
			if b.IsOpen() {
				t.Fatal("IsOpen should be false once the reopen deadline passed")
			}

			var phaseDuring Phase
			_ = b.Call(context.Background(), func(ctx context.Context) error {
				phaseDuring = b.Phase()
				return tt.trial(ctx)
			})
			if phaseDuring != HalfOpen {
				t.Fatalf("phase during trial = %s, want HALF_OPEN", phaseDuring)
			}
			if got := b.Phase(); got != tt.wantPhase {
				t.Fatalf("phase = %s, want %s", got, tt.wantPhase)
			}
			if got := b.FailureCount(); got != tt.wantFails {
				t.Fatalf("FailureCount = %d, want %d", got, tt.wantFails)
			}

			mu.Lock()
			defer mu.Unlock()
			want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>" + string(tt.wantPhase)}
			if len(trans) != len(want) {
				t.Fatalf("transitions = %v, want %v", trans, want)
			}
			for i := range want {
				if trans[i] != want[i] {
					t.Fatalf("transitions = %v, want %v", trans, want)
				}
			}
		})
	}
}

func TestHalfOpenFailureRestartsTimeout(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New("a", Config{Threshold: 1, Timeout: 5 * time.Second}, WithClock(clk.Now))
	_ = b.Call(context.Background(), fail)
	clk.Advance(7 * time.Second)
	_ = b.Call(context.Background(), fail)
	if got := b.TimeUntilNextAttempt(); got != 5*time.Second {
		t.Fatalf("TimeUntilNextAttempt = %v, want 5s", got)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New("a", Config{Threshold: 1, Timeout: time.Second}, WithClock(clk.Now))
	_ = b.Call(context.Background(), fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Call(context.Background(), ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent call during trial err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial err = %v", err)
	}
	if b.Phase() != Closed {
		t.Fatalf("phase = %s, want CLOSED", b.Phase())
	}
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	b := New("a", Config{Threshold: 1, Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.Phase() != Closed || b.FailureCount() != 0 {
		t.Fatalf("phase = %s failures = %d, want CLOSED/0", b.Phase(), b.FailureCount())
	}

	// an error unrelated to ctx still counts, even when ctx is done
	_ = b.Call(ctx, fail)
	if b.Phase() != Open {
		t.Fatalf("phase = %s, want OPEN", b.Phase())
	}
}

func TestCancelledTrialReleasesHalfOpen(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New("a", Config{Threshold: 1, Timeout: time.Second}, WithClock(clk.Now))
	_ = b.Call(context.Background(), fail)
	clk.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	st := b.Stats()
	if st.Phase != Open || st.TrialInFlight || st.ConsecutiveFailures != 1 {
		t.Fatalf("after cancelled trial stats = %+v", st)
	}

	// reopenAt is unchanged, so the next call is the trial
	if err := b.Call(context.Background(), ok); err != nil {
		t.Fatalf("next trial err = %v", err)
	}
	if b.Phase() != Closed {
		t.Fatalf("phase = %s, want CLOSED", b.Phase())
	}
}

func TestPanickingTrialReopens(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New("a", Config{Threshold: 1, Timeout: time.Second}, WithClock(clk.Now))
	_ = b.Call(context.Background(), fail)
	clk.Advance(time.Second)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		_ = b.Call(context.Background(), func(context.Context) error { panic("kaboom") })
	}()

	st := b.Stats()
	if st.Phase != Open || st.TrialInFlight {
		t.Fatalf("after panicking trial stats = %+v", st)
	}
	clk.Advance(time.Hour)
	if err := b.Call(context.Background(), ok); err != nil {
		t.Fatalf("trial after timeout err = %v", err)
	}
	if b.Phase() != Closed {
		t.Fatalf("phase = %s, want CLOSED", b.Phase())
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	b := New("a", Config{Threshold: 1, Timeout: time.Hour})
	_ = b.Call(context.Background(), fail)
	b.Reset()
	st := b.Stats()
	if st.Phase != Closed || st.ConsecutiveFailures != 0 || !st.ReopenAt.IsZero() {
		t.Fatalf("after Reset stats = %+v", st)
	}
	if b.TimeUntilNextAttempt() != 0 {
		t.Fatal("TimeUntilNextAttempt should be 0 when closed")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	st := New("a", Config{}).Stats()
	if st.Threshold != 5 || st.Timeout != 30*time.Second {
		t.Fatalf("defaults = %d/%v, want 5/30s", st.Threshold, st.Timeout)
	}
}
