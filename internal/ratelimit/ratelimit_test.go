package ratelimit

import (
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

func TestAllowUpToLimitThenDeny(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(3, time.Minute, WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("request %d denied, want admitted", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("4th request admitted, want denied")
	}
	if got := l.Remaining(); got != 0 {
		t.Fatalf("Remaining = %d, want 0", got)
	}
}

func TestCapacityRestoredAfterWindow(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(2, 10*time.Second, WithClock(clk.Now))

	l.Allow()
	clk.Advance(4 * time.Second)
	l.Allow()
	if l.Allow() {
		t.Fatal("expected deny while window full")
	}

	if got := l.TimeUntilReset(); got != 6*time.Second {
		t.Fatalf("TimeUntilReset = %v, want 6s", got)
	}

	clk.Advance(6 * time.Second)
	if got := l.Remaining(); got != 1 {
		t.Fatalf("Remaining after oldest expired = %d, want 1", got)
	}
	if !l.Allow() {
		t.Fatal("expected admit once the oldest request left the window")
	}
	if l.Allow() {
		t.Fatal("expected deny: second stamp still inside window")
	}
}

func TestZeroLimitAlwaysDenies(t *testing.T) {
	t.Parallel()
	l := New(0, time.Second)
	for i := 0; i < 5; i++ {
		if l.Allow() {
			t.Fatal("limit=0 admitted a request")
		}
	}
	if l.TimeUntilReset() != 0 {
		t.Fatal("empty window should report zero TimeUntilReset")
	}
}

func TestConfigureKeepsHistory(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(5, time.Minute, WithClock(clk.Now))
	l.Allow()
	l.Allow()

	l.Configure(2, time.Minute)
	if l.Allow() {
		t.Fatal("history should count against the new limit")
	}

	// Shrinking the window re-filters existing timestamps.
	clk.Advance(2 * time.Second)
	l.Configure(2, time.Second)
	if got := l.Stats().RequestsInWindow; got != 0 {
		t.Fatalf("RequestsInWindow = %d, want 0 after shrink", got)
	}
}

func TestResetClearsHistory(t *testing.T) {
	t.Parallel()
	l := New(1, time.Hour)
	if !l.Allow() {
		t.Fatal("first request denied")
	}
	l.Reset()
	if !l.Allow() {
		t.Fatal("request after Reset denied")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	l := New(4, 1500*time.Millisecond)
	l.Allow()
	st := l.Stats()
	if st.RequestsInWindow != 1 || st.Limit != 4 || st.WindowMs != 1500 || st.Remaining != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestConcurrentAllowNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	l := New(50, time.Hour)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Fatalf("allowed = %d, want 50", allowed)
	}
}
