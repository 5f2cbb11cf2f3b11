package backend

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrInjected is the default failure returned by a FaultInjector.
var ErrInjected = errors.New("injected failure")

// FaultInjector decides per call whether a backend should fail and how long
// it should take. Rate 0 never fails, Rate 1 always fails.
type FaultInjector struct {
	Rate       float64
	Errors     []error
	MinLatency time.Duration
	MaxLatency time.Duration
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64

	mu sync.Mutex
}

func (f *FaultInjector) rnd() float64 {
	if f.Rand == nil {
		return rand.Float64()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Rand()
}

// Latency picks a delay in [MinLatency, MaxLatency].
func (f *FaultInjector) Latency() time.Duration {
	if f == nil {
		return 0
	}
	if f.MaxLatency <= f.MinLatency {
		return max(f.MinLatency, 0)
	}
	span := f.MaxLatency - f.MinLatency
	return f.MinLatency + time.Duration(f.rnd()*float64(span))
}

// Inject waits the simulated latency and returns the injected failure, or
// nil. A cancelled ctx returns ctx.Err().
func (f *FaultInjector) Inject(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if d := f.Latency(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if f.Rate <= 0 {
		return nil
	}
	if f.Rate < 1 && f.rnd() >= f.Rate {
		return nil
	}
	if len(f.Errors) == 0 {
		return ErrInjected
	}
	i := int(f.rnd() * float64(len(f.Errors)))
	if i >= len(f.Errors) {
		i = len(f.Errors) - 1
	}
	return f.Errors[i]
}
