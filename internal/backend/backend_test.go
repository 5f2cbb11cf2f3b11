package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFaultInjectorRates(t *testing.T) {
	t.Parallel()

	never := &FaultInjector{Rate: 0}
	always := &FaultInjector{Rate: 1}
	for i := 0; i < 20; i++ {
		if err := never.Inject(context.Background()); err != nil {
			t.Fatalf("rate 0 injected %v", err)
		}
		if err := always.Inject(context.Background()); !errors.Is(err, ErrInjected) {
			t.Fatalf("rate 1 err = %v, want ErrInjected", err)
		}
	}
}

func TestFaultInjectorPicksFromErrorSet(t *testing.T) {
	t.Parallel()
	e1, e2 := errors.New("smtp down"), errors.New("quota")
	vals := []float64{0.1, 0.9}
	i := 0
	f := &FaultInjector{Rate: 0.5, Errors: []error{e1, e2}, Rand: func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}}
	// 0.1 < 0.5 -> fail, then 0.9 picks index 1.
	if err := f.Inject(context.Background()); !errors.Is(err, e2) {
		t.Fatalf("err = %v, want %v", err, e2)
	}
}

func TestFaultInjectorLatencyHonoursContext(t *testing.T) {
	t.Parallel()
	f := &FaultInjector{MinLatency: time.Hour, MaxLatency: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Inject(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLatencyRange(t *testing.T) {
	t.Parallel()
	f := &FaultInjector{MinLatency: 10 * time.Millisecond, MaxLatency: 20 * time.Millisecond, Rand: func() float64 { return 0.5 }}
	if got := f.Latency(); got != 15*time.Millisecond {
		t.Fatalf("Latency = %v, want 15ms", got)
	}
	var nilF *FaultInjector
	if nilF.Latency() != 0 || nilF.Inject(context.Background()) != nil {
		t.Fatal("nil injector should be inert")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	v := &ValidationError{Backend: "mail", Field: "to", Reason: "not an email"}
	tests := []struct {
		name      string
		err       error
		permanent bool
		invalid   bool
	}{
		{name: "plain", err: errors.New("x")},
		{name: "validation", err: v, invalid: true},
		{name: "wrapped validation", err: fmt.Errorf("send: %w", v), invalid: true},
		{name: "permanent", err: Permanent(errors.New("gone")), permanent: true},
		{name: "permanent validation", err: Permanent(v), permanent: true, invalid: true},
		{name: "transient", err: Transient("mail", errors.New("timeout"))},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.permanent {
			t.Fatalf("%s: IsPermanent = %v, want %v", tt.name, got, tt.permanent)
		}
		if got := IsValidation(tt.err); got != tt.invalid {
			t.Fatalf("%s: IsValidation = %v, want %v", tt.name, got, tt.invalid)
		}
	}
	if Permanent(nil) != nil || Transient("x", nil) != nil {
		t.Fatal("wrapping nil should stay nil")
	}
	if got := v.Error(); got != "mail: invalid to: not an email" {
		t.Fatalf("Error() = %q", got)
	}
}
