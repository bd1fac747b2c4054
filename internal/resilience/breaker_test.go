package resilience

import (
	"errors"
	"testing"
	"time"
)

var errInvoke = errors.New("agent spawn failed")

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	for range 10 {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for range 3 {
		if err := b.Execute(func() error { return errInvoke }); !errors.Is(err, errInvoke) {
			t.Fatalf("expected invoke error, got: %v", err)
		}
	}

	err := b.Execute(func() error {
		t.Error("fn should not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return clock }

	_ = b.Execute(func() error { return errInvoke })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got: %v", err)
	}

	clock = clock.Add(2 * time.Minute)

	// Probe succeeds, circuit closes again.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should have run: %v", err)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("circuit should be closed: %v", err)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return clock }

	_ = b.Execute(func() error { return errInvoke })
	clock = clock.Add(2 * time.Minute)

	// Probe fails: straight back to open regardless of failure count.
	_ = b.Execute(func() error { return errInvoke })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got: %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	_ = b.Execute(func() error { return errInvoke })
	_ = b.Execute(func() error { return errInvoke })
	_ = b.Execute(func() error { return nil })

	// Two more failures should not open the circuit (count was reset).
	_ = b.Execute(func() error { return errInvoke })
	_ = b.Execute(func() error { return errInvoke })
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("circuit should still be closed: %v", err)
	}
}
