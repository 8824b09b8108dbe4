package circuitbreaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crawlmesh/core/internal/circuitbreaker"
)

var errBoom = errors.New("boom")

func TestExecute_TripsOpenAfterThreshold(t *testing.T) {
	t.Parallel()

	b := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})

	_ = b.Execute(context.Background(), func() error { return errBoom })
	_ = b.Execute(context.Background(), func() error { return errBoom })

	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("State() = %v, want StateOpen after %d failures", b.State(), 2)
	}

	err := b.Execute(context.Background(), func() error {
		t.Fatal("fn should not run while circuit is open")
		return nil
	})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Errorf("Execute() err = %v, want ErrCircuitOpen", err)
	}
}

func TestExecute_ClosedStateResetsFailureCountOnSuccess(t *testing.T) {
	t.Parallel()

	b := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})

	_ = b.Execute(context.Background(), func() error { return errBoom })
	_ = b.Execute(context.Background(), func() error { return nil })
	_ = b.Execute(context.Background(), func() error { return errBoom })

	if b.State() != circuitbreaker.StateClosed {
		t.Errorf("State() = %v, want StateClosed (only 1 consecutive failure since reset)", b.State())
	}
}

func TestExecute_HalfOpenAfterTimeoutProbesAndCloses(t *testing.T) {
	t.Parallel()

	b := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond})

	_ = b.Execute(context.Background(), func() error { return errBoom })
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("State() = %v, want StateOpen", b.State())
	}

	time.Sleep(5 * time.Millisecond)

	err := b.Execute(context.Background(), func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error during half-open probe: %v", err)
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Errorf("State() = %v, want StateClosed after successful probe", b.State())
	}
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond})

	_ = b.Execute(context.Background(), func() error { return errBoom })
	time.Sleep(5 * time.Millisecond)
	_ = b.Execute(context.Background(), func() error { return errBoom })

	if b.State() != circuitbreaker.StateOpen {
		t.Errorf("State() = %v, want StateOpen after half-open probe fails", b.State())
	}
}

func TestRegistry_IsolatesBreakersByKey(t *testing.T) {
	t.Parallel()

	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})

	_ = reg.For("a.com").Execute(context.Background(), func() error { return errBoom })

	if reg.For("a.com").State() != circuitbreaker.StateOpen {
		t.Error("expected a.com breaker to be open")
	}
	if reg.For("b.com").State() != circuitbreaker.StateClosed {
		t.Error("expected b.com breaker to be unaffected")
	}
}
