package redis

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	fail := func() error { return errors.New("down") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); err == nil {
			t.Fatal("expected failure to propagate")
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.CurrentState())
	}

	// While open, calls are rejected without running fn.
	ran := false
	err := cb.Execute(func() error { ran = true; return nil })
	if err != ErrCircuitOpen {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Error("fn must not run while circuit is open")
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.Execute(func() error { return errors.New("down") })
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.CurrentState())
	}

	time.Sleep(20 * time.Millisecond)

	// Successful probe closes the breaker.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed after successful probe", cb.CurrentState())
	}
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Execute(func() error { return errors.New("down") })
	time.Sleep(20 * time.Millisecond)

	cb.Execute(func() error { return errors.New("still down") })
	if cb.CurrentState() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", cb.CurrentState())
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	var transitions []string
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb.Execute(func() error { return errors.New("down") })

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	cb.Execute(func() error { return errors.New("x") })
	cb.Execute(func() error { return errors.New("x") })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errors.New("x") })
	cb.Execute(func() error { return errors.New("x") })
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed (success resets counter)", cb.CurrentState())
	}
}
