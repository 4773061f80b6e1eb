package retry

import (
	"fmt"
	"testing"
	"time"

	srverr "sessiond/internal/errors"
)

// fakeClock lets tests move the breaker past ResetTimeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures, halfOpenMax int, onChange func(from, to State)) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:   maxFailures,
		ResetTimeout:  time.Minute,
		HalfOpenMax:   halfOpenMax,
		OnStateChange: onChange,
	})
	cb.now = clk.now
	return cb, clk
}

func fail() error    { return fmt.Errorf("hook failed") }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, nil)
	for i := 0; i < 3; i++ {
		cb.Execute(fail) //nolint:errcheck
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected open after 3 failures, got %s", cb.CurrentState())
	}
	if cb.Failures() != 3 {
		t.Errorf("expected 3 failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb, _ := newTestBreaker(1, 1, nil)
	cb.Execute(fail) //nolint:errcheck

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !srverr.Is(err, srverr.ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn should not run while the circuit is open")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(1, 2, nil)
	cb.Execute(fail) //nolint:errcheck
	clk.advance(2 * time.Minute)

	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.CurrentState() != StateHalfOpen {
		t.Errorf("expected half-open after first success, got %s", cb.CurrentState())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed after 2 successes, got %s", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb, clk := newTestBreaker(1, 2, nil)
	cb.Execute(fail) //nolint:errcheck
	clk.advance(2 * time.Minute)

	cb.Execute(fail) //nolint:errcheck
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected open after half-open failure, got %s", cb.CurrentState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, 1, nil)
	cb.Execute(fail) //nolint:errcheck
	cb.Reset()
	if cb.CurrentState() != StateClosed || cb.Failures() != 0 {
		t.Errorf("after reset: state=%s failures=%d", cb.CurrentState(), cb.Failures())
	}
}

func TestCircuitBreaker_StateChange(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(1, 1, func(from, to State) {
		transitions = append(transitions, fmt.Sprintf("%s→%s", from, to))
	})

	cb.Execute(fail) //nolint:errcheck
	clk.advance(2 * time.Minute)
	cb.Execute(succeed) //nolint:errcheck

	want := []string{"closed→open", "open→half-open", "half-open→closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, nil)
	cb.Execute(fail)    //nolint:errcheck
	cb.Execute(fail)    //nolint:errcheck
	cb.Execute(succeed) //nolint:errcheck

	if cb.Failures() != 0 || cb.CurrentState() != StateClosed {
		t.Errorf("state=%s failures=%d, want closed/0", cb.CurrentState(), cb.Failures())
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	if cb.maxFailures != 5 || cb.halfOpenMax != 2 || cb.resetTimeout != 30*time.Second {
		t.Errorf("unexpected defaults: %d %d %v", cb.maxFailures, cb.halfOpenMax, cb.resetTimeout)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
