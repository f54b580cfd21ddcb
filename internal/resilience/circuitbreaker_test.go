package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errSMTPTransient = errors.New("451 4.7.1 greylisted, try again later")

func TestNewCircuitBreakerAppliesDefaults(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "mx.example.com"})

	if cb.State() != StateClosed {
		t.Fatalf("initial state = %v, want Closed", cb.State())
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", cb.config.Timeout)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(99): "unknown"}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// TestCircuitBreakerOpensAfterDeliveryFailures exercises the breaker the
// way internal/delivery.Handler does: one breaker per destination domain,
// wrapping an SMTP delivery attempt that keeps returning a transient
// error until the domain's mail server is reachable again.
func TestCircuitBreakerOpensAfterDeliveryFailures(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "mx.example.com",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	deliver := func(ctx context.Context) error { return errSMTPTransient }
	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), deliver); !errors.Is(err, errSMTPTransient) {
			t.Fatalf("attempt %d: err = %v, want the SMTP error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state after %d failures = %v, want Open", cb.config.FailureThreshold, cb.State())
	}

	// While open, the breaker fails fast instead of dialing the domain again.
	if err := cb.Execute(context.Background(), deliver); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err while open = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want Closed", cb.State())
	}
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "mx.example.com", FailureThreshold: 1, Timeout: time.Hour})
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errSMTPTransient })
	if cb.State() != StateOpen {
		t.Fatal("expected Open after one failure with threshold 1")
	}
	calls := 0
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 0 {
		t.Error("deliver function must not run while circuit is open")
	}
}

func TestCircuitBreakerExecutionTimeout(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "mx.example.com", Timeout: time.Second, ExecutionTimeout: 5 * time.Millisecond})
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrCircuitTimeout) {
		t.Errorf("err = %v, want ErrCircuitTimeout", err)
	}
}

// TestBreakerRegistryIsolatesPerDomain mirrors delivery.Handler.Handle's
// use of BreakerRegistry.Get(domain): a failing destination domain must
// not trip the breaker guarding an unrelated domain.
func TestBreakerRegistryIsolatesPerDomain(t *testing.T) {
	reg := NewBreakerRegistry(func(domain string) Config {
		return Config{Name: domain, FailureThreshold: 1, Timeout: time.Hour}
	})

	bad := reg.Get("bad-mx.example.com")
	if err := bad.Execute(context.Background(), func(ctx context.Context) error { return errSMTPTransient }); err == nil {
		t.Fatal("expected delivery error")
	}
	if bad.State() != StateOpen {
		t.Fatal("expected bad-mx breaker to open")
	}

	good := reg.Get("good-mx.example.com")
	if good.State() != StateClosed {
		t.Fatal("good-mx breaker must be unaffected by bad-mx's failures")
	}
	if err := good.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("good-mx delivery: %v", err)
	}

	if reg.Count() != 2 {
		t.Errorf("registry count = %d, want 2", reg.Count())
	}
}
