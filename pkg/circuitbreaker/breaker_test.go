package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var (
	errTransient = errors.New("connection refused")
	errDomain    = errors.New("not found")
)

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.Timeout = time.Hour
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errDomain) }
	return cfg
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := testConfig("store")
	cfg.OnStateChange = func(name string, to State) { transitions = append(transitions, to) }
	cb, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	fail := func(ctx context.Context) (int, error) { return 0, errTransient }
	for i := 0; i < int(cfg.FailureThreshold); i++ {
		if _, err := Do(context.Background(), cb, fail); !errors.Is(err, errTransient) {
			t.Fatalf("call %d: expected transient error, got %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("transitions = %v", transitions)
	}

	called := false
	_, err = Do(context.Background(), cb, func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	})
	if !IsRejected(err) || !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not run the call")
	}
}

func TestDomainErrorsDoNotTrip(t *testing.T) {
	cb, err := New(testConfig("store"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := Do(context.Background(), cb, func(ctx context.Context) (string, error) {
			return "", errDomain
		}); !errors.Is(err, errDomain) {
			t.Fatalf("expected domain error passthrough, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
}

func TestDoReturnsTypedResult(t *testing.T) {
	cb, err := New(testConfig("store"), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Do(context.Background(), cb, func(ctx context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	if err != nil || len(got) != 2 {
		t.Fatalf("Do = %v, %v", got, err)
	}
}

func TestRegistryHealth(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	a, err := reg.GetOrCreate("queue", testConfig(""))
	if err != nil {
		t.Fatal(err)
	}
	again, _ := reg.GetOrCreate("queue", testConfig(""))
	if a != again {
		t.Fatal("GetOrCreate should return the existing breaker")
	}
	if _, err := reg.GetOrCreate("consultation", testConfig("")); err != nil {
		t.Fatal(err)
	}

	health := reg.Health()
	if len(health) != 2 || health[0].Name != "consultation" || health[1].Name != "queue" {
		t.Fatalf("health = %+v", health)
	}
	for _, h := range health {
		if !h.Healthy || h.State != StateClosed {
			t.Fatalf("unexpected status %+v", h)
		}
	}
	if StateHalfOpen.Gauge() != 2 || StateOpen.Gauge() != 1 || StateClosed.Gauge() != 0 {
		t.Fatal("gauge mapping changed")
	}
}
