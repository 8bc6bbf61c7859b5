package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestReadinessTransitions(t *testing.T) {
	r := NewReadiness()

	if r.IsAvailable("append") {
		t.Fatal("unknown session must be unavailable")
	}

	var mu sync.Mutex
	var events []bool
	r.OnChange(func(name string, available bool) {
		mu.Lock()
		defer mu.Unlock()
		if name == "append" {
			events = append(events, available)
		}
	})

	r.MarkAvailable("append")
	r.MarkAvailable("append") // no transition
	r.MarkUnavailable("append", errors.New("connection reset"))
	r.MarkUnavailable("append", errors.New("connection refused")) // no transition
	r.MarkAvailable("append")

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(events) != len(want) {
		t.Fatalf("expected %d transitions, got %d (%v)", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], events[i])
		}
	}
}

func TestReadinessHealthCheckKeepsLastError(t *testing.T) {
	r := NewReadiness()
	r.MarkAvailable("read")
	r.MarkUnavailable("read", errors.New("i/o timeout"))

	health := r.HealthCheck()
	state, ok := health["read"]
	if !ok {
		t.Fatal("expected read session in health check")
	}
	if state.Available {
		t.Error("expected read session unavailable")
	}
	if state.LastError != "i/o timeout" {
		t.Errorf("expected last error %q, got %q", "i/o timeout", state.LastError)
	}
}

func TestSleepInterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancelled context")
	}

	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil after full sleep, got %v", err)
	}
}
