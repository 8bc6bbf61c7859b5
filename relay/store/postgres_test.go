package store

import (
	"testing"
	"time"
)

func TestSerialIDRoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 42, 9007199254740993} {
		s := formatSerialID(id)
		got, err := parseSerialID(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if got != id {
			t.Fatalf("parse %q = %d, want %d", s, got, id)
		}
	}
}

func TestSerialIDOrdersLikeStreamIDs(t *testing.T) {
	a, err := ParseStreamID(formatSerialID(9))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseStreamID(formatSerialID(10))
	if err != nil {
		t.Fatal(err)
	}
	if a.Compare(b) >= 0 {
		t.Fatalf("expected %s < %s", a, b)
	}
	if got, err := parseSerialID(EmptyID); err != nil || got != 0 {
		t.Fatalf("empty id parsed as %d, %v", got, err)
	}
}

func TestParseSerialIDRejects(t *testing.T) {
	for _, s := range []string{"", "abc", "1-x", "18446744073709551615-0"} {
		if _, err := parseSerialID(s); err == nil {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}

func closedWithin(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

func TestChannelSignalsWakeOnlyThatChannel(t *testing.T) {
	s := newChannelSignals()
	a1 := s.watch("a")
	a2 := s.watch("a")
	b := s.watch("b")

	s.signal("a")
	if !closedWithin(a1, time.Second) || !closedWithin(a2, time.Second) {
		t.Fatal("watchers of a were not woken")
	}
	if closedWithin(b, 20*time.Millisecond) {
		t.Fatal("watcher of b woken by a signal for a")
	}

	// A signal is not remembered for later watchers.
	if closedWithin(s.watch("a"), 20*time.Millisecond) {
		t.Fatal("new watcher of a saw an old signal")
	}

	// Signalling a channel nobody watches is a no-op.
	s.signal("nobody")
}

func TestChannelSignalsSignalAll(t *testing.T) {
	s := newChannelSignals()
	a, b := s.watch("a"), s.watch("b")

	s.signalAll()
	if !closedWithin(a, time.Second) || !closedWithin(b, time.Second) {
		t.Fatal("signalAll left a watcher asleep")
	}
	s.signalAll()
	s.signal("a")
}
