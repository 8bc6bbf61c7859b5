package observability

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAggregatorFlushResetsAllCounters(t *testing.T) {
	a := NewAggregator()

	a.IncIn()
	a.IncIn()
	a.AddOut("live", 3)
	a.AddOut("catchup", 2)
	a.AddOut("live", 0)
	a.ObservePublish(10 * time.Millisecond)
	a.ObservePublish(30 * time.Millisecond)

	s := a.Flush()
	if s.MessagesIn != 2 {
		t.Errorf("expected 2 inbound, got %d", s.MessagesIn)
	}
	if s.MessagesOut != 5 {
		t.Errorf("expected 5 outbound, got %d", s.MessagesOut)
	}
	if s.PublishCount != 2 {
		t.Errorf("expected 2 publishes, got %d", s.PublishCount)
	}
	if got := s.AvgPublishLatency(); got != 20*time.Millisecond {
		t.Errorf("expected avg latency 20ms, got %v", got)
	}

	if after := a.Peek(); after != (Snapshot{}) {
		t.Errorf("expected zeroed window after flush, got %+v", after)
	}
}

func TestAvgPublishLatencyWithoutPublishes(t *testing.T) {
	if got := (Snapshot{}).AvgPublishLatency(); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestAggregatorConcurrentUpdates(t *testing.T) {
	a := NewAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.IncIn()
			a.AddOut("live", 2)
		}()
	}
	wg.Wait()

	s := a.Flush()
	if s.MessagesIn != 50 || s.MessagesOut != 100 {
		t.Errorf("expected in=50 out=100, got in=%d out=%d", s.MessagesIn, s.MessagesOut)
	}
}

func TestAggregatorRunReportsOnInterval(t *testing.T) {
	a := NewAggregator()
	a.IncIn()

	reports := make(chan Snapshot, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, 20*time.Millisecond, func(s Snapshot, _ time.Duration) {
		reports <- s
	})

	select {
	case s := <-reports:
		if s.MessagesIn != 1 {
			t.Errorf("expected first window to carry 1 inbound, got %d", s.MessagesIn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report within 2s")
	}

	select {
	case s := <-reports:
		if s.MessagesIn != 0 {
			t.Errorf("expected reset window, got %d inbound", s.MessagesIn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no second report within 2s")
	}
}
