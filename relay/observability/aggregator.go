package observability

import (
	"context"
	"log"
	"sync"
	"time"
)

// Snapshot is one flushed aggregation window.
type Snapshot struct {
	MessagesIn          int64         `json:"messages_in"`
	MessagesOut         int64         `json:"messages_out"`
	PublishLatencyTotal time.Duration `json:"publish_latency_total"`
	PublishCount        int64         `json:"publish_count"`
}

// AvgPublishLatency returns the mean append latency of the window, or 0.
func (s Snapshot) AvgPublishLatency() time.Duration {
	if s.PublishCount == 0 {
		return 0
	}
	return s.PublishLatencyTotal / time.Duration(s.PublishCount)
}

// Aggregator keeps the windowed counters reported on a fixed cadence.
// All four counters are reset together by Flush.
type Aggregator struct {
	mu      sync.Mutex
	current Snapshot
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// IncIn records one inbound client frame.
func (a *Aggregator) IncIn() {
	a.mu.Lock()
	a.current.MessagesIn++
	a.mu.Unlock()
	MessagesIn.Inc()
}

// AddOut records n deliveries on the given path ("live" or "catchup").
func (a *Aggregator) AddOut(path string, n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.current.MessagesOut += int64(n)
	a.mu.Unlock()
	MessagesOut.WithLabelValues(path).Add(float64(n))
}

// ObservePublish records one successful append and its latency.
func (a *Aggregator) ObservePublish(latency time.Duration) {
	a.mu.Lock()
	a.current.PublishLatencyTotal += latency
	a.current.PublishCount++
	a.mu.Unlock()
	PublishLatency.Observe(latency.Seconds())
}

// Peek returns the current window without resetting it.
func (a *Aggregator) Peek() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Flush returns the current window and resets every counter to zero.
func (a *Aggregator) Flush() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.current
	a.current = Snapshot{}
	return s
}

// Run flushes every interval until ctx is done. report defaults to LogSnapshot.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, report func(Snapshot, time.Duration)) {
	if report == nil {
		report = LogSnapshot
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.Flush()
			PublishLatencyAvg.Set(float64(s.AvgPublishLatency()) / float64(time.Millisecond))
			report(s, interval)
		}
	}
}

// LogSnapshot writes the window to the standard logger.
func LogSnapshot(s Snapshot, window time.Duration) {
	avgMs := float64(s.AvgPublishLatency()) / float64(time.Millisecond)
	log.Printf("[METRICS] --- window %v --- in=%d out=%d avg_publish_latency=%.2fms publishes=%d",
		window, s.MessagesIn, s.MessagesOut, avgMs, s.PublishCount)
}
