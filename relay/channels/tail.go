package channels

import (
	"context"
	"log"

	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/resilience"
	"github.com/itskum47/relay/relay/store"
)

// runTail is the live tail reader of one channel record. It only forwards
// entries appended after the boundary it resolves at start; history is the
// catch-up replayer's job.
func (r *Registry) runTail(ctx context.Context, ch *channel, predecessor chan struct{}) {
	defer r.wg.Done()
	defer r.retireTail(ch)

	// A reader from an earlier generation of this channel may still be unwinding.
	if predecessor != nil {
		select {
		case <-predecessor:
		case <-ctx.Done():
			return
		}
	}

	log.Printf("[STREAM] starting live reader for %s", ch.name)

	boundary, ok := r.resolveBoundary(ctx, ch)
	if !ok {
		return
	}

	ch.mu.Lock()
	if ch.removed {
		ch.mu.Unlock()
		return
	}
	ch.cursor = boundary
	ch.state = ReaderRunning
	pending := ch.pending
	ch.pending = nil
	ch.mu.Unlock()

	for _, p := range pending {
		r.startCatchUp(ch, p.m, p.from, boundary)
	}
	r.updateGauges()
	log.Printf("[STREAM] live reader for %s running from %s", ch.name, boundary)

	cursor := boundary
	for ch.active() {
		if !r.store.Ready() {
			observability.ReaderRetries.WithLabelValues("not_ready").Inc()
			log.Printf("[STREAM] log store not ready, reader for %s paused", ch.name)
			if resilience.Sleep(ctx, r.opts.RetryBackoff) != nil {
				return
			}
			continue
		}

		entries, err := r.store.ReadBlocking(ctx, ch.name, cursor, r.opts.BlockTimeout, r.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.ReaderRetries.WithLabelValues("read_error").Inc()
			log.Printf("[STREAM] blocking read for %s failed: %v", ch.name, err)
			if resilience.Sleep(ctx, r.opts.RetryBackoff) != nil {
				return
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		next, ok := r.deliverLive(ch, entries)
		if !ok {
			return
		}
		cursor = next
	}
}

// resolveBoundary fetches the channel's newest ID, waiting out store outages.
func (r *Registry) resolveBoundary(ctx context.Context, ch *channel) (string, bool) {
	for ch.active() {
		if !r.store.Ready() {
			observability.ReaderRetries.WithLabelValues("not_ready").Inc()
			log.Printf("[STREAM] log store not ready, reader for %s waiting to start", ch.name)
		} else {
			id, err := r.store.LastID(ctx, ch.name)
			if err == nil {
				return id, true
			}
			if ctx.Err() != nil {
				return "", false
			}
			observability.ReaderRetries.WithLabelValues("read_error").Inc()
			log.Printf("[STREAM] resolving start position of %s failed: %v", ch.name, err)
		}
		if resilience.Sleep(ctx, r.opts.RetryBackoff) != nil {
			return "", false
		}
	}
	return "", false
}

// deliverLive fans a batch out under the channel lock and commits the cursor.
// It returns false when the channel was removed meanwhile.
func (r *Registry) deliverLive(ch *channel, entries []store.Entry) (string, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return ch.cursor, false
	}

	delivered := 0
	for _, e := range entries {
		ch.cursor = e.ID
		msg, err := encodeEntry(ch.name, e)
		if err != nil {
			observability.DecodeFailures.WithLabelValues("live").Inc()
			log.Printf("[STREAM] skipping entry %s of %s: %v", e.ID, ch.name, err)
			continue
		}
		delivered += ch.deliverLocked(msg)
	}
	r.metrics.AddOut("live", delivered)
	return ch.cursor, true
}

func (r *Registry) retireTail(ch *channel) {
	ch.mu.Lock()
	ch.state = ReaderAbsent
	ch.pending = nil
	done := ch.done
	ch.mu.Unlock()

	if done != nil {
		close(done)
	}

	r.mu.Lock()
	if r.retiring[ch.name] == done {
		delete(r.retiring, ch.name)
	}
	r.mu.Unlock()

	r.updateGauges()
	log.Printf("[STREAM] live reader for %s stopped", ch.name)
}
