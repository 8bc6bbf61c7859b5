package channels

import (
	"context"
	"log"

	"github.com/itskum47/relay/relay/observability"
)

func (r *Registry) startCatchUp(ch *channel, m *member, from string, until string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.catchUp(m.ctx, ch, m, from, until)
	}()
}

// catchUp replays (from, until] of the channel to a single connection, then
// releases the live messages held back for it while the replay ran.
// Both phases wait for buffer space, so a long history is paced by the client.
func (r *Registry) catchUp(ctx context.Context, ch *channel, m *member, from string, until string) {
	log.Printf("[CATCH-UP] replaying %s to %s from %s up to %s", ch.name, m.conn.ID(), from, until)

	cursor := from
	sent := 0
	var sendErr error
	for sendErr == nil {
		entries, err := r.store.ReadRange(ctx, ch.name, cursor, until, r.opts.PageSize)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[CATCH-UP] reading history of %s failed: %v", ch.name, err)
			}
			break
		}
		if len(entries) == 0 {
			break
		}

		pageSent := 0
		for _, e := range entries {
			cursor = e.ID
			msg, err := encodeEntry(ch.name, e)
			if err != nil {
				observability.DecodeFailures.WithLabelValues("catchup").Inc()
				log.Printf("[CATCH-UP] skipping entry %s of %s: %v", e.ID, ch.name, err)
				continue
			}
			if sendErr = m.conn.SendWait(ctx, msg); sendErr != nil {
				break
			}
			pageSent++
		}
		r.metrics.AddOut("catchup", pageSent)
		sent += pageSent
	}

	flushed := 0
	if sendErr == nil {
		flushed, sendErr = r.releaseHeld(ctx, ch, m)
	} else {
		ch.mu.Lock()
		m.held = nil
		m.catchingUp = false
		ch.mu.Unlock()
	}
	r.metrics.AddOut("live", flushed)

	if sendErr != nil {
		log.Printf("[CATCH-UP] stopped %s for %s after %d replayed: %v", ch.name, m.conn.ID(), sent, sendErr)
		return
	}
	log.Printf("[CATCH-UP] finished %s for %s: %d replayed, %d live released", ch.name, m.conn.ID(), sent, flushed)
}

// releaseHeld drains held live messages outside the channel lock. New live
// messages keep queuing behind them until a drain finds nothing left, and only
// then does the member switch to direct delivery.
func (r *Registry) releaseHeld(ctx context.Context, ch *channel, m *member) (int, error) {
	flushed := 0
	for {
		ch.mu.Lock()
		held := m.held
		m.held = nil
		if len(held) == 0 {
			m.catchingUp = false
			ch.mu.Unlock()
			return flushed, nil
		}
		ch.mu.Unlock()

		for _, msg := range held {
			if err := m.conn.SendWait(ctx, msg); err != nil {
				ch.mu.Lock()
				m.held = nil
				m.catchingUp = false
				ch.mu.Unlock()
				return flushed, err
			}
			flushed++
		}
	}
}
