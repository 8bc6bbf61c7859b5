package channels

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/store"
)

// ReaderState is the lifecycle of a channel's live tail reader.
type ReaderState int

const (
	ReaderAbsent ReaderState = iota
	ReaderStarting
	ReaderRunning
	ReaderStopping
)

func (s ReaderState) String() string {
	switch s {
	case ReaderAbsent:
		return "absent"
	case ReaderStarting:
		return "starting"
	case ReaderRunning:
		return "running"
	case ReaderStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options tunes reader and replay behaviour.
type Options struct {
	// BlockTimeout bounds each blocking read; it is also the worst-case reader shutdown latency.
	BlockTimeout time.Duration
	// RetryBackoff is the fixed pause after a store error or while the store is unready.
	RetryBackoff time.Duration
	// PageSize caps entries per read.
	PageSize int64
	// HeldLimit caps live messages held for one subscriber while its replay runs.
	HeldLimit int
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		BlockTimeout: 5 * time.Second,
		RetryBackoff: 2 * time.Second,
		PageSize:     100,
		HeldLimit:    4096,
	}
}

type member struct {
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc

	// catchingUp holds live deliveries back until the replay has been sent.
	catchingUp bool
	held       [][]byte
}

type pendingReplay struct {
	m    *member
	from string
}

// channel is the per-name record. Fields are guarded by mu.
type channel struct {
	name      string
	heldLimit int

	mu      sync.Mutex
	members map[string]*member
	state   ReaderState
	cursor  string
	pending []pendingReplay
	removed bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Registry maps channel names to local subscribers and owns one live tail
// reader per channel with at least one subscriber.
// Lock order: Registry.mu before channel.mu.
type Registry struct {
	store   store.LogStore
	metrics *observability.Aggregator
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channel
	byConn   map[string]map[string]struct{}
	retiring map[string]chan struct{}
}

// NewRegistry creates an empty registry reading from s.
func NewRegistry(s store.LogStore, metrics *observability.Aggregator, opts Options) *Registry {
	if metrics == nil {
		metrics = observability.NewAggregator()
	}
	def := DefaultOptions()
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = def.BlockTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.HeldLimit <= 0 {
		opts.HeldLimit = def.HeldLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    s,
		metrics:  metrics,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
		byConn:   make(map[string]map[string]struct{}),
		retiring: make(map[string]chan struct{}),
	}
}

// Subscribe adds conn to the channel and returns the subscriber count.
// lastID is the last entry the client has seen; empty or "$" replays from the beginning.
// Repeating a subscribe is idempotent for membership and replays again unless a
// replay for this connection is still running.
func (r *Registry) Subscribe(name string, conn Conn, lastID string) int {
	from := lastID
	if from == "" || from == "$" {
		from = store.Beginning
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{
			name:      name,
			heldLimit: r.opts.HeldLimit,
			members:   make(map[string]*member),
		}
		r.channels[name] = ch
	}
	conns, ok := r.byConn[conn.ID()]
	if !ok {
		conns = make(map[string]struct{})
		r.byConn[conn.ID()] = conns
	}
	conns[name] = struct{}{}
	predecessor := r.retiring[name]

	ch.mu.Lock()
	r.mu.Unlock()

	m, exists := ch.members[conn.ID()]
	if !exists {
		ctx, cancel := context.WithCancel(r.ctx)
		m = &member{conn: conn, ctx: ctx, cancel: cancel}
		ch.members[conn.ID()] = m
	}
	count := len(ch.members)

	var replayUntil string
	replay := false
	switch {
	case m.catchingUp:
		log.Printf("[SUB] %s already replaying %s, skipping second replay", conn.ID(), name)
	case ch.state == ReaderAbsent:
		// 0 -> 1 transition: the reader resolves the boundary before any replay starts
		ch.state = ReaderStarting
		m.catchingUp = true
		ch.pending = append(ch.pending, pendingReplay{m: m, from: from})
		readerCtx, cancel := context.WithCancel(r.ctx)
		ch.cancel = cancel
		ch.done = make(chan struct{})
		r.wg.Add(1)
		go r.runTail(readerCtx, ch, predecessor)
	case ch.state == ReaderStarting:
		m.catchingUp = true
		ch.pending = append(ch.pending, pendingReplay{m: m, from: from})
	default:
		m.catchingUp = true
		replay = true
		replayUntil = ch.cursor
	}
	ch.mu.Unlock()

	if replay {
		r.startCatchUp(ch, m, from, replayUntil)
	}

	log.Printf("[SUB] %s subscribed to %s. Total: %d", conn.ID(), name, count)
	r.updateGauges()
	return count
}

// Unsubscribe removes conn from every channel. Channels left without
// subscribers are dropped and their readers told to stop.
func (r *Registry) Unsubscribe(conn Conn) {
	id := conn.ID()

	r.mu.Lock()
	names := r.byConn[id]
	delete(r.byConn, id)
	for name := range names {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		ch.mu.Lock()
		if m, ok := ch.members[id]; ok {
			m.cancel()
			delete(ch.members, id)
		}
		remaining := len(ch.members)
		if remaining == 0 {
			ch.removed = true
			if ch.state != ReaderAbsent {
				ch.state = ReaderStopping
			}
			if ch.cancel != nil {
				ch.cancel()
			}
			if ch.done != nil {
				r.retiring[name] = ch.done
			}
			delete(r.channels, name)
		}
		ch.mu.Unlock()

		log.Printf("[UNSUB] %s removed from %s. Remaining: %d", id, name, remaining)
		if remaining == 0 {
			log.Printf("[STREAM] last subscriber of %s left, reader will stop", name)
		}
	}
	r.mu.Unlock()

	r.updateGauges()
}

// Broadcast delivers payload to every open connection registered for the
// channel and returns how many accepted it. Closed connections are skipped
// but stay registered until they unsubscribe.
func (r *Registry) Broadcast(name string, payload []byte) int {
	r.mu.Lock()
	ch, ok := r.channels[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return 0
	}
	return ch.deliverLocked(payload)
}

// deliverLocked must be called with ch.mu held.
func (ch *channel) deliverLocked(payload []byte) int {
	delivered := 0
	for _, m := range ch.members {
		if !m.conn.Open() {
			continue
		}
		if m.catchingUp {
			if len(m.held) >= ch.heldLimit {
				log.Printf("[CATCH-UP] %s fell %d messages behind on %s, evicting", m.conn.ID(), len(m.held), ch.name)
				m.held = nil
				m.cancel()
				m.conn.Evict("replay too far behind")
				continue
			}
			m.held = append(m.held, payload)
			continue
		}
		if m.conn.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// active reports whether the channel still has local interest.
func (ch *channel) active() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.removed && len(ch.members) > 0
}

// ChannelStats describes one channel for diagnostics.
type ChannelStats struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	CatchingUp  int    `json:"catching_up"`
	Reader      string `json:"reader"`
	Cursor      string `json:"cursor,omitempty"`
}

// Stats returns a snapshot of every channel, sorted by name.
func (r *Registry) Stats() []ChannelStats {
	r.mu.Lock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.Unlock()

	out := make([]ChannelStats, 0, len(chans))
	for _, ch := range chans {
		ch.mu.Lock()
		st := ChannelStats{
			Name:        ch.name,
			Subscribers: len(ch.members),
			Reader:      ch.state.String(),
			Cursor:      ch.cursor,
		}
		for _, m := range ch.members {
			if m.catchingUp {
				st.CatchingUp++
			}
		}
		ch.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReaderState returns the reader lifecycle state of a registered channel, or
// ReaderAbsent when the channel has no record.
func (r *Registry) ReaderState(name string) ReaderState {
	r.mu.Lock()
	ch, ok := r.channels[name]
	r.mu.Unlock()
	if !ok {
		return ReaderAbsent
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// SubscriberCount returns the number of local subscribers of a channel.
func (r *Registry) SubscriberCount(name string) int {
	r.mu.Lock()
	ch, ok := r.channels[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.members)
}

// RetiringReaders returns the number of readers told to stop that have not exited yet.
func (r *Registry) RetiringReaders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retiring)
}

func (r *Registry) updateGauges() {
	counts := map[ReaderState]int{}
	subscribers := 0
	for _, st := range r.Stats() {
		subscribers += st.Subscribers
		switch st.Reader {
		case "starting":
			counts[ReaderStarting]++
		case "running":
			counts[ReaderRunning]++
		}
	}
	observability.ChannelSubscribers.Set(float64(subscribers))
	observability.ActiveReaders.WithLabelValues("starting").Set(float64(counts[ReaderStarting]))
	observability.ActiveReaders.WithLabelValues("running").Set(float64(counts[ReaderRunning]))
	observability.ActiveReaders.WithLabelValues("stopping").Set(float64(r.RetiringReaders()))
}

// Close stops every reader and replay and waits for them to exit.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
