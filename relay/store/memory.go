package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryLogStore holds channel logs in process memory.
// It implements LogStore for single-node development and tests.
type MemoryLogStore struct {
	mu      sync.Mutex
	streams map[string][]Entry
	last    StreamID
	notify  chan struct{}
	closed  bool

	ready      atomic.Bool
	appendErr  error
	appendHits int
}

// NewMemoryLogStore initializes an empty, ready store.
func NewMemoryLogStore() *MemoryLogStore {
	s := &MemoryLogStore{
		streams: make(map[string][]Entry),
		notify:  make(chan struct{}),
	}
	s.ready.Store(true)
	return s
}

// SetReady toggles the readiness reported to the relay.
func (s *MemoryLogStore) SetReady(ready bool) {
	s.ready.Store(ready)
}

// FailAppends makes every following Append return err (nil clears it).
func (s *MemoryLogStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// AppendCalls returns how many appends reached the store, failed ones included.
func (s *MemoryLogStore) AppendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendHits
}

func (s *MemoryLogStore) Ready() bool {
	return s.ready.Load()
}

func (s *MemoryLogStore) nextID(now time.Time) StreamID {
	ms := uint64(now.UnixMilli())
	if ms <= s.last.Ms {
		s.last.Seq++
	} else {
		s.last = StreamID{Ms: ms}
	}
	return s.last
}

func (s *MemoryLogStore) Append(ctx context.Context, channel string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendHits++
	if s.closed {
		return "", ErrClosed
	}
	if !s.ready.Load() {
		return "", ErrNotReady
	}
	if s.appendErr != nil {
		return "", s.appendErr
	}

	now := time.Now()
	id := s.nextID(now)
	data := make([]byte, len(payload))
	copy(data, payload)
	s.streams[channel] = append(s.streams[channel], Entry{
		Channel:     channel,
		ID:          id.String(),
		Payload:     data,
		PublishedAt: now,
	})

	// Wake blocked readers
	close(s.notify)
	s.notify = make(chan struct{})

	return id.String(), nil
}

// AppendRaw stores payload without JSON handling; tests use it to plant malformed entries.
func (s *MemoryLogStore) AppendRaw(channel string, payload string) string {
	id, _ := s.Append(context.Background(), channel, []byte(payload))
	return id
}

// entriesAfter must be called with s.mu held.
func (s *MemoryLogStore) entriesAfter(channel string, after StreamID, until *StreamID, count int64) []Entry {
	var out []Entry
	for _, e := range s.streams[channel] {
		id, _ := ParseStreamID(e.ID)
		if id.Compare(after) <= 0 {
			continue
		}
		if until != nil && id.Compare(*until) > 0 {
			break
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out
}

func (s *MemoryLogStore) ReadRange(ctx context.Context, channel string, after string, until string, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	afterID, err := ParseStreamID(after)
	if err != nil {
		return nil, err
	}
	var untilID *StreamID
	if until != "" {
		u, err := ParseStreamID(until)
		if err != nil {
			return nil, err
		}
		untilID = &u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.entriesAfter(channel, afterID, untilID, count), nil
}

func (s *MemoryLogStore) ReadBlocking(ctx context.Context, channel string, after string, wait time.Duration, count int64) ([]Entry, error) {
	afterID, err := ParseStreamID(after)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		entries := s.entriesAfter(channel, afterID, nil, count)
		ch := s.notify
		s.mu.Unlock()

		if len(entries) > 0 {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-ch:
		}
	}
}

func (s *MemoryLogStore) LastID(ctx context.Context, channel string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.streams[channel]
	if len(entries) == 0 {
		return EmptyID, nil
	}
	return entries[len(entries)-1].ID, nil
}

// Len returns the number of entries stored for channel.
func (s *MemoryLogStore) Len(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[channel])
}

func (s *MemoryLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	return nil
}
