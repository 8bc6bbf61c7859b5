package store

import "sync"

// channelSignals wakes readers waiting on a channel. Each watch returns a
// channel that is closed on the next signal for that name; a fresh one is
// handed out afterwards.
type channelSignals struct {
	mu    sync.Mutex
	waits map[string]chan struct{}
}

func newChannelSignals() *channelSignals {
	return &channelSignals{waits: make(map[string]chan struct{})}
}

func (s *channelSignals) watch(channel string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waits[channel]
	if !ok {
		ch = make(chan struct{})
		s.waits[channel] = ch
	}
	return ch
}

func (s *channelSignals) signal(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waits[channel]; ok {
		close(ch)
		delete(s.waits, channel)
	}
}

func (s *channelSignals) signalAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ch := range s.waits {
		close(ch)
		delete(s.waits, name)
	}
}
